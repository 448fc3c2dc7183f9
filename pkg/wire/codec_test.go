package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poolnet/poolnet/pkg/chunk"
)

func uint32Ptr(v uint32) *uint32 { return &v }

func TestPackageRoundTrip(t *testing.T) {
	pkg := &MessagePackage{
		Src:            &SourceInfo{NodeID: "node-a", Path: []uint32{0, 2, 1}},
		Dests:          []DestinationInfo{{NodeID: "node-b"}, {NodeID: "node-c"}},
		PartnerIntPath: uint32Ptr(2),
		Msg: &Message{
			MsgID:   "0123456789",
			Type:    MessageTypeFileRequest,
			UserID:  "user-1",
			Created: 1700000000000,
			FileRequestData: &FileRequestData{
				FileID:          "file123456",
				RequestedChunks: chunk.Ranges{{Start: 0, End: 47}},
				PromisedChunks:  chunk.Ranges{{Start: 10, End: 20}},
			},
		},
	}

	encoded, err := EncodePackage(pkg)
	require.NoError(t, err)

	decoded, err := DecodePackage(encoded)
	require.NoError(t, err)
	assert.Equal(t, pkg, decoded)
}

func TestChunkPackageRoundTrip(t *testing.T) {
	payload := make([]byte, 32*1024)
	for i := range payload {
		payload[i] = byte(i)
	}
	pkg := &MessagePackage{
		Src:            &SourceInfo{NodeID: "node-a", Path: []uint32{1}},
		PartnerIntPath: uint32Ptr(1),
		ChunkMsg: &ChunkMessage{
			FileID:      "file123456",
			ChunkNumber: 32,
			Chunk:       payload,
		},
	}

	encoded, err := EncodePackage(pkg)
	require.NoError(t, err)

	decoded, err := DecodePackage(encoded)
	require.NoError(t, err)
	assert.Equal(t, pkg, decoded)
}

func TestDirectMessageRoundTrip(t *testing.T) {
	pkg := &MessagePackage{
		Src: &SourceInfo{NodeID: "node-a", Path: []uint32{0}},
		DirectMsg: &DirectMessage{
			Type: DirectMessageTypeLatestReply,
			LatestReplyData: &LatestReplyData{
				LatestMessages: []Message{{
					MsgID:    "abcdefghij",
					Type:     MessageTypeText,
					UserID:   "user-1",
					Created:  1,
					TextData: &TextData{Text: "hi"},
				}},
				FileSeeders: []FileSeeders{{
					FileInfo:      FileInfo{FileID: "file123456", FileName: "f", TotalSize: 10, OriginNodeID: "node-a"},
					SeederNodeIDs: []string{"node-a"},
				}},
			},
		},
	}

	encoded, err := EncodePackage(pkg)
	require.NoError(t, err)

	decoded, err := DecodePackage(encoded)
	require.NoError(t, err)
	assert.Equal(t, pkg, decoded)
}

func TestSSMessageRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		msg  SSMessage
	}{
		{"heartbeat", SSMessage{Op: SSOpHeartbeat}},
		{"position", SSMessage{
			Op: SSOpUpdateNodePosition,
			UpdateNodePositionData: &UpdateNodePositionData{
				Path:                 []uint32{0, 1},
				PartnerInt:           2,
				CenterCluster:        true,
				ParentClusterNodeIDs: []string{"a", "", "c", "", "", "", "", "", ""},
				ChildClusterNodeIDs:  []string{"", "", "", "", "", ""},
			},
		}},
		{"sdp", SSMessage{
			Op:           SSOpSendOffer,
			Key:          "key1",
			SDPOfferData: &SDPOfferData{FromNodeID: "node-b", SDP: "{\"type\":\"offer\"}"},
		}},
		{"report", SSMessage{
			Op:             SSOpReportNode,
			ReportNodeData: &ReportNodeData{NodeID: "node-b", ReportCode: ReportCodeDisconnect},
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			encoded, err := Encode(&tc.msg)
			require.NoError(t, err)

			var decoded SSMessage
			require.NoError(t, Decode(encoded, &decoded))
			assert.Equal(t, tc.msg, decoded)
		})
	}
}

func TestDelimitedFraming(t *testing.T) {
	msgs := []Message{
		{MsgID: "aaaaaaaaaa", Type: MessageTypeText, UserID: "u", Created: 1, TextData: &TextData{Text: "one"}},
		{MsgID: "bbbbbbbbbb", Type: MessageTypeText, UserID: "u", Created: 2, TextData: &TextData{Text: "two"}},
	}

	var buf []byte
	var err error
	for i := range msgs {
		buf, err = EncodeDelimited(buf, &msgs[i])
		require.NoError(t, err)
	}

	var decoded []Message
	for len(buf) > 0 {
		var msg Message
		buf, err = DecodeDelimited(buf, &msg)
		require.NoError(t, err)
		decoded = append(decoded, msg)
	}
	assert.Equal(t, msgs, decoded)
}

func TestDelimitedZeroTail(t *testing.T) {
	var msg Message
	_, err := DecodeDelimited(make([]byte, 64), &msg)
	assert.ErrorIs(t, err, ErrShortFrame)

	_, err = DecodeDelimited([]byte{}, &msg)
	assert.ErrorIs(t, err, ErrShortFrame)
}

func TestDelimitedTruncatedRecord(t *testing.T) {
	buf, err := EncodeDelimited(nil, &Message{MsgID: "aaaaaaaaaa", UserID: "u", Created: 1})
	require.NoError(t, err)

	var msg Message
	_, err = DecodeDelimited(buf[:len(buf)-3], &msg)
	assert.Error(t, err)
}
