package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func validSrc() *SourceInfo {
	return &SourceInfo{NodeID: "node-a", Path: []uint32{0}}
}

func TestIsValidMessage(t *testing.T) {
	msg := &Message{MsgID: "aaaaaaaaaa", Type: MessageTypeText, UserID: "u", Created: 1}

	cases := []struct {
		name  string
		pkg   MessagePackage
		valid bool
	}{
		{"ok", MessagePackage{Src: validSrc(), Msg: msg}, true},
		{"no src", MessagePackage{Msg: msg}, false},
		{"empty path", MessagePackage{Src: &SourceInfo{NodeID: "a"}, Msg: msg}, false},
		{"no msg", MessagePackage{Src: validSrc()}, false},
		{"no msg id", MessagePackage{Src: validSrc(), Msg: &Message{UserID: "u", Created: 1}}, false},
		{"no created", MessagePackage{Src: validSrc(), Msg: &Message{MsgID: "a", UserID: "u"}}, false},
		{"no user", MessagePackage{Src: validSrc(), Msg: &Message{MsgID: "a", Created: 1}}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.valid, tc.pkg.IsValidMessage())
		})
	}
}

func TestIsValidChunk(t *testing.T) {
	path1 := uint32(1)
	path2 := uint32(2)

	chunkMsg := &ChunkMessage{FileID: "file123456", ChunkNumber: 32}

	cases := []struct {
		name  string
		pkg   MessagePackage
		valid bool
	}{
		{"ok no path", MessagePackage{Src: validSrc(), ChunkMsg: chunkMsg}, true},
		{"ok matching path", MessagePackage{Src: validSrc(), PartnerIntPath: &path1, ChunkMsg: chunkMsg}, true},
		{"wrong path", MessagePackage{Src: validSrc(), PartnerIntPath: &path2, ChunkMsg: chunkMsg}, false},
		{"no file id", MessagePackage{Src: validSrc(), ChunkMsg: &ChunkMessage{ChunkNumber: 1}}, false},
		{"no chunk", MessagePackage{Src: validSrc()}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.valid, tc.pkg.IsValidChunk())
		})
	}
}

func TestIsValidDirectMessage(t *testing.T) {
	assert.True(t, (&MessagePackage{Src: validSrc(), DirectMsg: &DirectMessage{}}).IsValidDirectMessage())
	assert.False(t, (&MessagePackage{Src: validSrc()}).IsValidDirectMessage())
}
