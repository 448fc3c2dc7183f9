// Package wire defines the messages exchanged between pool nodes and with the
// signaling server, encoded as msgpack with stable field names.
package wire

import (
	"github.com/poolnet/poolnet/pkg/chunk"
)

// MessageType discriminates the payload of a Message.
type MessageType int32

const (
	MessageTypeText MessageType = iota
	MessageTypeNodeInfo
	MessageTypeFileOffer
	MessageTypeMediaOffer
	MessageTypeRetractFileOffer
	MessageTypeFileRequest
	MessageTypeRetractFileRequest
)

// MediaType discriminates media offers.
type MediaType int32

const (
	MediaTypeImage MediaType = iota
)

// SourceInfo identifies the originating node of a package.
type SourceInfo struct {
	NodeID string   `msgpack:"nodeId"`
	Path   []uint32 `msgpack:"path"`
}

// DestinationInfo names one destination node. The list is consumed along the
// route: each destination removes itself before forwarding.
type DestinationInfo struct {
	NodeID string `msgpack:"nodeId"`
}

// MessagePackage is the unit sent over a data channel. It carries at most one
// of Msg, DirectMsg or ChunkMsg.
type MessagePackage struct {
	Src            *SourceInfo       `msgpack:"src"`
	Dests          []DestinationInfo `msgpack:"dests"`
	PartnerIntPath *uint32           `msgpack:"partnerIntPath"`
	Msg            *Message          `msgpack:"msg"`
	DirectMsg      *DirectMessage    `msgpack:"directMsg"`
	ChunkMsg       *ChunkMessage     `msgpack:"chunkMsg"`
}

// Message is a broadcast or multicast pool message. Exactly one data field
// matching Type is set.
type Message struct {
	MsgID   string      `msgpack:"msgId"`
	Type    MessageType `msgpack:"type"`
	UserID  string      `msgpack:"userId"`
	Created uint64      `msgpack:"created"`

	TextData               *TextData               `msgpack:"textData"`
	NodeInfoData           *NodeInfoData           `msgpack:"nodeInfoData"`
	FileOfferData          *FileInfo               `msgpack:"fileOfferData"`
	MediaOfferData         *MediaOfferData         `msgpack:"mediaOfferData"`
	RetractFileOfferData   *RetractFileOfferData   `msgpack:"retractFileOfferData"`
	FileRequestData        *FileRequestData        `msgpack:"fileRequestData"`
	RetractFileRequestData *RetractFileRequestData `msgpack:"retractFileRequestData"`
}

// TextData is a plain text message.
type TextData struct {
	Text string `msgpack:"text"`
}

// NodeInfoData advertises a node's current file offers.
type NodeInfoData struct {
	FileOffers []FileInfo `msgpack:"fileOffers"`
}

// FileInfo describes an offered file. FileID is random, not content derived.
type FileInfo struct {
	FileID       string `msgpack:"fileId" json:"fileId"`
	FileName     string `msgpack:"fileName" json:"fileName"`
	TotalSize    uint64 `msgpack:"totalSize" json:"totalSize"`
	OriginNodeID string `msgpack:"originNodeId" json:"originNodeId"`
}

// ImageData carries a downscaled preview for image offers.
type ImageData struct {
	Width              uint32 `msgpack:"width"`
	Height             uint32 `msgpack:"height"`
	PreviewImageBase64 string `msgpack:"previewImageBase64"`
}

// MediaOfferData is a file offer with media metadata.
type MediaOfferData struct {
	FileInfo  *FileInfo  `msgpack:"fileInfo"`
	MediaType MediaType  `msgpack:"mediaType"`
	ImageData *ImageData `msgpack:"imageData"`
}

// RetractFileOfferData withdraws a file offer.
type RetractFileOfferData struct {
	FileID string `msgpack:"fileId"`
}

// FileRequestData asks a seeder for chunk ranges of a file. Intermediaries
// shrink RequestedChunks and grow PromisedChunks as they commit to serve
// parts of the request themselves.
type FileRequestData struct {
	FileID            string       `msgpack:"fileId"`
	RequestedChunks   chunk.Ranges `msgpack:"requestedChunks"`
	PromisedChunks    chunk.Ranges `msgpack:"promisedChunks"`
	RequestFromOrigin bool         `msgpack:"requestFromOrigin"`
}

// RetractFileRequestData cancels an outstanding file request.
type RetractFileRequestData struct {
	FileID string `msgpack:"fileId"`
}

// DirectMessageType discriminates direct (neighbor-only) messages.
type DirectMessageType int32

const (
	DirectMessageTypeLatestRequest DirectMessageType = iota
	DirectMessageTypeLatestReply
)

// DirectMessage is a point-to-point message between direct neighbors.
type DirectMessage struct {
	Type            DirectMessageType `msgpack:"type"`
	LatestReplyData *LatestReplyData  `msgpack:"latestReplyData"`
}

// LatestReplyData carries the catch-up state for a newly joined node.
type LatestReplyData struct {
	LatestMessages []Message     `msgpack:"latestMessages"`
	FileSeeders    []FileSeeders `msgpack:"fileSeeders"`
}

// FileSeeders pairs a file with the nodes currently seeding it.
type FileSeeders struct {
	FileInfo      FileInfo `msgpack:"fileInfo"`
	SeederNodeIDs []string `msgpack:"seederNodeIds"`
}

// ChunkMessage is one transport chunk of a file.
type ChunkMessage struct {
	FileID      string `msgpack:"fileId"`
	ChunkNumber uint64 `msgpack:"chunkNumber"`
	Chunk       []byte `msgpack:"chunk"`
}
