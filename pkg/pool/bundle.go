package pool

import (
	"github.com/poolnet/poolnet/pkg/config"
	"github.com/poolnet/poolnet/pkg/wire"
)

// PackageBundle pairs a decoded message package with its encoded bytes so
// forwarding does not re-encode, plus the neighbor it arrived from.
type PackageBundle struct {
	Pkg        *wire.MessagePackage
	Encoded    []byte
	FromNodeID string
	IsChunk    bool
}

// NewBundle encodes a package into a bundle. Encoding a package this node
// just built cannot fail; a nil bundle is returned on codec errors from
// malformed inputs.
func NewBundle(pkg *wire.MessagePackage, fromNodeID string) *PackageBundle {
	encoded, err := wire.EncodePackage(pkg)
	if err != nil {
		return nil
	}
	return &PackageBundle{
		Pkg:        pkg,
		Encoded:    encoded,
		FromNodeID: fromNodeID,
		IsChunk:    pkg.ChunkMsg != nil,
	}
}

// NewReceivedBundle wraps an already-encoded inbound package.
func NewReceivedBundle(pkg *wire.MessagePackage, encoded []byte, fromNodeID string) *PackageBundle {
	return &PackageBundle{
		Pkg:        pkg,
		Encoded:    encoded,
		FromNodeID: fromNodeID,
		IsChunk:    pkg.ChunkMsg != nil,
	}
}

// CheckAndUpdateIsDest consumes this node's entry from the destination list.
// When other destinations remain the bundle is re-encoded for forwarding.
func (b *PackageBundle) CheckAndUpdateIsDest(targetNodeID string) bool {
	for i := range b.Pkg.Dests {
		if b.Pkg.Dests[i].NodeID != targetNodeID {
			continue
		}
		b.Pkg.Dests = append(b.Pkg.Dests[:i], b.Pkg.Dests[i+1:]...)
		if len(b.Pkg.Dests) != 0 {
			if encoded, err := wire.EncodePackage(b.Pkg); err == nil {
				b.Encoded = encoded
			}
		}
		return true
	}
	return false
}

// Reencode refreshes the encoded bytes after the package was modified.
func (b *PackageBundle) Reencode() {
	if encoded, err := wire.EncodePackage(b.Pkg); err == nil {
		b.Encoded = encoded
	}
}

// SrcNodeID returns the originating node id.
func (b *PackageBundle) SrcNodeID() string {
	return b.Pkg.Src.NodeID
}

// Clone copies the bundle with an independent destination list.
func (b *PackageBundle) Clone() *PackageBundle {
	pkg := *b.Pkg
	pkg.Dests = append([]wire.DestinationInfo(nil), b.Pkg.Dests...)
	return &PackageBundle{
		Pkg:        &pkg,
		Encoded:    b.Encoded,
		FromNodeID: b.FromNodeID,
		IsChunk:    b.IsChunk,
	}
}

// receivedMessageQueue is the sliding dedup window over message ids.
// Eviction is strict FIFO in arrival order.
type receivedMessageQueue struct {
	queue []string
	set   map[string]struct{}
}

func newReceivedMessageQueue() *receivedMessageQueue {
	return &receivedMessageQueue{
		queue: make([]string, 0, config.ReceivedMessagesSize),
		set:   make(map[string]struct{}, config.ReceivedMessagesSize),
	}
}

// appendMessage records a message id. Returns false for ids already inside
// the window.
func (q *receivedMessageQueue) appendMessage(msgID string) bool {
	if _, ok := q.set[msgID]; ok {
		return false
	}

	if len(q.queue) == config.ReceivedMessagesSize {
		removed := q.queue[0]
		q.queue = q.queue[1:]
		delete(q.set, removed)
	}

	q.queue = append(q.queue, msgID)
	q.set[msgID] = struct{}{}
	return true
}
