// Package events publishes UI-facing state changes. Publishing never blocks:
// when no consumer keeps up, events are dropped.
package events

import (
	"github.com/poolnet/poolnet/pkg/wire"
)

// EventType names a UI event.
type EventType string

const (
	EventStateUpdate          EventType = "state-update"
	EventInitPool             EventType = "init-pool"
	EventReconnectPool        EventType = "reconnect-pool"
	EventAddPoolNode          EventType = "add-pool-node"
	EventRemovePoolNode       EventType = "remove-pool-node"
	EventAddPoolUser          EventType = "add-pool-user"
	EventRemovePoolUser       EventType = "remove-pool-user"
	EventAddFileOffers        EventType = "add-pool-file-offers"
	EventRemoveFileOffer      EventType = "remove-pool-file-offer"
	EventInitFileSeeders      EventType = "init-pool-file-seeders"
	EventCompleteFileDownload EventType = "complete-pool-file-download"
	EventAppendPoolMessage    EventType = "append-pool-message"
)

// Event is one published UI event. Exactly one payload field is set.
type Event struct {
	Type   EventType
	PoolID string

	Reconnect   *ReconnectPool
	Node        *PoolNode
	NodeID      string
	UserInfo    *wire.UserInfo
	UserID      string
	FileOffers  *FileOffers
	FileOffer   *FileOffer
	FileSeeders []wire.FileSeeders
	Download    *CompleteFileDownload
	Message     *wire.Message
	StateUpdate *StateUpdate
	InitPool    *wire.PoolInfo
}

// ReconnectPool asks the UI layer to re-join; Reauth is set when the close
// was authentication related.
type ReconnectPool struct {
	Reauth bool
}

// PoolNode identifies a node and its path.
type PoolNode struct {
	NodeID string
	UserID string
	Path   []uint32
}

// FileOffers lists offers added by one seeder.
type FileOffers struct {
	NodeID     string
	FileOffers []wire.FileInfo
}

// FileOffer identifies one retracted offer.
type FileOffer struct {
	NodeID string
	FileID string
}

// CompleteFileDownload reports a finished (or failed) download.
type CompleteFileDownload struct {
	FileID  string
	Success bool
}

// FileDownloadProgress is one entry of a progress state update.
type FileDownloadProgress struct {
	FileID   string
	Progress int
}

// StateUpdate batches download progress.
type StateUpdate struct {
	FileDownloadsProgress []FileDownloadProgress
}

// Bus is a fire-and-forget event sink.
type Bus struct {
	ch chan Event
}

// NewBus creates a bus with the given buffer size.
func NewBus(size int) *Bus {
	return &Bus{ch: make(chan Event, size)}
}

// Events returns the consumer side of the bus.
func (b *Bus) Events() <-chan Event {
	return b.ch
}

// Publish enqueues an event, dropping it if the buffer is full.
func (b *Bus) Publish(ev Event) {
	select {
	case b.ch <- ev:
	default:
	}
}

// PublishReconnectPool emits a reconnect event.
func (b *Bus) PublishReconnectPool(poolID string, reauth bool) {
	b.Publish(Event{Type: EventReconnectPool, PoolID: poolID, Reconnect: &ReconnectPool{Reauth: reauth}})
}

// PublishAddFileOffers emits newly registered offers of one seeder.
func (b *Bus) PublishAddFileOffers(poolID, nodeID string, offers []wire.FileInfo) {
	b.Publish(Event{Type: EventAddFileOffers, PoolID: poolID, FileOffers: &FileOffers{NodeID: nodeID, FileOffers: offers}})
}

// PublishRemoveFileOffer emits a retracted offer.
func (b *Bus) PublishRemoveFileOffer(poolID, nodeID, fileID string) {
	b.Publish(Event{Type: EventRemoveFileOffer, PoolID: poolID, FileOffer: &FileOffer{NodeID: nodeID, FileID: fileID}})
}

// PublishInitFileSeeders emits the full seeder snapshot.
func (b *Bus) PublishInitFileSeeders(poolID string, seeders []wire.FileSeeders) {
	b.Publish(Event{Type: EventInitFileSeeders, PoolID: poolID, FileSeeders: seeders})
}

// PublishCompleteFileDownload emits a download completion.
func (b *Bus) PublishCompleteFileDownload(poolID, fileID string, success bool) {
	b.Publish(Event{Type: EventCompleteFileDownload, PoolID: poolID, Download: &CompleteFileDownload{FileID: fileID, Success: success}})
}

// PublishAppendPoolMessage emits a newly logged message.
func (b *Bus) PublishAppendPoolMessage(poolID string, msg *wire.Message) {
	b.Publish(Event{Type: EventAppendPoolMessage, PoolID: poolID, Message: msg})
}

// PublishAddPoolNode emits a roster addition.
func (b *Bus) PublishAddPoolNode(poolID string, node PoolNode) {
	n := node
	b.Publish(Event{Type: EventAddPoolNode, PoolID: poolID, Node: &n})
}

// PublishRemovePoolNode emits a roster removal.
func (b *Bus) PublishRemovePoolNode(poolID, nodeID string) {
	b.Publish(Event{Type: EventRemovePoolNode, PoolID: poolID, NodeID: nodeID})
}

// PublishAddPoolUser emits a member addition or update.
func (b *Bus) PublishAddPoolUser(poolID string, user *wire.UserInfo) {
	b.Publish(Event{Type: EventAddPoolUser, PoolID: poolID, UserInfo: user})
}

// PublishRemovePoolUser emits a member removal.
func (b *Bus) PublishRemovePoolUser(poolID, userID string) {
	b.Publish(Event{Type: EventRemovePoolUser, PoolID: poolID, UserID: userID})
}

// PublishInitPool emits the roster snapshot on join.
func (b *Bus) PublishInitPool(poolID string, info *wire.PoolInfo) {
	b.Publish(Event{Type: EventInitPool, PoolID: poolID, InitPool: info})
}
