package pool

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/poolnet/poolnet/pkg/events"
	"github.com/poolnet/poolnet/pkg/store"
	"github.com/poolnet/poolnet/pkg/wire"
)

// fileSeeders tracks one available file and the nodes seeding it.
type fileSeeders struct {
	fileInfo wire.FileInfo
	seeders  map[string]struct{}
}

// availableFiles keeps file_seeders and file_offers consistent with each
// other under one lock.
type availableFiles struct {
	fileSeeders map[string]*fileSeeders         // file_id -> seeders
	fileOffers  map[string]map[string]struct{}  // node_id -> file_ids
}

// State is the shared per-pool state: identity, topology position, active
// node directory, available files and the close signal.
type State struct {
	PoolID      string
	NodeID      string
	User        store.BasicUserInfo
	InstantSeed int64

	bus *events.Bus

	nodePosition atomic.Pointer[NodePosition]

	reconnect  atomic.Bool
	authError  atomic.Bool
	closed     atomic.Bool
	closeOnce  sync.Once
	closeCh    chan struct{}

	latest     atomic.Bool
	isOnlyNode atomic.Bool

	activeNodesMu sync.RWMutex
	activeNodes   map[string][]uint32 // node_id -> path

	availableMu    sync.Mutex
	availableFiles availableFiles
}

// NewState builds the state for a pool using the local profile.
func NewState(poolID string, user store.BasicUserInfo, bus *events.Bus) *State {
	s := &State{
		PoolID:      poolID,
		NodeID:      user.Device.DeviceID,
		User:        user,
		InstantSeed: time.Now().UnixMicro(),
		bus:         bus,
		closeCh:     make(chan struct{}),
		activeNodes: make(map[string][]uint32),
		availableFiles: availableFiles{
			fileSeeders: make(map[string]*fileSeeders),
			fileOffers:  make(map[string]map[string]struct{}),
		},
	}
	s.reconnect.Store(true)
	s.nodePosition.Store(&NodePosition{})
	return s
}

// SetDisconnect marks a user-initiated disconnect; the pool will not rejoin.
func (s *State) SetDisconnect() { s.reconnect.Store(false) }

// SetAuthError flags the next reconnect event to require reauthentication.
func (s *State) SetAuthError() { s.authError.Store(true) }

// Reconnect reports whether the pool should rejoin after close.
func (s *State) Reconnect() bool { return s.reconnect.Load() }

// Close fires the pool close signal once. When reconnect is still set a
// reconnect event is published. Returns true on the first close.
func (s *State) Close() bool {
	if s.closed.Load() {
		return false
	}
	first := false
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.closeCh)
		first = true
		if s.Reconnect() {
			s.bus.PublishReconnectPool(s.PoolID, s.authError.Load())
		}
	})
	return first
}

// IsClosed reports whether the pool has been closed.
func (s *State) IsClosed() bool { return s.closed.Load() }

// CloseSignal is closed when the pool shuts down. Every loop selects on it.
func (s *State) CloseSignal() <-chan struct{} { return s.closeCh }

// SetNodePosition installs a new position snapshot. A center-cluster node
// surrounded by empty slots is alone in the pool; an alone node is already
// latest. Returns whether the node is alone.
func (s *State) SetNodePosition(pos NodePosition) bool {
	onlyNode := false
	if pos.CenterCluster {
		onlyNode = true
	outer:
		for _, panel := range append(pos.ParentCluster[:], pos.ChildCluster[:]...) {
			for _, nodeID := range panel {
				if nodeID != "" && nodeID != s.NodeID {
					onlyNode = false
					break outer
				}
			}
		}
		s.isOnlyNode.Store(onlyNode)
		if onlyNode {
			s.SetLatest()
		}
	}

	s.nodePosition.Store(&pos)
	return onlyNode
}

// NodePosition returns the current position snapshot.
func (s *State) NodePosition() *NodePosition { return s.nodePosition.Load() }

// NodePositionPath returns the current position path.
func (s *State) NodePositionPath() []uint32 { return s.nodePosition.Load().Path }

// PartnerInt returns this node's slot within its panel.
func (s *State) PartnerInt() int { return s.nodePosition.Load().PartnerInt }

// SetLatest marks this node as caught up; broadcasts are processed from here.
func (s *State) SetLatest() { s.latest.Store(true) }

// IsLatest reports whether this node has caught up.
func (s *State) IsLatest() bool { return s.latest.Load() }

// UpdateActiveNodePath records the overlay path of an active node.
func (s *State) UpdateActiveNodePath(nodeID string, path []uint32) {
	s.activeNodesMu.Lock()
	s.activeNodes[nodeID] = path
	s.activeNodesMu.Unlock()
}

// ActiveNodePath looks up an active node's path.
func (s *State) ActiveNodePath(nodeID string) ([]uint32, bool) {
	s.activeNodesMu.RLock()
	defer s.activeNodesMu.RUnlock()
	path, ok := s.activeNodes[nodeID]
	return path, ok
}

// IsNodeActive reports whether a node is in the active directory.
func (s *State) IsNodeActive(nodeID string) bool {
	s.activeNodesMu.RLock()
	defer s.activeNodesMu.RUnlock()
	_, ok := s.activeNodes[nodeID]
	return ok
}

// RemoveNode drops a node from the directory, installs promoted node paths
// and forgets every offer the node was seeding.
func (s *State) RemoveNode(nodeID string, promoted []wire.BasicNode) {
	s.activeNodesMu.Lock()
	delete(s.activeNodes, nodeID)
	for _, node := range promoted {
		s.activeNodes[node.NodeID] = node.Path
	}
	s.activeNodesMu.Unlock()

	s.availableMu.Lock()
	defer s.availableMu.Unlock()
	fileIDs, ok := s.availableFiles.fileOffers[nodeID]
	if !ok {
		return
	}
	delete(s.availableFiles.fileOffers, nodeID)
	for fileID := range fileIDs {
		fs, ok := s.availableFiles.fileSeeders[fileID]
		if !ok {
			continue
		}
		delete(fs.seeders, nodeID)
		if len(fs.seeders) == 0 {
			delete(s.availableFiles.fileSeeders, fileID)
		}
	}
}

// AddFileOffer registers a single offer from a seeder and publishes it.
func (s *State) AddFileOffer(seederNodeID string, fileInfo wire.FileInfo) {
	s.availableMu.Lock()
	added := s.availableFiles.addSeeder(seederNodeID, fileInfo)
	s.availableMu.Unlock()
	if !added {
		return
	}

	logrus.WithFields(logrus.Fields{
		"pool": s.PoolID, "seeder": seederNodeID, "file": fileInfo.FileID,
	}).Debug("file offer added")

	s.bus.PublishAddFileOffers(s.PoolID, seederNodeID, []wire.FileInfo{fileInfo})
}

// AddFileOffers registers a batch of offers from one seeder.
func (s *State) AddFileOffers(seederNodeID string, offers []wire.FileInfo) {
	if len(offers) == 0 {
		return
	}

	added := make([]wire.FileInfo, 0, len(offers))
	s.availableMu.Lock()
	for _, offer := range offers {
		if s.availableFiles.addSeeder(seederNodeID, offer) {
			added = append(added, offer)
		}
	}
	s.availableMu.Unlock()

	if len(added) == 0 {
		return
	}
	s.bus.PublishAddFileOffers(s.PoolID, seederNodeID, added)
}

// RemoveFileOffer unregisters an offer from a seeder.
func (s *State) RemoveFileOffer(seederNodeID, fileID string) {
	s.availableMu.Lock()
	removed := s.availableFiles.removeSeeder(seederNodeID, fileID)
	s.availableMu.Unlock()
	if removed {
		s.bus.PublishRemoveFileOffer(s.PoolID, seederNodeID, fileID)
	}
}

// InitFileSeeders merges a catch-up seeder snapshot and publishes the result.
func (s *State) InitFileSeeders(seeders []wire.FileSeeders) {
	if len(seeders) == 0 {
		return
	}

	s.availableMu.Lock()
	for _, file := range seeders {
		for _, seederID := range file.SeederNodeIDs {
			s.availableFiles.addSeeder(seederID, file.FileInfo)
		}
	}
	snapshot := s.availableFiles.collect()
	s.availableMu.Unlock()

	if len(snapshot) != 0 {
		s.bus.PublishInitFileSeeders(s.PoolID, snapshot)
	}
}

// CollectFileSeeders snapshots the available files for a latest reply.
func (s *State) CollectFileSeeders() []wire.FileSeeders {
	s.availableMu.Lock()
	defer s.availableMu.Unlock()
	return s.availableFiles.collect()
}

// IsAvailableFile reports whether any node seeds the file.
func (s *State) IsAvailableFile(fileID string) bool {
	s.availableMu.Lock()
	defer s.availableMu.Unlock()
	_, ok := s.availableFiles.fileSeeders[fileID]
	return ok
}

// SortedFileSeeders returns the file's seeders ordered by overlay path
// distance from this node, closest first.
func (s *State) SortedFileSeeders(fileID string) []string {
	var seeders []string
	s.availableMu.Lock()
	if fs, ok := s.availableFiles.fileSeeders[fileID]; ok {
		for nodeID := range fs.seeders {
			seeders = append(seeders, nodeID)
		}
	}
	s.availableMu.Unlock()
	if len(seeders) == 0 {
		return nil
	}

	myPath := s.NodePositionPath()
	s.activeNodesMu.RLock()
	dist := func(nodeID string) int {
		path, ok := s.activeNodes[nodeID]
		if !ok {
			return len(myPath) + 64
		}
		return pathDistance(myPath, path)
	}
	for i := 1; i < len(seeders); i++ {
		for j := i; j > 0 && dist(seeders[j]) < dist(seeders[j-1]); j-- {
			seeders[j], seeders[j-1] = seeders[j-1], seeders[j]
		}
	}
	s.activeNodesMu.RUnlock()

	return seeders
}

// pathDistance measures tree distance via the shared prefix length.
func pathDistance(path1, path2 []uint32) int {
	matches := 0
	minLen := len(path1)
	if len(path2) < minLen {
		minLen = len(path2)
	}
	for matches < minLen && path1[matches] == path2[matches] {
		matches++
	}
	return (len(path1) - matches) + (len(path2) - matches)
}

func (af *availableFiles) collect() []wire.FileSeeders {
	out := make([]wire.FileSeeders, 0, len(af.fileSeeders))
	for _, fs := range af.fileSeeders {
		ids := make([]string, 0, len(fs.seeders))
		for id := range fs.seeders {
			ids = append(ids, id)
		}
		out = append(out, wire.FileSeeders{FileInfo: fs.fileInfo, SeederNodeIDs: ids})
	}
	return out
}

// addSeeder registers an offer, rejecting file infos that contradict the
// already known name or size.
func (af *availableFiles) addSeeder(seederNodeID string, fileInfo wire.FileInfo) bool {
	if fs, ok := af.fileSeeders[fileInfo.FileID]; ok {
		if fs.fileInfo.FileName != fileInfo.FileName || fs.fileInfo.TotalSize != fileInfo.TotalSize {
			return false
		}
		if _, ok := fs.seeders[seederNodeID]; ok {
			return false
		}
		fs.seeders[seederNodeID] = struct{}{}
	} else {
		af.fileSeeders[fileInfo.FileID] = &fileSeeders{
			fileInfo: fileInfo,
			seeders:  map[string]struct{}{seederNodeID: {}},
		}
	}

	offers, ok := af.fileOffers[seederNodeID]
	if !ok {
		offers = make(map[string]struct{})
		af.fileOffers[seederNodeID] = offers
	}
	offers[fileInfo.FileID] = struct{}{}
	return true
}

func (af *availableFiles) removeSeeder(seederNodeID, fileID string) bool {
	fs, ok := af.fileSeeders[fileID]
	if !ok {
		return false
	}
	if _, ok := fs.seeders[seederNodeID]; !ok {
		return false
	}
	delete(fs.seeders, seederNodeID)
	if len(fs.seeders) == 0 {
		delete(af.fileSeeders, fileID)
	}

	if offers, ok := af.fileOffers[seederNodeID]; ok {
		delete(offers, fileID)
		if len(offers) == 0 {
			delete(af.fileOffers, seederNodeID)
		}
	}
	return true
}
