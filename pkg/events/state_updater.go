package events

import (
	"sync"
	"sync/atomic"
	"time"
)

const stateUpdaterInterval = 500 * time.Millisecond

// StateUpdater coalesces download progress into periodic state-update events.
// It sleeps while no download is registered and wakes on registration.
type StateUpdater struct {
	bus *Bus

	mu               sync.Mutex
	downloadProgress map[string]*progressEntry // file_id -> progress

	wake chan struct{}
	done chan struct{}
}

type progressEntry struct {
	poolID   string
	progress *atomic.Int64
}

// NewStateUpdater starts the updater loop.
func NewStateUpdater(bus *Bus) *StateUpdater {
	u := &StateUpdater{
		bus:              bus,
		downloadProgress: make(map[string]*progressEntry),
		wake:             make(chan struct{}, 1),
		done:             make(chan struct{}),
	}
	go u.loop()
	return u
}

// Close stops the updater loop.
func (u *StateUpdater) Close() {
	close(u.done)
}

func (u *StateUpdater) loop() {
	for {
		select {
		case <-u.done:
			return
		case <-u.wake:
		}

		for u.triggerUpdateState() {
			select {
			case <-u.done:
				return
			case <-time.After(stateUpdaterInterval):
			}
		}
	}
}

func (u *StateUpdater) triggerUpdateState() bool {
	u.mu.Lock()
	defer u.mu.Unlock()

	if len(u.downloadProgress) == 0 {
		return false
	}

	byPool := make(map[string][]FileDownloadProgress)
	for fileID, entry := range u.downloadProgress {
		byPool[entry.poolID] = append(byPool[entry.poolID], FileDownloadProgress{
			FileID:   fileID,
			Progress: int(entry.progress.Load()),
		})
	}
	for poolID, progress := range byPool {
		u.bus.Publish(Event{
			Type:        EventStateUpdate,
			PoolID:      poolID,
			StateUpdate: &StateUpdate{FileDownloadsProgress: progress},
		})
	}
	return true
}

// RegisterDownloadProgress tracks a download's progress counter.
func (u *StateUpdater) RegisterDownloadProgress(poolID, fileID string, progress *atomic.Int64) {
	u.mu.Lock()
	u.downloadProgress[fileID] = &progressEntry{poolID: poolID, progress: progress}
	u.mu.Unlock()

	select {
	case u.wake <- struct{}{}:
	default:
	}
}

// UnregisterDownloadProgress stops tracking a download.
func (u *StateUpdater) UnregisterDownloadProgress(fileID string) {
	u.mu.Lock()
	delete(u.downloadProgress, fileID)
	u.mu.Unlock()
}
