package pool

import (
	"os"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/poolnet/poolnet/pkg/chunk"
	"github.com/poolnet/poolnet/pkg/config"
	"github.com/poolnet/poolnet/pkg/wire"
)

// cacheChunk is one occupied slot of the relay cache: the held ranges of a
// single cache chunk and the requesters promised parts of it. The active
// lock serializes the writer and reader on the slot's file region.
type cacheChunk struct {
	fileID           string
	cacheChunkNumber uint64
	promisedRequests map[string]chunk.Ranges

	activeLock *sync.Mutex
	chunkRanges chunk.Ranges
}

type cacheChunks struct {
	pos           map[string]map[uint64]int // file_id -> cache_chunk_number -> slot
	cache         [config.MaxCacheChunksAmount]*cacheChunk
	promisedQueue []int
}

// CacheManager relay-caches chunks passing through this node and serves them
// back to requesters. One writer and one reader goroutine own separate
// handles to the pool's cache file.
type CacheManager struct {
	state *State
	deps  Deps

	sendChunkCh      chan<- SendChunkInfo
	cacheFileChunkCh chan wire.ChunkMessage

	// Slot currently being read, -1 when the reader is idle. The writer
	// overwrites it only when every other slot holds promises.
	promisedHead atomic.Int64

	wakeCh chan struct{}

	mu     sync.Mutex
	chunks cacheChunks

	cacheFilePath string
}

// NewCacheManager opens the pool cache file and starts the writer and reader
// loops. Returns nil when the cache file cannot be created; the pool then
// runs without relay caching.
func NewCacheManager(state *State, deps Deps, sendChunkCh chan<- SendChunkInfo) *CacheManager {
	writerHandle, cacheFilePath, err := deps.Stores.CreateCacheFileHandle(state.PoolID, state.InstantSeed)
	if err != nil {
		logrus.WithError(err).WithField("pool", state.PoolID).Warn("cache file unavailable, relay caching disabled")
		return nil
	}
	readerHandle, _, err := deps.Stores.CreateCacheFileHandle(state.PoolID, state.InstantSeed)
	if err != nil {
		writerHandle.Close()
		return nil
	}

	cm := &CacheManager{
		state:            state,
		deps:             deps,
		sendChunkCh:      sendChunkCh,
		cacheFileChunkCh: make(chan wire.ChunkMessage, config.CacheChunkBufferAmount),
		wakeCh:           make(chan struct{}, 1),
		chunks: cacheChunks{
			pos: make(map[string]map[uint64]int),
		},
		cacheFilePath: cacheFilePath,
	}
	cm.promisedHead.Store(-1)

	go cm.cacheFileChunkLoop(writerHandle)
	go cm.promisedChunksLoop(readerHandle)

	return cm
}

// Clean removes the cache file.
func (cm *CacheManager) Clean() {
	os.Remove(cm.cacheFilePath)
}

// CacheFileChunk hands a relayed chunk to the writer, dropping it when the
// writer is saturated.
func (cm *CacheManager) CacheFileChunk(chunkMsg wire.ChunkMessage) {
	select {
	case cm.cacheFileChunkCh <- chunkMsg:
	default:
	}
}

// PromiseCacheChunks promises cached ranges of the request restricted to
// partnerIntPath. Newly promised slots enter the reader queue; on success the
// promises are subtracted from the request and the reader is woken.
func (cm *CacheManager) PromiseCacheChunks(requestingNodeID string, req *wire.FileRequestData, partnerIntPath uint32) bool {
	cm.mu.Lock()

	promisedStart := len(req.PromisedChunks)
	for _, reqRange := range req.RequestedChunks {
		for cc := chunk.CacheChunkNumber(reqRange.Start); cc <= chunk.CacheChunkNumber(reqRange.End); cc++ {
			if chunk.CacheChunkPartnerIntPath(cc) != partnerIntPath {
				continue
			}
			filePos, ok := cm.chunks.pos[req.FileID]
			if !ok {
				continue
			}
			pos, ok := filePos[cc]
			if !ok {
				continue
			}
			slot := cm.chunks.cache[pos]
			if slot == nil {
				continue
			}

			wasUnqueued := len(slot.promisedRequests) == 0

			for _, held := range slot.chunkRanges {
				r := chunk.Range{Start: reqRange.Start, End: reqRange.End}
				if held.Start > r.Start {
					r.Start = held.Start
				}
				if held.End < r.End {
					r.End = held.End
				}
				if r.Start > r.End {
					continue
				}

				if existing, ok := slot.promisedRequests[requestingNodeID]; ok {
					existing.Add(r)
					slot.promisedRequests[requestingNodeID] = existing
				} else {
					slot.promisedRequests[requestingNodeID] = chunk.Ranges{r}
				}
				req.PromisedChunks = append(req.PromisedChunks, r)
			}

			if wasUnqueued && len(slot.promisedRequests) != 0 {
				cm.chunks.promisedQueue = append(cm.chunks.promisedQueue, pos)
			}
		}
	}

	cm.mu.Unlock()

	promised := req.PromisedChunks[promisedStart:]
	if len(promised) == 0 {
		return false
	}

	req.RequestedChunks = req.RequestedChunks.Diff(chunk.Ranges(promised))

	select {
	case cm.wakeCh <- struct{}{}:
	default:
	}
	return true
}

// cacheFileChunkLoop is the dedicated writer: it owns the write handle and
// persists relayed chunks into slots.
func (cm *CacheManager) cacheFileChunkLoop(fileHandle *os.File) {
	defer fileHandle.Close()

	writerHead := 0
	for {
		select {
		case <-cm.state.CloseSignal():
			return
		case chunkMsg := <-cm.cacheFileChunkCh:
			writerHead = cm.handleCacheFileChunk(fileHandle, writerHead, chunkMsg)
		}
	}
}

func (cm *CacheManager) handleCacheFileChunk(fileHandle *os.File, writerHead int, chunkMsg wire.ChunkMessage) int {
	if len(chunkMsg.Chunk) > config.ChunkSize {
		return writerHead
	}

	cacheChunkNumber := chunk.CacheChunkNumber(chunkMsg.ChunkNumber)

	cm.mu.Lock()

	existingPos := -1
	if filePos, ok := cm.chunks.pos[chunkMsg.FileID]; ok {
		if pos, ok := filePos[cacheChunkNumber]; ok {
			existingPos = pos
		}
	}

	var pos int
	newChunk := false
	switch {
	case existingPos >= 0:
		slot := cm.chunks.cache[existingPos]
		if slot == nil || slot.chunkRanges.HasChunk(chunkMsg.ChunkNumber) {
			cm.mu.Unlock()
			return writerHead
		}
		pos = existingPos

	case len(cm.chunks.promisedQueue) >= config.MaxCacheChunksAmount-1:
		// Saturated: overwrite the reader's current slot. The slot lock
		// keeps the in-flight read intact.
		activeRead := cm.promisedHead.Load()
		if activeRead < 0 {
			cm.mu.Unlock()
			return writerHead
		}
		pos = int(activeRead)
		newChunk = true

	default:
		pos = writerHead
		for {
			slot := cm.chunks.cache[pos]
			if slot == nil || len(slot.promisedRequests) == 0 {
				break
			}
			pos = (pos + 1) % config.MaxCacheChunksAmount
		}
		writerHead = (pos + 1) % config.MaxCacheChunksAmount
		newChunk = true
	}

	if newChunk {
		cm.evictSlotLocked(pos)

		slot := &cacheChunk{
			fileID:           chunkMsg.FileID,
			cacheChunkNumber: cacheChunkNumber,
			promisedRequests: make(map[string]chunk.Ranges),
			activeLock:       &sync.Mutex{},
		}
		filePos, ok := cm.chunks.pos[chunkMsg.FileID]
		if !ok {
			filePos = make(map[uint64]int)
			cm.chunks.pos[chunkMsg.FileID] = filePos
		}
		filePos[cacheChunkNumber] = pos
		cm.chunks.cache[pos] = slot
	}

	slot := cm.chunks.cache[pos]
	slot.chunkRanges.AddChunk(chunkMsg.ChunkNumber)
	activeLock := slot.activeLock

	cm.mu.Unlock()

	activeLock.Lock()
	// Existing data is overwritten in place; readers see the slot through
	// its chunk ranges, never by sequential scanning.
	offset := int64(pos)*config.CacheChunkSize +
		int64(chunkMsg.ChunkNumber-chunk.FirstChunkOfCacheChunk(cacheChunkNumber))*config.ChunkSize

	writeOK := false
	if _, err := fileHandle.WriteAt(chunkMsg.Chunk, offset); err == nil {
		writeOK = true
		if pad := config.ChunkSize - len(chunkMsg.Chunk); pad != 0 {
			fill := make([]byte, pad)
			if _, err := fileHandle.WriteAt(fill, offset+int64(len(chunkMsg.Chunk))); err != nil {
				writeOK = false
			}
		}
	}
	activeLock.Unlock()

	if !writeOK {
		cm.mu.Lock()
		if newChunk {
			cm.evictSlotLocked(pos)
			writerHead = pos
		} else if slot := cm.chunks.cache[pos]; slot != nil {
			slot.chunkRanges = slot.chunkRanges.Diff(chunk.Ranges{{
				Start: chunkMsg.ChunkNumber, End: chunkMsg.ChunkNumber,
			}})
		}
		cm.mu.Unlock()
	}

	return writerHead
}

// evictSlotLocked removes a slot's occupant from the position map.
func (cm *CacheManager) evictSlotLocked(pos int) {
	slot := cm.chunks.cache[pos]
	if slot == nil {
		return
	}
	cm.chunks.cache[pos] = nil
	if filePos, ok := cm.chunks.pos[slot.fileID]; ok {
		delete(filePos, slot.cacheChunkNumber)
		if len(filePos) == 0 {
			delete(cm.chunks.pos, slot.fileID)
		}
	}
}

type promisedCacheRequest struct {
	requestingNodeID string
	requestedRanges  chunk.Ranges
}

// promisedChunksLoop is the dedicated reader: it drains the promised queue,
// reading each slot's held chunks and producing sends for the live
// requesters that still want them.
func (cm *CacheManager) promisedChunksLoop(fileHandle *os.File) {
	defer fileHandle.Close()

	for {
		for {
			cm.mu.Lock()
			if len(cm.chunks.promisedQueue) == 0 {
				cm.mu.Unlock()
				break
			}
			pos := cm.chunks.promisedQueue[0]
			cm.chunks.promisedQueue = cm.chunks.promisedQueue[1:]

			slot := cm.chunks.cache[pos]
			if slot == nil {
				cm.mu.Unlock()
				continue
			}

			cm.promisedHead.Store(int64(pos))

			fileID := slot.fileID
			cacheChunkNumber := slot.cacheChunkNumber
			chunkRanges := slot.chunkRanges.Clone()
			promisedMap := slot.promisedRequests
			slot.promisedRequests = make(map[string]chunk.Ranges)
			activeLock := slot.activeLock
			cm.mu.Unlock()

			promised := make([]promisedCacheRequest, 0, len(promisedMap))
			for nodeID, ranges := range promisedMap {
				if cm.state.IsNodeActive(nodeID) || nodeID == cm.state.NodeID {
					promised = append(promised, promisedCacheRequest{
						requestingNodeID: nodeID,
						requestedRanges:  ranges,
					})
				}
			}
			if len(promised) == 0 {
				continue
			}

			initOffset := int64(pos) * config.CacheChunkSize
			chunkNumberOffset := chunk.FirstChunkOfCacheChunk(cacheChunkNumber)

			activeLock.Lock()
			for _, held := range chunkRanges {
				for chunkNumber := held.Start; chunkNumber <= held.End; chunkNumber++ {
					var destNodeIDs []string
					sendToSelf := false
					for _, request := range promised {
						if !request.requestedRanges.HasChunk(chunkNumber) {
							continue
						}
						if request.requestingNodeID == cm.state.NodeID {
							sendToSelf = true
						} else {
							destNodeIDs = append(destNodeIDs, request.requestingNodeID)
						}
					}
					if !sendToSelf && len(destNodeIDs) == 0 {
						continue
					}

					buf := make([]byte, config.ChunkSize)
					offset := initOffset + int64(chunkNumber-chunkNumberOffset)*config.ChunkSize
					if _, err := fileHandle.ReadAt(buf, offset); err != nil {
						continue
					}

					info := SendChunkInfo{
						ChunkMsg: wire.ChunkMessage{
							FileID:      fileID,
							ChunkNumber: chunkNumber,
							Chunk:       buf,
						},
						DestNodeIDs: destNodeIDs,
						SendToSelf:  sendToSelf,
					}

					select {
					case <-cm.state.CloseSignal():
						activeLock.Unlock()
						return
					case cm.sendChunkCh <- info:
					}
				}
			}
			activeLock.Unlock()
		}

		cm.promisedHead.Store(-1)

		select {
		case <-cm.state.CloseSignal():
			return
		case <-cm.wakeCh:
		}
	}
}
