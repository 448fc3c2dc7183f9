package pool

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poolnet/poolnet/pkg/chunk"
	"github.com/poolnet/poolnet/pkg/config"
	"github.com/poolnet/poolnet/pkg/events"
	"github.com/poolnet/poolnet/pkg/msgdb"
	"github.com/poolnet/poolnet/pkg/store"
	"github.com/poolnet/poolnet/pkg/wire"
)

func newTestDeps(t *testing.T) Deps {
	t.Helper()
	stores, err := store.NewManager(t.TempDir())
	require.NoError(t, err)
	db, err := msgdb.New(stores.DBDir())
	require.NoError(t, err)
	t.Cleanup(db.Close)

	bus := events.NewBus(256)
	updater := events.NewStateUpdater(bus)
	t.Cleanup(updater.Close)

	return Deps{
		Cfg:     config.Default(),
		Stores:  stores,
		DB:      db,
		Bus:     bus,
		Updater: updater,
	}
}

func newTestFileManager(t *testing.T, state *State) *FileManager {
	t.Helper()
	deps := newTestDeps(t)
	sendChunkCh := make(chan SendChunkInfo, config.MaxSendChunkBufferLength)
	return NewFileManager(state, deps, sendChunkCh)
}

func newIdleSender(fm *FileManager, totalSize uint64) *ChunkSender {
	info := wire.FileInfo{FileID: "file000001", FileName: "f.bin", TotalSize: totalSize}
	cs := newChunkSender(info, "/nonexistent/f.bin", fm, false)
	// Keep the sender loop from spawning while requests are staged.
	cs.broadcasting.Store(true)
	return cs
}

func stageRequest(cs *ChunkSender, nodeID string, requested chunk.Ranges, promised map[uint64]chunk.Ranges) *fileRequest {
	if promised == nil {
		promised = make(map[uint64]chunk.Ranges)
	}
	req := &fileRequest{
		requestingNodeID: nodeID,
		requestedChunks:  requested,
		promisedChunks:   promised,
		isNew:            true,
	}
	cs.mu.Lock()
	cs.fileRequests = append(cs.fileRequests, req)
	cs.mu.Unlock()
	return req
}

func TestNextDestsPicksMinimum(t *testing.T) {
	s, _ := newTestState(t, "node-a")
	s.UpdateActiveNodePath("node-b", []uint32{0})
	s.UpdateActiveNodePath("node-c", []uint32{1})
	fm := newTestFileManager(t, s)

	cs := newIdleSender(fm, 100*config.ChunkSize)
	stageRequest(cs, "node-b", chunk.Ranges{{Start: 10, End: 20}}, nil)
	stageRequest(cs, "node-c", chunk.Ranges{{Start: 5, End: 8}}, nil)

	dests, next, done, skip := cs.nextDests(s, 0, 100)
	require.False(t, done)
	require.False(t, skip)
	assert.Equal(t, uint64(5), next)
	assert.Equal(t, []string{"node-c"}, dests)
}

func TestNextDestsGroupsEqualCursors(t *testing.T) {
	s, _ := newTestState(t, "node-a")
	s.UpdateActiveNodePath("node-b", []uint32{0})
	s.UpdateActiveNodePath("node-c", []uint32{1})
	fm := newTestFileManager(t, s)

	cs := newIdleSender(fm, 100*config.ChunkSize)
	stageRequest(cs, "node-b", chunk.Ranges{{Start: 3, End: 9}}, nil)
	stageRequest(cs, "node-c", chunk.Ranges{{Start: 3, End: 6}}, nil)

	dests, next, done, skip := cs.nextDests(s, 0, 100)
	require.False(t, done)
	require.False(t, skip)
	assert.Equal(t, uint64(3), next)
	assert.ElementsMatch(t, []string{"node-b", "node-c"}, dests)
}

func TestNextDestsDropsInactiveRequesters(t *testing.T) {
	s, _ := newTestState(t, "node-a")
	s.UpdateActiveNodePath("node-b", []uint32{0})
	fm := newTestFileManager(t, s)

	cs := newIdleSender(fm, 100*config.ChunkSize)
	stageRequest(cs, "node-b", chunk.Ranges{{Start: 0, End: 5}}, nil)
	stageRequest(cs, "gone", chunk.Ranges{{Start: 0, End: 5}}, nil)

	dests, _, done, skip := cs.nextDests(s, 0, 100)
	require.False(t, done)
	require.False(t, skip)
	assert.Equal(t, []string{"node-b"}, dests)

	cs.mu.Lock()
	assert.Len(t, cs.fileRequests, 1)
	cs.mu.Unlock()
}

func TestNextDestsSkipsPromisedRegions(t *testing.T) {
	s, _ := newTestState(t, "node-a")
	s.UpdateActiveNodePath("node-b", []uint32{0})
	fm := newTestFileManager(t, s)

	cs := newIdleSender(fm, 200*config.ChunkSize)
	// Chunks 0-63 requested, but 0-31 (cache chunk 0) promised by another
	// node: the sender must start at 32.
	promised := make(map[uint64]chunk.Ranges)
	chunk.Ranges{{Start: 0, End: 31}}.MapPromised(promised)
	stageRequest(cs, "node-b", chunk.Ranges{{Start: 0, End: 63}}, promised)

	dests, next, done, skip := cs.nextDests(s, 0, 200)
	require.False(t, done)
	require.False(t, skip)
	assert.Equal(t, []string{"node-b"}, dests)
	assert.Equal(t, uint64(32), next)
}

func TestNextDestsRemovesWrappedRequester(t *testing.T) {
	s, _ := newTestState(t, "node-a")
	s.UpdateActiveNodePath("node-b", []uint32{0})
	fm := newTestFileManager(t, s)

	cs := newIdleSender(fm, 100*config.ChunkSize)
	req := stageRequest(cs, "node-b", chunk.Ranges{{Start: 10, End: 20}}, nil)
	req.isNew = false
	req.startChunkNumber = 15
	req.wrapped = true
	req.nextChunkNumber = 0

	// After wrapping, reaching the start point again means the requester got
	// its full pass.
	_, _, done, skip := cs.nextDests(s, 21, 100)
	assert.False(t, done)
	assert.True(t, skip)

	cs.mu.Lock()
	assert.Empty(t, cs.fileRequests)
	cs.mu.Unlock()
}

func TestNextDestsDoneWhenEmpty(t *testing.T) {
	s, _ := newTestState(t, "node-a")
	fm := newTestFileManager(t, s)

	cs := newIdleSender(fm, 100*config.ChunkSize)
	_, _, done, _ := cs.nextDests(s, 0, 100)
	assert.True(t, done)
}

func TestAddRequestMergesPromisesForExistingRequester(t *testing.T) {
	s, _ := newTestState(t, "node-a")
	fm := newTestFileManager(t, s)

	cs := newIdleSender(fm, 100*config.ChunkSize)
	cs.addRequest("node-b", wire.FileRequestData{
		FileID:          "file000001",
		RequestedChunks: chunk.Ranges{{Start: 0, End: 63}},
	})
	cs.addRequest("node-b", wire.FileRequestData{
		FileID:         "file000001",
		PromisedChunks: chunk.Ranges{{Start: 0, End: 10}},
	})

	cs.mu.Lock()
	defer cs.mu.Unlock()
	require.Len(t, cs.fileRequests, 1)
	assert.Equal(t, chunk.Ranges{{Start: 0, End: 10}}, cs.fileRequests[0].promisedChunks[0])
}

func TestAddRequestIgnoresEmptyRequest(t *testing.T) {
	s, _ := newTestState(t, "node-a")
	fm := newTestFileManager(t, s)

	cs := newIdleSender(fm, 100*config.ChunkSize)
	cs.addRequest("node-b", wire.FileRequestData{FileID: "file000001"})

	cs.mu.Lock()
	defer cs.mu.Unlock()
	assert.Empty(t, cs.fileRequests)
}

func TestRetractRequest(t *testing.T) {
	s, _ := newTestState(t, "node-a")
	fm := newTestFileManager(t, s)

	cs := newIdleSender(fm, 100*config.ChunkSize)
	cs.addRequest("node-b", wire.FileRequestData{
		FileID:          "file000001",
		RequestedChunks: chunk.Ranges{{Start: 0, End: 5}},
	})
	cs.retractRequest("node-b")

	cs.mu.Lock()
	defer cs.mu.Unlock()
	assert.Empty(t, cs.fileRequests)
}

func TestPromiseFileChunksFromSender(t *testing.T) {
	s, _ := newTestState(t, "node-a")
	s.UpdateActiveNodePath("node-b", []uint32{0})
	fm := newTestFileManager(t, s)

	// A fully held offer promises from the whole file.
	dir := t.TempDir()
	path := filepath.Join(dir, "f.bin")
	require.NoError(t, os.WriteFile(path, make([]byte, 4*config.CacheChunkSize), 0o644))

	info := wire.FileInfo{FileID: "file000001", FileName: "f.bin", TotalSize: 4 * config.CacheChunkSize}
	sender := newChunkSender(info, path, fm, false)
	sender.broadcasting.Store(true)
	fm.sendersMu.Lock()
	fm.chunkSenders[info.FileID] = sender
	fm.sendersMu.Unlock()

	req := &wire.FileRequestData{
		FileID:          info.FileID,
		RequestedChunks: chunk.FullRange(info.TotalSize),
	}
	require.True(t, fm.PromiseFileChunks("node-b", req, 1))

	// Partner path 1 covers cache chunk 1: chunks 32..63.
	assert.Equal(t, chunk.Ranges{{Start: 32, End: 63}}, req.PromisedChunks)
	assert.Empty(t, req.RequestedChunks.Intersection(req.PromisedChunks))

	// The promised slice became a queued sub-request for the requester.
	sender.mu.Lock()
	defer sender.mu.Unlock()
	require.Len(t, sender.fileRequests, 1)
	assert.Equal(t, "node-b", sender.fileRequests[0].requestingNodeID)
	assert.Equal(t, chunk.Ranges{{Start: 32, End: 63}}, sender.fileRequests[0].requestedChunks)
}

func TestPromiseFileChunksNoSender(t *testing.T) {
	s, _ := newTestState(t, "node-a")
	fm := newTestFileManager(t, s)

	req := &wire.FileRequestData{
		FileID:          "unknown",
		RequestedChunks: chunk.Ranges{{Start: 0, End: 10}},
	}
	assert.False(t, fm.PromiseFileChunks("node-b", req, 0))
	assert.Empty(t, req.PromisedChunks)
}
