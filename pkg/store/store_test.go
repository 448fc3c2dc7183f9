package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poolnet/poolnet/pkg/config"
	"github.com/poolnet/poolnet/pkg/wire"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)
	return m
}

func writeTestFile(t *testing.T, dir, name string, size int) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o644))
	return path
}

func TestAddRemoveFileOffer(t *testing.T) {
	m := newTestManager(t)
	dir := t.TempDir()
	path := writeTestFile(t, dir, "a.bin", 100)

	info := wire.FileInfo{FileID: "file000001", FileName: "a.bin", TotalSize: 100, OriginNodeID: "node-a"}
	require.True(t, m.AddFileOffer("pool1", info, path))

	// Same path cannot be offered twice.
	assert.False(t, m.AddFileOffer("pool1", wire.FileInfo{FileID: "file000002"}, path))

	offers := m.FileOffers("pool1")
	require.Len(t, offers, 1)
	assert.Equal(t, "file000001", offers[0].FileID)

	existing, ok := m.CheckExistingFile("file000001")
	require.True(t, ok)
	assert.Equal(t, path, filepath.Clean(existing))

	require.True(t, m.RemoveFileOffer("file000001"))
	assert.False(t, m.RemoveFileOffer("file000001"))
	assert.Empty(t, m.FileOffers("pool1"))
}

// Retract-then-re-add with the same file id behaves like a plain re-add.
func TestReAddFileOffer(t *testing.T) {
	m := newTestManager(t)
	dir := t.TempDir()
	path := writeTestFile(t, dir, "a.bin", 100)
	info := wire.FileInfo{FileID: "file000001", FileName: "a.bin", TotalSize: 100}

	require.True(t, m.AddFileOffer("pool1", info, path))
	require.True(t, m.RemoveFileOffer("file000001"))
	require.True(t, m.AddFileOffer("pool1", info, path))

	offers := m.FileOffers("pool1")
	require.Len(t, offers, 1)
	assert.Equal(t, "file000001", offers[0].FileID)
}

func TestOffersDroppedWhenBackingFileChanges(t *testing.T) {
	dataDir := t.TempDir()
	fileDir := t.TempDir()
	okPath := writeTestFile(t, fileDir, "keep.bin", 64)
	changedPath := writeTestFile(t, fileDir, "changed.bin", 64)

	m, err := NewManager(dataDir)
	require.NoError(t, err)
	require.True(t, m.AddFileOffer("pool1", wire.FileInfo{FileID: "file000001", FileName: "keep.bin", TotalSize: 64}, okPath))
	require.True(t, m.AddFileOffer("pool1", wire.FileInfo{FileID: "file000002", FileName: "changed.bin", TotalSize: 64}, changedPath))

	// The backing file shrinks behind the store's back.
	require.NoError(t, os.WriteFile(changedPath, make([]byte, 10), 0o644))

	m2, err := NewManager(dataDir)
	require.NoError(t, err)
	offers := m2.FileOffersWithPath("pool1")
	require.Len(t, offers, 1)
	assert.Equal(t, "file000001", offers[0].FileInfo.FileID)
}

func TestStoreAtomicRename(t *testing.T) {
	dataDir := t.TempDir()
	m, err := NewManager(dataDir)
	require.NoError(t, err)

	m.SetAuthToken("secret-token")

	// No temp file lingers and the store survives a reopen.
	_, err = os.Stat(filepath.Join(dataDir, "auth.store.tmp"))
	assert.True(t, os.IsNotExist(err))

	m2, err := NewManager(dataDir)
	require.NoError(t, err)
	assert.Equal(t, "secret-token", m2.AuthToken())
}

func TestTempFileQueueEviction(t *testing.T) {
	m := newTestManager(t)

	const size = 16 * 1024 * 1024 // the per-file maximum
	total := int(config.MaxTempFilesSizePerPool / size)

	for i := 0; i < total; i++ {
		removed := m.AddTempFile("pool1", TempFile{
			FileID:   "file00000" + string(rune('a'+i)),
			FileSize: size,
			Created:  time.Now(),
			Path:     filepath.Join(t.TempDir(), "tf"),
		})
		assert.Empty(t, removed)
	}

	// One more pushes the byte total past the cap; the oldest is evicted.
	removed := m.AddTempFile("pool1", TempFile{
		FileID:   "file-over",
		FileSize: size,
		Created:  time.Now(),
		Path:     filepath.Join(t.TempDir(), "tf"),
	})
	require.Len(t, removed, 1)
	assert.Equal(t, "file00000a", removed[0].FileID)
}

func TestTempFileOversizeRejected(t *testing.T) {
	m := newTestManager(t)
	removed := m.AddTempFile("pool1", TempFile{
		FileID:   "file-big",
		FileSize: config.MaxTempFileSize + 1,
	})
	assert.Nil(t, removed)
}

func TestPoolRoster(t *testing.T) {
	m := newTestManager(t)

	m.UpdatePool(wire.PoolInfo{PoolID: "pool1", PoolName: "one", Users: []wire.UserInfo{
		{UserID: "user-1", DisplayName: "One"},
	}})

	m.AddPoolUser("pool1", wire.UserInfo{UserID: "user-2", DisplayName: "Two"})
	m.AddPoolDevice("pool1", "user-2", wire.DeviceInfo{DeviceID: "dev-1"})
	// A duplicate device id must not register twice.
	m.AddPoolDevice("pool1", "user-2", wire.DeviceInfo{DeviceID: "dev-1"})
	m.AddPoolDevice("pool1", "user-2", wire.DeviceInfo{DeviceID: "dev-2"})

	pools := m.SortedPools()
	require.Len(t, pools, 1)
	require.Len(t, pools[0].Users, 2)
	assert.Len(t, pools[0].Users[1].Devices, 2)

	m.RemovePoolUser("pool1", "user-2")
	pools = m.SortedPools()
	require.Len(t, pools[0].Users, 1)
	assert.Equal(t, "user-1", pools[0].Users[0].UserID)
}

func TestCreateValidFilePath(t *testing.T) {
	dir := t.TempDir()

	path := CreateValidFilePath(dir, "a.bin")
	assert.Equal(t, filepath.Join(dir, "a.bin"), path)

	writeTestFile(t, dir, "a.bin", 1)
	collided := CreateValidFilePath(dir, "a.bin")
	assert.NotEqual(t, path, collided)
}

func TestDeviceIDGenerated(t *testing.T) {
	m := newTestManager(t)
	id := m.DeviceID()
	assert.Len(t, id, config.DeviceIDLength)
	// Stable across calls.
	assert.Equal(t, id, m.DeviceID())
}
