package store

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/poolnet/poolnet/pkg/config"
	"github.com/poolnet/poolnet/pkg/wire"
)

// TempFile is a downloaded file living in the pool temp directory.
type TempFile struct {
	FileID   string
	FileSize uint64
	Created  time.Time
	Path     string
}

type tempFileQueue struct {
	size  uint64
	queue []TempFile
}

type filePathInfo struct {
	PoolID         string `json:"poolId"`
	NormalizedPath string `json:"normalizedPath"`
}

// FileStore persists file offers by pool and backing path. File paths and
// temp queues are rebuilt at load time, not serialized.
type FileStore struct {
	FileOffers map[string]map[string]wire.FileInfo `json:"fileOffers"` // pool_id -> normalized path -> file_info

	filePaths      map[string]filePathInfo // file_id -> path info
	tempFileQueues map[string]*tempFileQueue
}

// init drops offers whose backing file vanished or changed size, and
// rebuilds the file-id index.
func (fs *FileStore) init() {
	fs.filePaths = make(map[string]filePathInfo)
	fs.tempFileQueues = make(map[string]*tempFileQueue)

	for poolID, offers := range fs.FileOffers {
		for path, info := range offers {
			st, err := os.Stat(path)
			if err != nil || uint64(st.Size()) != info.TotalSize {
				delete(offers, path)
				continue
			}
			fs.filePaths[info.FileID] = filePathInfo{PoolID: poolID, NormalizedPath: path}
		}
	}
}

// OfferWithPath pairs a stored offer with its backing file path.
type OfferWithPath struct {
	Path     string
	FileInfo wire.FileInfo
}

// FileOffers returns the stored offers of a pool.
func (m *Manager) FileOffers(poolID string) []wire.FileInfo {
	m.fileMu.Lock()
	defer m.fileMu.Unlock()
	offers := m.file.data.FileOffers[poolID]
	out := make([]wire.FileInfo, 0, len(offers))
	for _, info := range offers {
		out = append(out, info)
	}
	return out
}

// FileOffersWithPath returns the stored offers of a pool with backing paths.
func (m *Manager) FileOffersWithPath(poolID string) []OfferWithPath {
	m.fileMu.Lock()
	defer m.fileMu.Unlock()
	offers := m.file.data.FileOffers[poolID]
	out := make([]OfferWithPath, 0, len(offers))
	for path, info := range offers {
		out = append(out, OfferWithPath{Path: path, FileInfo: info})
	}
	return out
}

// AddFileOffer registers an offer backed by path. Returns false when the path
// cannot be resolved or is already offered in the pool.
func (m *Manager) AddFileOffer(poolID string, info wire.FileInfo, path string) bool {
	normalized, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	normalized = filepath.Clean(normalized)

	m.fileMu.Lock()
	defer m.fileMu.Unlock()

	fs := &m.file.data
	if fs.FileOffers == nil {
		fs.FileOffers = make(map[string]map[string]wire.FileInfo)
	}
	offers, ok := fs.FileOffers[poolID]
	if !ok {
		offers = make(map[string]wire.FileInfo)
		fs.FileOffers[poolID] = offers
	}
	if _, exists := offers[normalized]; exists {
		return false
	}
	offers[normalized] = info
	fs.filePaths[info.FileID] = filePathInfo{PoolID: poolID, NormalizedPath: normalized}
	m.file.update()
	return true
}

// RemoveFileOffer removes a stored offer by file id.
func (m *Manager) RemoveFileOffer(fileID string) bool {
	m.fileMu.Lock()
	defer m.fileMu.Unlock()

	fs := &m.file.data
	pathInfo, ok := fs.filePaths[fileID]
	if !ok {
		return false
	}
	delete(fs.filePaths, fileID)
	offers, ok := fs.FileOffers[pathInfo.PoolID]
	if !ok {
		return false
	}
	if _, ok := offers[pathInfo.NormalizedPath]; !ok {
		return false
	}
	delete(offers, pathInfo.NormalizedPath)
	m.file.update()
	return true
}

// CheckExistingFile returns the local path of an offered file, if it still
// exists on disk.
func (m *Manager) CheckExistingFile(fileID string) (string, bool) {
	m.fileMu.Lock()
	defer m.fileMu.Unlock()
	pathInfo, ok := m.file.data.filePaths[fileID]
	if !ok {
		return "", false
	}
	if _, err := os.Stat(pathInfo.NormalizedPath); err != nil {
		return "", false
	}
	return pathInfo.NormalizedPath, true
}

// AddTempFile enqueues a completed temp download and evicts the oldest temp
// files past the per-pool byte cap. The evicted files are returned for the
// caller to retract; their disk files are removed here.
func (m *Manager) AddTempFile(poolID string, tf TempFile) []TempFile {
	if tf.FileSize > config.MaxTempFileSize {
		return nil
	}

	m.fileMu.Lock()
	defer m.fileMu.Unlock()

	fs := &m.file.data
	q, ok := fs.tempFileQueues[poolID]
	if !ok {
		q = &tempFileQueue{}
		fs.tempFileQueues[poolID] = q
	}

	q.queue = append(q.queue, tf)
	q.size += tf.FileSize

	var removed []TempFile
	for q.size > config.MaxTempFilesSizePerPool && len(q.queue) > 0 {
		evicted := q.queue[0]
		q.queue = q.queue[1:]
		q.size -= evicted.FileSize
		os.Remove(evicted.Path)
		removed = append(removed, evicted)
	}
	return removed
}

// RestoreTempFiles scans the pool temp directory into the queue, oldest
// first, so prior-session temp files count against the cap.
func (m *Manager) RestoreTempFiles(poolID string) {
	dir := filepath.Join(m.TempDir(), poolID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	var files []TempFile
	for _, entry := range entries {
		if entry.IsDir() || len(entry.Name()) != config.FileIDLength {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.Size() == 0 {
			continue
		}
		files = append(files, TempFile{
			FileID:   entry.Name(),
			FileSize: uint64(info.Size()),
			Created:  info.ModTime(),
			Path:     filepath.Join(dir, entry.Name()),
		})
	}
	for i := 1; i < len(files); i++ {
		for j := i; j > 0 && files[j].Created.Before(files[j-1].Created); j-- {
			files[j], files[j-1] = files[j-1], files[j]
		}
	}

	m.fileMu.Lock()
	defer m.fileMu.Unlock()
	q := &tempFileQueue{}
	for _, tf := range files {
		q.queue = append(q.queue, tf)
		q.size += tf.FileSize
	}
	m.file.data.tempFileQueues[poolID] = q
}

// TempFilePath returns the temp path for a file id, creating the pool temp
// directory as needed.
func (m *Manager) TempFilePath(poolID, fileID string) (string, error) {
	dir := filepath.Join(m.TempDir(), poolID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create pool temp dir: %w", err)
	}
	return filepath.Join(dir, fileID), nil
}

// CreateCacheFileHandle opens a pool cache file for the given instance seed.
// Each call returns an independent handle over the same file.
func (m *Manager) CreateCacheFileHandle(poolID string, seed int64) (*os.File, string, error) {
	path := filepath.Join(m.CacheDir(), fmt.Sprintf("%s-%d.cache", poolID, seed))
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, "", err
	}
	return f, path, nil
}

// CreateValidFilePath joins dir and fileName, prefixing a timestamp until the
// path does not collide with an existing file.
func CreateValidFilePath(dir, fileName string) string {
	path := filepath.Join(dir, fileName)
	for {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return path
		}
		path = filepath.Join(dir, fmt.Sprintf("%d-%s", time.Now().UnixMilli(), fileName))
	}
}
