package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
)

const (
	userStoreName = "user"
	fileStoreName = "file"
	authStoreName = "auth"
)

// Manager owns every persistent store. One instance per process, threaded
// explicitly through constructors.
type Manager struct {
	dataDir string

	userMu sync.Mutex
	user   *diskStore[UserStore]

	fileMu sync.Mutex
	file   *diskStore[FileStore]

	authMu sync.Mutex
	auth   *diskStore[AuthStore]
}

// NewManager opens the stores under dataDir. An unusable data directory is
// fatal for the process; the error is returned for the caller to abort on.
func NewManager(dataDir string) (*Manager, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	for _, sub := range []string{"temp", "cache", "db"} {
		if err := os.MkdirAll(filepath.Join(dataDir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create %s dir: %w", sub, err)
		}
	}

	logrus.WithField("dir", dataDir).Info("initializing store manager")

	m := &Manager{
		dataDir: dataDir,
		user:    newDiskStore[UserStore](dataDir, userStoreName, jsonCodec{}),
		file:    newDiskStore[FileStore](dataDir, fileStoreName, jsonCodec{}),
		auth:    newDiskStore[AuthStore](dataDir, authStoreName, msgpackCodec{}),
	}
	m.file.data.init()
	return m, nil
}

// DataDir returns the root data directory.
func (m *Manager) DataDir() string { return m.dataDir }

// DBDir returns the message database directory.
func (m *Manager) DBDir() string { return filepath.Join(m.dataDir, "db") }

// CacheDir returns the relay cache directory.
func (m *Manager) CacheDir() string { return filepath.Join(m.dataDir, "cache") }

// TempDir returns the temp file directory.
func (m *Manager) TempDir() string { return filepath.Join(m.dataDir, "temp") }
