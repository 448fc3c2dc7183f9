package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Transport chunk sizing. A file is split into fixed CHUNK_SIZE transport
// chunks, grouped into CACHE_CHUNK_SIZE cache chunks for relay caching and
// partner-path sharding.
const (
	ChunkSize                  = 32 * 1024
	CacheChunkSize             = 1 * 1024 * 1024
	CacheChunkToChunkFactor    = CacheChunkSize / ChunkSize
	MaxDCBufferSize            = 16 * 1024 * 1024
	MaxDCBufferChunkAmount     = MaxDCBufferSize / ChunkSize
	DCRefillRateSize           = 1 * 1024 * 1024
	DCRefillRateChunkAmount    = DCRefillRateSize / ChunkSize
	BufferedAmountLowThreshold = MaxDCBufferSize - DCRefillRateSize
)

// Init-buffer fill throttle bounds for a chunks channel that has not opened yet.
const (
	DCInitBufferMinFillRateTimeout = 1 * time.Millisecond
	DCInitBufferMaxFillRateTimeout = 1 * time.Second
)

// Relay cache sizing.
const (
	CacheChunkBufferSize   = 16 * 1024 * 1024
	CacheChunkBufferAmount = CacheChunkBufferSize / ChunkSize
	CacheFileSize          = 256 * 1024 * 1024
	MaxCacheChunksAmount   = CacheFileSize / CacheChunkSize
)

// Temp file limits.
const (
	MaxTempFileSize         = 16 * 1024 * 1024
	MaxTempFilesSizePerPool = 128 * 1024 * 1024
)

// Outbound chunk send queue.
const (
	MaxSendChunkBufferSize   = 16 * 1024 * 1024
	MaxSendChunkBufferLength = MaxSendChunkBufferSize / ChunkSize
)

// Download retry state machine.
const (
	ChunksMissingPollingInterval = 1 * time.Second
	MaxChunksMissingRetry        = 3
	MaxPollCountBeforeSend       = 5
)

// Message log and dedup windows.
const (
	MessagesDBChunkSize  = 16 * 1024
	ReceivedMessagesSize = 100
	LatestMessagesSize   = 50
)

// Identifier lengths. Device ids follow the nanoid default.
const (
	MessageIDLength = 10
	FileIDLength    = 10
	DeviceIDLength  = 21
)

// Signaling heartbeat.
const (
	HeartbeatInterval = 30 * time.Second
	HeartbeatTimeout  = 10 * time.Second
)

const SyncServerVersion = "v1"

// Config holds the daemon's runtime settings. Zero value is not usable;
// construct with Default and optionally override from a YAML file.
type Config struct {
	SyncServerDomain string   `yaml:"syncServerDomain"`
	SyncServerSecure bool     `yaml:"syncServerSecure"`
	DataDir          string   `yaml:"dataDir"`
	Pools            []string `yaml:"pools"`
	STUNServers      []string `yaml:"stunServers"`
	LogLevel         string   `yaml:"logLevel"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		SyncServerDomain: "127.0.0.1:8080",
		SyncServerSecure: false,
		STUNServers:      []string{"stun:stun.l.google.com:19302"},
		LogLevel:         "info",
	}
}

// Load reads a YAML config file over the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

func (c Config) wsScheme() string {
	if c.SyncServerSecure {
		return "wss"
	}
	return "ws"
}

// ConnectEndpoint builds the signaling websocket URL for a pool and device.
func (c Config) ConnectEndpoint(poolID, deviceID string) string {
	return fmt.Sprintf("%s://%s/ss/%s/connect?poolid=%s&deviceid=%s",
		c.wsScheme(), c.SyncServerDomain, SyncServerVersion, poolID, deviceID)
}
