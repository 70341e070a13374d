package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Config enumerates every recognized option with its default. There is no
// dynamic lookup: a missing key in the config file keeps the default, an
// unknown key is rejected at load time.
type Config struct {
	// ChunkSize is the number of bytes per chunk produced by the splitter.
	ChunkSize int

	// BroadcastPorts are the UDP ports announcements are sent to. The
	// listener binds the first one.
	BroadcastPorts []int

	// PeerPort is the TCP port the chunk server listens on and the port
	// the downloader connects to when a content-directory entry carries a
	// bare IP.
	PeerPort int

	MaxConnections    int
	ConnectionTimeout time.Duration
	AnnounceInterval  time.Duration
	StaleTimeout      time.Duration
	DownloadTimeout   time.Duration

	ChunkDir        string
	DownloadsDir    string
	ContentDictPath string

	// StatusAddr, when non-empty, enables the HTTP status/metrics API.
	StatusAddr string
}

// fileConfig mirrors Config for the JSON overlay file. Durations are
// expressed in seconds, matching the wire-level defaults.
type fileConfig struct {
	ChunkSize         *int    `json:"CHUNK_SIZE"`
	BroadcastPorts    []int   `json:"TARGET_PORTS"`
	BroadcastPort     *int    `json:"BROADCAST_PORT"`
	PeerPort          *int    `json:"PEER_PORT"`
	MaxConnections    *int    `json:"MAX_CONNECTIONS"`
	ConnectionTimeout *int    `json:"CONNECTION_TIMEOUT"`
	AnnounceInterval  *int    `json:"ANNOUNCE_INTERVAL"`
	StaleTimeout      *int    `json:"STALE_TIMEOUT"`
	DownloadTimeout   *int    `json:"DOWNLOAD_TIMEOUT"`
	ChunkDir          *string `json:"CHUNK_DIR"`
	DownloadsDir      *string `json:"DOWNLOADS_DIR"`
	ContentDictPath   *string `json:"CONTENT_DICT"`
	StatusAddr        *string `json:"STATUS_ADDR"`
}

// Default returns the configuration every node starts from.
func Default() *Config {
	return &Config{
		ChunkSize:         100 * 1024,
		BroadcastPorts:    []int{5001, 5002},
		PeerPort:          5000,
		MaxConnections:    10,
		ConnectionTimeout: 300 * time.Second,
		AnnounceInterval:  10 * time.Second,
		StaleTimeout:      300 * time.Second,
		DownloadTimeout:   300 * time.Second,
		ChunkDir:          "./chunks",
		DownloadsDir:      "./downloads",
		ContentDictPath:   "./content_dict.json",
	}
}

// Load builds a Config from the defaults, an optional JSON overlay file and
// a peer id. A missing file is not an error when path is empty; a named
// file that does not exist is.
func Load(path string, peerID int) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		var fc fileConfig
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&fc); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
		cfg.apply(&fc)
	}

	cfg.ApplyPeerOffset(peerID)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) apply(fc *fileConfig) {
	if fc.ChunkSize != nil {
		c.ChunkSize = *fc.ChunkSize
	}
	if len(fc.BroadcastPorts) > 0 {
		c.BroadcastPorts = fc.BroadcastPorts
	} else if fc.BroadcastPort != nil {
		c.BroadcastPorts = []int{*fc.BroadcastPort}
	}
	if fc.PeerPort != nil {
		c.PeerPort = *fc.PeerPort
	}
	if fc.MaxConnections != nil {
		c.MaxConnections = *fc.MaxConnections
	}
	if fc.ConnectionTimeout != nil {
		c.ConnectionTimeout = time.Duration(*fc.ConnectionTimeout) * time.Second
	}
	if fc.AnnounceInterval != nil {
		c.AnnounceInterval = time.Duration(*fc.AnnounceInterval) * time.Second
	}
	if fc.StaleTimeout != nil {
		c.StaleTimeout = time.Duration(*fc.StaleTimeout) * time.Second
	}
	if fc.DownloadTimeout != nil {
		c.DownloadTimeout = time.Duration(*fc.DownloadTimeout) * time.Second
	}
	if fc.ChunkDir != nil {
		c.ChunkDir = *fc.ChunkDir
	}
	if fc.DownloadsDir != nil {
		c.DownloadsDir = *fc.DownloadsDir
	}
	if fc.ContentDictPath != nil {
		c.ContentDictPath = *fc.ContentDictPath
	}
	if fc.StatusAddr != nil {
		c.StatusAddr = *fc.StatusAddr
	}
}

// ApplyPeerOffset shifts the well-known ports by the peer id so several
// peers can share one host.
func (c *Config) ApplyPeerOffset(peerID int) {
	if peerID <= 0 {
		return
	}
	c.PeerPort += peerID
	for i := range c.BroadcastPorts {
		c.BroadcastPorts[i] += peerID
	}
}

// Validate rejects configurations the node cannot run with.
func (c *Config) Validate() error {
	if c.ChunkSize <= 0 {
		return fmt.Errorf("invalid CHUNK_SIZE %d: must be positive", c.ChunkSize)
	}
	if len(c.BroadcastPorts) == 0 {
		return fmt.Errorf("at least one broadcast port is required")
	}
	for _, p := range c.BroadcastPorts {
		if p < 1 || p > 65535 {
			return fmt.Errorf("invalid broadcast port %d", p)
		}
	}
	if c.PeerPort < 1 || c.PeerPort > 65535 {
		return fmt.Errorf("invalid PEER_PORT %d", c.PeerPort)
	}
	if c.MaxConnections <= 0 {
		return fmt.Errorf("invalid MAX_CONNECTIONS %d: must be positive", c.MaxConnections)
	}
	if c.AnnounceInterval <= 0 || c.ConnectionTimeout <= 0 || c.StaleTimeout <= 0 || c.DownloadTimeout <= 0 {
		return fmt.Errorf("timeouts and intervals must be positive")
	}
	if c.ChunkDir == "" || c.DownloadsDir == "" || c.ContentDictPath == "" {
		return fmt.Errorf("chunk, downloads and content dictionary paths must be set")
	}
	return nil
}

// EnsureDirs creates the working directories the node writes into.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.ChunkDir, c.DownloadsDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}
