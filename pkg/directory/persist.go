package directory

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"p2p-chunkcast/pkg/logger"
	"p2p-chunkcast/pkg/protocol"
)

// The content directory is persisted as JSON so the download coordinator
// (which may run in a separate process) can plan against the last state the
// listener saw.

// SaveContentDict writes the current projection to path. The write goes
// through a temp file and rename so readers never observe a torn file.
func (d *Directory) SaveContentDict(path string) error {
	content := d.ContentDir()

	data, err := json.MarshalIndent(content, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode content dictionary: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write content dictionary: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace content dictionary: %w", err)
	}
	return nil
}

// FlushIfDirty persists the content directory when something changed since
// the last flush. Called by the listener after every mutating update; also
// picks up removals the reaper made in between.
func (d *Directory) FlushIfDirty(path string) error {
	if !d.consumeDirty() {
		return nil
	}
	if err := d.SaveContentDict(path); err != nil {
		// Keep the flag set so the next datagram retries the write.
		d.markDirty()
		return err
	}
	logger.Sugar.Debugf("[Directory] content dictionary saved: %s", path)
	return nil
}

// LoadContentDict reads a persisted content directory from path.
func LoadContentDict(path string) (map[string]ContentEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read content dictionary %s: %w", path, err)
	}
	var content map[string]ContentEntry
	if err := json.Unmarshal(data, &content); err != nil {
		return nil, fmt.Errorf("failed to parse content dictionary %s: %w", path, err)
	}
	return content, nil
}

// SeedFromFile pre-populates the peer table from a previously persisted
// content directory, so a restarted node can plan downloads before the
// first announcements arrive. Seeded peers get a fresh last-seen stamp;
// if they are gone they age out through the normal reaper path.
func (d *Directory) SeedFromFile(path string) error {
	content, err := LoadContentDict(path)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	for chunkName, entry := range content {
		for _, ip := range entry.Peers {
			state, ok := d.peers[ip]
			if !ok {
				state = &peerState{chunks: make(map[string]protocol.ChunkInfo), lastSeen: now}
				d.peers[ip] = state
			}
			state.chunks[chunkName] = protocol.ChunkInfo{Checksum: entry.Checksum}
		}
	}
	logger.Sugar.Infof("[Directory] seeded %d chunks from %s", len(content), path)
	return nil
}
