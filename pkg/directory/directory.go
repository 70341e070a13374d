package directory

import (
	"sort"
	"sync"
	"time"

	"p2p-chunkcast/pkg/logger"
	"p2p-chunkcast/pkg/protocol"
)

// peerState is everything the directory tracks for one peer: the chunk map
// exactly as last announced, and when that announcement arrived.
type peerState struct {
	chunks   map[string]protocol.ChunkInfo
	lastSeen time.Time
}

// ContentEntry is one row of the derived content directory.
type ContentEntry struct {
	Checksum string   `json:"checksum"`
	Peers    []string `json:"peers"`
}

// Directory is the in-memory peer table. Updates replace a peer's chunk map
// wholesale, which makes announcement processing idempotent under duplicate
// delivery and convergent under reordering. One mutex covers every
// read-modify-write sequence; none of the operations call out while
// holding it.
type Directory struct {
	mu    sync.Mutex
	peers map[string]*peerState
	dirty bool

	staleTimeout time.Duration
	sweepEvery   time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a directory whose reaper removes peers not heard from within
// staleTimeout, checking every sweepEvery.
func New(staleTimeout, sweepEvery time.Duration) *Directory {
	return &Directory{
		peers:        make(map[string]*peerState),
		staleTimeout: staleTimeout,
		sweepEvery:   sweepEvery,
		stopCh:       make(chan struct{}),
	}
}

// UpdatePeer records a full announcement from one peer, replacing whatever
// chunk map was stored before. It reports whether the stored state changed.
// An empty chunk map for a peer we already know is ignored, so a peer that
// briefly announces nothing does not wipe its own entry.
func (d *Directory) UpdatePeer(peerIP string, chunks map[string]protocol.ChunkInfo) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(chunks) == 0 {
		if _, known := d.peers[peerIP]; known {
			return false
		}
	}

	state, known := d.peers[peerIP]
	changed := !known || !chunkMapsEqual(state.chunks, chunks)

	d.peers[peerIP] = &peerState{
		chunks:   chunks,
		lastSeen: time.Now(),
	}
	if changed {
		d.dirty = true
		logger.Sugar.Debugf("[Directory] updated peer %s: %d chunks", peerIP, len(chunks))
	}
	return changed
}

// chunkMapsEqual compares two chunk maps by name and checksum. Sizes and
// timestamps do not affect directory decisions.
func chunkMapsEqual(a, b map[string]protocol.ChunkInfo) bool {
	if len(a) != len(b) {
		return false
	}
	for name, info := range a {
		other, ok := b[name]
		if !ok || other.Checksum != info.Checksum {
			return false
		}
	}
	return true
}

// ContentDir projects the peer table into the content directory: chunk name
// to checksum and hosting peers. Peers are visited in sorted order so the
// projection is deterministic regardless of announcement arrival order; the
// first-seen checksum wins and peers reporting a different checksum for the
// same chunk are dropped from that chunk's peer list.
func (d *Directory) ContentDir() map[string]ContentEntry {
	d.mu.Lock()
	defer d.mu.Unlock()

	peerIPs := make([]string, 0, len(d.peers))
	for ip := range d.peers {
		peerIPs = append(peerIPs, ip)
	}
	sort.Strings(peerIPs)

	content := make(map[string]ContentEntry)
	for _, ip := range peerIPs {
		for chunkName, info := range d.peers[ip].chunks {
			entry, exists := content[chunkName]
			if !exists {
				content[chunkName] = ContentEntry{
					Checksum: info.Checksum,
					Peers:    []string{ip},
				}
				continue
			}
			if entry.Checksum != info.Checksum {
				logger.Sugar.Warnf("[Directory] checksum conflict for %s from %s: keeping %s", chunkName, ip, entry.Checksum)
				continue
			}
			entry.Peers = append(entry.Peers, ip)
			content[chunkName] = entry
		}
	}
	return content
}

// RemoveStale drops every peer whose last announcement is older than the
// stale timeout and returns the removed addresses.
func (d *Directory) RemoveStale() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	var stale []string
	for ip, state := range d.peers {
		if now.Sub(state.lastSeen) > d.staleTimeout {
			stale = append(stale, ip)
		}
	}
	for _, ip := range stale {
		logger.Sugar.Infof("[Directory] removing stale peer: %s", ip)
		delete(d.peers, ip)
		d.dirty = true
	}
	return stale
}

// StartReaper runs the stale-peer sweep in the background until Stop.
func (d *Directory) StartReaper() {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(d.sweepEvery)
		defer ticker.Stop()

		for {
			select {
			case <-d.stopCh:
				return
			case <-ticker.C:
				d.RemoveStale()
			}
		}
	}()
}

// Stop terminates the reaper and waits for it to exit.
func (d *Directory) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
	d.wg.Wait()
}

// PeerCount returns how many peers are currently tracked.
func (d *Directory) PeerCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.peers)
}

// Peers returns the tracked peer addresses, sorted.
func (d *Directory) Peers() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	ips := make([]string, 0, len(d.peers))
	for ip := range d.peers {
		ips = append(ips, ip)
	}
	sort.Strings(ips)
	return ips
}

// LastSeen reports when a peer was last heard from.
func (d *Directory) LastSeen(peerIP string) (time.Time, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	state, ok := d.peers[peerIP]
	if !ok {
		return time.Time{}, false
	}
	return state.lastSeen, true
}

// markDirty is used by persistence when an external mutation (like seeding
// from disk) should trigger the next flush.
func (d *Directory) markDirty() {
	d.mu.Lock()
	d.dirty = true
	d.mu.Unlock()
}

// consumeDirty atomically reads and clears the dirty flag.
func (d *Directory) consumeDirty() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	was := d.dirty
	d.dirty = false
	return was
}
