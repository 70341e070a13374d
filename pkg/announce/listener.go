package announce

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"

	"p2p-chunkcast/pkg/directory"
	"p2p-chunkcast/pkg/logger"
	"p2p-chunkcast/pkg/metrics"
	"p2p-chunkcast/pkg/protocol"
)

// Listener receives announcement datagrams, reassembles multi-batch cycles,
// folds them into the peer directory and persists the content directory
// after every mutating update. UDP gives no ordering or delivery guarantee;
// the directory's full-replacement merge makes that harmless.
type Listener struct {
	dir             *directory.Directory
	contentDictPath string
	conn            *net.UDPConn

	// pending holds the partial batches of at most one announcement cycle
	// per peer, keyed by the cycle timestamp. Only touched by the receive
	// loop, no lock needed.
	pending map[string]*pendingCycle

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type pendingCycle struct {
	timestamp string
	total     int
	parts     map[int]map[string]protocol.ChunkInfo
}

// NewListener binds the announcement port. Port 0 picks an ephemeral port
// (used by tests); Port() reports the actual one.
func NewListener(port int, dir *directory.Directory, contentDictPath string) (*Listener, error) {
	lc := net.ListenConfig{Control: setSocketReuseAddr}
	pc, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf("0.0.0.0:%d", port))
	if err != nil {
		return nil, fmt.Errorf("failed to bind announcement port %d: %w", port, err)
	}

	l := &Listener{
		dir:             dir,
		contentDictPath: contentDictPath,
		conn:            pc.(*net.UDPConn),
		pending:         make(map[string]*pendingCycle),
		stopCh:          make(chan struct{}),
	}
	logger.Sugar.Infof("[Listener] listening on %s", l.conn.LocalAddr())
	return l, nil
}

// Port returns the UDP port the listener is bound to.
func (l *Listener) Port() int {
	return l.conn.LocalAddr().(*net.UDPAddr).Port
}

// Start runs the receive loop in the background.
func (l *Listener) Start() {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		buf := make([]byte, protocol.MaxDatagramSize)
		for {
			n, src, err := l.conn.ReadFromUDP(buf)
			if err != nil {
				select {
				case <-l.stopCh:
					return
				default:
				}
				logger.Sugar.Errorf("[Listener] read error: %v", err)
				continue
			}
			data := make([]byte, n)
			copy(data, buf[:n])
			l.handleDatagram(data, src)
		}
	}()
}

// Stop closes the socket and waits for the receive loop to exit.
func (l *Listener) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
	l.conn.Close()
	l.wg.Wait()
}

func (l *Listener) handleDatagram(data []byte, src *net.UDPAddr) {
	var msg protocol.Announcement
	if err := json.Unmarshal(data, &msg); err != nil {
		logger.Sugar.Errorf("[Listener] malformed announcement from %s: %v", src, err)
		return
	}

	peerIP := strings.TrimSpace(msg.PeerIP)
	if peerIP == "" {
		peerIP = src.IP.String()
	}

	if len(msg.Chunks) == 0 {
		logger.Sugar.Debugf("[Listener] empty announcement from %s, ignoring", peerIP)
		return
	}
	metrics.AnnouncementsReceived.Inc()

	chunks, complete := l.collectBatch(peerIP, &msg)
	if !complete {
		return
	}

	changed := l.dir.UpdatePeer(peerIP, chunks)
	if changed {
		logger.Sugar.Infof("[Listener] peer %s now holds %d chunks", peerIP, len(chunks))
	}
	if err := l.dir.FlushIfDirty(l.contentDictPath); err != nil {
		logger.Sugar.Errorf("[Listener] failed to persist content dictionary: %v", err)
	}
}

// collectBatch folds one datagram into the peer's pending cycle and returns
// the full chunk map once every batch of the cycle has arrived. Batches may
// arrive in any order and duplicates simply overwrite themselves; a newer
// cycle timestamp discards whatever partial state the previous cycle left.
func (l *Listener) collectBatch(peerIP string, msg *protocol.Announcement) (map[string]protocol.ChunkInfo, bool) {
	total := msg.BatchInfo.Total
	current := msg.BatchInfo.Current
	if total <= 1 {
		return msg.Chunks, true
	}
	if current < 1 || current > total {
		logger.Sugar.Errorf("[Listener] invalid batch_info %d/%d from %s", current, total, peerIP)
		return nil, false
	}

	cycle, ok := l.pending[peerIP]
	if !ok || cycle.timestamp != msg.Timestamp || cycle.total != total {
		cycle = &pendingCycle{
			timestamp: msg.Timestamp,
			total:     total,
			parts:     make(map[int]map[string]protocol.ChunkInfo),
		}
		l.pending[peerIP] = cycle
	}
	cycle.parts[current] = msg.Chunks

	if len(cycle.parts) < total {
		return nil, false
	}

	merged := make(map[string]protocol.ChunkInfo)
	for _, part := range cycle.parts {
		for name, info := range part {
			merged[name] = info
		}
	}
	delete(l.pending, peerIP)
	return merged, true
}
