package announce

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"p2p-chunkcast/pkg/logger"
	"p2p-chunkcast/pkg/metrics"
	"p2p-chunkcast/pkg/protocol"
	"p2p-chunkcast/pkg/storage"
)

// Announcer periodically scans the local chunk directory and broadcasts
// batched inventory announcements to the configured ports. Every failure in
// a cycle is logged and absorbed; the loop never stops on its own.
type Announcer struct {
	chunkDir    string
	targetPorts []int
	interval    time.Duration

	conn *net.UDPConn

	kickCh   chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewAnnouncer creates an announcer sending from an ephemeral UDP port with
// broadcast enabled.
func NewAnnouncer(chunkDir string, targetPorts []int, interval time.Duration) (*Announcer, error) {
	lc := net.ListenConfig{Control: setSocketBroadcast}
	pc, err := lc.ListenPacket(context.Background(), "udp4", ":0")
	if err != nil {
		return nil, fmt.Errorf("failed to create announcement socket: %w", err)
	}

	logger.Sugar.Infof("[Announcer] initialized: target_ports=%v interval=%s", targetPorts, interval)
	return &Announcer{
		chunkDir:    chunkDir,
		targetPorts: targetPorts,
		interval:    interval,
		conn:        pc.(*net.UDPConn),
		kickCh:      make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
	}, nil
}

// Start begins the announcement loop.
func (a *Announcer) Start() {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(a.interval)
		defer ticker.Stop()

		a.announceOnce()
		for {
			select {
			case <-a.stopCh:
				return
			case <-a.kickCh:
				a.announceOnce()
			case <-ticker.C:
				a.announceOnce()
			}
		}
	}()
}

// AnnounceNow requests an immediate announcement cycle without waiting for
// the next tick.
func (a *Announcer) AnnounceNow() {
	select {
	case a.kickCh <- struct{}{}:
	default:
	}
}

// Stop terminates the loop and closes the sending socket.
func (a *Announcer) Stop() {
	a.stopOnce.Do(func() { close(a.stopCh) })
	a.wg.Wait()
	a.conn.Close()
}

func (a *Announcer) announceOnce() {
	chunks, err := ScanChunks(a.chunkDir)
	if err != nil {
		logger.Sugar.Errorf("[Announcer] error scanning chunks: %v", err)
		return
	}
	if len(chunks) == 0 {
		logger.Sugar.Debug("[Announcer] no chunks to announce")
		return
	}

	peerIP := LocalIP()
	batches, err := BuildBatches(peerIP, chunks, protocol.MaxChunksPerBatch)
	if err != nil {
		logger.Sugar.Errorf("[Announcer] error encoding announcement: %v", err)
		return
	}

	sent := 0
	for _, batch := range batches {
		for _, port := range a.targetPorts {
			if err := a.sendBatch(batch, port); err != nil {
				logger.Sugar.Errorf("[Announcer] failed to send batch to port %d: %v", port, err)
				continue
			}
			sent++
			metrics.AnnouncementsSent.Inc()
		}
	}
	logger.Sugar.Infof("[Announcer] announced %d chunks in %d batches (%d datagrams sent)", len(chunks), len(batches), sent)
}

// sendBatch delivers one encoded batch to one port, trying the subnet
// directed broadcast first, then the limited broadcast, then loopback.
// The first successful send wins.
func (a *Announcer) sendBatch(data []byte, port int) error {
	var targets []net.IP
	if subnet, err := subnetBroadcastIP(); err == nil {
		targets = append(targets, subnet)
	} else {
		logger.Sugar.Debugf("[Announcer] no subnet broadcast address: %v", err)
	}
	targets = append(targets, net.IPv4bcast, net.IPv4(127, 0, 0, 1))

	var lastErr error
	for _, ip := range targets {
		_, err := a.conn.WriteToUDP(data, &net.UDPAddr{IP: ip, Port: port})
		if err == nil {
			logger.Sugar.Debugf("[Announcer] sent %d bytes to %s:%d", len(data), ip, port)
			return nil
		}
		lastErr = err
		logger.Sugar.Debugf("[Announcer] send to %s:%d failed: %v", ip, port, err)
	}
	return lastErr
}

// ScanChunks enumerates the chunk directory and computes each chunk's
// metadata. A file that cannot be hashed is skipped, not fatal.
func ScanChunks(chunkDir string) (map[string]protocol.ChunkInfo, error) {
	entries, err := os.ReadDir(chunkDir)
	if err != nil {
		return nil, fmt.Errorf("failed to scan chunk directory %s: %w", chunkDir, err)
	}

	chunks := make(map[string]protocol.ChunkInfo)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(chunkDir, entry.Name())
		info, err := entry.Info()
		if err != nil {
			logger.Sugar.Warnf("[Announcer] failed to stat %s: %v", path, err)
			continue
		}
		checksum, err := storage.HashFile(path)
		if err != nil {
			logger.Sugar.Warnf("[Announcer] failed to hash %s: %v", path, err)
			continue
		}
		chunks[entry.Name()] = protocol.ChunkInfo{
			Size:      info.Size(),
			Checksum:  checksum,
			Timestamp: strconv.FormatInt(time.Now().Unix(), 10),
		}
	}
	return chunks, nil
}

// LocalIP returns the address of the interface that routes externally, by
// the usual connected-UDP trick. Falls back to loopback.
func LocalIP() string {
	conn, err := net.Dial("udp4", "8.8.8.8:80")
	if err != nil {
		logger.Sugar.Warnf("[Announcer] could not determine local IP: %v, using loopback", err)
		return "127.0.0.1"
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String()
}

// subnetBroadcastIP computes the directed broadcast address of the subnet
// holding the local IP.
func subnetBroadcastIP() (net.IP, error) {
	local := net.ParseIP(LocalIP()).To4()
	if local == nil || local.IsLoopback() {
		return nil, fmt.Errorf("no routable local IPv4 address")
	}

	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok || !ipNet.Contains(local) {
				continue
			}
			ip4 := ipNet.IP.To4()
			mask := ipNet.Mask
			if ip4 == nil || len(mask) != net.IPv4len {
				continue
			}
			bcast := make(net.IP, net.IPv4len)
			for i := range bcast {
				bcast[i] = ip4[i] | ^mask[i]
			}
			return bcast, nil
		}
	}
	return nil, fmt.Errorf("no interface holds %s", local)
}
