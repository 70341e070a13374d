package node

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"p2p-chunkcast/api"
	"p2p-chunkcast/pkg/announce"
	"p2p-chunkcast/pkg/config"
	"p2p-chunkcast/pkg/directory"
	"p2p-chunkcast/pkg/discovery"
	"p2p-chunkcast/pkg/download"
	"p2p-chunkcast/pkg/logger"
	"p2p-chunkcast/pkg/metrics"
	"p2p-chunkcast/pkg/pool"
	"p2p-chunkcast/pkg/server"

	"go.uber.org/multierr"
)

// reaperSweepInterval is how often the directory and pool reapers wake.
const reaperSweepInterval = 60 * time.Second

// Node owns every long-running component of one chunkcast peer and ties
// their lifecycles together: nothing here starts from a constructor, and
// Stop tears down exactly what Start brought up.
type Node struct {
	cfg *config.Config

	dir        *directory.Directory
	listener   *announce.Listener
	announcer  *announce.Announcer
	chunkSrv   *server.Server
	pool       *pool.Pool
	advertiser *discovery.Advertiser
	api        *api.Server

	startedAt time.Time
	stopCh    chan struct{}
	stopOnce  sync.Once
}

// New wires a node from its configuration. Nothing is bound or started yet
// except the UDP sockets, which are created here so port conflicts surface
// before Start.
func New(cfg *config.Config) (*Node, error) {
	if err := cfg.EnsureDirs(); err != nil {
		return nil, err
	}

	dir := directory.New(cfg.StaleTimeout, reaperSweepInterval)

	// A previously persisted content directory lets the node plan
	// downloads before the first announcements arrive.
	if err := dir.SeedFromFile(cfg.ContentDictPath); err != nil {
		logger.Sugar.Infof("[Node] no content dictionary to seed from: %v", err)
	}

	listener, err := announce.NewListener(cfg.BroadcastPorts[0], dir, cfg.ContentDictPath)
	if err != nil {
		return nil, err
	}

	announcer, err := announce.NewAnnouncer(cfg.ChunkDir, cfg.BroadcastPorts, cfg.AnnounceInterval)
	if err != nil {
		listener.Stop()
		return nil, err
	}

	n := &Node{
		cfg:        cfg,
		dir:        dir,
		listener:   listener,
		announcer:  announcer,
		chunkSrv:   server.New(fmt.Sprintf("0.0.0.0:%d", cfg.PeerPort), cfg.ChunkDir),
		pool:       pool.New(cfg.MaxConnections, cfg.ConnectionTimeout),
		advertiser: discovery.NewAdvertiser(),
		stopCh:     make(chan struct{}),
	}
	if cfg.StatusAddr != "" {
		n.api = api.New(cfg.StatusAddr, n.statusFields, dir)
	}
	return n, nil
}

// Start brings up every component. mDNS advertisement failure is logged
// and tolerated; everything else is fatal.
func (n *Node) Start() error {
	n.startedAt = time.Now()

	if err := n.chunkSrv.Start(); err != nil {
		return fmt.Errorf("failed to start chunk server: %w", err)
	}

	n.dir.StartReaper()
	n.pool.StartReaper()
	n.listener.Start()
	n.announcer.Start()

	meta := map[string]string{
		"peer_port": strconv.Itoa(n.cfg.PeerPort),
		"version":   "1.0.0",
	}
	if err := n.advertiser.Start("", n.cfg.PeerPort, meta); err != nil {
		logger.Sugar.Warnf("[Node] mDNS advertisement unavailable: %v", err)
	}

	if n.api != nil {
		n.api.Start()
	}
	go metrics.LogPeriodic(60*time.Second, n.stopCh)

	logger.Sugar.Infof("[Node] started: peer_port=%d broadcast_ports=%v chunk_dir=%s",
		n.cfg.PeerPort, n.cfg.BroadcastPorts, n.cfg.ChunkDir)
	return nil
}

// Stop tears everything down, aggregating whatever goes wrong on the way.
func (n *Node) Stop() error {
	var errs error
	n.stopOnce.Do(func() {
		close(n.stopCh)
		n.advertiser.Stop()
		n.announcer.Stop()
		n.listener.Stop()
		errs = multierr.Append(errs, n.chunkSrv.Stop())
		n.dir.Stop()
		n.pool.Stop()
		errs = multierr.Append(errs, n.pool.CloseAll())
		if n.api != nil {
			errs = multierr.Append(errs, n.api.Stop())
		}
		logger.Sugar.Info("[Node] stopped")
	})
	return errs
}

// AnnounceNow triggers an immediate announcement cycle.
func (n *Node) AnnounceNow() {
	n.announcer.AnnounceNow()
}

// Download resolves contentName against the persisted content directory
// and fetches it. Returns the output path.
func (n *Node) Download(contentName string) (string, error) {
	contentDict, err := directory.LoadContentDict(n.cfg.ContentDictPath)
	if err != nil {
		return "", fmt.Errorf("no content directory yet: %w", err)
	}

	mgr := download.NewManager(contentDict, n.pool, n.cfg.ChunkDir, n.cfg.DownloadsDir, n.cfg.PeerPort, n.cfg.DownloadTimeout)
	return mgr.Download(contentName)
}

// Peers lists the peers currently in the directory.
func (n *Node) Peers() []string {
	return n.dir.Peers()
}

// GetStatus renders a human-readable summary for the interactive shell.
func (n *Node) GetStatus() string {
	content := n.dir.ContentDir()

	status := fmt.Sprintf("Chunk server on: %s\n", n.chunkSrv.Addr())
	status += fmt.Sprintf("Announcing to ports: %v every %s\n", n.cfg.BroadcastPorts, n.cfg.AnnounceInterval)
	status += fmt.Sprintf("Known peers: %d\n", n.dir.PeerCount())
	status += fmt.Sprintf("Known chunks: %d\n", len(content))
	status += fmt.Sprintf("Pooled connections: %d/%d\n", n.pool.Size(), n.cfg.MaxConnections)
	status += fmt.Sprintf("Uptime: %s\n", time.Since(n.startedAt).Round(time.Second))
	return status
}

// statusFields supplies the machine-readable /status payload.
func (n *Node) statusFields() map[string]any {
	return map[string]any{
		"chunk_server":    n.chunkSrv.Addr(),
		"broadcast_ports": n.cfg.BroadcastPorts,
		"peers":           n.dir.Peers(),
		"chunks":          len(n.dir.ContentDir()),
		"pool_size":       n.pool.Size(),
		"uptime_seconds":  int(time.Since(n.startedAt).Seconds()),
	}
}
