package pool

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"p2p-chunkcast/pkg/logger"
	"p2p-chunkcast/pkg/metrics"

	"go.uber.org/multierr"
)

// PeerConn is one cached outbound connection. Its mutex serializes use of
// the underlying socket: whoever holds it owns the connection for exactly
// one request/response exchange.
type PeerConn struct {
	mu       sync.Mutex
	conn     net.Conn
	addr     string
	lastUsed time.Time // guarded by the pool mutex
	pool     *Pool
}

// Do runs one exchange on the connection under its lock, with the pool's
// I/O deadline applied for the duration of the exchange.
func (pc *PeerConn) Do(fn func(conn net.Conn) error) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	if err := pc.conn.SetDeadline(time.Now().Add(pc.pool.ioTimeout)); err != nil {
		return err
	}
	defer pc.conn.SetDeadline(time.Time{})
	return fn(pc.conn)
}

// Addr returns the peer address this connection is bound to.
func (pc *PeerConn) Addr() string {
	return pc.addr
}

// Pool caches live outbound connections keyed by peer address. The
// pool-wide mutex guards the map (lookup, insert, evict); each entry's own
// lock guards only the in-flight use of that socket, so a long transfer on
// one peer never blocks acquisitions for another.
type Pool struct {
	mu    sync.Mutex
	conns map[string]*PeerConn

	maxConns    int
	idleTimeout time.Duration
	dialTimeout time.Duration
	ioTimeout   time.Duration
	sweepEvery  time.Duration

	// dial is swappable in tests.
	dial func(addr string, timeout time.Duration) (net.Conn, error)

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a pool holding at most maxConns connections, evicting entries
// idle longer than idleTimeout.
func New(maxConns int, idleTimeout time.Duration) *Pool {
	p := &Pool{
		conns:       make(map[string]*PeerConn),
		maxConns:    maxConns,
		idleTimeout: idleTimeout,
		dialTimeout: 10 * time.Second,
		ioTimeout:   10 * time.Second,
		sweepEvery:  60 * time.Second,
		stopCh:      make(chan struct{}),
	}
	p.dial = func(addr string, timeout time.Duration) (net.Conn, error) {
		return net.DialTimeout("tcp", addr, timeout)
	}
	logger.Sugar.Infof("[Pool] initialized: max_connections=%d idle_timeout=%s", maxConns, idleTimeout)
	return p
}

// Acquire returns a live connection to addr, reusing a cached one when it
// is still healthy. When the pool is full the least-recently-used entry is
// evicted to make room.
func (p *Pool) Acquire(addr string) (*PeerConn, error) {
	p.mu.Lock()
	if pc, ok := p.conns[addr]; ok {
		// A busy entry has an exchange in flight; probing it would steal
		// response bytes and reading the socket dead would close it under
		// the owner. In use means alive.
		if !pc.mu.TryLock() {
			pc.lastUsed = time.Now()
			p.mu.Unlock()
			logger.Sugar.Debugf("[Pool] reusing busy connection to %s", addr)
			return pc, nil
		}
		alive := isAlive(pc.conn)
		pc.mu.Unlock()
		if alive {
			pc.lastUsed = time.Now()
			p.mu.Unlock()
			logger.Sugar.Debugf("[Pool] reusing connection to %s", addr)
			return pc, nil
		}
		logger.Sugar.Debugf("[Pool] dead connection to %s, purging", addr)
		p.evictLocked(addr)
	}
	p.mu.Unlock()

	// Dial outside the pool lock; a slow connect must not stall the pool.
	conn, err := p.dial(addr, p.dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Another caller may have connected to the same peer while we dialed.
	if existing, ok := p.conns[addr]; ok {
		conn.Close()
		existing.lastUsed = time.Now()
		return existing, nil
	}

	for len(p.conns) >= p.maxConns {
		p.evictOldestLocked()
	}

	pc := &PeerConn{conn: conn, addr: addr, lastUsed: time.Now(), pool: p}
	p.conns[addr] = pc
	metrics.OpenConnections.Set(float64(len(p.conns)))
	logger.Sugar.Debugf("[Pool] new connection to %s (%d/%d)", addr, len(p.conns), p.maxConns)
	return pc, nil
}

// Remove force-closes and evicts the connection to addr. Callers invoke it
// after a transport error, when the socket can no longer be trusted.
func (p *Pool) Remove(addr string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.evictLocked(addr)
}

// Size returns how many connections the pool currently holds.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// Has reports whether a connection to addr is cached.
func (p *Pool) Has(addr string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.conns[addr]
	return ok
}

// CloseAll closes every cached connection. Called at shutdown.
func (p *Pool) CloseAll() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs error
	for addr, pc := range p.conns {
		if err := pc.conn.Close(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("close %s: %w", addr, err))
		}
		delete(p.conns, addr)
	}
	metrics.OpenConnections.Set(0)
	logger.Sugar.Info("[Pool] all connections closed")
	return errs
}

// StartReaper runs the idle-connection sweep in the background until Stop.
func (p *Pool) StartReaper() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.sweepEvery)
		defer ticker.Stop()

		for {
			select {
			case <-p.stopCh:
				return
			case <-ticker.C:
				p.reapIdle()
			}
		}
	}()
}

// Stop terminates the reaper. It does not close cached connections; pair
// it with CloseAll at shutdown.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
}

func (p *Pool) reapIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	for addr, pc := range p.conns {
		if now.Sub(pc.lastUsed) <= p.idleTimeout {
			continue
		}
		// Skip entries with an exchange in flight; their lastUsed will be
		// recent on the next sweep anyway.
		if !pc.mu.TryLock() {
			continue
		}
		logger.Sugar.Infof("[Pool] evicting idle connection to %s", addr)
		p.evictLocked(addr)
		pc.mu.Unlock()
	}
}

// evictLocked closes and removes one entry. Caller holds the pool mutex.
func (p *Pool) evictLocked(addr string) {
	pc, ok := p.conns[addr]
	if !ok {
		return
	}
	if err := pc.conn.Close(); err != nil {
		logger.Sugar.Warnf("[Pool] error closing connection to %s: %v", addr, err)
	}
	delete(p.conns, addr)
	metrics.PoolEvictions.Inc()
	metrics.OpenConnections.Set(float64(len(p.conns)))
}

// evictOldestLocked removes the least-recently-used entry. Caller holds the
// pool mutex and has verified the pool is non-empty.
func (p *Pool) evictOldestLocked() {
	var oldestAddr string
	var oldest time.Time
	for addr, pc := range p.conns {
		if oldestAddr == "" || pc.lastUsed.Before(oldest) {
			oldestAddr = addr
			oldest = pc.lastUsed
		}
	}
	if oldestAddr != "" {
		logger.Sugar.Debugf("[Pool] evicting least-recently-used connection to %s", oldestAddr)
		p.evictLocked(oldestAddr)
	}
}

// isAlive probes the socket without disturbing the protocol: between
// exchanges nothing should be readable, so a short read either times out
// (healthy) or returns EOF/data (the peer closed or broke framing). The
// caller must hold the entry lock so the probe never races an exchange.
func isAlive(conn net.Conn) bool {
	if err := conn.SetReadDeadline(time.Now().Add(time.Millisecond)); err != nil {
		return false
	}
	defer conn.SetReadDeadline(time.Time{})

	buf := make([]byte, 1)
	n, err := conn.Read(buf)
	if n > 0 {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}
