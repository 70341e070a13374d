package server

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"p2p-chunkcast/pkg/logger"
	"p2p-chunkcast/pkg/metrics"
	"p2p-chunkcast/pkg/protocol"
)

// copyBlockSize is the read size when streaming a chunk file out.
const copyBlockSize = 4096

// Server serves chunk files over persistent TCP connections. Each accepted
// connection gets its own handler goroutine that loops request/response
// until the client goes away or stays idle past the timeout; the accept
// loop itself never blocks on a transfer.
type Server struct {
	chunkDir    string
	listenAddr  string
	IdleTimeout time.Duration

	ln       net.Listener
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a chunk server rooted at chunkDir. addr may carry port 0 for
// tests; Addr() reports the bound address after Start.
func New(addr, chunkDir string) *Server {
	return &Server{
		chunkDir:    chunkDir,
		listenAddr:  addr,
		IdleTimeout: 30 * time.Second,
		stopCh:      make(chan struct{}),
	}
}

// Start binds the listener and launches the accept loop.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.listenAddr, err)
	}
	s.ln = ln
	logger.Sugar.Infof("[ChunkServer] listening on %s, serving %s", ln.Addr(), s.chunkDir)

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.listenAddr
	}
	return s.ln.Addr().String()
}

// Stop closes the listener. In-flight handlers finish their current
// exchange and exit on the next read.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.stopCh)
		if s.ln != nil {
			err = s.ln.Close()
		}
	})
	s.wg.Wait()
	return err
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
			}
			logger.Sugar.Errorf("[ChunkServer] accept error: %v", err)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// handleConn loops AWAIT_REQUEST -> SERVE_CHUNK on one connection. A
// malformed request is logged and the loop continues; only client close,
// idle timeout or a write failure ends the connection.
func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	remote := conn.RemoteAddr().String()
	logger.Sugar.Infof("[ChunkServer] new connection from %s", remote)

	r := bufio.NewReader(conn)
	for {
		if err := conn.SetReadDeadline(time.Now().Add(s.IdleTimeout)); err != nil {
			return
		}
		line, err := r.ReadBytes('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				logger.Sugar.Infof("[ChunkServer] client %s closed connection", remote)
			} else {
				logger.Sugar.Infof("[ChunkServer] closing connection to %s: %v", remote, err)
			}
			return
		}

		req, err := protocol.ParseRequest(line)
		if err != nil {
			logger.Sugar.Errorf("[ChunkServer] malformed request from %s: %v", remote, err)
			continue
		}
		if req.Chunk == "" {
			logger.Sugar.Errorf("[ChunkServer] invalid request from %s: 'chunk' field missing", remote)
			continue
		}
		if strings.ContainsAny(req.Chunk, `/\`) || req.Chunk != filepath.Base(req.Chunk) {
			logger.Sugar.Errorf("[ChunkServer] rejected chunk name %q from %s", req.Chunk, remote)
			continue
		}

		if err := s.serveChunk(conn, req.Chunk); err != nil {
			logger.Sugar.Errorf("[ChunkServer] error serving %s to %s: %v", req.Chunk, remote, err)
			return
		}
	}
}

// serveChunk streams one chunk back: size header, then the raw bytes in
// fixed-size blocks. A missing chunk answers with the error token and keeps
// the connection alive; a transport failure mid-stream kills it.
func (s *Server) serveChunk(conn net.Conn, chunkName string) error {
	path := filepath.Join(s.chunkDir, chunkName)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Sugar.Warnf("[ChunkServer] chunk not found: %s", path)
			if err := conn.SetWriteDeadline(time.Now().Add(s.IdleTimeout)); err != nil {
				return err
			}
			_, werr := conn.Write([]byte(protocol.NotFoundToken))
			return werr
		}
		return fmt.Errorf("failed to open chunk %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat chunk %s: %w", path, err)
	}

	if err := conn.SetWriteDeadline(time.Now().Add(s.IdleTimeout)); err != nil {
		return err
	}
	if err := protocol.WriteSizeHeader(conn, info.Size()); err != nil {
		return fmt.Errorf("failed to send size header: %w", err)
	}

	written, err := io.CopyBuffer(deadlineWriter{conn, s.IdleTimeout}, f, make([]byte, copyBlockSize))
	if err != nil {
		return fmt.Errorf("failed to stream chunk %s after %d bytes: %w", chunkName, written, err)
	}

	metrics.ChunksServed.Inc()
	metrics.BytesTransferred.Add(float64(written))
	logger.Sugar.Infof("[ChunkServer] sent chunk %s (%d bytes)", chunkName, written)
	return nil
}

// deadlineWriter pushes the write deadline forward on every block so a slow
// but progressing client is not cut off mid-transfer.
type deadlineWriter struct {
	conn    net.Conn
	timeout time.Duration
}

func (w deadlineWriter) Write(p []byte) (int, error) {
	if err := w.conn.SetWriteDeadline(time.Now().Add(w.timeout)); err != nil {
		return 0, err
	}
	return w.conn.Write(p)
}
