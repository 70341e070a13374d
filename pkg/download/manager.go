package download

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"p2p-chunkcast/pkg/directory"
	"p2p-chunkcast/pkg/logger"
	"p2p-chunkcast/pkg/metrics"
	"p2p-chunkcast/pkg/pool"
	"p2p-chunkcast/pkg/protocol"
	"p2p-chunkcast/pkg/storage"

	"github.com/google/uuid"
)

// maxWorkers caps the worker pool; small jobs get one worker per chunk.
const maxWorkers = 5

// Manager coordinates one or more downloads against a persisted content
// directory, using the shared connection pool for every peer exchange.
type Manager struct {
	contentDict  map[string]directory.ContentEntry
	pool         *pool.Pool
	chunkDir     string
	downloadsDir string

	// peerPort completes bare-IP peer entries; entries that already carry
	// a port (peers sharing one host with offset ports) are used as-is.
	peerPort int

	timeout time.Duration
}

// NewManager builds a coordinator over an already-loaded content directory.
func NewManager(contentDict map[string]directory.ContentEntry, p *pool.Pool, chunkDir, downloadsDir string, peerPort int, timeout time.Duration) *Manager {
	return &Manager{
		contentDict:  contentDict,
		pool:         p,
		chunkDir:     chunkDir,
		downloadsDir: downloadsDir,
		peerPort:     peerPort,
		timeout:      timeout,
	}
}

// chunkTask is one unit of work: a chunk, its expected checksum, and the
// candidate peers in directory order.
type chunkTask struct {
	name     string
	checksum string
	peers    []string
}

// Download fetches every chunk of contentName in parallel, verifies each,
// and reassembles the original file into the downloads directory. It
// returns the output path on success; on failure no partial output file is
// written and the error names the chunks that could not be obtained.
func (m *Manager) Download(contentName string) (string, error) {
	base, ext := storage.SplitContentName(contentName)
	tasks := m.resolveChunks(base, ext)
	if len(tasks) == 0 {
		return "", fmt.Errorf("no chunks available for %s", contentName)
	}

	jobID := uuid.NewString()[:8]
	j := newJob(jobID, len(tasks))
	logger.Sugar.Infof("[Download %s] starting %s: %d chunks", jobID, contentName, len(tasks))

	queue := make(chan chunkTask, len(tasks))
	required := make([]string, 0, len(tasks))
	for _, t := range tasks {
		queue <- t
		required = append(required, t.name)
	}
	close(queue)

	workers := maxWorkers
	if len(tasks) < workers {
		workers = len(tasks)
	}
	cancel := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for task := range queue {
				select {
				case <-cancel:
					return
				default:
				}
				j.finish(task.name, m.fetchChunk(j, task))
			}
		}()
	}

	// The timeout bounds the whole call: on expiry the missing set is
	// computed immediately and in-flight attempts are abandoned to finish
	// against their own I/O deadlines in the background.
	select {
	case <-j.done:
		wg.Wait()
	case <-time.After(m.timeout):
		logger.Sugar.Errorf("[Download %s] timed out after %s", jobID, m.timeout)
	}
	close(cancel)

	if missing := j.missing(required); len(missing) > 0 {
		return "", fmt.Errorf("download incomplete for %s: %d/%d chunks, missing %s",
			contentName, j.successCount(), len(tasks), strings.Join(missing, ", "))
	}

	logger.Sugar.Infof("[Download %s] all %d chunks verified, reassembling", jobID, len(tasks))
	outPath, err := m.reassemble(base, ext, contentName)
	if err != nil {
		return "", fmt.Errorf("error reassembling %s: %w", contentName, err)
	}
	logger.Sugar.Infof("[Download %s] complete: %s", jobID, outPath)
	return outPath, nil
}

// resolveChunks finds every directory entry belonging to the content item,
// ordered by ordinal.
func (m *Manager) resolveChunks(base, ext string) []chunkTask {
	pattern := storage.ChunkPattern(base, ext)

	type ordered struct {
		task    chunkTask
		ordinal int
	}
	var found []ordered
	for name, entry := range m.contentDict {
		ordinal, ok := storage.ParseOrdinal(pattern, name)
		if !ok {
			continue
		}
		found = append(found, ordered{
			task:    chunkTask{name: name, checksum: entry.Checksum, peers: entry.Peers},
			ordinal: ordinal,
		})
	}
	sort.Slice(found, func(i, k int) bool { return found[i].ordinal < found[k].ordinal })

	tasks := make([]chunkTask, 0, len(found))
	for _, o := range found {
		tasks = append(tasks, o.task)
	}
	return tasks
}

// fetchChunk tries the task's candidate peers in the order listed, stopping
// at the first verified transfer. Peer-level failures are absorbed here;
// only total exhaustion makes the chunk count as failed.
func (m *Manager) fetchChunk(j *job, task chunkTask) bool {
	for _, peer := range task.peers {
		addr := m.peerAddr(peer)
		logger.Sugar.Infof("[Download %s] attempting %s from %s", j.id, task.name, addr)

		outcome, err := m.tryPeer(addr, task)
		switch outcome {
		case attemptOK:
			metrics.ChunksDownloaded.Inc()
			logger.Sugar.Infof("[Download %s] verified %s from %s", j.id, task.name, addr)
			return true
		case attemptTransport:
			// The connection can no longer be trusted.
			m.pool.Remove(addr)
			logger.Sugar.Errorf("[Download %s] transport error for %s from %s: %v", j.id, task.name, addr, err)
		case attemptIntegrity:
			metrics.ChecksumFailures.Inc()
			logger.Sugar.Errorf("[Download %s] integrity failure for %s from %s: %v", j.id, task.name, addr, err)
		case attemptProtocol:
			logger.Sugar.Errorf("[Download %s] protocol error for %s from %s: %v", j.id, task.name, addr, err)
		case attemptLocal:
			logger.Sugar.Errorf("[Download %s] local storage error for %s: %v", j.id, task.name, err)
		}
	}
	logger.Sugar.Errorf("[Download %s] exhausted all %d peers for %s", j.id, len(task.peers), task.name)
	return false
}

// peerAddr completes a directory peer entry into a dialable address.
func (m *Manager) peerAddr(peer string) string {
	if _, _, err := net.SplitHostPort(peer); err == nil {
		return peer
	}
	return net.JoinHostPort(peer, strconv.Itoa(m.peerPort))
}

// attemptOutcome classifies one per-peer attempt so the retry loop can
// branch without inspecting error strings.
type attemptOutcome int

const (
	attemptOK attemptOutcome = iota
	attemptTransport
	attemptIntegrity
	attemptProtocol
	attemptLocal
)

// integrityError marks checksum/size mismatches: the transfer worked but
// the bytes are wrong, so the chunk is discarded and the next peer tried.
type integrityError struct{ msg string }

func (e *integrityError) Error() string { return e.msg }

// localError marks failures on this node's own filesystem. The connection
// is healthy, so these must not trigger eviction.
type localError struct{ err error }

func (e *localError) Error() string { return e.err.Error() }
func (e *localError) Unwrap() error { return e.err }

// tryPeer performs one request/response exchange over a pooled connection:
// send the framed request, read the size header, stream the payload into a
// temp file while hashing, verify, and rename into the chunk store.
func (m *Manager) tryPeer(addr string, task chunkTask) (attemptOutcome, error) {
	pc, err := m.pool.Acquire(addr)
	if err != nil {
		return attemptTransport, err
	}

	var tmpPath string
	err = pc.Do(func(conn net.Conn) error {
		if err := protocol.WriteRequest(conn, task.name); err != nil {
			return fmt.Errorf("failed to send request: %w", err)
		}

		size, err := protocol.ReadResponseHeader(conn)
		if err != nil {
			return err
		}

		tmp, err := os.CreateTemp(m.chunkDir, "recv-*")
		if err != nil {
			return &localError{fmt.Errorf("failed to create temp file: %w", err)}
		}
		tmpPath = tmp.Name()

		sha := sha256.New()
		received, copyErr := io.CopyN(io.MultiWriter(tmp, sha), conn, size)
		closeErr := tmp.Close()
		if copyErr != nil {
			return fmt.Errorf("connection broke after %d/%d bytes: %w", received, size, copyErr)
		}
		if closeErr != nil {
			return &localError{fmt.Errorf("failed to finalize temp file: %w", closeErr)}
		}
		if received != size {
			return &integrityError{fmt.Sprintf("size mismatch: got %d, expected %d", received, size)}
		}
		if got := hex.EncodeToString(sha.Sum(nil)); got != task.checksum {
			return &integrityError{fmt.Sprintf("checksum mismatch: expected %s, got %s", task.checksum, got)}
		}

		if err := os.Rename(tmpPath, filepath.Join(m.chunkDir, task.name)); err != nil {
			return &localError{fmt.Errorf("failed to store chunk: %w", err)}
		}
		return nil
	})

	if err == nil {
		return attemptOK, nil
	}
	if tmpPath != "" {
		os.Remove(tmpPath)
	}
	var intErr *integrityError
	var locErr *localError
	switch {
	case errors.As(err, &intErr):
		return attemptIntegrity, err
	case errors.As(err, &locErr):
		return attemptLocal, err
	case errors.Is(err, protocol.ErrChunkNotFound):
		return attemptProtocol, err
	default:
		return attemptTransport, err
	}
}

// reassemble concatenates the verified chunk files in numeric-ordinal order
// into the downloads directory, deleting each consumed chunk.
func (m *Manager) reassemble(base, ext, contentName string) (string, error) {
	pattern := storage.ChunkPattern(base, ext)

	entries, err := os.ReadDir(m.chunkDir)
	if err != nil {
		return "", fmt.Errorf("failed to list chunk directory: %w", err)
	}

	type ordered struct {
		path    string
		ordinal int
	}
	var chunks []ordered
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ordinal, ok := storage.ParseOrdinal(pattern, entry.Name())
		if !ok {
			continue
		}
		chunks = append(chunks, ordered{filepath.Join(m.chunkDir, entry.Name()), ordinal})
	}
	sort.Slice(chunks, func(i, k int) bool { return chunks[i].ordinal < chunks[k].ordinal })

	paths := make([]string, 0, len(chunks))
	for _, c := range chunks {
		paths = append(paths, c.path)
	}

	outPath := filepath.Join(m.downloadsDir, contentName)
	if err := storage.StitchChunks(paths, outPath); err != nil {
		return "", err
	}
	return outPath, nil
}
