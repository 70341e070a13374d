package announce

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"p2p-chunkcast/pkg/directory"
	"p2p-chunkcast/pkg/protocol"
)

func startTestListener(t *testing.T) (*Listener, *directory.Directory, string, *net.UDPConn) {
	t.Helper()

	dir := directory.New(time.Minute, time.Minute)
	dictPath := filepath.Join(t.TempDir(), "content_dict.json")

	l, err := NewListener(0, dir, dictPath)
	if err != nil {
		t.Fatal(err)
	}
	l.Start()
	t.Cleanup(l.Stop)

	conn, err := net.DialUDP("udp4", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: l.Port()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })

	return l, dir, dictPath, conn
}

func sendAnnouncement(t *testing.T, conn *net.UDPConn, msg protocol.Announcement) {
	t.Helper()
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := conn.Write(data); err != nil {
		t.Fatal(err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestListenerUpdatesDirectoryAndPersists(t *testing.T) {
	_, dir, dictPath, conn := startTestListener(t)

	sendAnnouncement(t, conn, protocol.Announcement{
		PeerIP: "10.0.0.9",
		Chunks: map[string]protocol.ChunkInfo{
			"file_1.txt": {Size: 5, Checksum: "aaa", Timestamp: "1"},
		},
		Timestamp: "1",
		BatchInfo: protocol.BatchInfo{Current: 1, Total: 1},
	})

	waitFor(t, "directory update", func() bool { return dir.PeerCount() == 1 })

	entry, ok := dir.ContentDir()["file_1.txt"]
	if !ok || entry.Checksum != "aaa" {
		t.Fatalf("content directory = %v", dir.ContentDir())
	}

	waitFor(t, "content dictionary flush", func() bool {
		loaded, err := directory.LoadContentDict(dictPath)
		return err == nil && len(loaded) == 1
	})
}

func TestListenerFallsBackToSourceIP(t *testing.T) {
	_, dir, _, conn := startTestListener(t)

	// No peer_ip in the message; the datagram source address stands in.
	sendAnnouncement(t, conn, protocol.Announcement{
		Chunks: map[string]protocol.ChunkInfo{
			"file_1.txt": {Size: 5, Checksum: "aaa", Timestamp: "1"},
		},
		Timestamp: "1",
		BatchInfo: protocol.BatchInfo{Current: 1, Total: 1},
	})

	waitFor(t, "directory update", func() bool { return dir.PeerCount() == 1 })
	if peers := dir.Peers(); peers[0] != "127.0.0.1" {
		t.Errorf("peer recorded as %q", peers[0])
	}
}

func TestListenerIgnoresMalformedDatagrams(t *testing.T) {
	_, dir, _, conn := startTestListener(t)

	if _, err := conn.Write([]byte("{not json")); err != nil {
		t.Fatal(err)
	}
	sendAnnouncement(t, conn, protocol.Announcement{
		PeerIP: "10.0.0.9",
		Chunks: map[string]protocol.ChunkInfo{
			"file_1.txt": {Size: 5, Checksum: "aaa", Timestamp: "1"},
		},
		Timestamp: "1",
		BatchInfo: protocol.BatchInfo{Current: 1, Total: 1},
	})

	// The valid announcement after the garbage proves the loop survived it.
	waitFor(t, "directory update", func() bool { return dir.PeerCount() == 1 })
}

func TestListenerReassemblesBatchedCycle(t *testing.T) {
	_, dir, _, conn := startTestListener(t)

	chunks := map[string]protocol.ChunkInfo{
		"file_1.txt": {Size: 5, Checksum: "aaa", Timestamp: "1"},
		"file_2.txt": {Size: 5, Checksum: "bbb", Timestamp: "1"},
	}

	// Batches arrive out of order; the cycle applies only once both are in.
	sendAnnouncement(t, conn, protocol.Announcement{
		PeerIP:    "10.0.0.9",
		Chunks:    map[string]protocol.ChunkInfo{"file_2.txt": chunks["file_2.txt"]},
		Timestamp: "42",
		BatchInfo: protocol.BatchInfo{Current: 2, Total: 2},
	})

	time.Sleep(50 * time.Millisecond)
	if dir.PeerCount() != 0 {
		t.Fatal("partial cycle must not update the directory")
	}

	sendAnnouncement(t, conn, protocol.Announcement{
		PeerIP:    "10.0.0.9",
		Chunks:    map[string]protocol.ChunkInfo{"file_1.txt": chunks["file_1.txt"]},
		Timestamp: "42",
		BatchInfo: protocol.BatchInfo{Current: 1, Total: 2},
	})

	waitFor(t, "cycle completion", func() bool {
		return len(dir.ContentDir()) == 2
	})
}

func TestCollectBatchDiscardsStaleCycle(t *testing.T) {
	dir := directory.New(time.Minute, time.Minute)
	l := &Listener{
		dir:     dir,
		pending: make(map[string]*pendingCycle),
	}

	part := func(ts string, current, total int, name string) *protocol.Announcement {
		return &protocol.Announcement{
			PeerIP:    "10.0.0.9",
			Chunks:    map[string]protocol.ChunkInfo{name: {Size: 1, Checksum: "x", Timestamp: ts}},
			Timestamp: ts,
			BatchInfo: protocol.BatchInfo{Current: current, Total: total},
		}
	}

	if _, complete := l.collectBatch("10.0.0.9", part("1", 1, 2, "old_1.txt")); complete {
		t.Fatal("half a cycle reported complete")
	}

	// A newer cycle resets the pending state; the old half never completes.
	if _, complete := l.collectBatch("10.0.0.9", part("2", 1, 2, "new_1.txt")); complete {
		t.Fatal("half of the new cycle reported complete")
	}
	merged, complete := l.collectBatch("10.0.0.9", part("2", 2, 2, "new_2.txt"))
	if !complete {
		t.Fatal("completed cycle not detected")
	}
	if _, ok := merged["old_1.txt"]; ok {
		t.Error("stale cycle leaked into the merged chunk map")
	}
	if len(merged) != 2 {
		t.Errorf("merged cycle has %d chunks, want 2", len(merged))
	}

	if _, ok := l.pending["10.0.0.9"]; ok {
		t.Error("pending state not cleared after completion")
	}
}

func TestCollectBatchRejectsInvalidBatchInfo(t *testing.T) {
	l := &Listener{pending: make(map[string]*pendingCycle)}
	msg := &protocol.Announcement{
		Chunks:    map[string]protocol.ChunkInfo{"a": {}},
		Timestamp: "1",
		BatchInfo: protocol.BatchInfo{Current: 3, Total: 2},
	}
	if _, complete := l.collectBatch("10.0.0.9", msg); complete {
		t.Error("out-of-range batch_info accepted")
	}
}

func TestScanChunks(t *testing.T) {
	chunkDir := t.TempDir()
	for i := 1; i <= 2; i++ {
		name := fmt.Sprintf("file_%d.txt", i)
		if err := os.WriteFile(filepath.Join(chunkDir, name), []byte("data"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	chunks, err := ScanChunks(chunkDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 2 {
		t.Fatalf("scanned %d chunks, want 2", len(chunks))
	}
	info := chunks["file_1.txt"]
	if info.Size != 4 {
		t.Errorf("size = %d", info.Size)
	}
	if len(info.Checksum) != 64 {
		t.Errorf("checksum = %q", info.Checksum)
	}
	if info.Timestamp == "" {
		t.Error("timestamp missing")
	}
}
