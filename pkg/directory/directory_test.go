package directory

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"p2p-chunkcast/pkg/protocol"
)

func testChunks(pairs ...string) map[string]protocol.ChunkInfo {
	chunks := make(map[string]protocol.ChunkInfo)
	for i := 0; i+1 < len(pairs); i += 2 {
		chunks[pairs[i]] = protocol.ChunkInfo{Size: 1, Checksum: pairs[i+1], Timestamp: "0"}
	}
	return chunks
}

func TestUpdatePeerIdempotent(t *testing.T) {
	d := New(time.Minute, time.Minute)

	chunks := testChunks("file_1.txt", "aaa", "file_2.txt", "bbb")
	if changed := d.UpdatePeer("10.0.0.1", chunks); !changed {
		t.Fatal("first announcement should change the directory")
	}
	first := d.ContentDir()

	if changed := d.UpdatePeer("10.0.0.1", testChunks("file_1.txt", "aaa", "file_2.txt", "bbb")); changed {
		t.Error("replaying the same announcement must be a no-op")
	}
	if second := d.ContentDir(); !reflect.DeepEqual(first, second) {
		t.Errorf("content directory changed after duplicate announcement: %v vs %v", first, second)
	}
}

func TestConvergenceUnderReordering(t *testing.T) {
	a := testChunks("file_1.txt", "aaa")
	b := testChunks("file_1.txt", "aaa", "file_2.txt", "bbb")

	d1 := New(time.Minute, time.Minute)
	d1.UpdatePeer("10.0.0.1", a)
	d1.UpdatePeer("10.0.0.2", b)

	d2 := New(time.Minute, time.Minute)
	d2.UpdatePeer("10.0.0.2", b)
	d2.UpdatePeer("10.0.0.1", a)

	if c1, c2 := d1.ContentDir(), d2.ContentDir(); !reflect.DeepEqual(c1, c2) {
		t.Errorf("content directories diverged under reordering:\n%v\n%v", c1, c2)
	}
}

func TestChecksumConflictDropsPeer(t *testing.T) {
	d := New(time.Minute, time.Minute)
	d.UpdatePeer("10.0.0.1", testChunks("file_1.txt", "aaa"))
	d.UpdatePeer("10.0.0.2", testChunks("file_1.txt", "zzz"))

	content := d.ContentDir()
	entry, ok := content["file_1.txt"]
	if !ok {
		t.Fatal("chunk missing from content directory")
	}
	// Sorted-peer iteration makes 10.0.0.1 the first-seen reporter.
	if entry.Checksum != "aaa" {
		t.Errorf("expected first-seen checksum aaa, got %s", entry.Checksum)
	}
	if len(entry.Peers) != 1 || entry.Peers[0] != "10.0.0.1" {
		t.Errorf("conflicting peer must be dropped, got peers %v", entry.Peers)
	}
}

func TestWholesaleReplacement(t *testing.T) {
	d := New(time.Minute, time.Minute)
	d.UpdatePeer("10.0.0.1", testChunks("file_1.txt", "aaa", "file_2.txt", "bbb"))
	d.UpdatePeer("10.0.0.1", testChunks("file_3.txt", "ccc"))

	content := d.ContentDir()
	if _, ok := content["file_1.txt"]; ok {
		t.Error("replaced chunk map must not retain old entries")
	}
	if _, ok := content["file_3.txt"]; !ok {
		t.Error("new chunk map entry missing")
	}
}

func TestEmptyAnnouncementIgnoredForKnownPeer(t *testing.T) {
	d := New(time.Minute, time.Minute)
	d.UpdatePeer("10.0.0.1", testChunks("file_1.txt", "aaa"))

	if changed := d.UpdatePeer("10.0.0.1", nil); changed {
		t.Error("empty chunk set for a known peer must be ignored")
	}
	if _, ok := d.ContentDir()["file_1.txt"]; !ok {
		t.Error("empty announcement wiped the peer's chunks")
	}
}

func TestStalePeerPruning(t *testing.T) {
	d := New(50*time.Millisecond, time.Minute)
	d.UpdatePeer("10.0.0.1", testChunks("file_1.txt", "aaa"))

	if removed := d.RemoveStale(); len(removed) != 0 {
		t.Fatalf("fresh peer removed: %v", removed)
	}

	time.Sleep(80 * time.Millisecond)
	removed := d.RemoveStale()
	if len(removed) != 1 || removed[0] != "10.0.0.1" {
		t.Fatalf("expected stale peer removal, got %v", removed)
	}
	if d.PeerCount() != 0 {
		t.Errorf("peer still present after pruning")
	}
}

func TestPersistRoundtrip(t *testing.T) {
	d := New(time.Minute, time.Minute)
	d.UpdatePeer("10.0.0.1", testChunks("file_1.txt", "aaa"))
	d.UpdatePeer("10.0.0.2", testChunks("file_1.txt", "aaa", "file_2.txt", "bbb"))

	path := filepath.Join(t.TempDir(), "content_dict.json")
	if err := d.FlushIfDirty(path); err != nil {
		t.Fatalf("flush failed: %v", err)
	}

	loaded, err := LoadContentDict(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if !reflect.DeepEqual(loaded, d.ContentDir()) {
		t.Errorf("persisted content directory differs:\n%v\n%v", loaded, d.ContentDir())
	}

	// Nothing changed since the flush, so the file must not be rewritten.
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	if err := d.FlushIfDirty(path); err != nil {
		t.Fatalf("second flush failed: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("flush rewrote an unchanged directory")
	}
}

func TestSeedFromFile(t *testing.T) {
	d := New(time.Minute, time.Minute)
	d.UpdatePeer("10.0.0.1", testChunks("file_1.txt", "aaa"))

	path := filepath.Join(t.TempDir(), "content_dict.json")
	if err := d.SaveContentDict(path); err != nil {
		t.Fatal(err)
	}

	fresh := New(time.Minute, time.Minute)
	if err := fresh.SeedFromFile(path); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	entry, ok := fresh.ContentDir()["file_1.txt"]
	if !ok || entry.Checksum != "aaa" {
		t.Errorf("seeded directory missing chunk: %v", fresh.ContentDir())
	}
}
