package storage

import (
	"bytes"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"
)

func TestChunkNaming(t *testing.T) {
	if got := ChunkName("report", 3, ".pdf"); got != "report_3.pdf" {
		t.Errorf("ChunkName = %q", got)
	}

	base, ext := SplitContentName("archive.tar.gz")
	if base != "archive.tar" || ext != ".gz" {
		t.Errorf("SplitContentName = %q, %q", base, ext)
	}

	base, ext = SplitContentName("noext")
	if base != "noext" || ext != "" {
		t.Errorf("SplitContentName = %q, %q", base, ext)
	}
}

func TestParseOrdinal(t *testing.T) {
	pattern := ChunkPattern("report", ".pdf")

	cases := []struct {
		name string
		want int
		ok   bool
	}{
		{"report_1.pdf", 1, true},
		{"report_10.pdf", 10, true},
		{"report_x.pdf", 0, false},
		{"other_1.pdf", 0, false},
		{"report_1.txt", 0, false},
	}
	for _, c := range cases {
		got, ok := ParseOrdinal(pattern, c.name)
		if got != c.want || ok != c.ok {
			t.Errorf("ParseOrdinal(%q) = %d, %v; want %d, %v", c.name, got, ok, c.want, c.ok)
		}
	}
}

func TestChunkPatternEscapesBase(t *testing.T) {
	// A base name containing regexp metacharacters must match literally.
	pattern := ChunkPattern("v1.2(final)", ".bin")
	if _, ok := ParseOrdinal(pattern, "v1.2(final)_4.bin"); !ok {
		t.Error("literal base name did not match")
	}
	if _, ok := ParseOrdinal(pattern, "v1x2(final)_4.bin"); ok {
		t.Error("dot matched a non-dot character")
	}
}

func TestSplitAndStitchRoundtrip(t *testing.T) {
	dir := t.TempDir()

	original := make([]byte, 2500)
	if _, err := rand.Read(original); err != nil {
		t.Fatal(err)
	}
	srcPath := filepath.Join(dir, "payload.bin")
	if err := os.WriteFile(srcPath, original, 0644); err != nil {
		t.Fatal(err)
	}

	chunkDir := filepath.Join(dir, "chunks")
	if err := os.MkdirAll(chunkDir, 0755); err != nil {
		t.Fatal(err)
	}

	// 2500 bytes at 1000 per chunk: two full chunks plus a 500-byte tail.
	n, err := SplitFile(srcPath, chunkDir, 1000)
	if err != nil {
		t.Fatalf("split failed: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 chunks, got %d", n)
	}

	tail, err := os.ReadFile(filepath.Join(chunkDir, "payload_3.bin"))
	if err != nil {
		t.Fatal(err)
	}
	if len(tail) != 500 {
		t.Errorf("last chunk should be 500 bytes, got %d", len(tail))
	}

	var paths []string
	for i := 1; i <= n; i++ {
		paths = append(paths, filepath.Join(chunkDir, ChunkName("payload", i, ".bin")))
	}
	outPath := filepath.Join(dir, "restored.bin")
	if err := StitchChunks(paths, outPath); err != nil {
		t.Fatalf("stitch failed: %v", err)
	}

	restored, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(restored, original) {
		t.Error("restored file differs from original")
	}

	for _, p := range paths {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Errorf("consumed chunk %s was not removed", p)
		}
	}
}

func TestSplitFileRejectsBadChunkSize(t *testing.T) {
	if _, err := SplitFile("whatever", t.TempDir(), 0); err == nil {
		t.Error("chunk size 0 must be rejected")
	}
}

func TestHashReaderMatchesHashFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	if err := os.WriteFile(path, []byte("chunkcast"), 0644); err != nil {
		t.Fatal(err)
	}

	fromFile, err := HashFile(path)
	if err != nil {
		t.Fatal(err)
	}
	fromReader, err := HashReader(bytes.NewReader([]byte("chunkcast")))
	if err != nil {
		t.Fatal(err)
	}
	if fromFile != fromReader {
		t.Errorf("hash mismatch: %s vs %s", fromFile, fromReader)
	}
	if len(fromFile) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(fromFile))
	}
}
