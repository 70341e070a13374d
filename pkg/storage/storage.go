package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"p2p-chunkcast/pkg/logger"
)

// ChunkName builds the canonical chunk file name: base name, 1-based
// ordinal, original extension. "report.pdf" chunk 3 -> "report_3.pdf".
func ChunkName(base string, index int, ext string) string {
	return fmt.Sprintf("%s_%d%s", base, index, ext)
}

// SplitContentName separates a content name into base name and extension.
func SplitContentName(contentName string) (base, ext string) {
	ext = filepath.Ext(contentName)
	return contentName[:len(contentName)-len(ext)], ext
}

// ChunkPattern matches the chunk files of one content item and captures the
// ordinal, so "_10" sorts after "_9" numerically rather than lexically.
func ChunkPattern(base, ext string) *regexp.Regexp {
	return regexp.MustCompile("^" + regexp.QuoteMeta(base) + "_([0-9]+)" + regexp.QuoteMeta(ext) + "$")
}

// ParseOrdinal extracts the numeric ordinal of a chunk name, using the
// pattern built by ChunkPattern.
func ParseOrdinal(pattern *regexp.Regexp, name string) (int, bool) {
	m := pattern.FindStringSubmatch(name)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// HashReader computes the hex-encoded SHA-256 of everything in r.
func HashReader(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashFile computes the hex-encoded SHA-256 of a file's contents.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return HashReader(f)
}

// SplitFile cuts the file at path into ChunkName-named pieces of chunkSize
// bytes (the last one may be shorter) inside chunkDir, and returns how many
// chunks were written.
func SplitFile(path, chunkDir string, chunkSize int) (int, error) {
	if chunkSize <= 0 {
		return 0, fmt.Errorf("invalid chunk size %d", chunkSize)
	}

	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	base, ext := SplitContentName(filepath.Base(path))
	buf := make([]byte, chunkSize)
	index := 0

	for {
		n, readErr := io.ReadFull(f, buf)
		if n > 0 {
			index++
			chunkPath := filepath.Join(chunkDir, ChunkName(base, index, ext))
			if err := os.WriteFile(chunkPath, buf[:n], 0644); err != nil {
				return index, fmt.Errorf("failed to write chunk %s: %w", chunkPath, err)
			}
			logger.Sugar.Debugf("[Splitter] wrote chunk: %s (%d bytes)", chunkPath, n)
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			return index, fmt.Errorf("failed to read %s: %w", path, readErr)
		}
	}

	logger.Sugar.Infof("[Splitter] split %s into %d chunks of up to %d bytes", path, index, chunkSize)
	return index, nil
}

// StitchChunks concatenates the given chunk files, in the order given, into
// outPath. Each consumed chunk file is removed after it has been copied.
func StitchChunks(chunkPaths []string, outPath string) error {
	out, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("failed to create output file %s: %w", outPath, err)
	}
	defer out.Close()

	for _, chunkPath := range chunkPaths {
		in, err := os.Open(chunkPath)
		if err != nil {
			return fmt.Errorf("failed to open chunk %s: %w", chunkPath, err)
		}
		_, copyErr := io.Copy(out, in)
		in.Close()
		if copyErr != nil {
			return fmt.Errorf("failed to copy chunk %s: %w", chunkPath, copyErr)
		}
		if err := os.Remove(chunkPath); err != nil {
			logger.Sugar.Warnf("[Stitcher] failed to remove consumed chunk %s: %v", chunkPath, err)
		}
	}
	return nil
}
