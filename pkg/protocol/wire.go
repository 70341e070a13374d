package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
)

// Requests are newline-delimited JSON: small, sent in one write, and the
// delimiter makes "end of request" unambiguous on a persistent connection.
// Responses reuse the size-prefixed scheme: "<decimal size>\n" followed by
// exactly that many raw bytes, or the bare NotFoundToken.

// ErrChunkNotFound reports that the remote peer answered with the
// NotFoundToken instead of a size header.
var ErrChunkNotFound = errors.New("chunk not found on peer")

// maxHeaderDigits bounds the size header; 19 digits covers any int64.
const maxHeaderDigits = 19

// WriteRequest frames and sends one chunk request.
func WriteRequest(w io.Writer, chunkName string) error {
	data, err := json.Marshal(ChunkRequest{Chunk: chunkName})
	if err != nil {
		return err
	}
	_, err = w.Write(append(data, '\n'))
	return err
}

// ParseRequest decodes one request line (without the trailing newline
// already stripped or still attached, both are accepted).
func ParseRequest(line []byte) (ChunkRequest, error) {
	var req ChunkRequest
	if err := json.Unmarshal(line, &req); err != nil {
		return req, fmt.Errorf("malformed request: %w", err)
	}
	return req, nil
}

// WriteSizeHeader sends the response size header.
func WriteSizeHeader(w io.Writer, size int64) error {
	_, err := fmt.Fprintf(w, "%d\n", size)
	return err
}

// ReadResponseHeader reads the size header of a chunk response. It reads
// byte-at-a-time so nothing beyond the header is consumed from the
// connection; the payload that follows belongs to the caller. It returns
// ErrChunkNotFound when the peer answered with the NotFoundToken.
func ReadResponseHeader(r io.Reader) (int64, error) {
	buf := make([]byte, 1)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, err
	}

	// The error token is the only non-digit response and has no newline,
	// so it is recognized by its first byte and fixed length.
	if buf[0] == NotFoundToken[0] {
		rest := make([]byte, len(NotFoundToken)-1)
		if _, err := io.ReadFull(r, rest); err != nil {
			return 0, fmt.Errorf("truncated error response: %w", err)
		}
		if NotFoundToken[1:] != string(rest) {
			return 0, fmt.Errorf("unrecognized response %q", string(buf[0])+string(rest))
		}
		return 0, ErrChunkNotFound
	}

	header := []byte{buf[0]}
	for {
		if _, err := io.ReadFull(r, buf); err != nil {
			return 0, err
		}
		if buf[0] == '\n' {
			break
		}
		header = append(header, buf[0])
		if len(header) > maxHeaderDigits {
			return 0, fmt.Errorf("size header too long: %q", header)
		}
	}

	size, err := strconv.ParseInt(string(header), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unparsable size header %q: %w", header, err)
	}
	if size < 0 {
		return 0, fmt.Errorf("negative size header %d", size)
	}
	return size, nil
}
