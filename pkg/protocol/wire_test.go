package protocol

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestRequestRoundtrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteRequest(&buf, "report_3.pdf"); err != nil {
		t.Fatal(err)
	}
	if !bytes.HasSuffix(buf.Bytes(), []byte("\n")) {
		t.Error("request frame must end with a newline")
	}

	req, err := ParseRequest(buf.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if req.Chunk != "report_3.pdf" {
		t.Errorf("parsed chunk = %q", req.Chunk)
	}
}

func TestParseRequestMalformed(t *testing.T) {
	if _, err := ParseRequest([]byte(`{"chunk":`)); err == nil {
		t.Error("truncated JSON must fail")
	}
}

func TestReadResponseHeader(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteSizeHeader(&buf, 102400); err != nil {
		t.Fatal(err)
	}
	buf.WriteString("payload follows")

	size, err := ReadResponseHeader(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if size != 102400 {
		t.Errorf("size = %d", size)
	}
	// The header read must stop at the newline and leave the payload intact.
	rest, _ := io.ReadAll(&buf)
	if string(rest) != "payload follows" {
		t.Errorf("payload consumed by header read: %q", rest)
	}
}

func TestReadResponseHeaderNotFound(t *testing.T) {
	_, err := ReadResponseHeader(strings.NewReader(NotFoundToken))
	if !errors.Is(err, ErrChunkNotFound) {
		t.Errorf("expected ErrChunkNotFound, got %v", err)
	}
}

func TestReadResponseHeaderRejectsGarbage(t *testing.T) {
	cases := []string{
		"abc\n",                  // non-digit, non-token
		"ERROR: something else!", // token-length mismatch in body
		strings.Repeat("9", 25) + "\n", // header too long
		"",                       // empty stream
	}
	for _, c := range cases {
		if _, err := ReadResponseHeader(strings.NewReader(c)); err == nil {
			t.Errorf("input %q must be rejected", c)
		}
	}
}

func TestReadResponseHeaderZeroSize(t *testing.T) {
	size, err := ReadResponseHeader(strings.NewReader("0\n"))
	if err != nil || size != 0 {
		t.Errorf("size = %d, err = %v", size, err)
	}
}
