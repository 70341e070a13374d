package protocol

// UDP datagrams top out around 65 KB; announcements are encoded against a
// 60 KB working margin and split into batches when they exceed it.
const (
	MaxDatagramSize = 64 * 1024
	DatagramMargin  = 60 * 1024

	// MaxChunksPerBatch caps how many chunk entries ride in one
	// announcement before the payload-size check even runs.
	MaxChunksPerBatch = 8
)

// NotFoundToken is the literal response a chunk server sends for an unknown
// chunk. It is sent without a trailing newline.
const NotFoundToken = "ERROR: Chunk not found"

// ChunkInfo describes one locally held chunk as carried in announcements.
type ChunkInfo struct {
	Size      int64  `json:"size"`
	Checksum  string `json:"checksum"`
	Timestamp string `json:"timestamp"`
}

// BatchInfo identifies one datagram within a multi-datagram announcement
// cycle. Current is 1-based.
type BatchInfo struct {
	Current int `json:"current"`
	Total   int `json:"total"`
}

// Announcement is the UDP broadcast message a peer sends each cycle. All
// batches of one cycle share the same Timestamp so a listener can
// reassemble them into a single chunk map before applying it.
type Announcement struct {
	PeerIP    string               `json:"peer_ip"`
	Chunks    map[string]ChunkInfo `json:"chunks"`
	Timestamp string               `json:"timestamp"`
	BatchInfo BatchInfo            `json:"batch_info"`
}

// ChunkRequest is the framed request a downloader sends on a chunk-server
// connection. On the wire it is one line of JSON terminated by '\n'.
type ChunkRequest struct {
	Chunk string `json:"chunk"`
}
