package announce

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"p2p-chunkcast/pkg/protocol"
)

// BuildBatches splits a chunk inventory into encoded announcement
// datagrams. Batches start at maxPerBatch entries; any group whose encoding
// still exceeds the datagram margin is halved and re-split until it fits.
// All batches of one call share a timestamp so the receiver can reassemble
// them into a single chunk map.
func BuildBatches(peerIP string, chunks map[string]protocol.ChunkInfo, maxPerBatch int) ([][]byte, error) {
	names := make([]string, 0, len(chunks))
	for name := range chunks {
		names = append(names, name)
	}
	sort.Strings(names)

	timestamp := strconv.FormatInt(time.Now().UnixNano(), 10)

	groups, err := splitIntoGroups(names, chunks, maxPerBatch, peerIP, timestamp)
	if err != nil {
		return nil, err
	}

	total := len(groups)
	batches := make([][]byte, 0, total)
	for i, group := range groups {
		msg := protocol.Announcement{
			PeerIP:    peerIP,
			Chunks:    group,
			Timestamp: timestamp,
			BatchInfo: protocol.BatchInfo{Current: i + 1, Total: total},
		}
		data, err := json.Marshal(msg)
		if err != nil {
			return nil, fmt.Errorf("failed to encode batch %d/%d: %w", i+1, total, err)
		}
		batches = append(batches, data)
	}
	return batches, nil
}

// splitIntoGroups partitions the sorted names into groups whose encoded
// announcement fits within the datagram margin, halving the group size and
// recursing when one does not.
func splitIntoGroups(names []string, chunks map[string]protocol.ChunkInfo, groupSize int, peerIP, timestamp string) ([]map[string]protocol.ChunkInfo, error) {
	if groupSize < 1 {
		return nil, fmt.Errorf("chunk entry too large to fit a datagram")
	}

	var groups []map[string]protocol.ChunkInfo
	for start := 0; start < len(names); start += groupSize {
		end := start + groupSize
		if end > len(names) {
			end = len(names)
		}
		group := make(map[string]protocol.ChunkInfo, end-start)
		for _, name := range names[start:end] {
			group[name] = chunks[name]
		}

		if fitsMargin(group, peerIP, timestamp) {
			groups = append(groups, group)
			continue
		}

		// Too big even though the entry count is within bounds: halve and
		// retry just this slice.
		sub, err := splitIntoGroups(names[start:end], chunks, groupSize/2, peerIP, timestamp)
		if err != nil {
			return nil, err
		}
		groups = append(groups, sub...)
	}
	return groups, nil
}

// fitsMargin checks the encoded size of a candidate batch against the
// datagram margin, using a worst-case batch_info so the final encoding can
// only be smaller or equal.
func fitsMargin(group map[string]protocol.ChunkInfo, peerIP, timestamp string) bool {
	probe := protocol.Announcement{
		PeerIP:    peerIP,
		Chunks:    group,
		Timestamp: timestamp,
		BatchInfo: protocol.BatchInfo{Current: 1 << 30, Total: 1 << 30},
	}
	data, err := json.Marshal(probe)
	if err != nil {
		return false
	}
	return len(data) <= protocol.DatagramMargin
}
