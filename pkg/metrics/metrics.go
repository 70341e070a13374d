package metrics

import (
	"runtime"
	"time"

	"p2p-chunkcast/pkg/logger"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AnnouncementsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chunkcast_announcements_sent_total",
		Help: "Announcement datagrams sent (one per batch per port).",
	})
	AnnouncementsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chunkcast_announcements_received_total",
		Help: "Well-formed announcement datagrams received.",
	})
	ChunksServed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chunkcast_chunks_served_total",
		Help: "Chunks streamed to downloading peers.",
	})
	ChunksDownloaded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chunkcast_chunks_downloaded_total",
		Help: "Chunks downloaded and verified.",
	})
	ChecksumFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chunkcast_checksum_failures_total",
		Help: "Received chunks rejected for checksum or size mismatch.",
	})
	PoolEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chunkcast_pool_evictions_total",
		Help: "Pooled connections evicted (LRU, idle or dead).",
	})
	OpenConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chunkcast_pool_open_connections",
		Help: "Connections currently held by the pool.",
	})
	BytesTransferred = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chunkcast_bytes_transferred_total",
		Help: "Payload bytes served to downloading peers.",
	})
)

// LogPeriodic logs runtime stats at the given interval until stop closes.
func LogPeriodic(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			var m runtime.MemStats
			runtime.ReadMemStats(&m)

			logger.Sugar.Infof("[Metrics] Goroutines=%d | HeapAlloc=%dMB | HeapSys=%dMB",
				runtime.NumGoroutine(),
				m.HeapAlloc/1024/1024,
				m.HeapSys/1024/1024,
			)
		}
	}
}
