package gcsread

import "github.com/prometheus/client_golang/prometheus"

// Metrics collected by every ReadChannel, in the style of
// persistent/gcs.go's GCSOps counter vector. Callers register these once,
// e.g. alongside cmd/utahfs-client/metrics.go's other collectors.
var (
	StreamStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gcsread_stream_starts",
			Help: "The number of GetObjectMedia streams started, by access strategy.",
		},
		[]string{"strategy"},
	)

	StreamRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gcsread_stream_retries",
			Help: "The number of times a stream was torn down and reissued after a retryable failure.",
		},
		[]string{"reason"},
	)

	ChecksumFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gcsread_checksum_failures",
			Help: "The number of chunks that failed CRC32-C verification.",
		},
	)

	BytesDelivered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gcsread_bytes_delivered",
			Help: "Bytes delivered to callers, by source.",
		},
		[]string{"source"}, // "buffer" or "stream"
	)
)

// Collectors returns every metric this package defines, for one-line
// registration (mirrors cmd/utahfs-client/metrics.go's registry slice).
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{StreamStarts, StreamRetries, ChecksumFailures, BytesDelivered}
}
