package gcsread

import "time"

// AccessStrategy is a hint about how the caller will read an object,
// borrowed from POSIX fadvise semantics.
type AccessStrategy int

const (
	// Sequential assumes reads proceed forward through the object and
	// never limits the readLimit of a new streaming request.
	Sequential AccessStrategy = iota
	// Random assumes reads jump around and bounds each streaming
	// request's readLimit to avoid paying for unread bytes.
	Random
	// Auto starts out Sequential and stickily downgrades to Random the
	// first time a non-trivial seek is observed.
	Auto
)

func (s AccessStrategy) String() string {
	switch s {
	case Sequential:
		return "sequential"
	case Random:
		return "random"
	case Auto:
		return "auto"
	default:
		return "unknown"
	}
}

// ReadOptions configures a ReadChannel. The zero value is not valid; use
// DefaultReadOptions and override fields as needed.
type ReadOptions struct {
	// Fadvise is the access-pattern hint (§6 of the spec).
	Fadvise AccessStrategy

	// InplaceSeekLimit is the largest forward seek distance, in bytes,
	// that's absorbed as a pending skip rather than tearing down the
	// live stream.
	InplaceSeekLimit int64

	// MinRangeRequestSize floors the readLimit of a Random-strategy
	// streaming request.
	MinRangeRequestSize int64

	// GRPCReadTimeout bounds each streaming call.
	GRPCReadTimeout time.Duration

	// GRPCReadMetadataTimeout bounds the opener's GetObject call.
	GRPCReadMetadataTimeout time.Duration

	// ChecksumsEnabled turns on per-chunk CRC32-C verification.
	ChecksumsEnabled bool
}

// DefaultReadOptions mirrors the defaults of the GCS connector this channel
// is modeled on: 2 MiB minimum range requests, an 8 KiB in-place seek
// window, generous RPC deadlines, and checksums on.
func DefaultReadOptions() ReadOptions {
	return ReadOptions{
		Fadvise:                 Auto,
		InplaceSeekLimit:        8 * 1024,
		MinRangeRequestSize:     2 * 1024 * 1024,
		GRPCReadTimeout:         20 * time.Second,
		GRPCReadMetadataTimeout: 10 * time.Second,
		ChecksumsEnabled:        true,
	}
}
