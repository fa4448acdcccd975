// Package storagepb holds the request/response wire shapes for the subset of
// the GCS gRPC Storage API that the read channel needs: GetObject and
// GetObjectMedia (called ReadObject on the wire). It mirrors the field names
// of google.golang.org/genproto/googleapis/storage/v2 so that swapping in the
// real generated package later is a type alias, not a rewrite.
package storagepb

import "io"

// GetObjectRequest fetches the metadata of an object without its content.
type GetObjectRequest struct {
	Bucket string
	Object string
}

// Object is the metadata the opener needs to pin a generation.
type Object struct {
	Bucket          string
	Name            string
	Generation      int64
	Size            int64
	ContentEncoding string
}

// ReadObjectRequest starts (or resumes) a streaming read of object content.
// ReadLimit of zero means "no limit, run to end of object".
type ReadObjectRequest struct {
	Bucket     string
	Object     string
	Generation int64
	ReadOffset int64
	ReadLimit  int64
}

// ChecksummedData is a chunk of object content plus its optional integrity
// checksum.
type ChecksummedData struct {
	Content []byte
	// Crc32C is present only when the server chose to checksum this chunk.
	Crc32C      uint32
	HasChecksum bool
}

// ReadObjectResponse is one message of the ReadObject streaming RPC. When
// the transport supports a zero-copy message path, Stream is the handle
// that scopes the pooled bytes backing Content; the receiver must Close it
// exactly once, whether by consuming the chunk, adopting it into a buffer
// for later release, or skipping past it. A nil Stream means the bytes
// aren't pool-backed and there's nothing to release.
type ReadObjectResponse struct {
	ChecksummedData ChecksummedData
	Stream          io.Closer
}
