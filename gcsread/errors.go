package gcsread

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	// ErrClosed is returned by every ReadChannel operation except IsOpen
	// and Close, once the channel has been closed.
	ErrClosed = errors.New("gcsread: channel is closed")

	// ErrReadOnly is returned by Write and Truncate; the channel never
	// supports them.
	ErrReadOnly = errors.New("gcsread: channel is read-only")

	// ErrChecksumMismatch is returned when a server-supplied CRC32-C
	// disagrees with the bytes it was sent alongside.
	ErrChecksumMismatch = errors.New("gcsread: chunk failed checksum verification")

	// ErrCompressedUnsupported is returned by Open when the object's
	// content encoding is gzip; the channel never inflates.
	ErrCompressedUnsupported = errors.New("gcsread: compressed content encoding is not supported")
)

// NotFoundError names the bucket and object that don't exist.
type NotFoundError struct {
	Bucket, Object string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("gcsread: object not found: %s/%s", e.Bucket, e.Object)
}

// TransportError wraps a retry-exhausted or otherwise non-retryable
// transport failure, naming the resource it was operating against.
type TransportError struct {
	Bucket, Object string
	Cause          error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("gcsread: transport error on %s/%s: %v", e.Bucket, e.Object, e.Cause)
}

func (e *TransportError) Unwrap() error { return e.Cause }

// convertStatus maps a transport-layer error to a domain error, per spec
// §4.7. Errors that don't carry a gRPC status are treated as opaque
// transport errors.
func convertStatus(bucket, object string, err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return &TransportError{Bucket: bucket, Object: object, Cause: err}
	}
	switch st.Code() {
	case codes.NotFound:
		return &NotFoundError{Bucket: bucket, Object: object}
	case codes.OutOfRange:
		return errEndOfStream
	default:
		return &TransportError{Bucket: bucket, Object: object, Cause: err}
	}
}

// errEndOfStream is an internal sentinel: a stream ended (normally or via
// OUT_OF_RANGE) and the caller should treat it as "no more chunks", not as
// a failure.
var errEndOfStream = errors.New("gcsread: end of stream")

// isRetryable reports whether err is a transport status that the retry loop
// (§4.6) should absorb. Domain errors produced by convertStatus are never
// retried again by a caller further up the stack; isRetryable is only
// applied to raw errors returned directly by a stub call.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	st, ok := status.FromError(err)
	if !ok {
		// Errors with no gRPC status (e.g. network-level failures
		// surfaced by the transport) are treated as retryable; they're
		// not one of the known policy-level non-retryables.
		return true
	}
	switch st.Code() {
	case codes.NotFound, codes.OutOfRange, codes.InvalidArgument,
		codes.PermissionDenied, codes.Unauthenticated:
		return false
	default:
		return true
	}
}
