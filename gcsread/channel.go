// Package gcsread implements a seekable, positional byte channel over GCS's
// server-streaming object-read RPC. It is the client-side translation layer
// between a synchronous read(buffer) API and a coalesced sequence of
// streaming RPCs: it preserves read-your-read consistency on a pinned
// object generation, reconnects transparently on retryable mid-stream
// failure, verifies per-chunk CRC32-C, and decides heuristically between
// continuing a live stream and tearing it down for a fresh ranged request.
package gcsread

import (
	"context"
	"hash/crc32"
	"io"
	"log"
	"strconv"
	"time"

	"github.com/cloudflare/utahfs-gcs/gcsread/storagepb"
	"google.golang.org/grpc/status"
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// sleep is a package-level var so retry-path tests can stub out real
// wall-clock delay.
var sleep = time.Sleep

type channelState int

const (
	stateOpen channelState = iota
	stateClosed
)

// ReadChannel is a seekable, positional byte channel bound to a single
// pinned generation of one GCS object. It is not safe for concurrent use.
type ReadChannel struct {
	provider StubProvider
	backoffs BackoffFactory
	opts     ReadOptions

	bucket, object  string
	generation      int64
	size            int64
	contentEncoding string

	stub *stubHandle

	state       channelState
	position    int64
	pendingSkip int64
	strategy    AccessStrategy

	buf     *chunkBuffer
	session *streamSession
}

// Read fills dst with up to len(dst) bytes starting at the channel's
// current position, draining any buffered chunk first, then pulling from a
// live or freshly-started stream session (§4.3). It returns 0 only when
// dst is empty, and -1 iff the caller is already at end of object.
func (c *ReadChannel) Read(dst []byte) (int, error) {
	if c.state == stateClosed {
		return 0, ErrClosed
	}
	if len(dst) == 0 {
		return 0, nil
	}

	n := 0

	if c.buf.remaining() > 0 {
		n += c.drainBuffer(dst)
		if n == len(dst) {
			return n, nil
		}
	}

	if c.position == c.size {
		if n > 0 {
			return n, nil
		}
		return -1, nil
	}

	if err := c.ensureSession(dst[n:]); err != nil {
		if err == errEndOfStream {
			if n > 0 {
				return n, nil
			}
			return -1, nil
		}
		return n, err
	}

	for n < len(dst) && c.session.hasMore() {
		resp, err := c.session.next()
		if err == errEndOfStream {
			c.teardownSession()
			break
		} else if err != nil {
			if retryErr := c.retryStream(err); retryErr != nil {
				return n, retryErr
			}
			continue
		}

		delivered, adopted, err := c.deliverChunk(resp, dst[n:])
		n += delivered
		if err != nil {
			return n, err
		}
		if adopted {
			break
		}
	}

	if n == 0 && c.position == c.size {
		return -1, nil
	}
	return n, nil
}

// drainBuffer copies from the buffer into dst, first discarding any pending
// skip, then advancing position and the buffer's read offset (§4.3 step 1).
func (c *ReadChannel) drainBuffer(dst []byte) int {
	if c.pendingSkip > 0 {
		skip := c.pendingSkip
		if avail := int64(c.buf.remaining()); skip > avail {
			skip = avail
		}
		c.buf.readOffset += int(skip)
		c.position += skip
		c.pendingSkip -= skip
	}

	n := c.buf.drain(dst)
	c.position += int64(n)
	if c.buf.exhausted() {
		c.buf.invalidate()
		c.buf = nil
	}
	BytesDelivered.WithLabelValues("buffer").Add(float64(n))
	return n
}

// ensureSession starts a new streaming session if none is live, choosing a
// readLimit per the access strategy (§4.3 step 4).
func (c *ReadChannel) ensureSession(dst []byte) error {
	if c.session.hasMore() {
		return nil
	}

	var limit int64
	if c.strategy == Random {
		limit = int64(len(dst))
		if limit < c.opts.MinRangeRequestSize {
			limit = c.opts.MinRangeRequestSize
		}
		if c.position+limit > c.size {
			limit = c.size - c.position
		}
	}

	err := c.withRetry(func(stub Stub) error {
		sess, err := startStreamSession(context.Background(), stub, durationDeadline(c.opts.GRPCReadTimeout), c.bucket, c.object, c.generation, c.position, limit)
		if err != nil {
			return err
		}
		c.session = sess
		return nil
	})
	if err == nil {
		StreamStarts.WithLabelValues(c.strategy.String()).Inc()
	}
	return err
}

// retryStream implements the retry-during-stream branch of §4.6: a
// retryable failure tears down the dead session and reissues at the
// current position, retrying up to the backoff budget; a non-retryable
// failure tears down, invalidates the buffer, and surfaces.
func (c *ReadChannel) retryStream(pullErr error) error {
	var limit int64
	if c.session != nil && c.session.end > 0 {
		limit = c.session.end - c.position
	}
	c.teardownSession()

	if !isRetryable(pullErr) {
		c.buf.invalidate()
		c.buf = nil
		return convertStatus(c.bucket, c.object, pullErr)
	}
	StreamRetries.WithLabelValues(retryReason(pullErr)).Inc()

	b := c.backoffs.New()
	lastErr := pullErr
	for {
		stub, err := refreshIfBroken(c.provider, c.stub, lastErr)
		if err != nil {
			return err
		}
		sess, err := startStreamSession(context.Background(), stub, durationDeadline(c.opts.GRPCReadTimeout), c.bucket, c.object, c.generation, c.position, limit)
		if err == nil {
			c.session = sess
			return nil
		}
		lastErr = err
		if !isRetryable(err) {
			c.buf.invalidate()
			c.buf = nil
			return convertStatus(c.bucket, c.object, err)
		}
		delay, ok := b.Next()
		if !ok {
			c.buf.invalidate()
			c.buf = nil
			return &TransportError{Bucket: c.bucket, Object: c.object, Cause: lastErr}
		}
		log.Printf("gcsread: retrying stream for %s/%s after %v: %v", c.bucket, c.object, delay, lastErr)
		sleep(delay)
	}
}

// deliverChunk applies pending skip, verifies checksum, and copies as much
// of the chunk as fits into dst, adopting the remainder into the channel's
// buffer if the chunk didn't fully fit (§4.3 step 5). A checksum mismatch
// releases the chunk's zero-copy handle and fails without delivering any of
// its bytes.
func (c *ReadChannel) deliverChunk(resp *storagepb.ReadObjectResponse, dst []byte) (delivered int, adopted bool, err error) {
	data := resp.ChecksummedData.Content

	if c.pendingSkip > 0 && c.pendingSkip >= int64(len(data)) {
		c.position += int64(len(data))
		c.pendingSkip -= int64(len(data))
		closeStream(resp.Stream)
		return 0, false, nil
	}

	if c.opts.ChecksumsEnabled && resp.ChecksummedData.HasChecksum {
		if crc32.Checksum(data, crc32cTable) != resp.ChecksummedData.Crc32C {
			ChecksumFailures.Inc()
			closeStream(resp.Stream)
			c.teardownSession()
			return 0, false, ErrChecksumMismatch
		}
	}

	if c.pendingSkip > 0 {
		data = data[c.pendingSkip:]
		c.position += c.pendingSkip
		c.pendingSkip = 0
	}

	n := copy(dst, data)
	c.position += int64(n)
	BytesDelivered.WithLabelValues("stream").Add(float64(n))

	if n < len(data) {
		c.buf.invalidate()
		c.buf = &chunkBuffer{bytes: data, readOffset: n, stream: resp.Stream}
		return n, true, nil
	}
	closeStream(resp.Stream)
	return n, false, nil
}

// closeStream releases a chunk's zero-copy handle, if it has one. Safe to
// call with nil.
func closeStream(stream io.Closer) {
	if stream == nil {
		return
	}
	stream.Close()
}

// retryReason labels a retry metric by coarse failure class, without
// leaking full error text into a high-cardinality label.
func retryReason(err error) string {
	if st, ok := status.FromError(err); ok {
		return st.Code().String()
	}
	return "unknown"
}

// withRetry wraps an RPC-issuing step in the standard retry loop (§4.6):
// retryable failures are retried against a possibly-refreshed stub; the
// first non-retryable failure or exhausted budget surfaces as a domain
// error.
func (c *ReadChannel) withRetry(op func(stub Stub) error) error {
	b := c.backoffs.New()
	var lastErr error
	for {
		stub := c.stub.get()
		err := op(stub)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isRetryable(err) {
			return convertStatus(c.bucket, c.object, err)
		}
		if _, refreshErr := refreshIfBroken(c.provider, c.stub, err); refreshErr != nil {
			return refreshErr
		}
		delay, ok := b.Next()
		if !ok {
			return &TransportError{Bucket: c.bucket, Object: c.object, Cause: lastErr}
		}
		log.Printf("gcsread: retrying %s/%s after %v: %v", c.bucket, c.object, delay, lastErr)
		sleep(delay)
	}
}

// teardownSession cancels the live session, if any, and clears it.
// Idempotent (§4.5).
func (c *ReadChannel) teardownSession() {
	c.session.teardown()
	c.session = nil
}

// Position returns the caller-visible read cursor, which accounts for any
// pending skip not yet applied to buffered or streaming data.
func (c *ReadChannel) Position() (int64, error) {
	if c.state == stateClosed {
		return 0, ErrClosed
	}
	return c.position + c.pendingSkip, nil
}

// SetPosition moves the read cursor, per the seek policy of §4.4: small
// in-place forward seeks become a pending skip on the live session and
// buffer; everything else tears the session down and may stickily
// downgrade an Auto strategy to Random.
func (c *ReadChannel) SetPosition(newPos int64) error {
	if c.state == stateClosed {
		return ErrClosed
	}
	if newPos < 0 || newPos >= c.size {
		return &invalidArgumentError{newPos, c.size}
	}

	current := c.position + c.pendingSkip
	d := newPos - current
	if d == 0 {
		return nil
	}

	if d >= 0 && d <= c.opts.InplaceSeekLimit {
		c.pendingSkip += d
		return nil
	}

	if c.strategy == Auto {
		c.strategy = Random
	}
	c.teardownSession()
	c.buf.invalidate()
	c.buf = nil
	c.position = newPos
	c.pendingSkip = 0
	return nil
}

// Size returns the pinned generation's total byte size.
func (c *ReadChannel) Size() (int64, error) {
	if c.state == stateClosed {
		return 0, ErrClosed
	}
	return c.size, nil
}

// Stat is the metadata ChannelOpener.Open pinned at construction time:
// generation, total size, and content encoding. It never blocks or
// changes for the channel's lifetime.
func (c *ReadChannel) Stat() (generation, size int64, contentEncoding string, err error) {
	if c.state == stateClosed {
		return 0, 0, "", ErrClosed
	}
	return c.generation, c.size, c.contentEncoding, nil
}

// IsOpen reports whether the channel has not yet been closed.
func (c *ReadChannel) IsOpen() bool {
	return c.state == stateOpen
}

// Close tears down any in-flight stream and invalidates the buffer. It is
// idempotent and always succeeds; cancellation never surfaces as an error
// to the caller of Close.
func (c *ReadChannel) Close() error {
	if c.state == stateClosed {
		return nil
	}
	c.teardownSession()
	c.buf.invalidate()
	c.buf = nil
	c.state = stateClosed
	return nil
}

// Write always fails: the channel is read-only.
func (c *ReadChannel) Write(p []byte) (int, error) { return 0, ErrReadOnly }

// Truncate always fails: the channel is read-only.
func (c *ReadChannel) Truncate(size int64) error { return ErrReadOnly }

type invalidArgumentError struct {
	pos, size int64
}

func (e *invalidArgumentError) Error() string {
	return "gcsread: invalid position " + strconv.FormatInt(e.pos, 10) + " for object of size " + strconv.FormatInt(e.size, 10)
}
