package gcsread

import (
	"bytes"
	"context"
	"testing"

	"github.com/cloudflare/utahfs-gcs/gcsread/storagepb"
)

func sequentialBytes(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i)
	}
	return b
}

// Scenario A: small object fits in fewer bytes than the destination buffer;
// the trailing read reports end of object via -1, not an error.
func TestSequentialReadSmallObject(t *testing.T) {
	data := sequentialBytes(10)
	object := &storagepb.Object{Bucket: "b", Name: "o", Generation: 1, Size: int64(len(data))}
	ch, stub := newTestChannel(t, object, []fakeSession{
		{chunks: chunksOf(data, 20)},
	}, DefaultReadOptions())

	dst := make([]byte, 16)
	n, err := ch.Read(dst)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != 10 || !bytes.Equal(dst[:n], data) {
		t.Fatalf("Read = %d, %x; want 10, %x", n, dst[:n], data)
	}

	n, err = ch.Read(dst)
	if err != nil || n != -1 {
		t.Fatalf("second Read = %d, %v; want -1, nil", n, err)
	}

	if len(stub.reqs) != 1 {
		t.Fatalf("GetObjectMedia called %d times; want 1", len(stub.reqs))
	}
}

// Scenario B: an in-place forward seek within InplaceSeekLimit is absorbed
// as a pending skip on the live stream; the whole exchange costs exactly
// one GetObjectMedia call.
func TestInPlaceForwardSeek(t *testing.T) {
	data := sequentialBytes(100)
	object := &storagepb.Object{Bucket: "b", Name: "o", Generation: 1, Size: int64(len(data))}
	ch, stub := newTestChannel(t, object, []fakeSession{
		{chunks: chunksOf(data, 20)},
	}, DefaultReadOptions())

	first := make([]byte, 5)
	n, err := ch.Read(first)
	if err != nil || n != 5 || !bytes.Equal(first, data[0:5]) {
		t.Fatalf("first Read = %d, %v, %x; want 5, nil, %x", n, err, first, data[0:5])
	}

	if err := ch.SetPosition(8); err != nil {
		t.Fatalf("SetPosition(8): %v", err)
	}

	second := make([]byte, 5)
	n, err = ch.Read(second)
	if err != nil || n != 5 || !bytes.Equal(second, data[8:13]) {
		t.Fatalf("second Read = %d, %v, %x; want 5, nil, %x", n, err, second, data[8:13])
	}

	if len(stub.reqs) != 1 {
		t.Fatalf("GetObjectMedia called %d times; want 1 (in-place seek must not reissue)", len(stub.reqs))
	}
}

// A pending in-place-seek skip that lands inside a freshly-pulled chunk
// (one the buffer hasn't already absorbed and verified) must still pass
// checksum: the server's CRC32-C covers the whole chunk as sent, not the
// sub-slice left after the skip is applied.
func TestInPlaceSeekSkipWithinFreshChunk(t *testing.T) {
	data := sequentialBytes(50)
	object := &storagepb.Object{Bucket: "b", Name: "o", Generation: 1, Size: int64(len(data))}
	opts := DefaultReadOptions()
	opts.InplaceSeekLimit = 30
	ch, stub := newTestChannel(t, object, []fakeSession{
		{chunks: chunksOf(data, 10)},
	}, opts)

	// Consume chunk 0 (bytes 0-10) entirely, leaving nothing buffered.
	first := make([]byte, 10)
	n, err := ch.Read(first)
	if err != nil || n != 10 || !bytes.Equal(first, data[0:10]) {
		t.Fatalf("first Read = %d, %v; want 10, nil", n, err)
	}

	// Seek to 25: a pending skip of 15, which fully consumes chunk 1
	// (bytes 10-20) and lands 5 bytes into chunk 2 (bytes 20-30) — the
	// partial-skip-into-a-fresh-chunk path.
	if err := ch.SetPosition(25); err != nil {
		t.Fatalf("SetPosition(25): %v", err)
	}

	second := make([]byte, 5)
	n, err = ch.Read(second)
	if err != nil {
		t.Fatalf("second Read: %v", err)
	}
	if n != 5 || !bytes.Equal(second, data[25:30]) {
		t.Fatalf("second Read = %d, %x; want 5, %x", n, second, data[25:30])
	}
	if len(stub.reqs) != 1 {
		t.Fatalf("GetObjectMedia called %d times; want 1 (in-place seek must not reissue)", len(stub.reqs))
	}
}

// Scenario C: a seek past InplaceSeekLimit downgrades an Auto strategy to
// Random (sticky) and the next stream request bounds its readLimit to
// max(requested size, MinRangeRequestSize).
func TestRandomSeekDowngrade(t *testing.T) {
	data := sequentialBytes(1000)
	object := &storagepb.Object{Bucket: "b", Name: "o", Generation: 1, Size: 5000}
	opts := DefaultReadOptions()
	opts.Fadvise = Auto
	opts.InplaceSeekLimit = 8
	opts.MinRangeRequestSize = 1000

	ch, stub := newTestChannel(t, object, []fakeSession{
		{chunks: chunksOf(data, 1000)},
	}, opts)

	if err := ch.SetPosition(500); err != nil {
		t.Fatalf("SetPosition(500): %v", err)
	}
	if ch.strategy != Random {
		t.Fatalf("strategy after far seek = %v; want Random", ch.strategy)
	}

	dst := make([]byte, 10)
	if _, err := ch.Read(dst); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(stub.reqs) != 1 {
		t.Fatalf("GetObjectMedia called %d times; want 1", len(stub.reqs))
	}
	req := stub.reqs[0]
	if req.ReadOffset != 500 {
		t.Fatalf("ReadOffset = %d; want 500", req.ReadOffset)
	}
	if req.ReadLimit != 1000 {
		t.Fatalf("ReadLimit = %d; want 1000 (max(10, MinRangeRequestSize))", req.ReadLimit)
	}
}

// Scenario D: a retryable mid-stream failure tears down and reissues at the
// channel's current position; the caller sees a single contiguous stream of
// bytes with no gap or duplication across the reconnect.
func TestMidStreamTransientFailureRetries(t *testing.T) {
	noSleep(t)
	data := sequentialBytes(60)
	object := &storagepb.Object{Bucket: "b", Name: "o", Generation: 1, Size: int64(len(data))}
	ch, stub := newTestChannel(t, object, []fakeSession{
		{chunks: chunksOf(data[0:20], 20), finalErr: unavailable("connection reset")},
		{chunks: chunksOf(data[20:60], 20)},
	}, DefaultReadOptions())

	var got []byte
	buf := make([]byte, 20)
	n, err := ch.Read(buf)
	if err != nil {
		t.Fatalf("first Read: %v", err)
	}
	got = append(got, buf[:n]...)

	buf2 := make([]byte, 40)
	n, err = ch.Read(buf2)
	if err != nil {
		t.Fatalf("second Read: %v", err)
	}
	got = append(got, buf2[:n]...)

	if !bytes.Equal(got, data) {
		t.Fatalf("assembled bytes = %x; want %x", got, data)
	}
	if len(stub.reqs) != 2 {
		t.Fatalf("GetObjectMedia called %d times; want 2 (initial + one retry)", len(stub.reqs))
	}
	if stub.reqs[0].ReadOffset != 0 || stub.reqs[1].ReadOffset != 20 {
		t.Fatalf("retry reissued at offsets %d, %d; want 0, 20", stub.reqs[0].ReadOffset, stub.reqs[1].ReadOffset)
	}
}

// A mid-stream reconnect under the Random strategy reissues with whatever
// of the original bounded readLimit remains, rather than an unlimited one.
func TestRandomRetryPreservesReadLimit(t *testing.T) {
	noSleep(t)
	data := sequentialBytes(1000)
	object := &storagepb.Object{Bucket: "b", Name: "o", Generation: 1, Size: int64(len(data))}
	opts := DefaultReadOptions()
	opts.Fadvise = Random
	opts.MinRangeRequestSize = 200

	ch, stub := newTestChannel(t, object, []fakeSession{
		{chunks: chunksOf(data[0:30], 30), finalErr: unavailable("connection reset")},
		{chunks: chunksOf(data[30:50], 20)},
	}, opts)

	dst := make([]byte, 50)
	n, err := ch.Read(dst)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != 50 || !bytes.Equal(dst, data[0:50]) {
		t.Fatalf("Read = %d, %x; want 50, %x", n, dst, data[0:50])
	}

	if len(stub.reqs) != 2 {
		t.Fatalf("GetObjectMedia called %d times; want 2 (initial + one retry)", len(stub.reqs))
	}
	if stub.reqs[0].ReadLimit != 200 {
		t.Fatalf("initial ReadLimit = %d; want 200 (max(50, MinRangeRequestSize))", stub.reqs[0].ReadLimit)
	}
	if stub.reqs[1].ReadOffset != 30 {
		t.Fatalf("retry ReadOffset = %d; want 30", stub.reqs[1].ReadOffset)
	}
	if stub.reqs[1].ReadLimit != 170 {
		t.Fatalf("retry ReadLimit = %d; want 170 (original 200-byte bound minus 30 bytes already delivered)", stub.reqs[1].ReadLimit)
	}
}

// Scenario E: a checksum mismatch fails the read without delivering any of
// the bad chunk's bytes, releases the chunk's zero-copy handle, and leaves
// the channel open for a subsequent read.
func TestChecksumMismatch(t *testing.T) {
	data := sequentialBytes(20)
	closer := &countingCloser{}
	object := &storagepb.Object{Bucket: "b", Name: "o", Generation: 1, Size: int64(len(data))}
	ch, _ := newTestChannel(t, object, []fakeSession{
		{chunks: []fakeChunk{{data: data, crc: crcOf(data), hasCRC: true, corruptCRC: true, closer: closer}}},
	}, DefaultReadOptions())

	dst := make([]byte, 20)
	n, err := ch.Read(dst)
	if err != ErrChecksumMismatch {
		t.Fatalf("err = %v; want ErrChecksumMismatch", err)
	}
	if n != 0 {
		t.Fatalf("n = %d; want 0", n)
	}
	if closer.closeCount() != 1 {
		t.Fatalf("closeCount = %d; want 1", closer.closeCount())
	}
	if !ch.IsOpen() {
		t.Fatalf("channel closed after checksum mismatch; want still open")
	}
}

// Scenario F: an object with a gzip content encoding is refused at Open,
// before any streaming RPC is attempted.
func TestGzipRefusal(t *testing.T) {
	object := &storagepb.Object{Bucket: "b", Name: "o", Generation: 1, Size: 100, ContentEncoding: "gzip"}
	stub := &fakeStub{t: t, object: object}
	provider := &fakeStubProvider{stub: stub}
	opener := &ChannelOpener{Provider: provider, Backoffs: fastBackoff(5)}

	_, err := opener.Open(context.Background(), "b", "o", DefaultReadOptions())
	if err != ErrCompressedUnsupported {
		t.Fatalf("err = %v; want ErrCompressedUnsupported", err)
	}
	if len(stub.reqs) != 0 {
		t.Fatalf("GetObjectMedia called %d times; want 0", len(stub.reqs))
	}
	if stub.getObjectCalls != 1 {
		t.Fatalf("GetObject called %d times; want 1", stub.getObjectCalls)
	}
}

func TestOpenNotFound(t *testing.T) {
	stub := &fakeStub{t: t, getObjectErr: notFound("no such object")}
	provider := &fakeStubProvider{stub: stub}
	opener := &ChannelOpener{Provider: provider, Backoffs: fastBackoff(5)}

	_, err := opener.Open(context.Background(), "b", "o", DefaultReadOptions())
	nf, ok := err.(*NotFoundError)
	if !ok {
		t.Fatalf("err = %v (%T); want *NotFoundError", err, err)
	}
	if nf.Bucket != "b" || nf.Object != "o" {
		t.Fatalf("NotFoundError = %+v; want Bucket=b Object=o", nf)
	}
}

// Invariant: after a successful read of k > 0 bytes starting at position p,
// Position() reports p+k.
func TestPositionMonotonicity(t *testing.T) {
	data := sequentialBytes(50)
	object := &storagepb.Object{Bucket: "b", Name: "o", Generation: 1, Size: int64(len(data))}
	ch, _ := newTestChannel(t, object, []fakeSession{
		{chunks: chunksOf(data, 10)},
	}, DefaultReadOptions())

	before, err := ch.Position()
	if err != nil || before != 0 {
		t.Fatalf("initial Position = %d, %v; want 0, nil", before, err)
	}

	dst := make([]byte, 4)
	n, err := ch.Read(dst)
	if err != nil || n <= 0 {
		t.Fatalf("Read = %d, %v; want >0, nil", n, err)
	}

	after, err := ch.Position()
	if err != nil || after != before+int64(n) {
		t.Fatalf("Position after read = %d, %v; want %d, nil", after, err, before+int64(n))
	}
}

// Invariant: repeating an identical SetPosition call is a no-op.
func TestSeekIdempotence(t *testing.T) {
	object := &storagepb.Object{Bucket: "b", Name: "o", Generation: 1, Size: 5000}
	opts := DefaultReadOptions()
	opts.InplaceSeekLimit = 8
	ch, stub := newTestChannel(t, object, nil, opts)

	if err := ch.SetPosition(500); err != nil {
		t.Fatalf("first SetPosition: %v", err)
	}
	if err := ch.SetPosition(500); err != nil {
		t.Fatalf("second SetPosition: %v", err)
	}
	pos, err := ch.Position()
	if err != nil || pos != 500 {
		t.Fatalf("Position = %d, %v; want 500, nil", pos, err)
	}
	if len(stub.reqs) != 0 {
		t.Fatalf("GetObjectMedia called %d times; want 0 (no read issued)", len(stub.reqs))
	}
}

// SetPosition rejects out-of-bounds targets.
func TestSetPositionBounds(t *testing.T) {
	object := &storagepb.Object{Bucket: "b", Name: "o", Generation: 1, Size: 100}
	ch, _ := newTestChannel(t, object, nil, DefaultReadOptions())

	for _, pos := range []int64{-1, 100, 101} {
		if err := ch.SetPosition(pos); err == nil {
			t.Fatalf("SetPosition(%d) = nil; want invalidArgumentError", pos)
		}
	}
}

// Once closed, every operation but IsOpen and Close itself reports
// ErrClosed, and Close is idempotent.
func TestClosedChannelErrors(t *testing.T) {
	object := &storagepb.Object{Bucket: "b", Name: "o", Generation: 1, Size: 100}
	ch, _ := newTestChannel(t, object, nil, DefaultReadOptions())

	if err := ch.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if ch.IsOpen() {
		t.Fatalf("IsOpen after Close = true; want false")
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	if _, err := ch.Read(make([]byte, 1)); err != ErrClosed {
		t.Fatalf("Read after Close = %v; want ErrClosed", err)
	}
	if _, err := ch.Position(); err != ErrClosed {
		t.Fatalf("Position after Close = %v; want ErrClosed", err)
	}
	if err := ch.SetPosition(0); err != ErrClosed {
		t.Fatalf("SetPosition after Close = %v; want ErrClosed", err)
	}
	if _, err := ch.Size(); err != ErrClosed {
		t.Fatalf("Size after Close = %v; want ErrClosed", err)
	}
	if _, _, _, err := ch.Stat(); err != ErrClosed {
		t.Fatalf("Stat after Close = %v; want ErrClosed", err)
	}
}

// The channel is read-only: Write and Truncate always fail, closed or not.
func TestReadOnly(t *testing.T) {
	object := &storagepb.Object{Bucket: "b", Name: "o", Generation: 1, Size: 100}
	ch, _ := newTestChannel(t, object, nil, DefaultReadOptions())

	if _, err := ch.Write([]byte("x")); err != ErrReadOnly {
		t.Fatalf("Write = %v; want ErrReadOnly", err)
	}
	if err := ch.Truncate(0); err != ErrReadOnly {
		t.Fatalf("Truncate = %v; want ErrReadOnly", err)
	}
}

// Stat exposes the generation/size/content-encoding pinned at Open.
func TestStat(t *testing.T) {
	object := &storagepb.Object{Bucket: "b", Name: "o", Generation: 42, Size: 100, ContentEncoding: "identity"}
	ch, _ := newTestChannel(t, object, nil, DefaultReadOptions())

	gen, size, enc, err := ch.Stat()
	if err != nil || gen != 42 || size != 100 || enc != "identity" {
		t.Fatalf("Stat = %d, %d, %q, %v; want 42, 100, identity, nil", gen, size, enc, err)
	}
}
