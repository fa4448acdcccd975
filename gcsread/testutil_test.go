package gcsread

import (
	"context"
	"hash/crc32"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/cloudflare/utahfs-gcs/gcsread/storagepb"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// crcOf computes the same CRC32-C the channel verifies chunks against.
func crcOf(data []byte) uint32 { return crc32.Checksum(data, crc32cTable) }

// fakeChunk is one scripted server response.
type fakeChunk struct {
	data       []byte
	crc        uint32
	hasCRC     bool
	corruptCRC bool
	// closer, if set, is returned as the chunk's zero-copy handle so
	// tests can assert it was released exactly once.
	closer *countingCloser
}

// fakeSession is a scripted GetObjectMedia call: a fixed list of chunks,
// then either a terminal error or a graceful end (finalErr == nil).
type fakeSession struct {
	chunks   []fakeChunk
	finalErr error
}

// fakeStub is an in-process, single-object Stub used by every test in this
// package. Each GetObjectMedia call consumes the next scripted fakeSession
// in order; calling GetObjectMedia more times than there are scripted
// sessions fails the test.
type fakeStub struct {
	t            *testing.T
	mu           sync.Mutex
	object       *storagepb.Object
	getObjectErr error
	sessions     []fakeSession
	sessionIdx   int

	// reqs records every ReadObjectRequest passed to GetObjectMedia, for
	// assertions about offsets/limits/retry behavior.
	reqs []*storagepb.ReadObjectRequest

	getObjectCalls int
}

func (s *fakeStub) GetObject(ctx context.Context, req *storagepb.GetObjectRequest) (*storagepb.Object, error) {
	s.mu.Lock()
	s.getObjectCalls++
	s.mu.Unlock()
	if s.getObjectErr != nil {
		return nil, s.getObjectErr
	}
	return s.object, nil
}

func (s *fakeStub) GetObjectMedia(ctx context.Context, req *storagepb.ReadObjectRequest) (func() (*storagepb.ReadObjectResponse, error), context.CancelFunc, error) {
	s.mu.Lock()
	s.reqs = append(s.reqs, req)
	if s.sessionIdx >= len(s.sessions) {
		s.mu.Unlock()
		s.t.Fatalf("fakeStub: GetObjectMedia called more times (%d) than scripted", s.sessionIdx+1)
	}
	sess := s.sessions[s.sessionIdx]
	s.sessionIdx++
	s.mu.Unlock()

	i := 0
	var cancelled bool
	var cmu sync.Mutex
	cancel := func() {
		cmu.Lock()
		cancelled = true
		cmu.Unlock()
	}
	recv := func() (*storagepb.ReadObjectResponse, error) {
		cmu.Lock()
		c := cancelled
		cmu.Unlock()
		if c {
			return nil, io.EOF
		}
		if i >= len(sess.chunks) {
			if sess.finalErr != nil {
				return nil, sess.finalErr
			}
			return nil, io.EOF
		}
		chunk := sess.chunks[i]
		i++
		crc := chunk.crc
		if chunk.corruptCRC {
			crc++
		}
		var closer io.Closer
		if chunk.closer != nil {
			closer = chunk.closer
		}
		return &storagepb.ReadObjectResponse{
			ChecksummedData: storagepb.ChecksummedData{Content: chunk.data, Crc32C: crc, HasChecksum: chunk.hasCRC},
			Stream:          closer,
		}, nil
	}
	return recv, cancel, nil
}

// countingCloser records how many times Close was called, to verify §9's
// resource-release invariant.
type countingCloser struct {
	mu     sync.Mutex
	closed int
}

func (c *countingCloser) Close() error {
	c.mu.Lock()
	c.closed++
	c.mu.Unlock()
	return nil
}

func (c *countingCloser) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// fakeStubProvider wraps a single fakeStub; NewStub always returns it, so
// tests can assert IsStubBroken-triggered swaps by counting calls.
type fakeStubProvider struct {
	stub      *fakeStub
	newStubs  int
	brokenFor map[codes.Code]bool
}

func (p *fakeStubProvider) NewStub() (Stub, error) {
	p.newStubs++
	return p.stub, nil
}

func (p *fakeStubProvider) IsStubBroken(code codes.Code) bool {
	return p.brokenFor[code]
}

// noSleep disables real backoff delay for the duration of a test.
func noSleep(t *testing.T) {
	t.Helper()
	orig := sleep
	sleep = func(time.Duration) {}
	t.Cleanup(func() { sleep = orig })
}

// fastBackoff is a BackoffFactory with no real delay and a small retry
// budget, for tests exercising the retry path.
func fastBackoff(maxRetries int) BackoffFactory {
	return NewExponentialBackoffFactory(time.Microsecond, time.Microsecond, 1, maxRetries)
}

func unavailable(msg string) error { return status.Error(codes.Unavailable, msg) }
func notFound(msg string) error    { return status.Error(codes.NotFound, msg) }
func outOfRange(msg string) error  { return status.Error(codes.OutOfRange, msg) }

// newTestChannel opens a ReadChannel against a fakeStub scripted with
// sessions, returning both for further driving and assertion.
func newTestChannel(t *testing.T, object *storagepb.Object, sessions []fakeSession, opts ReadOptions) (*ReadChannel, *fakeStub) {
	t.Helper()
	stub := &fakeStub{t: t, object: object, sessions: sessions}
	provider := &fakeStubProvider{stub: stub}
	opener := &ChannelOpener{Provider: provider, Backoffs: fastBackoff(5)}
	ch, err := opener.Open(context.Background(), object.Bucket, object.Name, opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return ch, stub
}

// chunksOf splits data into pieces of at most size bytes, each CRC32-C
// checksummed.
func chunksOf(data []byte, size int) []fakeChunk {
	var out []fakeChunk
	for len(data) > 0 {
		n := size
		if n > len(data) {
			n = len(data)
		}
		piece := data[:n]
		out = append(out, fakeChunk{data: piece, crc: crcOf(piece), hasCRC: true})
		data = data[n:]
	}
	return out
}
