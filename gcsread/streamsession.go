package gcsread

import (
	"context"
	"io"

	"github.com/cloudflare/utahfs-gcs/gcsread/storagepb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// streamSession encapsulates an in-flight GetObjectMedia call: the chunk
// receiver, its cancellation handle, and the request that started it (§4.5).
// At most one exists per ReadChannel at a time.
type streamSession struct {
	recv   func() (*storagepb.ReadObjectResponse, error)
	cancel context.CancelFunc

	bucket, object string
	generation     int64

	// offset tracks the position this session is currently delivering
	// from, so a retry can reissue at the right place.
	offset int64

	// end is the absolute offset this session's request was bounded to
	// (offset+limit), or 0 if it was issued unlimited. A retry reissues
	// with whatever of this bound remains unread, so a Random-strategy
	// session's readLimit isn't silently dropped on reconnect.
	end int64

	// done is set once the iterator has reported end-of-stream or been
	// cancelled; hasMore() becomes false for good after that.
	done bool
}

// startStreamSession issues a ranged GetObjectMedia request through stub.
// The cancellation handle is obtained before the first chunk is pulled, per
// §4.5, so a later cancel is legal even if no chunk has arrived yet.
func startStreamSession(ctx context.Context, stub Stub, deadline contextDeadline, bucket, object string, generation, offset, limit int64) (*streamSession, error) {
	reqCtx, cancel := deadline.withDeadline(ctx)
	recv, sessionCancel, err := stub.GetObjectMedia(reqCtx, &storagepb.ReadObjectRequest{
		Bucket:     bucket,
		Object:     object,
		Generation: generation,
		ReadOffset: offset,
		ReadLimit:  limit,
	})
	if err != nil {
		cancel()
		return nil, err
	}
	var end int64
	if limit > 0 {
		end = offset + limit
	}
	return &streamSession{
		recv:       recv,
		cancel:     combineCancel(cancel, sessionCancel),
		bucket:     bucket,
		object:     object,
		generation: generation,
		offset:     offset,
		end:        end,
	}, nil
}

// hasMore reports whether a pull is worth attempting. A cancelled session
// reports false without touching the iterator, per §4.5.
func (s *streamSession) hasMore() bool {
	return s != nil && !s.done
}

// next pulls the next chunk. On end-of-stream (normal close or
// OUT_OF_RANGE) it marks the session done and returns errEndOfStream so the
// caller can distinguish "no more data" from a real failure. Any other
// error is returned unconverted, so the caller can apply retry policy
// (§4.6) before translating it to a domain error (§4.7).
func (s *streamSession) next() (*storagepb.ReadObjectResponse, error) {
	resp, err := s.recv()
	if err == nil {
		return resp, nil
	}
	s.done = true
	if err == io.EOF {
		return nil, errEndOfStream
	}
	if st, ok := status.FromError(err); ok && st.Code() == codes.OutOfRange {
		return nil, errEndOfStream
	}
	return nil, err
}

// teardown fires the cancellation handle and drops the iterator. Idempotent.
func (s *streamSession) teardown() {
	if s == nil {
		return
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.recv = nil
	s.done = true
}

func combineCancel(fns ...context.CancelFunc) context.CancelFunc {
	return func() {
		for _, fn := range fns {
			if fn != nil {
				fn()
			}
		}
	}
}

// contextDeadline is a tiny seam so tests can stub out real-time deadlines.
type contextDeadline interface {
	withDeadline(ctx context.Context) (context.Context, context.CancelFunc)
}
