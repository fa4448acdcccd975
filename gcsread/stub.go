package gcsread

import (
	"context"
	"sync"

	"github.com/cloudflare/utahfs-gcs/gcsread/storagepb"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Stub is a blocking streaming-RPC handle bound to one gRPC channel. It's
// deliberately narrow: just the two operations the read channel needs.
type Stub interface {
	// GetObject fetches metadata for an object, under ctx's deadline.
	GetObject(ctx context.Context, req *storagepb.GetObjectRequest) (*storagepb.Object, error)

	// GetObjectMedia opens a server-streaming read of object content.
	// The returned receive function yields one chunk per call and
	// returns io.EOF once the stream ends; other errors are returned as
	// raw gRPC statuses, not passed through convertStatus. cancel must be
	// called to tear the stream down early.
	GetObjectMedia(ctx context.Context, req *storagepb.ReadObjectRequest) (recv func() (*storagepb.ReadObjectResponse, error), cancel context.CancelFunc, err error)
}

// StubProvider supplies Stubs and knows when one needs replacing. A single
// StubProvider is shared across every ReadChannel built against the same
// underlying transport.
type StubProvider interface {
	// NewStub returns a fresh or pooled stub.
	NewStub() (Stub, error)

	// IsStubBroken reports whether a stub that produced this status code
	// can no longer be used, e.g. because authentication expired or the
	// underlying channel was shut down.
	IsStubBroken(code codes.Code) bool
}

// stubHandle is a single-writer, many-reader holder for the channel's
// current stub. Writes (stub swaps from the retry path) and reads (each
// RPC attempt) are both guarded by mu; the teacher's codebase always pairs
// a shared mutable field with a plain sync.Mutex rather than atomics
// (persistent/remote.go's rc.mu guarding rc.id), so this follows suit.
type stubHandle struct {
	mu   sync.Mutex
	stub Stub
}

func newStubHandle(stub Stub) *stubHandle {
	return &stubHandle{stub: stub}
}

func (h *stubHandle) get() Stub {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stub
}

func (h *stubHandle) set(stub Stub) {
	h.mu.Lock()
	h.stub = stub
	h.mu.Unlock()
}

// refreshIfBroken asks provider whether the stub that produced err should
// be replaced, and if so swaps in a new one. Returns the stub subsequent
// calls should use.
func refreshIfBroken(provider StubProvider, handle *stubHandle, err error) (Stub, error) {
	st, ok := status.FromError(err)
	if ok && provider.IsStubBroken(st.Code()) {
		fresh, newErr := provider.NewStub()
		if newErr != nil {
			return nil, newErr
		}
		handle.set(fresh)
		return fresh, nil
	}
	return handle.get(), nil
}
