package gcsread

import (
	"context"

	"github.com/cloudflare/utahfs-gcs/gcsread/storagepb"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
)

// Method names of the GCS gRPC Storage API's subset this package uses. They
// match google.golang.org/genproto/googleapis/storage/v2's service
// definition; see gcsread/storagepb's package doc for why the wire types
// here are hand-rolled rather than the real generated client.
const (
	methodGetObject       = "/google.storage.v2.Storage/GetObject"
	methodReadObjectMedia = "/google.storage.v2.Storage/ReadObject"
)

// grpcStubProvider builds Stubs bound to a single *grpc.ClientConn, the way
// GoogleCloudPlatform/gcsfuse and buildbarn/bb-storage wire a gRPC client
// against a GCS/CAS-shaped streaming surface (see DESIGN.md).
type grpcStubProvider struct {
	conn *grpc.ClientConn
}

// NewGRPCStubProvider returns a StubProvider backed by an established gRPC
// connection to the GCS gRPC API endpoint. The caller owns conn's lifetime.
func NewGRPCStubProvider(conn *grpc.ClientConn) StubProvider {
	return &grpcStubProvider{conn: conn}
}

func (p *grpcStubProvider) NewStub() (Stub, error) {
	return &grpcStub{conn: p.conn}, nil
}

// IsStubBroken reports the status classes the GCS connector this package is
// modeled on treats as requiring a fresh channel: auth expiry and a torn
// down transport.
func (p *grpcStubProvider) IsStubBroken(code codes.Code) bool {
	switch code {
	case codes.Unauthenticated, codes.Unavailable:
		return true
	default:
		return false
	}
}

type grpcStub struct {
	conn *grpc.ClientConn
}

func (s *grpcStub) GetObject(ctx context.Context, req *storagepb.GetObjectRequest) (*storagepb.Object, error) {
	resp := new(storagepb.Object)
	if err := s.conn.Invoke(ctx, methodGetObject, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (s *grpcStub) GetObjectMedia(ctx context.Context, req *storagepb.ReadObjectRequest) (func() (*storagepb.ReadObjectResponse, error), context.CancelFunc, error) {
	streamCtx, cancel := context.WithCancel(ctx)

	stream, err := s.conn.NewStream(streamCtx, &grpc.StreamDesc{ServerStreams: true}, methodReadObjectMedia)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	if err := stream.SendMsg(req); err != nil {
		cancel()
		return nil, nil, err
	}
	if err := stream.CloseSend(); err != nil {
		cancel()
		return nil, nil, err
	}

	recv := func() (*storagepb.ReadObjectResponse, error) {
		resp := new(storagepb.ReadObjectResponse)
		if err := stream.RecvMsg(resp); err != nil {
			return nil, err
		}
		return resp, nil
	}
	return recv, cancel, nil
}
