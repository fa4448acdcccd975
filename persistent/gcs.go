package persistent

import (
	"context"
	"crypto/tls"
	"io/ioutil"
	"os"

	"cloud.google.com/go/storage"
	"github.com/cloudflare/utahfs-gcs/gcsread"
	"github.com/prometheus/client_golang/prometheus"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/oauth"
)

var (
	GCSOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gcs_ops",
			Help: "The number of operations against a GCS backend.",
		},
		[]string{"operation", "success"},
	)
)

// gcsGRPCEndpoint is the GCS gRPC Storage API's host, the same one the
// generated client in google.golang.org/genproto/googleapis/storage/v2 dials.
const gcsGRPCEndpoint = "storage.googleapis.com:443"

const gcsReadScope = "https://www.googleapis.com/auth/devstorage.read_only"

// dialGCSGRPC opens a gRPC connection authenticated the same way
// cloud.google.com/go/storage authenticates its HTTP/JSON client: a service
// account file if credentialsPath is set, otherwise application default
// credentials.
func dialGCSGRPC(ctx context.Context, credentialsPath string) (*grpc.ClientConn, error) {
	var ts oauth2.TokenSource
	if credentialsPath != "" {
		data, err := ioutil.ReadFile(credentialsPath)
		if err != nil {
			return nil, err
		}
		creds, err := google.CredentialsFromJSON(ctx, data, gcsReadScope)
		if err != nil {
			return nil, err
		}
		ts = creds.TokenSource
	} else {
		creds, err := google.FindDefaultCredentials(ctx, gcsReadScope)
		if err != nil {
			return nil, err
		}
		ts = creds.TokenSource
	}

	return grpc.DialContext(ctx, gcsGRPCEndpoint,
		grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{})),
		grpc.WithPerRPCCredentials(oauth.TokenSource{TokenSource: ts}),
		grpc.WithBlock(),
	)
}

// gcs is object storage backed by Google Cloud Storage. Writes and deletes
// go through the JSON/HTTP client; large-object reads stream through the
// gRPC read channel instead of buffering the whole object in a
// storage.Reader, so a single Get never holds more than a chunk's worth of
// object bytes at a time before it's been copied out.
type gcs struct {
	bucket     *storage.BucketHandle
	bucketName string

	opener   *gcsread.ChannelOpener
	readOpts gcsread.ReadOptions
}

// NewGCS returns object storage backed by Google Compute Storage. `bucketName`
// is the name of the bucket to use. Authentication credentials should be stored
// in a file, and the path to that file is `credentialsPath`. readOpts tunes the
// streaming read channel's access-pattern heuristics; pass gcsread.DefaultReadOptions()
// for the connector's recommended defaults.
func NewGCS(bucketName, credentialsPath string, readOpts gcsread.ReadOptions) (ObjectStorage, error) {
	if credentialsPath != "" {
		if err := os.Setenv("GOOGLE_APPLICATION_CREDENTIALS", credentialsPath); err != nil {
			return nil, err
		}
	}

	ctx := context.Background()
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, err
	}
	bucket := client.Bucket(bucketName)

	conn, err := dialGCSGRPC(ctx, credentialsPath)
	if err != nil {
		return nil, err
	}
	opener := gcsread.NewChannelOpener(gcsread.NewGRPCStubProvider(conn))

	return &gcs{bucket: bucket, bucketName: bucketName, opener: opener, readOpts: readOpts}, nil
}

func (g *gcs) Get(ctx context.Context, key string) ([]byte, error) {
	ch, err := g.opener.Open(ctx, g.bucketName, key, g.readOpts)
	if err != nil {
		if _, ok := err.(*gcsread.NotFoundError); ok {
			GCSOps.WithLabelValues("get", "true").Inc()
			return nil, ErrObjectNotFound
		}
		GCSOps.WithLabelValues("get", "false").Inc()
		return nil, err
	}
	defer ch.Close()

	size, err := ch.Size()
	if err != nil {
		GCSOps.WithLabelValues("get", "false").Inc()
		return nil, err
	}

	data := make([]byte, size)
	pos := 0
	for int64(pos) < size {
		n, err := ch.Read(data[pos:])
		if err != nil {
			GCSOps.WithLabelValues("get", "false").Inc()
			return nil, err
		}
		if n == -1 {
			break
		}
		pos += n
	}

	GCSOps.WithLabelValues("get", "true").Inc()
	return data[:pos], nil
}

func (g *gcs) Set(ctx context.Context, key string, data []byte, _ DataType) error {
	w := g.bucket.Object(key).NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		GCSOps.WithLabelValues("set", "false").Inc()
		return err
	} else if err := w.Close(); err != nil {
		GCSOps.WithLabelValues("set", "false").Inc()
		return err
	}
	GCSOps.WithLabelValues("set", "true").Inc()
	return nil
}

func (g *gcs) Delete(ctx context.Context, key string) error {
	if err := g.bucket.Object(key).Delete(ctx); err != nil {
		GCSOps.WithLabelValues("delete", "false").Inc()
		return err
	}
	GCSOps.WithLabelValues("delete", "true").Inc()
	return nil
}
