package gcsread

import (
	"context"
	"strings"

	"github.com/cloudflare/utahfs-gcs/gcsread/storagepb"

	"github.com/hashicorp/golang-lru"
)

// ChannelOpener performs the initial metadata fetch that pins a generation
// and size, then constructs a ReadChannel (§4.1).
type ChannelOpener struct {
	Provider StubProvider
	Backoffs BackoffFactory

	// metaCache, when non-nil, lets Open skip the GetObject round-trip for
	// an object it has already pinned recently. Entries are never
	// invalidated except by eviction, so a generation pinned here keeps
	// being used until its entry is evicted; a new ChannelOpener starts
	// with an empty cache.
	metaCache *lru.Cache
}

// NewChannelOpener returns an opener backed by provider, using the default
// backoff schedule and no metadata cache.
func NewChannelOpener(provider StubProvider) *ChannelOpener {
	return &ChannelOpener{Provider: provider, Backoffs: DefaultBackoffFactory()}
}

// NewCachedChannelOpener is like NewChannelOpener but caches up to size
// objects' pinned metadata, so repeated opens of the same hot object (the
// common case for utahfs's small fixed-size blocks) skip the GetObject RPC
// entirely.
func NewCachedChannelOpener(provider StubProvider, size int) (*ChannelOpener, error) {
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &ChannelOpener{Provider: provider, Backoffs: DefaultBackoffFactory(), metaCache: cache}, nil
}

func metaCacheKey(bucket, object string) string { return bucket + "/" + object }

// Open fetches bucket/object's metadata under opts.GRPCReadMetadataTimeout
// and returns a ReadChannel pinned to the generation observed. It fails
// fast with ErrCompressedUnsupported if the object's content encoding is
// gzip, since the channel never inflates.
//
// TODO: the metadata round-trip here could be elided by carrying
// generation/size on the first streaming response instead; deferred per
// the source connector's own future-optimization note.
func (o *ChannelOpener) Open(ctx context.Context, bucket, object string, opts ReadOptions) (*ReadChannel, error) {
	stub, err := o.Provider.NewStub()
	if err != nil {
		return nil, err
	}
	handle := newStubHandle(stub)

	var meta *storagepb.Object
	if o.metaCache != nil {
		if cached, ok := o.metaCache.Get(metaCacheKey(bucket, object)); ok {
			meta = cached.(*storagepb.Object)
		}
	}

	deadline := durationDeadline(opts.GRPCReadMetadataTimeout)

	c := &ReadChannel{
		provider: o.Provider,
		backoffs: o.Backoffs,
		opts:     opts,
		bucket:   bucket,
		object:   object,
		stub:     handle,
		strategy: opts.Fadvise,
	}

	if meta == nil {
		if err := c.withRetry(func(stub Stub) error {
			reqCtx, cancel := deadline.withDeadline(ctx)
			defer cancel()

			m, err := stub.GetObject(reqCtx, &storagepb.GetObjectRequest{Bucket: bucket, Object: object})
			if err != nil {
				return err
			}
			meta = m
			return nil
		}); err != nil {
			return nil, err
		}
		if o.metaCache != nil {
			o.metaCache.Add(metaCacheKey(bucket, object), meta)
		}
	}

	if strings.Contains(strings.ToLower(meta.ContentEncoding), "gzip") {
		return nil, ErrCompressedUnsupported
	}

	c.generation = meta.Generation
	c.size = meta.Size
	c.contentEncoding = meta.ContentEncoding
	c.state = stateOpen
	return c, nil
}
