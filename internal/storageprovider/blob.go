package storageprovider

import (
	"context"
	"errors"
	"io"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	"gocloud.dev/gcerrors"

	"github.com/getsentry/rtprof/internal/storageutil"
)

// Blob implements storageutil.ObjectHandler on top of any gocloud bucket.
type Blob struct {
	Bucket *blob.Bucket
}

// OpenBlob opens a bucket from a gocloud URL such as file:///tmp/captures or
// gs://bucket.
func OpenBlob(ctx context.Context, url string) (*Blob, error) {
	b, err := blob.OpenBucket(ctx, url)
	if err != nil {
		return nil, err
	}
	return &Blob{Bucket: b}, nil
}

func (b *Blob) Put(ctx context.Context, name string) (io.WriteCloser, error) {
	return b.Bucket.NewWriter(ctx, name, nil)
}

func (b *Blob) Get(ctx context.Context, name string) (storageutil.ReadSizeCloser, error) {
	r, err := b.Bucket.NewReader(ctx, name, nil)
	if err != nil && gcerrors.Code(err) == gcerrors.NotFound {
		return nil, storageutil.ErrObjectNotFound
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (b *Blob) List(ctx context.Context, prefix string) ([]string, error) {
	var names []string
	it := b.Bucket.List(&blob.ListOptions{Prefix: prefix})
	for {
		obj, err := it.Next(ctx)
		if errors.Is(err, io.EOF) {
			return names, nil
		}
		if err != nil {
			return nil, err
		}
		if !obj.IsDir {
			names = append(names, obj.Key)
		}
	}
}

func (b *Blob) Close() error {
	return b.Bucket.Close()
}
