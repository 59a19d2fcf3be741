package fetch

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // file:// driver
	_ "gocloud.dev/blob/gcsblob"  // GCS driver
	_ "gocloud.dev/blob/s3blob"   // S3 driver
)

// isBucketURL reports whether loc names an object in a gocloud bucket.
func isBucketURL(loc string) bool {
	for _, scheme := range []string{"s3://", "gs://", "file://"} {
		if strings.HasPrefix(loc, scheme) {
			return true
		}
	}
	return false
}

// splitBucketURL turns s3://bucket/dir/key.zip?region=x into the bucket URL
// s3://bucket?region=x and the key dir/key.zip. For file:// the bucket is the
// parent directory.
func splitBucketURL(loc string) (bucketURL, key string, err error) {
	u, err := url.Parse(loc)
	if err != nil {
		return "", "", fmt.Errorf("parse bucket URL: %w", err)
	}

	if u.Scheme == "file" {
		dir, base := path.Split(u.Path)
		if base == "" {
			return "", "", fmt.Errorf("bucket URL %q has no object key", loc)
		}
		b := url.URL{Scheme: "file", Path: strings.TrimSuffix(dir, "/"), RawQuery: u.RawQuery}
		if b.Path == "" {
			b.Path = "/"
		}
		return b.String(), base, nil
	}

	key = strings.TrimPrefix(u.Path, "/")
	if u.Host == "" || key == "" {
		return "", "", fmt.Errorf("bucket URL %q needs bucket and key", loc)
	}
	b := url.URL{Scheme: u.Scheme, Host: u.Host, RawQuery: u.RawQuery}
	return b.String(), key, nil
}

// openBucketObject opens the object behind loc. Closing the returned reader
// also closes the bucket.
func openBucketObject(ctx context.Context, loc string) (io.ReadCloser, string, error) {
	bucketURL, key, err := splitBucketURL(loc)
	if err != nil {
		return nil, "", err
	}

	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, "", fmt.Errorf("open bucket %s: %w", bucketURL, err)
	}

	r, err := bucket.NewReader(ctx, key, nil)
	if err != nil {
		bucket.Close()
		return nil, "", fmt.Errorf("open object %s: %w", key, err)
	}

	return &bucketReader{Reader: r, bucket: bucket}, path.Base(key), nil
}

type bucketReader struct {
	*blob.Reader
	bucket *blob.Bucket
}

func (r *bucketReader) Close() error {
	rerr := r.Reader.Close()
	berr := r.bucket.Close()
	if rerr != nil {
		return rerr
	}
	return berr
}
