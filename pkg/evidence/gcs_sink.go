//go:build gcp

package evidence

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"

	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/canonicalize"
)

// GCSSink stores bundles in a Google Cloud Storage bucket.
type GCSSink struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSSink creates a client using application default credentials.
func NewGCSSink(ctx context.Context, bucket, prefix string) (*GCSSink, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &GCSSink{client: client, bucket: bucket, prefix: prefix}, nil
}

func (s *GCSSink) Put(ctx context.Context, data []byte) (Object, error) {
	hash := canonicalize.HashBytes(data)
	name, err := objectName(hash)
	if err != nil {
		return Object{}, err
	}
	path := s.prefix + name
	obj := Object{Hash: hash, Location: "gs://" + s.bucket + "/" + path}

	handle := s.client.Bucket(s.bucket).Object(path)
	if _, err := handle.Attrs(ctx); err == nil {
		return obj, nil
	}

	w := handle.If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = "application/x-ndjson"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return Object{}, fmt.Errorf("gcs write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return Object{}, fmt.Errorf("gcs close failed: %w", err)
	}
	return obj, nil
}

func (s *GCSSink) Get(ctx context.Context, hash string) ([]byte, error) {
	name, err := objectName(hash)
	if err != nil {
		return nil, err
	}
	r, err := s.client.Bucket(s.bucket).Object(s.prefix + name).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, hash)
		}
		return nil, fmt.Errorf("gcs get failed for %s: %w", hash, err)
	}
	defer func() { _ = r.Close() }()
	return io.ReadAll(r)
}

// Close closes the GCS client.
func (s *GCSSink) Close() error {
	return s.client.Close()
}
