//go:build gcp

package evidence

import "context"

func newGCSSink(ctx context.Context, cfg SinkConfig) (Sink, error) {
	return NewGCSSink(ctx, cfg.Bucket, cfg.Prefix)
}
