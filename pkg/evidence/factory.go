package evidence

import (
	"context"
	"fmt"
)

// SinkType selects an evidence backend.
type SinkType string

const (
	SinkFS  SinkType = "fs"
	SinkS3  SinkType = "s3"
	SinkGCS SinkType = "gcs"
)

// SinkConfig selects and configures a sink.
type SinkConfig struct {
	Type     SinkType
	Dir      string
	Bucket   string
	Prefix   string
	Region   string
	Endpoint string
}

// NewSink creates the configured sink.
func NewSink(ctx context.Context, cfg SinkConfig) (Sink, error) {
	switch cfg.Type {
	case SinkFS, "":
		if cfg.Dir == "" {
			return nil, fmt.Errorf("fs evidence sink: directory is required")
		}
		return NewFileSink(cfg.Dir)
	case SinkS3:
		region := cfg.Region
		if region == "" {
			region = "us-east-1"
		}
		return NewS3Sink(ctx, S3Config{Bucket: cfg.Bucket, Region: region, Endpoint: cfg.Endpoint, Prefix: cfg.Prefix})
	case SinkGCS:
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("gcs evidence sink: bucket is required")
		}
		return newGCSSink(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported evidence sink: %s", cfg.Type)
	}
}
