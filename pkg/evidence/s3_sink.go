package evidence

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/canonicalize"
)

// S3Config configures an S3Sink.
type S3Config struct {
	Bucket   string
	Region   string
	Endpoint string // optional, for MinIO or LocalStack
	Prefix   string
}

// S3Sink stores bundles in an S3 bucket.
type S3Sink struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Sink loads the default AWS configuration and creates a sink.
func NewS3Sink(ctx context.Context, cfg S3Config) (*S3Sink, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 evidence sink: bucket is required")
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3SinkWithClient(client, cfg.Bucket, cfg.Prefix), nil
}

// NewS3SinkWithClient wraps an existing client.
func NewS3SinkWithClient(client *s3.Client, bucket, prefix string) *S3Sink {
	return &S3Sink{client: client, bucket: bucket, prefix: prefix}
}

func (s *S3Sink) key(hash string) (string, error) {
	name, err := objectName(hash)
	if err != nil {
		return "", err
	}
	return s.prefix + name, nil
}

func (s *S3Sink) Put(ctx context.Context, data []byte) (Object, error) {
	hash := canonicalize.HashBytes(data)
	key, err := s.key(hash)
	if err != nil {
		return Object{}, err
	}
	obj := Object{Hash: hash, Location: "s3://" + s.bucket + "/" + key}

	_, err = s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return obj, nil
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return Object{}, fmt.Errorf("s3 put failed: %w", err)
	}
	return obj, nil
}

func (s *S3Sink) Get(ctx context.Context, hash string) ([]byte, error) {
	key, err := s.key(hash)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, hash)
		}
		return nil, fmt.Errorf("s3 get failed for %s: %w", hash, err)
	}
	defer func() { _ = out.Body.Close() }()
	return io.ReadAll(out.Body)
}
