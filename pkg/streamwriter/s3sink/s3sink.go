// Package s3sink implements trace.RotationSink against Amazon S3 or an
// S3-compatible endpoint: each rotated trace file is uploaded whole, in the
// background, and afterwards removed from local disk only when
// DeleteLocalAfterUpload is set. This is a supplemental feature; see
// SPEC_FULL.md.
package s3sink

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/marmos91/evtrace/pkg/flusher"
	"github.com/marmos91/evtrace/pkg/trace"
)

var _ trace.RotationSink = (*Sink)(nil)

// Config configures the S3 rotation sink.
type Config struct {
	Client    *s3.Client
	Bucket    string
	KeyPrefix string

	// DeleteLocalAfterUpload removes the rotated file once it has been
	// uploaded successfully.
	DeleteLocalAfterUpload bool

	Uploader flusher.Config

	Logger *slog.Logger
}

// NewClientFromConfig builds an S3 client from plain configuration values,
// the shape a YAML/env-driven config layer hands this package.
func NewClientFromConfig(ctx context.Context, endpoint, region, accessKeyID, secretAccessKey string, forcePathStyle bool) (*s3.Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			accessKeyID, secretAccessKey, "",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = &endpoint
		}
		o.UsePathStyle = forcePathStyle
	})
	return client, nil
}

// Sink uploads rotated trace files to S3 via a bounded background worker
// pool, so a slow or unreachable bucket never blocks the caller that hands
// it a rotated file.
type Sink struct {
	client    *s3.Client
	bucket    string
	keyPrefix string
	deleteAfter bool
	logger    *slog.Logger

	uploader *flusher.BackgroundUploader
}

// New verifies bucket access and constructs a Sink with its background
// uploader already running.
func New(ctx context.Context, cfg Config) (*Sink, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("s3sink: client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3sink: bucket is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	if _, err := cfg.Client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(cfg.Bucket)}); err != nil {
		return nil, fmt.Errorf("s3sink: access bucket %q: %w", cfg.Bucket, err)
	}

	s := &Sink{
		client:      cfg.Client,
		bucket:      cfg.Bucket,
		keyPrefix:   cfg.KeyPrefix,
		deleteAfter: cfg.DeleteLocalAfterUpload,
		logger:      cfg.Logger,
	}
	uploaderCfg := cfg.Uploader
	uploaderCfg.Logger = cfg.Logger
	s.uploader = flusher.New(s.uploadFile, uploaderCfg)
	s.uploader.Start(ctx)
	return s, nil
}

// HandleRotatedFile implements trace.RotationSink: it enqueues path for
// background upload. A full queue drops the file with a logged warning
// rather than blocking the caller (typically the session's own rotation
// path), matching the pipeline's silent-drop policy under back pressure.
func (s *Sink) HandleRotatedFile(path string) error {
	if !s.uploader.Enqueue(path) {
		return fmt.Errorf("s3sink: upload queue full, dropped %s", path)
	}
	return nil
}

// Close stops the background uploader, waiting up to timeout for the queue
// to drain.
func (s *Sink) Close(timeout time.Duration) {
	s.uploader.Stop(timeout)
}

func (s *Sink) key(path string) string {
	name := filepath.Base(path)
	if s.keyPrefix == "" {
		return name
	}
	return strings.TrimSuffix(s.keyPrefix, "/") + "/" + name
}

func (s *Sink) uploadFile(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open rotated file: %w", err)
	}
	defer f.Close()

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(path)),
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", path, err)
	}

	s.logger.Debug("uploaded rotated trace file", "path", path, "bucket", s.bucket)

	if s.deleteAfter {
		if err := os.Remove(path); err != nil {
			s.logger.Warn("failed to remove local file after upload", "path", path, "error", err)
		}
	}
	return nil
}
