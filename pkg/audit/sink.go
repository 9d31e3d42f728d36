package audit

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/covenant-labs/covenant/pkg/canonicalize"
)

// Sink is durable object storage for evidence packs, keyed by content
// hash. Store is idempotent: re-uploading an existing pack is a no-op.
type Sink interface {
	Store(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, hash string) ([]byte, error)
	Exists(ctx context.Context, hash string) (bool, error)
}

// Publish generates an evidence pack and uploads it to the sink.
// Returns the pack's content hash, which is also its retrieval key.
func (e *Exporter) Publish(ctx context.Context, req ExportRequest, sink Sink) (string, error) {
	pack, hash, err := e.GeneratePack(ctx, req)
	if err != nil {
		return "", err
	}
	stored, err := sink.Store(ctx, pack)
	if err != nil {
		return "", fmt.Errorf("audit: storing evidence pack: %w", err)
	}
	if stored != hash {
		return "", fmt.Errorf("audit: sink hash mismatch: generated %s, stored %s", hash, stored)
	}
	return hash, nil
}

func rawHex(hash string) (string, error) {
	raw, ok := strings.CutPrefix(hash, "sha256:")
	if !ok || raw == "" {
		return "", fmt.Errorf("audit: invalid hash format: %s", hash)
	}
	return raw, nil
}

// FileSink stores packs as files under a local directory.
type FileSink struct {
	dir string
}

// NewFileSink creates the directory if needed.
func NewFileSink(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("audit: creating sink dir: %w", err)
	}
	return &FileSink{dir: dir}, nil
}

func (s *FileSink) path(raw string) string {
	return filepath.Join(s.dir, raw+".zip")
}

func (s *FileSink) Store(_ context.Context, data []byte) (string, error) {
	hash := canonicalize.HashBytes(data)
	raw, err := rawHex(hash)
	if err != nil {
		return "", err
	}
	path := s.path(raw)
	if _, err := os.Stat(path); err == nil {
		return hash, nil
	}
	if err := os.WriteFile(path, data, 0o640); err != nil {
		return "", fmt.Errorf("audit: writing pack: %w", err)
	}
	return hash, nil
}

func (s *FileSink) Get(_ context.Context, hash string) ([]byte, error) {
	raw, err := rawHex(hash)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(raw))
	if err != nil {
		return nil, fmt.Errorf("audit: reading pack %s: %w", hash, err)
	}
	return data, nil
}

func (s *FileSink) Exists(_ context.Context, hash string) (bool, error) {
	raw, err := rawHex(hash)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(s.path(raw))
	return err == nil, nil
}

// S3Sink stores packs in an S3 bucket. Packs are keyed by their SHA-256
// hash under an optional prefix.
type S3Sink struct {
	client *s3.Client
	bucket string
	prefix string
}

// S3SinkConfig holds configuration for S3Sink.
type S3SinkConfig struct {
	Bucket   string
	Region   string
	Endpoint string // Optional custom endpoint (for MinIO, LocalStack, etc.)
	Prefix   string // Optional key prefix, e.g. "evidence/"
}

// NewS3Sink creates an S3-backed evidence pack sink.
func NewS3Sink(ctx context.Context, cfg S3SinkConfig) (*S3Sink, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("audit: loading AWS config: %w", err)
	}

	clientOpts := func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // Required for MinIO/LocalStack
		}
	}

	return &S3Sink{
		client: s3.NewFromConfig(awsCfg, clientOpts),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

func (s *S3Sink) key(raw string) string {
	return s.prefix + raw + ".zip"
}

func (s *S3Sink) Store(ctx context.Context, data []byte) (string, error) {
	hash := canonicalize.HashBytes(data)
	raw, err := rawHex(hash)
	if err != nil {
		return "", err
	}
	key := s.key(raw)

	_, err = s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return hash, nil
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/zip"),
	})
	if err != nil {
		return "", fmt.Errorf("audit: s3 put failed: %w", err)
	}
	return hash, nil
}

func (s *S3Sink) Get(ctx context.Context, hash string) ([]byte, error) {
	raw, err := rawHex(hash)
	if err != nil {
		return nil, err
	}
	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(raw)),
	})
	if err != nil {
		return nil, fmt.Errorf("audit: s3 get failed for %s: %w", hash, err)
	}
	defer func() { _ = result.Body.Close() }()

	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(result.Body); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (s *S3Sink) Exists(ctx context.Context, hash string) (bool, error) {
	raw, err := rawHex(hash)
	if err != nil {
		return false, err
	}
	_, err = s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(raw)),
	})
	return err == nil, nil
}
