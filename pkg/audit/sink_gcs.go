//go:build gcp

package audit

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"

	"github.com/covenant-labs/covenant/pkg/canonicalize"
)

// GCSSink stores evidence packs in a Google Cloud Storage bucket.
type GCSSink struct {
	client *storage.Client
	bucket string
	prefix string
}

// GCSSinkConfig holds configuration for GCSSink.
type GCSSinkConfig struct {
	Bucket string
	Prefix string // Optional key prefix
}

// NewGCSSink creates a GCS-backed evidence pack sink. Credentials come
// from Application Default Credentials.
func NewGCSSink(ctx context.Context, cfg GCSSinkConfig) (*GCSSink, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit: creating GCS client: %w", err)
	}
	return &GCSSink{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

func (s *GCSSink) object(raw string) string {
	return s.prefix + raw + ".zip"
}

func (s *GCSSink) Store(ctx context.Context, data []byte) (string, error) {
	hash := canonicalize.HashBytes(data)
	raw, err := rawHex(hash)
	if err != nil {
		return "", err
	}

	obj := s.client.Bucket(s.bucket).Object(s.object(raw))
	if _, err := obj.Attrs(ctx); err == nil {
		return hash, nil
	}

	w := obj.NewWriter(ctx)
	w.ContentType = "application/zip"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("audit: gcs write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("audit: gcs close failed: %w", err)
	}
	return hash, nil
}

func (s *GCSSink) Get(ctx context.Context, hash string) ([]byte, error) {
	raw, err := rawHex(hash)
	if err != nil {
		return nil, err
	}
	reader, err := s.client.Bucket(s.bucket).Object(s.object(raw)).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit: gcs get failed for %s: %w", hash, err)
	}
	defer func() { _ = reader.Close() }()
	return io.ReadAll(reader)
}

func (s *GCSSink) Exists(ctx context.Context, hash string) (bool, error) {
	raw, err := rawHex(hash)
	if err != nil {
		return false, err
	}
	_, err = s.client.Bucket(s.bucket).Object(s.object(raw)).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("audit: gcs attrs error: %w", err)
	}
	return true, nil
}

// Close closes the GCS client.
func (s *GCSSink) Close() error {
	return s.client.Close()
}
