// Package gcs provides an ObjectStore backed by Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
)

// Config captures the parameters required to address objects in GCS.
type Config struct {
	Bucket string
	// PublicBaseURL overrides the URL prefix of mirrored objects (e.g. a CDN host).
	PublicBaseURL string
}

// ObjectStore writes mirrored assets to a configured GCS bucket.
type ObjectStore struct {
	client  *storage.Client
	bucket  string
	baseURL string
}

// New creates a GCS-backed object store.
func New(client *storage.Client, cfg Config) (*ObjectStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	base := strings.TrimRight(cfg.PublicBaseURL, "/")
	if base == "" {
		base = "https://storage.googleapis.com/" + cfg.Bucket
	}
	return &ObjectStore{
		client:  client,
		bucket:  cfg.Bucket,
		baseURL: base,
	}, nil
}

// Put uploads r under key.
func (s *ObjectStore) Put(ctx context.Context, key, contentType string, r io.Reader) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("key is required")
	}
	writer := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	if contentType != "" {
		writer.ContentType = contentType
	}
	if _, err := io.Copy(writer, r); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close writer: %w", err)
	}
	return nil
}

// Exists reports whether key is already present in the bucket.
func (s *ObjectStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.Bucket(s.bucket).Object(key).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("object attrs: %w", err)
	}
	return true, nil
}

// URL returns the public URL of key.
func (s *ObjectStore) URL(key string) string {
	return s.baseURL + "/" + strings.TrimLeft(key, "/")
}
