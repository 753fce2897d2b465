// Package storage implements the asset Storage Adapter: downloading source assets to
// the local download root and uploading them to a durable object store.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"
)

// ObjectStore is a durable key/value blob backend addressed by mirror keys.
type ObjectStore interface {
	Put(ctx context.Context, key, contentType string, r io.Reader) error
	Exists(ctx context.Context, key string) (bool, error)
	URL(key string) string
}

// Downloader fetches a remote URL into a local file.
type Downloader interface {
	Download(ctx context.Context, rawURL, destPath string) error
}

// Config toggles each direction of the adapter.
type Config struct {
	DownloadEnabled bool
	UploadEnabled   bool
	Overwrite       bool
}

// Adapter is the Storage Adapter used by the asset mirror.
type Adapter struct {
	cfg        Config
	downloader Downloader
	objects    ObjectStore
	logger     *zap.Logger
}

// NewAdapter wires a downloader and an optional object store. Uploads are disabled
// when objects is nil.
func NewAdapter(cfg Config, downloader Downloader, objects ObjectStore, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if objects == nil {
		cfg.UploadEnabled = false
	}
	if downloader == nil {
		cfg.DownloadEnabled = false
	}
	return &Adapter{
		cfg:        cfg,
		downloader: downloader,
		objects:    objects,
		logger:     logger.Named("storage"),
	}
}

// DownloadToFile downloads rawURL to destPath and returns destPath. It returns an
// empty path without error when downloading is disabled, or when destPath already
// exists and overwrite is off.
func (a *Adapter) DownloadToFile(ctx context.Context, rawURL, destPath string) (string, error) {
	if !a.cfg.DownloadEnabled {
		return "", nil
	}
	if strings.TrimSpace(destPath) == "" {
		return "", errors.New("destination path is required")
	}
	if !a.cfg.Overwrite {
		if _, err := os.Stat(destPath); err == nil {
			a.logger.Debug("asset already downloaded", zap.String("path", destPath))
			return "", nil
		}
	}
	if err := a.downloader.Download(ctx, rawURL, destPath); err != nil {
		return "", fmt.Errorf("download %s: %w", rawURL, err)
	}
	return destPath, nil
}

// UploadToStore uploads filePath under key and returns the object's URL. It returns
// an empty URL when uploading is disabled. With overwrite off, an existing object's
// URL is returned without re-uploading.
func (a *Adapter) UploadToStore(ctx context.Context, key, filePath string) (string, error) {
	if !a.cfg.UploadEnabled {
		return "", nil
	}
	if strings.TrimSpace(key) == "" {
		return "", errors.New("object key is required")
	}
	if !a.cfg.Overwrite {
		exists, err := a.objects.Exists(ctx, key)
		if err != nil {
			return "", fmt.Errorf("check object %s: %w", key, err)
		}
		if exists {
			a.logger.Debug("object already uploaded", zap.String("key", key))
			return a.objects.URL(key), nil
		}
	}

	contentType := "application/octet-stream"
	if mt, err := mimetype.DetectFile(filePath); err == nil {
		contentType = mt.String()
	}

	f, err := os.Open(filePath) // #nosec G304 -- path is produced by the mirror under the download root.
	if err != nil {
		return "", fmt.Errorf("open %s: %w", filePath, err)
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil {
			a.logger.Warn("close uploaded file", zap.String("path", filePath), zap.Error(closeErr))
		}
	}()

	if err := a.objects.Put(ctx, key, contentType, f); err != nil {
		return "", fmt.Errorf("put object %s: %w", key, err)
	}
	return a.objects.URL(key), nil
}

// BaseURL returns the URL prefix shared by every object in the store, or an empty
// string when uploads are disabled.
func (a *Adapter) BaseURL() string {
	if !a.cfg.UploadEnabled {
		return ""
	}
	return strings.TrimSuffix(a.objects.URL(""), "/")
}
