// Package local implements a filesystem-backed object store for mirrored assets.
package local

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Config captures the parameters for the local filesystem object store.
type Config struct {
	// BaseDir is the root directory where objects will be stored.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
	// PublicBaseURL, when set, is used instead of file:// URLs (e.g. a static file server).
	PublicBaseURL string `mapstructure:"public_base_url" yaml:"public_base_url"`
}

// ObjectStore writes mirrored assets to the local filesystem.
type ObjectStore struct {
	baseDir string
	baseURL string
}

// New creates a new local filesystem-backed object store.
func New(cfg Config) (*ObjectStore, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}

	info, err := os.Stat(cfg.BaseDir)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat base directory: %w", err)
		}
		if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("failed to create base directory: %w", mkErr)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	testFile := filepath.Join(cfg.BaseDir, ".writable_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(testFile); err != nil {
		return nil, fmt.Errorf("failed to clean up test file: %w", err)
	}

	base := strings.TrimRight(cfg.PublicBaseURL, "/")
	if base == "" {
		base = "file://" + filepath.Clean(cfg.BaseDir)
	}
	return &ObjectStore{
		baseDir: cfg.BaseDir,
		baseURL: base,
	}, nil
}

// Put writes r to BaseDir/key.
func (s *ObjectStore) Put(_ context.Context, key, _ string, r io.Reader) error {
	fullPath, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o750); err != nil {
		return fmt.Errorf("failed to create parent directories: %w", err)
	}
	f, err := os.OpenFile(fullPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600) // #nosec G304 -- resolved under baseDir.
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close file: %w", err)
	}
	return nil
}

// Exists reports whether BaseDir/key is present.
func (s *ObjectStore) Exists(_ context.Context, key string) (bool, error) {
	fullPath, err := s.resolve(key)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(fullPath); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat object: %w", err)
	}
	return true, nil
}

// URL returns the addressable location of key.
func (s *ObjectStore) URL(key string) string {
	return s.baseURL + "/" + strings.TrimLeft(filepath.ToSlash(key), "/")
}

func (s *ObjectStore) resolve(key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("key is required")
	}
	cleanBaseDir := filepath.Clean(s.baseDir)
	cleanFullPath := filepath.Clean(filepath.Join(s.baseDir, key))
	if !strings.HasPrefix(cleanFullPath, cleanBaseDir+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected")
	}
	return cleanFullPath, nil
}
