package storage_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/catalog-sync/internal/storage"
	"github.com/JakeFAU/catalog-sync/internal/storage/memory"
)

type mockDownloader struct {
	mock.Mock
}

func (m *mockDownloader) Download(ctx context.Context, rawURL, destPath string) error {
	args := m.Called(ctx, rawURL, destPath)
	if err := args.Error(0); err != nil {
		return err //nolint:wrapcheck
	}
	return os.WriteFile(destPath, []byte("\x89PNG\r\n\x1a\n0000"), 0o600)
}

func TestDownloadToFile(t *testing.T) {
	t.Parallel()

	dest := filepath.Join(t.TempDir(), "a.png")
	dl := &mockDownloader{}
	dl.On("Download", mock.Anything, "https://cdn.example/a.png", dest).Return(nil).Once()

	adapter := storage.NewAdapter(storage.Config{DownloadEnabled: true}, dl, nil, nil)
	path, err := adapter.DownloadToFile(context.Background(), "https://cdn.example/a.png", dest)
	require.NoError(t, err)
	require.Equal(t, dest, path)

	path, err = adapter.DownloadToFile(context.Background(), "https://cdn.example/a.png", dest)
	require.NoError(t, err)
	require.Empty(t, path, "existing file without overwrite is not downloaded again")
	dl.AssertExpectations(t)
}

func TestDownloadToFileDisabled(t *testing.T) {
	t.Parallel()

	dl := &mockDownloader{}
	adapter := storage.NewAdapter(storage.Config{}, dl, nil, nil)
	path, err := adapter.DownloadToFile(context.Background(), "https://cdn.example/a.png", "/tmp/x")
	require.NoError(t, err)
	require.Empty(t, path)
	dl.AssertNotCalled(t, "Download", mock.Anything, mock.Anything, mock.Anything)
}

func TestDownloadToFileError(t *testing.T) {
	t.Parallel()

	dest := filepath.Join(t.TempDir(), "a.png")
	dl := &mockDownloader{}
	dl.On("Download", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("404"))
	adapter := storage.NewAdapter(storage.Config{DownloadEnabled: true}, dl, nil, nil)
	_, err := adapter.DownloadToFile(context.Background(), "https://cdn.example/a.png", dest)
	require.ErrorContains(t, err, "404")
}

func TestUploadToStore(t *testing.T) {
	t.Parallel()

	src := filepath.Join(t.TempDir(), "a.png")
	require.NoError(t, os.WriteFile(src, []byte("\x89PNG\r\n\x1a\n0000"), 0o600))
	objects := memory.NewObjectStore("https://mirror.example")
	adapter := storage.NewAdapter(storage.Config{UploadEnabled: true}, nil, objects, nil)

	url, err := adapter.UploadToStore(context.Background(), "assets/p/a.png", src)
	require.NoError(t, err)
	require.Equal(t, "https://mirror.example/assets/p/a.png", url)
	_, contentType, ok := objects.Object("assets/p/a.png")
	require.True(t, ok)
	require.Equal(t, "image/png", contentType)
	require.Equal(t, "https://mirror.example", adapter.BaseURL())
}

func TestUploadToStoreReusesExistingObject(t *testing.T) {
	t.Parallel()

	objects := memory.NewObjectStore("https://mirror.example")
	require.NoError(t, objects.Put(context.Background(), "k", "text/plain", strings.NewReader("x")))
	objects.PutErr = errors.New("must not upload")

	adapter := storage.NewAdapter(storage.Config{UploadEnabled: true}, nil, objects, nil)
	url, err := adapter.UploadToStore(context.Background(), "k", "/does/not/matter")
	require.NoError(t, err)
	require.Equal(t, "https://mirror.example/k", url)

	overwrite := storage.NewAdapter(storage.Config{UploadEnabled: true, Overwrite: true}, nil, objects, nil)
	_, err = overwrite.UploadToStore(context.Background(), "k", "/does/not/exist")
	require.Error(t, err)
}

func TestUploadToStoreDisabled(t *testing.T) {
	t.Parallel()

	adapter := storage.NewAdapter(storage.Config{UploadEnabled: true}, nil, nil, nil)
	url, err := adapter.UploadToStore(context.Background(), "k", "/tmp/x")
	require.NoError(t, err)
	require.Empty(t, url)
	require.Empty(t, adapter.BaseURL())
}
