package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-sync/internal/catalog"
	"github.com/JakeFAU/catalog-sync/internal/config"
	memorystorage "github.com/JakeFAU/catalog-sync/internal/storage/memory"
)

var pngBytes = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x06\x00\x00\x00")

func newCatalogServer(t *testing.T, slugs []string) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/list", func(w http.ResponseWriter, r *http.Request) {
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		objects := []map[string]any{}
		for i := offset; i < len(slugs) && i < offset+limit; i++ {
			objects = append(objects, map[string]any{"slug": slugs[i], "id": i + 1, "level": "easy"})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode([]any{map[string]any{
			"objects": objects,
			"meta":    map[string]any{"offset": offset, "total_count": len(slugs)},
		}})
	})
	mux.HandleFunc("/detail/", func(w http.ResponseWriter, r *http.Request) {
		slug := strings.TrimPrefix(r.URL.Path, "/detail/")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"slug":        slug,
			"description": `<p><img src="` + srv.URL + `/img/` + slug + `.png"></p>`,
		})
	})
	mux.HandleFunc("/img/", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(pngBytes)
	})
	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T, srv *httptest.Server) config.Config {
	t.Helper()
	return config.Config{
		API: config.APIConfig{
			ListURL:       srv.URL + "/list",
			DetailBaseURL: srv.URL + "/detail",
			Limit:         2,
			UserAgent:     "catalog-sync-test",
		},
		HTTP:  config.HTTPConfig{TimeoutSeconds: 5, MaxRetries: 1},
		Delay: config.DelayConfig{Mode: "immediate"},
		Sync:  config.SyncConfig{StateID: "test"},
		Assets: config.AssetsConfig{
			Enabled:         true,
			DownloadEnabled: true,
			UploadEnabled:   true,
			DownloadDir:     t.TempDir(),
			KeyPrefix:       "mirror",
			EntityType:      "problems",
		},
		Storage: config.StorageConfig{
			Backend:       config.BackendLocal,
			PublicBaseURL: "https://cdn.mirror.example",
			Local:         config.LocalConfig{BaseDir: t.TempDir()},
		},
	}
}

func TestBuildAndRunMirrorsToLocalStore(t *testing.T) {
	srv := newCatalogServer(t, []string{"two-sum", "add-two", "three-sum"})
	cfg := testConfig(t, srv)

	a, err := Build(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(a.Close)

	state, err := a.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, catalog.StatusCompleted, state.Status)
	require.Equal(t, 3, state.DetailItemsSaved)
	require.Zero(t, state.FailedRequests)

	store, ok := a.Store().(*memorystorage.CatalogStore)
	require.True(t, ok)
	rec, ok := store.Detail("two-sum")
	require.True(t, ok)
	desc, _ := rec.Raw["description"].(string)
	require.Contains(t, desc, "https://cdn.mirror.example/mirror/problems/two-sum/")
	require.NotContains(t, desc, srv.URL)
	require.Len(t, rec.Meta.Assets, 1)
	require.Equal(t, catalog.AssetUploaded, rec.Meta.Assets[0].Status)

	files, err := filepath.Glob(filepath.Join(cfg.Storage.Local.BaseDir, "mirror", "problems", "two-sum", "*.png"))
	require.NoError(t, err)
	require.Len(t, files, 1)
	body, err := os.ReadFile(files[0])
	require.NoError(t, err)
	require.Equal(t, pngBytes, body)

	again, err := a.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, state.DetailRequests, again.DetailRequests)
}

func TestBuildWithoutObjectStoreOnlyDownloads(t *testing.T) {
	srv := newCatalogServer(t, []string{"two-sum"})
	cfg := testConfig(t, srv)
	cfg.Storage = config.StorageConfig{Backend: config.BackendNone}

	a, err := Build(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(a.Close)

	_, err = a.Run(context.Background())
	require.NoError(t, err)
	rec, ok := a.Store().(*memorystorage.CatalogStore).Detail("two-sum")
	require.True(t, ok)
	require.Len(t, rec.Meta.Assets, 1)
	require.Equal(t, catalog.AssetDownloaded, rec.Meta.Assets[0].Status)
	require.Contains(t, rec.Raw["description"], srv.URL)
}

func TestBuildFailsOnUnusableLocalStore(t *testing.T) {
	t.Parallel()

	file := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))

	cfg := config.Config{
		API:     config.APIConfig{Limit: 2},
		Sync:    config.SyncConfig{StateID: "test"},
		Storage: config.StorageConfig{Backend: config.BackendLocal, Local: config.LocalConfig{BaseDir: file}},
	}
	_, err := Build(context.Background(), cfg, zap.NewNop())
	require.ErrorContains(t, err, "local object store init failed")
}
