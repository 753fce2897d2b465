// Package mirror copies asset URLs found in detail records to durable storage and
// rewrites the records to point at the copies.
package mirror

import (
	"context"
	"errors"
	"net/url"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-sync/internal/catalog"
	"github.com/JakeFAU/catalog-sync/internal/metrics"
	"github.com/JakeFAU/catalog-sync/internal/retry"
)

// StorageAdapter downloads source assets and uploads them to the object store.
// Empty return values mean the step was disabled or unnecessary.
type StorageAdapter interface {
	DownloadToFile(ctx context.Context, rawURL, destPath string) (string, error)
	UploadToStore(ctx context.Context, key, filePath string) (string, error)
}

// Config controls mirroring.
type Config struct {
	Enabled       bool
	DownloadDir   string
	KeyPrefix     string
	EntityType    string
	MirrorBaseURL string
}

// Mirror holds the process-wide collaborators shared by every Session.
type Mirror struct {
	cfg     Config
	keys    Keys
	storage StorageAdapter
	policy  *retry.Policy
	clock   catalog.Clock
	logger  *zap.Logger
}

// New builds a Mirror.
func New(cfg Config, storage StorageAdapter, policy *retry.Policy, clock catalog.Clock, logger *zap.Logger) *Mirror {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.EntityType == "" {
		cfg.EntityType = "problems"
	}
	return &Mirror{
		cfg:     cfg,
		keys:    NewKeys(cfg.KeyPrefix, cfg.MirrorBaseURL),
		storage: storage,
		policy:  policy,
		clock:   clock,
		logger:  logger.Named("mirror"),
	}
}

// Enabled reports whether mirroring is switched on.
func (m *Mirror) Enabled() bool {
	return m.cfg.Enabled && m.storage != nil
}

// Keys exposes the key helpers bound to this mirror's configuration.
func (m *Mirror) Keys() Keys {
	return m.keys
}

// Result is the outcome of mirroring one URL. Record is nil when nothing was
// attempted.
type Result struct {
	Record *catalog.AssetRecord
	URL    string
}

// Session scopes the URL cache and the asset log to one detail record. A Session is
// not safe for concurrent use.
type Session struct {
	m        *Mirror
	slug     string
	meta     *catalog.DetailMeta
	cache    map[string]Result
	failures []catalog.AssetRecord
}

// NewSession starts a pass over one detail record. Entries of prior that were
// uploaded or downloaded seed the cache so URLs mirrored by an earlier run are
// reused without another download or log entry.
func (m *Mirror) NewSession(slug string, meta *catalog.DetailMeta, prior []catalog.AssetRecord) *Session {
	s := &Session{
		m:     m,
		slug:  slug,
		meta:  meta,
		cache: make(map[string]Result),
	}
	for i := range prior {
		rec := prior[i]
		switch {
		case rec.Status == catalog.AssetUploaded && rec.MirrorURL != "":
			s.cache[rec.SourceURL] = Result{Record: &rec, URL: rec.MirrorURL}
			s.cache[rec.MirrorURL] = Result{URL: rec.MirrorURL}
		case rec.Status == catalog.AssetDownloaded:
			s.cache[rec.SourceURL] = Result{Record: &rec, URL: rec.SourceURL}
		}
	}
	return s
}

// Failures returns the failed asset records produced by this session.
func (s *Session) Failures() []catalog.AssetRecord {
	return s.failures
}

// Mirror ensures sourceURL is downloaded and uploaded at most once for this session
// and returns the URL to store in its place. It never fails: problems are recorded
// as a failed AssetRecord and the source URL is returned unchanged.
func (s *Session) Mirror(ctx context.Context, sourceURL string, kind catalog.AssetKind) Result {
	noop := Result{URL: sourceURL}
	if !s.m.Enabled() || strings.TrimSpace(sourceURL) == "" || !isRemote(sourceURL) {
		return noop
	}
	if hit, ok := s.cache[sourceURL]; ok {
		return hit
	}
	if s.m.keys.AlreadyMirrored(sourceURL) {
		return noop
	}

	rec := s.fetch(ctx, sourceURL, kind)
	res := Result{Record: &rec, URL: sourceURL}
	if rec.Status == catalog.AssetUploaded {
		res.URL = rec.MirrorURL
		s.cache[rec.MirrorURL] = Result{URL: rec.MirrorURL}
	}
	s.cache[sourceURL] = res
	s.meta.Append(rec, s.m.clock.Now())
	if rec.Status == catalog.AssetFailed {
		s.failures = append(s.failures, rec)
	}
	metrics.ObserveAsset(string(kind), string(rec.Status))
	s.m.logger.Debug("asset mirrored",
		zap.String("slug", s.slug),
		zap.String("kind", string(kind)),
		zap.String("url", sourceURL),
		zap.String("status", string(rec.Status)),
	)
	return res
}

func (s *Session) fetch(ctx context.Context, sourceURL string, kind catalog.AssetKind) catalog.AssetRecord {
	rec := catalog.AssetRecord{
		Kind:      kind,
		Slug:      s.slug,
		SourceURL: sourceURL,
	}
	key := s.m.keys.Derive(sourceURL, s.slug, s.m.cfg.EntityType)
	if key == "" {
		return failed(rec, errors.New("unable to derive mirror key"))
	}
	rec.Key = key

	dest := filepath.Join(s.m.cfg.DownloadDir, filepath.FromSlash(key))
	ec := catalog.ErrorContext{Type: "asset_download", Slug: s.slug, URL: sourceURL}
	localPath, err := retry.Do(ctx, s.m.policy, ec, func(ctx context.Context) (string, error) {
		return s.m.storage.DownloadToFile(ctx, sourceURL, dest)
	})
	if err != nil {
		return failed(rec, err)
	}
	if localPath == "" {
		rec.Status = catalog.AssetSkipped
		return rec
	}
	rec.LocalPath = localPath

	ec.Type = "asset_upload"
	mirrorURL, err := retry.Do(ctx, s.m.policy, ec, func(ctx context.Context) (string, error) {
		return s.m.storage.UploadToStore(ctx, key, localPath)
	})
	if err != nil {
		return failed(rec, err)
	}
	if mirrorURL == "" {
		rec.Status = catalog.AssetDownloaded
		return rec
	}
	rec.MirrorURL = mirrorURL
	rec.Status = catalog.AssetUploaded
	return rec
}

func failed(rec catalog.AssetRecord, err error) catalog.AssetRecord {
	rec.Status = catalog.AssetFailed
	rec.ErrorStatus = catalog.StatusOf(err)
	rec.ErrorMessage = err.Error()
	return rec
}

// isRemote accepts absolute http(s) URLs; relative paths and data URIs are left alone.
func isRemote(rawURL string) bool {
	u, err := url.Parse(NormalizeURL(rawURL))
	if err != nil {
		lower := strings.ToLower(strings.TrimSpace(rawURL))
		return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
