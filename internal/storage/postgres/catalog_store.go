// Package postgres provides the Postgres-backed catalog store. Documents are kept in
// JSONB columns next to the identity columns used for lookups.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/catalog-sync/internal/catalog"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// CatalogStore implements catalog.Store on Postgres.
type CatalogStore struct {
	pool pool
	now  func() time.Time
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS list_items (
	slug TEXT PRIMARY KEY,
	problem_id TEXT,
	category TEXT,
	status TEXT,
	level TEXT,
	modified TIMESTAMPTZ,
	fetched_at TIMESTAMPTZ NOT NULL,
	list_offset INTEGER NOT NULL,
	list_page_number INTEGER NOT NULL,
	raw JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS detail_records (
	slug TEXT PRIMARY KEY,
	problem_id TEXT,
	category TEXT,
	status TEXT,
	level TEXT,
	modified TIMESTAMPTZ,
	fetched_at TIMESTAMPTZ NOT NULL,
	list_offset INTEGER NOT NULL,
	list_page_number INTEGER NOT NULL,
	raw JSONB NOT NULL,
	assets JSONB NOT NULL DEFAULT '[]'::jsonb,
	assets_synced_at TIMESTAMPTZ,
	updated_at TIMESTAMPTZ NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS sync_state (
	id TEXT PRIMARY KEY,
	doc JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS sync_errors (
	id BIGSERIAL PRIMARY KEY,
	type TEXT NOT NULL,
	slug TEXT,
	list_offset INTEGER,
	url TEXT,
	query TEXT,
	status INTEGER,
	message TEXT NOT NULL,
	data TEXT,
	headers JSONB,
	created_at TIMESTAMPTZ NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS sync_errors_created_at_idx ON sync_errors (created_at)`,
}

// New creates a pool-backed CatalogStore using the provided config.
func New(ctx context.Context, cfg Config) (*CatalogStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &CatalogStore{pool: p, now: time.Now}, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool) (*CatalogStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &CatalogStore{pool: p, now: time.Now}, nil
}

// Close releases the underlying pool resources.
func (s *CatalogStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the catalog tables when they are missing.
func (s *CatalogStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// LoadState returns the state document id, or catalog.ErrNotFound.
func (s *CatalogStore) LoadState(ctx context.Context, id string) (catalog.SyncState, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT doc FROM sync_state WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return catalog.SyncState{}, catalog.ErrNotFound
	}
	if err != nil {
		return catalog.SyncState{}, fmt.Errorf("load state %s: %w", id, err)
	}
	var state catalog.SyncState
	if err := json.Unmarshal(doc, &state); err != nil {
		return catalog.SyncState{}, fmt.Errorf("decode state %s: %w", id, err)
	}
	return state, nil
}

// SaveState writes the full state document, inserting it when absent. The stored
// doc is replaced rather than merged so fields cleared by the caller stay cleared.
func (s *CatalogStore) SaveState(ctx context.Context, state catalog.SyncState) error {
	if state.ID == "" {
		return fmt.Errorf("state id is required")
	}
	doc, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	const query = `
INSERT INTO sync_state (id, doc, updated_at)
VALUES ($1, $2, $3)
ON CONFLICT (id) DO UPDATE
SET doc = EXCLUDED.doc, updated_at = EXCLUDED.updated_at`
	if _, err := s.pool.Exec(ctx, query, state.ID, doc, state.UpdatedAt); err != nil {
		return fmt.Errorf("save state %s: %w", state.ID, err)
	}
	return nil
}

const upsertListItemSQL = `
INSERT INTO list_items (
	slug, problem_id, category, status, level, modified,
	fetched_at, list_offset, list_page_number, raw, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (slug) DO UPDATE SET
	problem_id = EXCLUDED.problem_id,
	category = EXCLUDED.category,
	status = EXCLUDED.status,
	level = EXCLUDED.level,
	modified = EXCLUDED.modified,
	fetched_at = EXCLUDED.fetched_at,
	list_offset = EXCLUDED.list_offset,
	list_page_number = EXCLUDED.list_page_number,
	raw = EXCLUDED.raw,
	updated_at = EXCLUDED.updated_at`

// UpsertListItems upserts each item on its own statement so one bad row cannot
// abort the others. Per-slug failures are returned in the result.
func (s *CatalogStore) UpsertListItems(ctx context.Context, items []catalog.ListItem) (catalog.BulkResult, error) {
	res := catalog.BulkResult{Failed: map[string]error{}}
	now := s.now().UTC()
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("upsert list items: %w", err)
		}
		raw, err := json.Marshal(item.Raw)
		if err != nil {
			res.Failed[item.Slug] = fmt.Errorf("encode raw: %w", err)
			continue
		}
		_, err = s.pool.Exec(ctx, upsertListItemSQL,
			item.Slug,
			item.ProblemID,
			item.Category,
			item.Status,
			item.Level,
			item.Modified,
			item.FetchedAt,
			item.ListOffset,
			item.ListPageNumber,
			raw,
			now,
		)
		if err != nil {
			res.Failed[item.Slug] = err
			continue
		}
		res.Upserted++
	}
	return res, nil
}

// ExistingDetailSlugs returns the subset of slugs that already have a detail record.
func (s *CatalogStore) ExistingDetailSlugs(ctx context.Context, slugs []string) (map[string]struct{}, error) {
	out := make(map[string]struct{}, len(slugs))
	if len(slugs) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx, `SELECT slug FROM detail_records WHERE slug = ANY($1)`, slugs)
	if err != nil {
		return nil, fmt.Errorf("query existing details: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var slug string
		if err := rows.Scan(&slug); err != nil {
			return nil, fmt.Errorf("scan slug: %w", err)
		}
		out[slug] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate existing details: %w", err)
	}
	return out, nil
}

// DetailAssets returns the persisted asset log of slug; nil when the record is absent.
func (s *CatalogStore) DetailAssets(ctx context.Context, slug string) ([]catalog.AssetRecord, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT assets FROM detail_records WHERE slug = $1`, slug).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load assets %s: %w", slug, err)
	}
	var assets []catalog.AssetRecord
	if len(data) == 0 {
		return nil, nil
	}
	if err := json.Unmarshal(data, &assets); err != nil {
		return nil, fmt.Errorf("decode assets %s: %w", slug, err)
	}
	return assets, nil
}

const upsertDetailSQL = `
INSERT INTO detail_records (
	slug, problem_id, category, status, level, modified,
	fetched_at, list_offset, list_page_number, raw, assets, assets_synced_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
ON CONFLICT (slug) DO UPDATE SET
	problem_id = EXCLUDED.problem_id,
	category = EXCLUDED.category,
	status = EXCLUDED.status,
	level = EXCLUDED.level,
	modified = EXCLUDED.modified,
	fetched_at = EXCLUDED.fetched_at,
	list_offset = EXCLUDED.list_offset,
	list_page_number = EXCLUDED.list_page_number,
	raw = EXCLUDED.raw,
	assets = detail_records.assets || EXCLUDED.assets,
	assets_synced_at = COALESCE(EXCLUDED.assets_synced_at, detail_records.assets_synced_at),
	updated_at = EXCLUDED.updated_at`

// UpsertDetail replaces the detail content and appends record.Meta.Assets to the
// persisted asset log.
func (s *CatalogStore) UpsertDetail(ctx context.Context, record catalog.DetailRecord) error {
	if record.Slug == "" {
		return fmt.Errorf("detail slug is required")
	}
	raw, err := json.Marshal(record.Raw)
	if err != nil {
		return fmt.Errorf("encode detail raw: %w", err)
	}
	assets := record.Meta.Assets
	if assets == nil {
		assets = []catalog.AssetRecord{}
	}
	assetsJSON, err := json.Marshal(assets)
	if err != nil {
		return fmt.Errorf("encode detail assets: %w", err)
	}
	_, err = s.pool.Exec(ctx, upsertDetailSQL,
		record.Slug,
		record.ProblemID,
		record.Category,
		record.Status,
		record.Level,
		record.Modified,
		record.FetchedAt,
		record.ListOffset,
		record.ListPageNumber,
		raw,
		assetsJSON,
		record.Meta.LastSyncedAt,
		s.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert detail %s: %w", record.Slug, err)
	}
	return nil
}

// InsertSyncError appends a row to the error trail.
func (s *CatalogStore) InsertSyncError(ctx context.Context, syncErr catalog.SyncError) error {
	headersJSON, err := json.Marshal(normalizeHeaders(syncErr.Headers))
	if err != nil {
		return fmt.Errorf("marshal headers: %w", err)
	}
	const query = `
INSERT INTO sync_errors (
	type, slug, list_offset, url, query, status, message, data, headers, created_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`
	_, err = s.pool.Exec(ctx, query,
		syncErr.Type,
		syncErr.Slug,
		syncErr.Offset,
		syncErr.URL,
		syncErr.Query,
		syncErr.Status,
		syncErr.Message,
		string(syncErr.Data),
		headersJSON,
		syncErr.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert sync error: %w", err)
	}
	return nil
}

func normalizeHeaders(h http.Header) map[string][]string {
	if len(h) == 0 {
		return map[string][]string{}
	}
	out := make(map[string][]string, len(h))
	for k, values := range h {
		out[k] = append([]string(nil), values...)
	}
	return out
}
