package catalog

import (
	"context"
	"time"
)

// Store persists list items, detail records, the sync state and the error trail.
type Store interface {
	LoadState(ctx context.Context, id string) (SyncState, error)
	SaveState(ctx context.Context, state SyncState) error
	UpsertListItems(ctx context.Context, items []ListItem) (BulkResult, error)
	ExistingDetailSlugs(ctx context.Context, slugs []string) (map[string]struct{}, error)
	DetailAssets(ctx context.Context, slug string) ([]AssetRecord, error)
	UpsertDetail(ctx context.Context, record DetailRecord) error
	ErrorRecorder
}

// ErrorRecorder appends to the SyncError audit trail.
type ErrorRecorder interface {
	InsertSyncError(ctx context.Context, syncErr SyncError) error
}

// BulkResult reports the outcome of an unordered bulk upsert.
type BulkResult struct {
	Upserted int
	Failed   map[string]error
}

// API fetches pages and detail objects from the remote catalog.
type API interface {
	FetchList(ctx context.Context, query ListQuery) (ListPage, error)
	FetchDetail(ctx context.Context, slug string) (map[string]any, error)
}

// Publisher pushes detail-saved notifications.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time and sleeps cooperatively.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}
