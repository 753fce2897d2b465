package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/catalog-sync/internal/catalog"
)

func newMockStore(t *testing.T) (*CatalogStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	store, err := NewWithPool(mock)
	require.NoError(t, err)
	store.now = func() time.Time { return time.Unix(1700000000, 0) }
	return store, mock
}

func TestNewWithPoolRequiresPool(t *testing.T) {
	t.Parallel()

	_, err := NewWithPool(nil)
	require.Error(t, err)
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	for range schema {
		mock.ExpectExec("CREATE").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	}
	require.NoError(t, store.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadStateNotFound(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT doc FROM sync_state").
		WithArgs("run-1").
		WillReturnError(pgx.ErrNoRows)

	_, err := store.LoadState(context.Background(), "run-1")
	require.ErrorIs(t, err, catalog.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadStateDecodes(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	doc := []byte(`{"id":"run-1","status":"running","lastOffset":40,"listRequests":3,` +
		`"multiQuery":{"queries":["a","b"],"currentIndex":1,"perQuery":{"a":{"status":"completed","lastOffset":60}}}}`)
	mock.ExpectQuery("SELECT doc FROM sync_state").
		WithArgs("run-1").
		WillReturnRows(mock.NewRows([]string{"doc"}).AddRow(doc))

	state, err := store.LoadState(context.Background(), "run-1")
	require.NoError(t, err)
	require.Equal(t, catalog.StatusRunning, state.Status)
	require.Equal(t, 40, state.LastOffset)
	require.Equal(t, 3, state.ListRequests)
	require.Equal(t, 1, state.MultiQuery.CurrentIndex)
	require.Equal(t, catalog.StatusCompleted, state.MultiQuery.PerQuery["a"].Status)
}

// stateDoc matches the marshaled state argument of SaveState.
type stateDoc struct {
	check func(doc map[string]any) bool
}

func (m stateDoc) Match(v any) bool {
	raw, ok := v.([]byte)
	if !ok {
		return false
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return false
	}
	return m.check(doc)
}

func TestSaveStateReplacesDocument(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	mock.ExpectExec(`INSERT INTO sync_state .* SET doc = EXCLUDED\.doc, updated_at`).
		WithArgs("run-1", pgxmock.AnyArg(), now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := store.SaveState(context.Background(), catalog.SyncState{ID: "run-1", UpdatedAt: now})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	require.Error(t, store.SaveState(context.Background(), catalog.SyncState{}))
}

func TestSaveStateClearsResetFields(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	done := time.Unix(1690000000, 0).UTC()
	now := time.Unix(1700000000, 0).UTC()
	state := catalog.SyncState{
		ID:                "run-1",
		Status:            catalog.StatusCompleted,
		StopReason:        catalog.StopNoMoreItems,
		LastSlugProcessed: "two-sum",
		LastError:         "detail two-sum: status 500",
		CompletedAt:       &done,
		UpdatedAt:         done,
	}
	mock.ExpectExec(`INSERT INTO sync_state`).
		WithArgs("run-1", stateDoc{check: func(doc map[string]any) bool {
			return doc["status"] == "completed" && doc["completedAt"] != nil
		}}, done).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, store.SaveState(context.Background(), state))

	state.Status = catalog.StatusRunning
	state.StopReason = ""
	state.LastSlugProcessed = ""
	state.LastError = ""
	state.CompletedAt = nil
	state.UpdatedAt = now
	mock.ExpectExec(`SET doc = EXCLUDED\.doc,`).
		WithArgs("run-1", stateDoc{check: func(doc map[string]any) bool {
			for _, key := range []string{"completedAt", "stopReason", "lastSlugProcessed", "lastError"} {
				if _, present := doc[key]; present {
					return false
				}
			}
			return doc["status"] == "running"
		}}, now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, store.SaveState(context.Background(), state))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertListItemsCollectsFailures(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	items := []catalog.ListItem{
		{Slug: "a", Raw: map[string]any{"slug": "a"}},
		{Slug: "b", Raw: map[string]any{"slug": "b"}},
		{Slug: "c", Raw: map[string]any{"slug": "c"}},
	}
	anyArgs := func(slug string) []any {
		args := []any{slug}
		for i := 0; i < 10; i++ {
			args = append(args, pgxmock.AnyArg())
		}
		return args
	}
	mock.ExpectExec("INSERT INTO list_items").WithArgs(anyArgs("a")...).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO list_items").WithArgs(anyArgs("b")...).WillReturnError(errors.New("constraint"))
	mock.ExpectExec("INSERT INTO list_items").WithArgs(anyArgs("c")...).WillReturnResult(pgxmock.NewResult("INSERT", 1))

	res, err := store.UpsertListItems(context.Background(), items)
	require.NoError(t, err)
	require.Equal(t, 2, res.Upserted)
	require.Len(t, res.Failed, 1)
	require.ErrorContains(t, res.Failed["b"], "constraint")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExistingDetailSlugs(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	slugs := []string{"two-sum", "add-two"}
	mock.ExpectQuery(`SELECT slug FROM detail_records WHERE slug = ANY`).
		WithArgs(slugs).
		WillReturnRows(mock.NewRows([]string{"slug"}).AddRow("two-sum"))

	existing, err := store.ExistingDetailSlugs(context.Background(), slugs)
	require.NoError(t, err)
	require.Len(t, existing, 1)
	require.Contains(t, existing, "two-sum")
	require.NoError(t, mock.ExpectationsWereMet())

	empty, err := store.ExistingDetailSlugs(context.Background(), nil)
	require.NoError(t, err)
	require.Empty(t, empty)
}

func TestDetailAssets(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT assets FROM detail_records").
		WithArgs("two-sum").
		WillReturnRows(mock.NewRows([]string{"assets"}).
			AddRow([]byte(`[{"kind":"attachment","sourceUrl":"https://cdn.example/a.pdf","status":"uploaded"}]`)))
	mock.ExpectQuery("SELECT assets FROM detail_records").
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	assets, err := store.DetailAssets(context.Background(), "two-sum")
	require.NoError(t, err)
	require.Len(t, assets, 1)
	require.Equal(t, catalog.AssetUploaded, assets[0].Status)

	assets, err = store.DetailAssets(context.Background(), "missing")
	require.NoError(t, err)
	require.Nil(t, assets)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertDetailAppendsAssets(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	synced := time.Unix(1700000100, 0).UTC()
	rec := catalog.DetailRecord{Slug: "two-sum", ProblemID: "1", Raw: map[string]any{"slug": "two-sum"}}
	rec.Meta.Append(catalog.AssetRecord{Kind: catalog.AssetAttachment, SourceURL: "https://cdn.example/a.pdf", Status: catalog.AssetFailed}, synced)

	mock.ExpectExec(`INSERT INTO detail_records .* detail_records.assets \|\| EXCLUDED.assets`).
		WithArgs(
			"two-sum", "1", "", "", "",
			pgxmock.AnyArg(), pgxmock.AnyArg(), 0, 0,
			[]byte(`{"slug":"two-sum"}`),
			[]byte(`[{"kind":"attachment","slug":"","sourceUrl":"https://cdn.example/a.pdf","status":"failed"}]`),
			rec.Meta.LastSyncedAt,
			pgxmock.AnyArg(),
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.UpsertDetail(context.Background(), rec))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertSyncError(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	offset := 40
	now := time.Unix(1700000000, 0).UTC()
	row := catalog.SyncError{
		ErrorContext: catalog.ErrorContext{Type: "list", Offset: &offset, URL: "https://api.example/list", Query: "arrays"},
		Status:       http.StatusTooManyRequests,
		Message:      "rate limited",
		Data:         []byte("slow down"),
		Headers:      http.Header{"Retry-After": {"3"}},
		CreatedAt:    now,
	}
	mock.ExpectExec("INSERT INTO sync_errors").
		WithArgs("list", "", &offset, "https://api.example/list", "arrays", 429, "rate limited",
			"slow down", []byte(`{"Retry-After":["3"]}`), now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.InsertSyncError(context.Background(), row))
	require.NoError(t, mock.ExpectationsWereMet())
}
