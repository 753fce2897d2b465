// Package memory provides in-memory implementations of the catalog store and the
// object store for development, dry runs and tests.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/JakeFAU/catalog-sync/internal/catalog"
)

// CatalogStore implements catalog.Store in memory with the same semantics as the
// Postgres store: list/detail upserts keyed by slug, append-only asset logs and an
// append-only error trail.
type CatalogStore struct {
	mu         sync.RWMutex
	states     map[string]catalog.SyncState
	listItems  map[string]catalog.ListItem
	details    map[string]catalog.DetailRecord
	syncErrors []catalog.SyncError
	failSlugs  map[string]error
}

// NewCatalogStore constructs an empty CatalogStore.
func NewCatalogStore() *CatalogStore {
	return &CatalogStore{
		states:    make(map[string]catalog.SyncState),
		listItems: make(map[string]catalog.ListItem),
		details:   make(map[string]catalog.DetailRecord),
		failSlugs: make(map[string]error),
	}
}

// LoadState returns a copy of the state document, or catalog.ErrNotFound.
func (s *CatalogStore) LoadState(_ context.Context, id string) (catalog.SyncState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.states[id]
	if !ok {
		return catalog.SyncState{}, catalog.ErrNotFound
	}
	return cloneState(state)
}

// SaveState upserts the state document.
func (s *CatalogStore) SaveState(_ context.Context, state catalog.SyncState) error {
	cp, err := cloneState(state)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[state.ID] = cp
	return nil
}

// UpsertListItems writes every item independently; failures are collected per slug.
func (s *CatalogStore) UpsertListItems(_ context.Context, items []catalog.ListItem) (catalog.BulkResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := catalog.BulkResult{Failed: map[string]error{}}
	for _, item := range items {
		if err, ok := s.failSlugs[item.Slug]; ok {
			res.Failed[item.Slug] = err
			continue
		}
		s.listItems[item.Slug] = item
		res.Upserted++
	}
	return res, nil
}

// ExistingDetailSlugs returns the subset of slugs that have a detail record.
func (s *CatalogStore) ExistingDetailSlugs(_ context.Context, slugs []string) (map[string]struct{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]struct{}, len(slugs))
	for _, slug := range slugs {
		if _, ok := s.details[slug]; ok {
			out[slug] = struct{}{}
		}
	}
	return out, nil
}

// DetailAssets returns the persisted asset log of slug.
func (s *CatalogStore) DetailAssets(_ context.Context, slug string) ([]catalog.AssetRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.details[slug]
	if !ok {
		return nil, nil
	}
	out := make([]catalog.AssetRecord, len(rec.Meta.Assets))
	copy(out, rec.Meta.Assets)
	return out, nil
}

// UpsertDetail replaces the detail content and appends record.Meta.Assets to the
// persisted asset log.
func (s *CatalogStore) UpsertDetail(_ context.Context, record catalog.DetailRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.details[record.Slug]
	merged := record
	if ok {
		merged.Meta.Assets = append(append([]catalog.AssetRecord(nil), prev.Meta.Assets...), record.Meta.Assets...)
		if merged.Meta.LastSyncedAt == nil {
			merged.Meta.LastSyncedAt = prev.Meta.LastSyncedAt
		}
	} else {
		merged.Meta.Assets = append([]catalog.AssetRecord(nil), record.Meta.Assets...)
	}
	s.details[record.Slug] = merged
	return nil
}

// InsertSyncError appends to the error trail.
func (s *CatalogStore) InsertSyncError(_ context.Context, syncErr catalog.SyncError) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncErrors = append(s.syncErrors, syncErr)
	return nil
}

// FailListItem makes subsequent upserts of slug fail with err.
func (s *CatalogStore) FailListItem(slug string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failSlugs[slug] = err
}

// PutDetail seeds a detail record without touching the asset log semantics.
func (s *CatalogStore) PutDetail(record catalog.DetailRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.details[record.Slug] = record
}

// ListItem returns the stored list item for slug.
func (s *CatalogStore) ListItem(slug string) (catalog.ListItem, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.listItems[slug]
	return item, ok
}

// Detail returns the stored detail record for slug.
func (s *CatalogStore) Detail(slug string) (catalog.DetailRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.details[slug]
	return rec, ok
}

// ListItemCount returns the number of distinct list items stored.
func (s *CatalogStore) ListItemCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.listItems)
}

// SyncErrors returns a copy of the error trail.
func (s *CatalogStore) SyncErrors() []catalog.SyncError {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]catalog.SyncError, len(s.syncErrors))
	copy(out, s.syncErrors)
	return out
}

func cloneState(state catalog.SyncState) (catalog.SyncState, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return catalog.SyncState{}, fmt.Errorf("encode state: %w", err)
	}
	var out catalog.SyncState
	if err := json.Unmarshal(data, &out); err != nil {
		return catalog.SyncState{}, fmt.Errorf("decode state: %w", err)
	}
	return out, nil
}
