// Package syncer drives the resumable list/detail sync: it pages through the
// remote catalog per query, persists list items and detail records, mirrors their
// assets and checkpoints progress after every unit of work.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-sync/internal/catalog"
	"github.com/JakeFAU/catalog-sync/internal/metrics"
	"github.com/JakeFAU/catalog-sync/internal/mirror"
	"github.com/JakeFAU/catalog-sync/internal/policy/jitter"
	"github.com/JakeFAU/catalog-sync/internal/retry"
)

var (
	// ErrListFailed is returned when a list page could not be fetched within the
	// retry budget. The run is aborted.
	ErrListFailed = errors.New("list page failed")
	// ErrListBusiness is returned when the list endpoint reports an error other than
	// the result window limit.
	ErrListBusiness = errors.New("list endpoint reported an error")
)

const defaultLimit = 20

// Delayer pauses between items and between pages.
type Delayer interface {
	Wait(ctx context.Context, phase jitter.Phase) error
}

// Config controls a run.
type Config struct {
	StateID         string
	Queries         []string
	Limit           int
	MaxResultWindow int
	MaxPages        int
	SkipExisting    bool
	OnlyMissing     bool
	ForceResume     bool
	PublishTopic    string
}

// Syncer runs the sync state machine against its collaborators.
type Syncer struct {
	api       catalog.API
	store     catalog.Store
	assets    *mirror.Mirror
	delay     Delayer
	publisher catalog.Publisher
	clock     catalog.Clock
	policy    *retry.Policy
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Syncer. assets, delay and publisher may be nil.
func New(
	api catalog.API,
	store catalog.Store,
	assets *mirror.Mirror,
	delay Delayer,
	publisher catalog.Publisher,
	clock catalog.Clock,
	policy *retry.Policy,
	cfg Config,
	logger *zap.Logger,
) *Syncer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Limit <= 0 {
		cfg.Limit = defaultLimit
	}
	if cfg.StateID == "" {
		cfg.StateID = "default"
	}
	return &Syncer{
		api:       api,
		store:     store,
		assets:    assets,
		delay:     delay,
		publisher: publisher,
		clock:     clock,
		policy:    policy,
		cfg:       cfg,
		logger:    logger.Named("syncer"),
	}
}

// Run executes or resumes the run identified by Config.StateID and returns the
// final state. A completed run with no pending queries returns immediately without
// any remote request unless ForceResume is set.
func (s *Syncer) Run(ctx context.Context) (catalog.SyncState, error) {
	state, err := s.store.LoadState(ctx, s.cfg.StateID)
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		now := s.clock.Now()
		state = catalog.SyncState{ID: s.cfg.StateID, StartedAt: &now}
	case err != nil:
		return state, fmt.Errorf("load sync state: %w", err)
	}
	state.ID = s.cfg.StateID
	state.MultiQuery.Queries = mergeQueries(state.MultiQuery.Queries, s.cfg.Queries)

	pending := state.MultiQuery.Pending()
	if state.Status == catalog.StatusCompleted && !pending && !s.cfg.ForceResume {
		s.logger.Info("sync already completed", zap.String("state_id", state.ID))
		return state, nil
	}
	if !pending || state.MultiQuery.CurrentIndex >= len(state.MultiQuery.Queries) || state.MultiQuery.CurrentIndex < 0 {
		state.MultiQuery.CurrentIndex = 0
	}

	r := &run{s: s, state: state}
	r.active = state.MultiQuery.Queries[state.MultiQuery.CurrentIndex]
	r.state.Status = catalog.StatusRunning
	r.state.StopReason = ""
	r.state.CompletedAt = nil
	if err := r.commit(ctx, phaseRunStart); err != nil {
		return r.state, err
	}
	s.logger.Info("sync started",
		zap.String("state_id", state.ID),
		zap.Strings("queries", state.MultiQuery.Queries),
		zap.Int("current_index", state.MultiQuery.CurrentIndex),
	)

	queries := r.state.MultiQuery.Queries
	for i := r.state.MultiQuery.CurrentIndex; i < len(queries); i++ {
		r.state.MultiQuery.CurrentIndex = i
		r.active = queries[i]
		if r.progress().Status == catalog.StatusCompleted && !s.cfg.ForceResume {
			continue
		}
		if err := s.runQuery(ctx, r); err != nil {
			if ctx.Err() == nil {
				r.state.Status = catalog.StatusFailed
				r.state.StopReason = r.progress().StopReason
				r.fail(err.Error())
				if cerr := r.commit(ctx, phaseRunEnd); cerr != nil {
					s.logger.Error("final checkpoint failed", zap.Error(cerr))
				}
			}
			return r.state, err
		}
	}

	now := s.clock.Now()
	r.state.Status = catalog.StatusCompleted
	r.state.CompletedAt = &now
	if err := r.commit(ctx, phaseRunEnd); err != nil {
		return r.state, err
	}
	s.logger.Info("sync completed",
		zap.String("state_id", r.state.ID),
		zap.Int("list_requests", r.state.ListRequests),
		zap.Int("detail_requests", r.state.DetailRequests),
		zap.Int("details_saved", r.state.DetailItemsSaved),
		zap.Int("details_skipped", r.state.DetailItemsSkipped),
		zap.Int("failed_requests", r.state.FailedRequests),
	)
	return r.state, nil
}

func (s *Syncer) runQuery(ctx context.Context, r *run) error {
	prog := r.progress()
	if prog.StartedAt == nil {
		now := s.clock.Now()
		prog.StartedAt = &now
	}
	prog.Status = catalog.StatusRunning
	prog.StopReason = ""
	prog.CompletedAt = nil
	metrics.SetQueryStatus(r.active, metrics.QueryRunning)
	if err := r.commit(ctx, phaseQueryStart); err != nil {
		return err
	}
	logger := s.logger.With(zap.String("query", r.active))
	logger.Info("query started", zap.Int("offset", prog.LastOffset))

	limit := s.cfg.Limit
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("query %q canceled: %w", r.active, err)
		}
		offset := prog.LastOffset
		if s.cfg.MaxResultWindow > 0 && offset+limit > s.cfg.MaxResultWindow {
			return s.completeQuery(ctx, r, catalog.StopMaxResultWindow)
		}
		if s.cfg.MaxPages > 0 && offset/limit >= s.cfg.MaxPages {
			return s.completeQuery(ctx, r, catalog.StopMaxPages)
		}

		page, err := s.fetchList(ctx, r, offset)
		if err != nil {
			return s.failList(ctx, r, catalog.StopListRequest,
				fmt.Errorf("%w: query %q offset %d: %w", ErrListFailed, r.active, offset, err))
		}
		if page.Meta.Error != "" {
			if isWindowLimit(page.Meta) {
				logger.Info("result window reached", zap.Int("offset", offset), zap.String("error", page.Meta.Error))
				return s.completeQuery(ctx, r, catalog.StopMaxResultWindow)
			}
			s.recordListError(ctx, r, offset, page.Meta)
			return s.failList(ctx, r, catalog.StopListError,
				fmt.Errorf("%w: query %q offset %d: %s", ErrListBusiness, r.active, offset, page.Meta.Error))
		}
		if page.Meta.TotalCount > 0 {
			r.state.TotalCount = page.Meta.TotalCount
			r.state.TotalPages = page.Meta.TotalPages
		}
		if len(page.Objects) == 0 {
			return s.completeQuery(ctx, r, catalog.StopNoMoreItems)
		}

		if err := s.processPage(ctx, r, offset, page); err != nil {
			return err
		}

		prog.LastOffset = offset + limit
		prog.LastSlugProcessed = ""
		if err := r.commit(ctx, phasePageDone); err != nil {
			return err
		}
		if err := s.wait(ctx, jitter.PhasePage); err != nil {
			return err
		}
	}
}

func (s *Syncer) fetchList(ctx context.Context, r *run, offset int) (catalog.ListPage, error) {
	ec := catalog.ErrorContext{Type: "list", Offset: &offset, Query: r.active}
	query := catalog.ListQuery{Query: r.active, Offset: offset, Limit: s.cfg.Limit}
	return retry.Do(ctx, s.policy, ec, func(ctx context.Context) (catalog.ListPage, error) {
		r.count(func(c *catalog.Counters) { c.ListRequests++ })
		return s.api.FetchList(ctx, query)
	})
}

func (s *Syncer) completeQuery(ctx context.Context, r *run, reason string) error {
	prog := r.progress()
	now := s.clock.Now()
	prog.Status = catalog.StatusCompleted
	prog.StopReason = reason
	prog.CompletedAt = &now
	r.state.StopReason = reason
	metrics.SetQueryStatus(r.active, metrics.QueryCompleted)
	s.logger.Info("query completed",
		zap.String("query", r.active),
		zap.String("stop_reason", reason),
		zap.Int("offset", prog.LastOffset),
	)
	return r.commit(ctx, phaseQueryEnd)
}

// failList marks the active query failed. Cancellation is passed through without
// touching the persisted state.
func (s *Syncer) failList(ctx context.Context, r *run, reason string, err error) error {
	if ctx.Err() != nil {
		return err
	}
	prog := r.progress()
	prog.Status = catalog.StatusFailed
	prog.StopReason = reason
	r.count(func(c *catalog.Counters) { c.FailedRequests++ })
	r.fail(err.Error())
	metrics.SetQueryStatus(r.active, metrics.QueryFailed)
	s.logger.Error("query failed", zap.String("query", r.active), zap.String("stop_reason", reason), zap.Error(err))
	if cerr := r.commit(ctx, phaseQueryEnd); cerr != nil {
		return errors.Join(err, cerr)
	}
	return err
}

func (s *Syncer) recordListError(ctx context.Context, r *run, offset int, meta catalog.ListMeta) {
	data, _ := json.Marshal(meta)
	row := catalog.SyncError{
		ErrorContext: catalog.ErrorContext{Type: "list", Offset: &offset, Query: r.active},
		Message:      meta.Error,
		Data:         data,
		CreatedAt:    s.clock.Now(),
	}
	if err := s.store.InsertSyncError(ctx, row); err != nil {
		s.logger.Error("record list error failed", zap.Error(err))
	}
}

func (s *Syncer) processPage(ctx context.Context, r *run, offset int, page catalog.ListPage) error {
	prog := r.progress()
	now := s.clock.Now()
	pageNumber := offset/s.cfg.Limit + 1
	if page.Meta.PageNumber > 0 {
		pageNumber = page.Meta.PageNumber
	}

	items := make([]catalog.ListItem, 0, len(page.Objects))
	for _, raw := range page.Objects {
		item, ok := catalog.NewListItem(raw, offset, pageNumber, now)
		if !ok {
			s.logger.Warn("list item without slug", zap.String("query", r.active), zap.Int("offset", offset))
			metrics.ObserveItems("list", "invalid", 1)
			continue
		}
		items = append(items, item)
	}
	if len(items) == 0 {
		return nil
	}

	res, err := s.store.UpsertListItems(ctx, items)
	if err != nil {
		return fmt.Errorf("save list items at offset %d: %w", offset, err)
	}
	for slug, ferr := range res.Failed {
		s.logger.Warn("list item upsert failed", zap.String("slug", slug), zap.Error(ferr))
	}
	r.count(func(c *catalog.Counters) { c.ListItemsSaved += res.Upserted })
	metrics.ObserveItems("list", "saved", res.Upserted)
	metrics.ObserveItems("list", "failed", len(res.Failed))
	if err := r.commit(ctx, phaseListSaved); err != nil {
		return err
	}

	slugs := make([]string, len(items))
	for i, item := range items {
		slugs[i] = item.Slug
	}
	existing, err := s.store.ExistingDetailSlugs(ctx, slugs)
	if err != nil {
		return fmt.Errorf("look up existing details: %w", err)
	}

	resumeAfter := prog.LastSlugProcessed
	passing := resumeAfter != "" && containsSlug(slugs, resumeAfter)
	for _, item := range items {
		if passing {
			if item.Slug == resumeAfter {
				passing = false
			}
			continue
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("page at offset %d canceled: %w", offset, err)
		}
		saved, err := s.processItem(ctx, r, item, existing)
		if err != nil {
			return err
		}
		prog.LastSlugProcessed = item.Slug
		if err := r.commit(ctx, phaseItemDone); err != nil {
			return err
		}
		if saved {
			if err := s.wait(ctx, jitter.PhaseDetail); err != nil {
				return err
			}
		}
	}
	return nil
}

// processItem fetches, mirrors and saves one detail record. It reports whether a
// record was saved. Only store and cancellation errors are returned; a failed
// detail fetch is recorded and absorbed.
func (s *Syncer) processItem(ctx context.Context, r *run, item catalog.ListItem, existing map[string]struct{}) (bool, error) {
	logger := s.logger.With(zap.String("query", r.active), zap.String("slug", item.Slug))
	if _, ok := existing[item.Slug]; ok && (s.cfg.SkipExisting || s.cfg.OnlyMissing) {
		r.count(func(c *catalog.Counters) { c.DetailItemsSkipped++ })
		metrics.ObserveItems("detail", "skipped", 1)
		logger.Debug("detail exists, skipping")
		return false, nil
	}

	ec := catalog.ErrorContext{Type: "detail", Slug: item.Slug, Query: r.active}
	raw, err := retry.Do(ctx, s.policy, ec, func(ctx context.Context) (map[string]any, error) {
		r.count(func(c *catalog.Counters) { c.DetailRequests++ })
		return s.api.FetchDetail(ctx, item.Slug)
	})
	if err != nil {
		if ctx.Err() != nil {
			return false, fmt.Errorf("detail %s canceled: %w", item.Slug, err)
		}
		r.count(func(c *catalog.Counters) { c.FailedRequests++ })
		r.fail(err.Error())
		metrics.ObserveItems("detail", "failed", 1)
		logger.Warn("detail fetch failed", zap.Error(err))
		return false, nil
	}

	rec := catalog.NewDetailRecord(item, raw, s.clock.Now())
	if err := s.mirrorAssets(ctx, r, &rec, logger); err != nil {
		return false, err
	}
	if err := s.store.UpsertDetail(ctx, rec); err != nil {
		return false, fmt.Errorf("save detail %s: %w", item.Slug, err)
	}
	r.count(func(c *catalog.Counters) { c.DetailItemsSaved++ })
	metrics.ObserveItems("detail", "saved", 1)
	logger.Debug("detail saved", zap.Int("assets", len(rec.Meta.Assets)))
	s.publish(ctx, rec, logger)
	return true, nil
}

// mirrorAssets rewrites rec in place. Asset failures are summarized into one
// SyncError; the record is saved regardless.
func (s *Syncer) mirrorAssets(ctx context.Context, r *run, rec *catalog.DetailRecord, logger *zap.Logger) error {
	if s.assets == nil || !s.assets.Enabled() {
		return nil
	}
	prior, err := s.store.DetailAssets(ctx, rec.Slug)
	if err != nil && !errors.Is(err, catalog.ErrNotFound) {
		logger.Warn("load prior asset log failed", zap.Error(err))
		prior = nil
	}
	session := s.assets.NewSession(rec.Slug, &rec.Meta, prior)
	kind, err := session.Process(ctx, rec.Raw)
	if err != nil {
		return fmt.Errorf("mirror assets of %s: %w", rec.Slug, err)
	}

	failures := session.Failures()
	if len(failures) == 0 {
		return nil
	}
	urls := make([]string, len(failures))
	for i, f := range failures {
		urls[i] = f.SourceURL
	}
	msg := fmt.Sprintf("%d asset(s) failed to mirror: %s", len(failures), strings.Join(urls, ", "))
	r.count(func(c *catalog.Counters) { c.FailedRequests++ })
	r.fail(msg)
	logger.Warn("asset mirroring incomplete", zap.Stringer("problem_type", kind), zap.Int("failed", len(failures)))
	row := catalog.SyncError{
		ErrorContext: catalog.ErrorContext{Type: "asset_sync", Slug: rec.Slug, Query: r.active},
		Message:      msg,
		CreatedAt:    s.clock.Now(),
	}
	if err := s.store.InsertSyncError(ctx, row); err != nil {
		logger.Error("record asset error failed", zap.Error(err))
	}
	return nil
}

func (s *Syncer) publish(ctx context.Context, rec catalog.DetailRecord, logger *zap.Logger) {
	if s.publisher == nil || s.cfg.PublishTopic == "" {
		return
	}
	payload := map[string]any{
		"slug":      rec.Slug,
		"problemId": rec.ProblemID,
		"assets":    rec.Meta.Assets,
		"fetchedAt": rec.FetchedAt,
	}
	id, err := s.publisher.Publish(ctx, s.cfg.PublishTopic, payload)
	if err != nil {
		logger.Warn("publish detail notification failed", zap.Error(err))
		return
	}
	logger.Debug("detail notification published", zap.String("message_id", id))
}

func (s *Syncer) wait(ctx context.Context, p jitter.Phase) error {
	if s.delay == nil {
		return nil
	}
	if err := s.delay.Wait(ctx, p); err != nil {
		return fmt.Errorf("%s delay: %w", p, err)
	}
	return nil
}

func isWindowLimit(meta catalog.ListMeta) bool {
	text := strings.ToLower(meta.Error + " " + meta.ErrorType)
	return strings.Contains(text, "max_result_window") || strings.Contains(text, "result window is too large")
}

// mergeQueries appends configured queries missing from the persisted list. An
// empty result becomes a single unfiltered query.
func mergeQueries(persisted, configured []string) []string {
	out := append([]string(nil), persisted...)
	seen := make(map[string]struct{}, len(out))
	for _, q := range out {
		seen[q] = struct{}{}
	}
	for _, q := range configured {
		if _, ok := seen[q]; ok {
			continue
		}
		seen[q] = struct{}{}
		out = append(out, q)
	}
	if len(out) == 0 {
		out = []string{""}
	}
	return out
}

func containsSlug(slugs []string, slug string) bool {
	for _, s := range slugs {
		if s == slug {
			return true
		}
	}
	return false
}
