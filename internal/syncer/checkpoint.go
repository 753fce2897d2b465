package syncer

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-sync/internal/catalog"
)

// phase names a commit point of a run.
type phase string

// Commit points, in the order a run passes through them.
const (
	phaseRunStart   phase = "run_start"
	phaseQueryStart phase = "query_start"
	phaseListSaved  phase = "list_saved"
	phaseItemDone   phase = "item_done"
	phasePageDone   phase = "page_done"
	phaseQueryEnd   phase = "query_end"
	phaseRunEnd     phase = "run_end"
)

// run is the mutable state of one Run call. Every mutation of state is followed by
// a commit before the next remote call, so an interrupted process resumes from the
// last committed phase.
type run struct {
	s      *Syncer
	state  catalog.SyncState
	active string
}

// progress returns the progress record of the active query.
func (r *run) progress() *catalog.QueryProgress {
	return r.state.MultiQuery.Progress(r.active)
}

// count applies fn to both the run totals and the active query's counters.
func (r *run) count(fn func(*catalog.Counters)) {
	fn(&r.state.Counters)
	fn(&r.progress().Counters)
}

func (r *run) fail(msg string) {
	r.state.LastError = msg
	r.progress().LastError = msg
}

// commit mirrors the active query's cursor onto the top-level fields and writes
// the state document synchronously.
func (r *run) commit(ctx context.Context, p phase) error {
	prog := r.progress()
	r.state.CurrentQuery = r.active
	r.state.LastOffset = prog.LastOffset
	r.state.LastSlugProcessed = prog.LastSlugProcessed
	r.state.UpdatedAt = r.s.clock.Now()
	if err := r.s.store.SaveState(ctx, r.state); err != nil {
		return fmt.Errorf("checkpoint %s: %w", p, err)
	}
	r.s.logger.Debug("checkpoint",
		zap.String("phase", string(p)),
		zap.String("query", r.active),
		zap.Int("offset", r.state.LastOffset),
		zap.String("slug", r.state.LastSlugProcessed),
	)
	return nil
}
