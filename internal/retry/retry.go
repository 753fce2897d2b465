// Package retry wraps single remote calls with bounded attempts, rate-limit aware
// backoff and a terminal SyncError record on exhaustion.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-sync/internal/catalog"
	"github.com/JakeFAU/catalog-sync/internal/metrics"
)

// Config controls attempt budget and delays.
type Config struct {
	MaxAttempts    int
	RetryDelay     time.Duration
	RateLimitDelay time.Duration
}

// Policy executes operations under Config. A Policy is safe to share between
// components; it keeps no per-call state.
type Policy struct {
	cfg      Config
	recorder catalog.ErrorRecorder
	clock    catalog.Clock
	logger   *zap.Logger
}

// New builds a Policy. MaxAttempts below one is treated as one.
func New(cfg Config, recorder catalog.ErrorRecorder, clock catalog.Clock, logger *zap.Logger) *Policy {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Policy{cfg: cfg, recorder: recorder, clock: clock, logger: logger}
}

// MaxAttempts returns the configured attempt budget.
func (p *Policy) MaxAttempts() int {
	return p.cfg.MaxAttempts
}

// Do runs op until it succeeds or the attempt budget is spent. Rate-limited failures
// always wait RateLimitDelay before moving on; other failures wait RetryDelay only
// while attempts remain. On exhaustion exactly one SyncError is written for ec and
// the last error is returned.
func Do[T any](ctx context.Context, p *Policy, ec catalog.ErrorContext, op func(context.Context) (T, error)) (T, error) {
	var (
		zero    T
		lastErr error
	)
	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return zero, err
		}

		remaining := attempt < p.cfg.MaxAttempts
		p.logger.Warn("request attempt failed",
			zap.String("type", ec.Type),
			zap.String("slug", ec.Slug),
			zap.String("url", ec.URL),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", p.cfg.MaxAttempts),
			zap.Error(err),
		)

		if catalog.IsRateLimited(err) {
			metrics.ObserveRetry("rate_limit")
			if serr := p.clock.Sleep(ctx, p.cfg.RateLimitDelay); serr != nil {
				return zero, err
			}
			continue
		}
		if remaining {
			metrics.ObserveRetry("error")
			if serr := p.clock.Sleep(ctx, p.cfg.RetryDelay); serr != nil {
				return zero, err
			}
		}
	}

	p.record(ctx, ec, lastErr)
	return zero, fmt.Errorf("%s failed after %d attempts: %w", ec.Type, p.cfg.MaxAttempts, lastErr)
}

func (p *Policy) record(ctx context.Context, ec catalog.ErrorContext, err error) {
	if p.recorder == nil {
		return
	}
	row := catalog.NewSyncError(ec, err)
	row.CreatedAt = p.clock.Now()
	if rerr := p.recorder.InsertSyncError(ctx, row); rerr != nil {
		p.logger.Error("record sync error failed",
			zap.String("type", ec.Type),
			zap.String("slug", ec.Slug),
			zap.Error(rerr),
		)
	}
}
