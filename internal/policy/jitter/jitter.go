// Package jitter draws the randomized pauses taken between detail items and between
// list pages.
package jitter

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/JakeFAU/catalog-sync/internal/catalog"
	"github.com/JakeFAU/catalog-sync/internal/metrics"
)

// Mode selects how delays are drawn.
type Mode string

// Supported modes. Immediate collapses every delay to zero.
const (
	ModeRandom    Mode = "random"
	ModeImmediate Mode = "immediate"
)

// Phase names a pause point.
type Phase string

// Pause points.
const (
	PhaseDetail Phase = "detail"
	PhasePage   Phase = "page"
)

// Range bounds one phase's delay.
type Range struct {
	Min time.Duration
	Max time.Duration
}

// Config holds the mode and the per-phase bounds.
type Config struct {
	Mode   Mode
	Detail Range
	Page   Range
}

// ParseMode accepts the configured mode name; empty means random.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeRandom:
		return ModeRandom, nil
	case ModeImmediate:
		return ModeImmediate, nil
	default:
		return "", fmt.Errorf("unknown delay mode %q", s)
	}
}

// Delayer sleeps for a uniformly drawn duration per phase.
type Delayer struct {
	cfg   Config
	clock catalog.Clock
	draw  func(n int64) int64
}

// New builds a Delayer backed by clock.
func New(cfg Config, clock catalog.Clock) *Delayer {
	return &Delayer{cfg: cfg, clock: clock, draw: rand.Int64N}
}

// Next returns the delay that Wait would take for phase.
func (d *Delayer) Next(phase Phase) time.Duration {
	if d.cfg.Mode == ModeImmediate {
		return 0
	}
	r := d.cfg.Detail
	if phase == PhasePage {
		r = d.cfg.Page
	}
	lo, hi := r.Min, r.Max
	if lo < 0 {
		lo = 0
	}
	if hi < lo {
		hi = lo
	}
	if hi == lo {
		return lo
	}
	return lo + time.Duration(d.draw(int64(hi-lo)+1))
}

// Wait sleeps for the next delay of phase.
func (d *Delayer) Wait(ctx context.Context, phase Phase) error {
	delay := d.Next(phase)
	if delay <= 0 {
		return nil
	}
	metrics.ObserveDelay(string(phase), delay)
	if err := d.clock.Sleep(ctx, delay); err != nil {
		return fmt.Errorf("%s delay: %w", phase, err)
	}
	return nil
}
