// Copyright 2024-2026 Aiku AI

package feed

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
	"github.com/rs/zerolog"

	"github.com/aiku/mattermost-matrix-relay/pkg/metrics"
)

// DefaultRetentionCron runs the outbox cleanup daily at 03:00 UTC.
const DefaultRetentionCron = "0 3 * * *"

// Pruner deletes published outbox rows older than a cutoff.
type Pruner interface {
	DeletePublishedBefore(ctx context.Context, before time.Time) (int64, error)
}

// Retention periodically removes published changes from the outbox.
type Retention struct {
	pruner Pruner
	cron   string
	maxAge time.Duration
	now    func() time.Time
	log    zerolog.Logger
}

// NewRetention validates the cron expression and returns a scheduler.
func NewRetention(pruner Pruner, cronExpr string, maxAge time.Duration, log zerolog.Logger) (*Retention, error) {
	if cronExpr == "" {
		cronExpr = DefaultRetentionCron
	}
	if !gronx.IsValid(cronExpr) {
		return nil, fmt.Errorf("invalid retention cron expression: %s", cronExpr)
	}
	if maxAge <= 0 {
		return nil, fmt.Errorf("retention max age must be positive, got %s", maxAge)
	}
	return &Retention{
		pruner: pruner,
		cron:   cronExpr,
		maxAge: maxAge,
		now:    time.Now,
		log:    log.With().Str("component", "outbox_retention").Logger(),
	}, nil
}

// NextRun returns the first scheduled run strictly after ts.
func (r *Retention) NextRun(ts time.Time) (time.Time, error) {
	return gronx.NextTickAfter(r.cron, ts.UTC(), false)
}

// RunOnce prunes everything published more than maxAge ago.
func (r *Retention) RunOnce(ctx context.Context) (int64, error) {
	cutoff := r.now().Add(-r.maxAge)
	n, err := r.pruner.DeletePublishedBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune outbox: %w", err)
	}
	metrics.AddOutboxPruned(n)
	r.log.Info().Int64("pruned", n).Time("cutoff", cutoff).Msg("Pruned published outbox changes")
	return n, nil
}

// Run sleeps until each scheduled tick and prunes, until ctx is canceled.
func (r *Retention) Run(ctx context.Context) error {
	r.log.Info().Str("cron", r.cron).Dur("max_age", r.maxAge).Msg("Starting outbox retention")
	for {
		next, err := r.NextRun(r.now())
		if err != nil {
			r.log.Error().Err(err).Msg("Failed to compute next retention run")
			next = r.now().Add(30 * time.Second)
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			r.log.Info().Msg("Outbox retention stopped")
			return nil
		case <-timer.C:
			if _, err = r.RunOnce(ctx); err != nil {
				r.log.Error().Err(err).Msg("Outbox retention run failed")
			}
		}
	}
}
