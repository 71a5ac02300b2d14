// Package jobs runs the reconciliation loops that advance deals without
// human action. Each sweep scans unlocked, then hands every candidate to the
// orchestrator, which re-validates eligibility under the deal lock; a deal
// that already moved on is a no-op, not an error.
package jobs

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"escrowflow/engine"
	"escrowflow/metrics"
	"escrowflow/timer"
)

// Actor tags recorded on audit and ledger rows written by job-driven
// evaluations.
const (
	ActorAutoApprove     = "system:auto-approve-job"
	ActorHoldbackRelease = "system:holdback-release-job"
	ActorDisputeTTL      = "system:dispute-ttl-job"
)

// Orchestrator is the engine surface the jobs drive.
type Orchestrator interface {
	EvaluateAndExecute(ctx context.Context, dealID, actor string) (engine.Result, error)
}

// Store defines the unlocked scans the jobs perform.
type Store interface {
	ElapsedTimers(ctx context.Context, timerType string, now time.Time) ([]timer.Timer, error)
	ApprovedDealIDs(ctx context.Context) ([]string, error)
	MarkTimerFired(ctx context.Context, timerID string) error
}

// Intervals configures how often each job sweeps.
type Intervals struct {
	AutoApprove     time.Duration
	HoldbackRelease time.Duration
	DisputeTTL      time.Duration
}

// Runner supervises the three reconciliation loops.
type Runner struct {
	engine    Orchestrator
	store     Store
	log       *zap.Logger
	intervals Intervals
	now       func() time.Time
}

func NewRunner(orch Orchestrator, store Store, intervals Intervals, log *zap.Logger) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	if intervals.AutoApprove <= 0 {
		intervals.AutoApprove = 5 * time.Second
	}
	if intervals.HoldbackRelease <= 0 {
		intervals.HoldbackRelease = 5 * time.Second
	}
	if intervals.DisputeTTL <= 0 {
		intervals.DisputeTTL = 10 * time.Second
	}
	return &Runner{
		engine:    orch,
		store:     store,
		log:       log,
		intervals: intervals,
		now:       time.Now,
	}
}

// Run blocks until ctx is cancelled, supervising all three loops.
func (r *Runner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.loop(ctx, "auto_approve", r.intervals.AutoApprove, r.SweepAutoApprove) })
	g.Go(func() error { return r.loop(ctx, "holdback_release", r.intervals.HoldbackRelease, r.SweepHoldbackRelease) })
	g.Go(func() error { return r.loop(ctx, "dispute_ttl", r.intervals.DisputeTTL, r.SweepDisputeTTL) })
	return g.Wait()
}

func (r *Runner) loop(ctx context.Context, name string, interval time.Duration, sweep func(context.Context)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			metrics.JobRunsTotal.WithLabelValues(name).Inc()
			sweep(ctx)
		}
	}
}

// SweepAutoApprove advances deals whose inspection window expired.
func (r *Runner) SweepAutoApprove(ctx context.Context) {
	r.sweepTimers(ctx, "auto_approve", timer.TypeAutoApprove, ActorAutoApprove)
}

// SweepDisputeTTL applies the default resolution to disputes whose TTL
// elapsed without an admin acting.
func (r *Runner) SweepDisputeTTL(ctx context.Context) {
	r.sweepTimers(ctx, "dispute_ttl", timer.TypeDisputeTTL, ActorDisputeTTL)
}

func (r *Runner) sweepTimers(ctx context.Context, job, timerType, actor string) {
	timers, err := r.store.ElapsedTimers(ctx, timerType, r.now().UTC())
	if err != nil {
		r.log.Error("timer scan failed", zap.String("job", job), zap.Error(err))
		return
	}

	for _, t := range timers {
		result, err := r.engine.EvaluateAndExecute(ctx, t.DealID, actor)
		if err != nil {
			// One failing deal must not abort the batch.
			metrics.JobItemFailuresTotal.WithLabelValues(job).Inc()
			r.log.Error("evaluation failed, skipping deal",
				zap.String("job", job), zap.String("deal_id", t.DealID), zap.Error(err))
			continue
		}
		if !result.Acted() {
			// The deal moved past eligibility between scan and lock; retire
			// the timer so it stops surfacing.
			if err := r.store.MarkTimerFired(ctx, t.ID); err != nil {
				r.log.Error("mark timer fired failed",
					zap.String("job", job), zap.String("timer_id", t.ID), zap.Error(err))
			}
		}
	}
}

// SweepHoldbackRelease triggers evaluation for APPROVED deals. Whether the
// holdback is still outstanding is the evaluator's decision, not the job's.
func (r *Runner) SweepHoldbackRelease(ctx context.Context) {
	dealIDs, err := r.store.ApprovedDealIDs(ctx)
	if err != nil {
		r.log.Error("approved deal scan failed", zap.String("job", "holdback_release"), zap.Error(err))
		return
	}

	for _, id := range dealIDs {
		if _, err := r.engine.EvaluateAndExecute(ctx, id, ActorHoldbackRelease); err != nil {
			metrics.JobItemFailuresTotal.WithLabelValues("holdback_release").Inc()
			r.log.Error("evaluation failed, skipping deal",
				zap.String("job", "holdback_release"), zap.String("deal_id", id), zap.Error(err))
		}
	}
}
