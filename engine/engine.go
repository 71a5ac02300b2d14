// Package engine hosts the evaluation orchestrator, the single component
// allowed to progress a deal from timer or dispute input. It locks the deal,
// builds the evaluation context, runs the rules evaluator to quiescence, and
// applies transitions, ledger actions, and audit events as one transaction.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"escrowflow/audit"
	"escrowflow/deal"
	"escrowflow/ledger"
	"escrowflow/metrics"
	"escrowflow/policy"
	"escrowflow/rules"
	"escrowflow/timer"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store defines the data access the orchestrator needs. All methods run
// inside the orchestrator's transaction, after the deal row lock is held.
type Store interface {
	DealForUpdate(ctx context.Context, tx pgx.Tx, dealID string) (deal.Deal, error)
	PolicyForDeal(ctx context.Context, tx pgx.Tx, dealID string) (policy.Document, error)
	ActiveTimer(ctx context.Context, tx pgx.Tx, dealID, timerType string) (*timer.Timer, error)
	LatestDispute(ctx context.Context, tx pgx.Tx, dealID string) (*rules.Dispute, error)
	HoldbackOutstanding(ctx context.Context, tx pgx.Tx, rec deal.Deal) (bool, error)

	ApplyTransition(ctx context.Context, tx pgx.Tx, rec *deal.Deal, next deal.State, actor string) error
	ExecuteAction(ctx context.Context, tx pgx.Tx, dealID string, action ledger.Action, actor string) (ledger.Entry, bool, error)
	AppendAudit(ctx context.Context, tx pgx.Tx, dealID, eventType, actor string, payload map[string]any) error
	ResolveDispute(ctx context.Context, tx pgx.Tx, disputeID, outcome, resolverID string) error
	MarkTimerFired(ctx context.Context, tx pgx.Tx, timerID string) error
}

// Transition records one applied state change.
type Transition struct {
	From deal.State
	To   deal.State
}

// ExecutedEntry pairs a ledger entry with whether this evaluation created it
// or replayed an existing one.
type ExecutedEntry struct {
	Entry   ledger.Entry
	Created bool
}

// Result reports everything one orchestrated evaluation did.
type Result struct {
	DealID      string
	FinalState  deal.State
	Transitions []Transition
	Entries     []ExecutedEntry
	Audits      []string
}

// Acted reports whether the evaluation changed anything.
func (r Result) Acted() bool {
	return len(r.Transitions) > 0 || len(r.Entries) > 0
}

type Service struct {
	pool  TxBeginner
	store Store
	log   *zap.Logger
	now   func() time.Time
}

func NewService(pool TxBeginner, store Store, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		pool:  pool,
		store: store,
		log:   log,
		now:   time.Now,
	}
}

// EvaluateAndExecute runs the rules evaluator for one deal and applies its
// decisions atomically. The deal row lock is taken before any context is
// read and held until commit, so the read-decide-write window is serialized
// per deal. Evaluating an unready deal is a harmless no-op.
func (s *Service) EvaluateAndExecute(ctx context.Context, dealID, actor string) (Result, error) {
	started := s.now()
	metrics.EvaluationsTotal.Inc()
	defer func() {
		metrics.EvaluationDuration.Observe(time.Since(started).Seconds())
	}()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("engine: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.store.DealForUpdate(ctx, tx, dealID)
	if err != nil {
		return Result{}, err
	}

	evalCtx, err := s.buildContext(ctx, tx, rec)
	if err != nil {
		return Result{}, err
	}

	result := Result{DealID: rec.ID, FinalState: rec.State}
	initial := evalCtx

	// The evaluator is pure, so chained decisions (e.g. auto-approve then
	// settle) run to quiescence inside the same locked transaction. The
	// context snapshot except for the state is fixed at lock time; ledger
	// idempotency collapses any action both iterations produce.
	for {
		decision := rules.Evaluate(evalCtx)
		if !decision.HasTransition() && len(decision.Actions) == 0 {
			break
		}

		if decision.HasTransition() {
			from := rec.State
			if err := s.store.ApplyTransition(ctx, tx, &rec, decision.NextState, actor); err != nil {
				return Result{}, err
			}
			result.Transitions = append(result.Transitions, Transition{From: from, To: rec.State})
		}

		for _, action := range decision.Actions {
			entry, created, err := s.store.ExecuteAction(ctx, tx, rec.ID, action, actor)
			if err != nil {
				return Result{}, err
			}
			result.Entries = append(result.Entries, ExecutedEntry{Entry: entry, Created: created})
		}

		for _, description := range decision.Audits {
			if err := s.store.AppendAudit(ctx, tx, rec.ID, audit.EventRulesEvaluation, actor, map[string]any{
				"rule_version": rules.Version,
				"description":  description,
			}); err != nil {
				return Result{}, err
			}
			result.Audits = append(result.Audits, description)
		}

		if !decision.HasTransition() {
			break
		}
		evalCtx.State = rec.State
	}
	result.FinalState = rec.State

	if err := s.consumeTriggers(ctx, tx, rec, initial, result, actor); err != nil {
		return Result{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Result{}, fmt.Errorf("engine: commit evaluation: %w", err)
	}

	if result.Acted() {
		s.log.Info("evaluation applied",
			zap.String("deal_id", rec.ID),
			zap.String("final_state", string(result.FinalState)),
			zap.Int("transitions", len(result.Transitions)),
			zap.Int("ledger_entries", len(result.Entries)),
		)
	}
	return result, nil
}

func (s *Service) buildContext(ctx context.Context, tx pgx.Tx, rec deal.Deal) (rules.Context, error) {
	doc, err := s.store.PolicyForDeal(ctx, tx, rec.ID)
	if err != nil {
		return rules.Context{}, err
	}

	now := s.now().UTC()

	autoApproveElapsed := false
	if t, err := s.store.ActiveTimer(ctx, tx, rec.ID, timer.TypeAutoApprove); err != nil {
		return rules.Context{}, err
	} else if t != nil {
		autoApproveElapsed = t.Elapsed(now)
	}

	disputeTTLElapsed := false
	if t, err := s.store.ActiveTimer(ctx, tx, rec.ID, timer.TypeDisputeTTL); err != nil {
		return rules.Context{}, err
	} else if t != nil {
		disputeTTLElapsed = t.Elapsed(now)
	}

	disputeRef, err := s.store.LatestDispute(ctx, tx, rec.ID)
	if err != nil {
		return rules.Context{}, err
	}

	outstanding, err := s.store.HoldbackOutstanding(ctx, tx, rec)
	if err != nil {
		return rules.Context{}, err
	}

	return rules.Context{
		State:               rec.State,
		Policy:              doc,
		Holdback:            rec.Holdback,
		Currency:            rec.Currency,
		AutoApproveElapsed:  autoApproveElapsed,
		DisputeTTLElapsed:   disputeTTLElapsed,
		HoldbackOutstanding: outstanding,
		Dispute:             disputeRef,
	}, nil
}

// consumeTriggers retires the timers and dispute that caused this
// evaluation, inside the same transaction.
func (s *Service) consumeTriggers(ctx context.Context, tx pgx.Tx, rec deal.Deal, initial rules.Context, result Result, actor string) error {
	if !result.Acted() {
		return nil
	}

	if initial.State == deal.StateInspection && initial.AutoApproveElapsed {
		if t, err := s.store.ActiveTimer(ctx, tx, rec.ID, timer.TypeAutoApprove); err != nil {
			return err
		} else if t != nil {
			if err := s.store.MarkTimerFired(ctx, tx, t.ID); err != nil {
				return err
			}
		}
	}

	if initial.State == deal.StateIssue && rec.State == deal.StateSettled {
		if t, err := s.store.ActiveTimer(ctx, tx, rec.ID, timer.TypeDisputeTTL); err != nil {
			return err
		} else if t != nil {
			if err := s.store.MarkTimerFired(ctx, tx, t.ID); err != nil {
				return err
			}
		}
		if initial.Dispute != nil && !initial.Dispute.Resolved {
			outcome := string(initial.Policy.Issue.DefaultResolution)
			if err := s.store.ResolveDispute(ctx, tx, initial.Dispute.ID, outcome, actor); err != nil {
				return err
			}
		}
	}

	return nil
}
