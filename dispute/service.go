package dispute

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"escrowflow/audit"
	"escrowflow/deal"
	"escrowflow/policy"
	"escrowflow/timer"
)

var (
	ErrNotFound        = errors.New("dispute: not found")
	ErrBadStatus       = errors.New("dispute: invalid status transition")
	ErrReasonRequired  = errors.New("dispute: unknown reason code")
	ErrDetailsRequired = errors.New("dispute: details required for reason OTHER")
	ErrEvidenceMissing = errors.New("dispute: evidence required by policy")
)

// EvidenceValidator is the seam to the external evidence collaborator.
type EvidenceValidator interface {
	ValidateForIssue(ctx context.Context, dealID string, reason ReasonCode, requiredByPolicy bool) (bool, error)
}

// Service raises and resolves dispute cases. Raising transitions the deal to
// ISSUE and arms the dispute TTL; resolution records the qualitative outcome
// only, leaving the monetary consequence to the rules evaluator.
type Service struct {
	pool     *pgxpool.Pool
	policies *policy.Store
	audits   *audit.Store
	timers   *timer.Registry
	evidence EvidenceValidator
	log      *zap.Logger
	now      func() time.Time
}

func NewService(pool *pgxpool.Pool, policies *policy.Store, audits *audit.Store, timers *timer.Registry, evidence EvidenceValidator, log *zap.Logger) *Service {
	if policies == nil {
		policies = policy.NewStore()
	}
	if audits == nil {
		audits = audit.NewStore()
	}
	if timers == nil {
		timers = timer.NewRegistry()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		pool:     pool,
		policies: policies,
		audits:   audits,
		timers:   timers,
		evidence: evidence,
		log:      log,
		now:      time.Now,
	}
}

// RaiseParams carries a buyer's issue report.
type RaiseParams struct {
	DealID     string
	ActorID    string
	ReasonCode ReasonCode
	Details    string
}

// Raise opens a dispute case for a deal under inspection. All validation
// runs before any state is touched: an invalid reason, missing details, or
// missing evidence leaves the deal unchanged in INSPECTION.
func (s *Service) Raise(ctx context.Context, params RaiseParams) (Case, error) {
	if !ValidReason(params.ReasonCode) {
		return Case{}, ErrReasonRequired
	}
	if params.ReasonCode == ReasonOther && strings.TrimSpace(params.Details) == "" {
		return Case{}, ErrDetailsRequired
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Case{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := deal.GetForUpdate(ctx, tx, params.DealID)
	if err != nil {
		return Case{}, err
	}
	if rec.State != deal.StateInspection {
		return Case{}, fmt.Errorf("%w: %s -> %s", deal.ErrInvalidTransition, rec.State, deal.StateIssue)
	}

	doc := s.policyFor(ctx, tx, rec.ID)
	ok, err := s.evidence.ValidateForIssue(ctx, rec.ID, params.ReasonCode, doc.Issue.EvidenceRequired)
	if err != nil {
		return Case{}, fmt.Errorf("dispute: validate evidence: %w", err)
	}
	if !ok {
		return Case{}, ErrEvidenceMissing
	}

	expiresAt := s.now().UTC().Add(doc.DisputeTTLDuration())

	const insertSQL = `
INSERT INTO disputes (deal_id, reason_code, details, status, expires_at)
VALUES ($1, $2, $3, 'open', $4)
RETURNING id, deal_id, reason_code, details, status, opened_at, expires_at, resolved_at, resolver_id, outcome
`
	c, err := scanCase(tx.QueryRow(ctx, insertSQL, rec.ID, params.ReasonCode, params.Details, expiresAt))
	if err != nil {
		return Case{}, fmt.Errorf("dispute: insert case: %w", err)
	}

	if err := deal.ApplyTransition(ctx, tx, s.audits, &rec, deal.StateIssue, params.ActorID); err != nil {
		return Case{}, err
	}
	if _, err := tx.Exec(ctx, `UPDATE deals SET dispute_open = TRUE WHERE id = $1`, rec.ID); err != nil {
		return Case{}, fmt.Errorf("dispute: flag deal: %w", err)
	}

	if _, err := s.timers.Create(ctx, tx, rec.ID, timer.TypeDisputeTTL, doc.DisputeTTLDuration()); err != nil {
		return Case{}, err
	}

	if err := s.audits.Append(ctx, tx, rec.ID, audit.EventDisputeOpened, params.ActorID, map[string]any{
		"dispute_id":  c.ID,
		"reason_code": string(c.ReasonCode),
		"expires_at":  c.ExpiresAt.UTC(),
	}); err != nil {
		return Case{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Case{}, fmt.Errorf("dispute: commit raise: %w", err)
	}
	return c, nil
}

// Resolve marks a case resolved with the admin's qualitative outcome. The
// monetary consequence is derived by the rules evaluator on the next
// engine run; the admin never specifies amounts.
func (s *Service) Resolve(ctx context.Context, disputeID, outcome, resolverID string) (Case, error) {
	if strings.TrimSpace(outcome) == "" {
		return Case{}, fmt.Errorf("dispute: outcome required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Case{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var dealID string
	if err := tx.QueryRow(ctx, `SELECT deal_id FROM disputes WHERE id = $1`, disputeID).Scan(&dealID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Case{}, ErrNotFound
		}
		return Case{}, fmt.Errorf("dispute: fetch case: %w", err)
	}
	// Lock the deal first to keep the lock order identical to every other
	// mutation path.
	if _, err := deal.GetForUpdate(ctx, tx, dealID); err != nil {
		return Case{}, err
	}

	c, err := s.resolveLocked(ctx, tx, disputeID, outcome, resolverID)
	if err != nil {
		return Case{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Case{}, fmt.Errorf("dispute: commit resolve: %w", err)
	}
	return c, nil
}

// ResolveInTx resolves a case inside the caller's transaction. The engine
// uses it on the TTL path so settlement and resolution commit together.
func (s *Service) ResolveInTx(ctx context.Context, tx pgx.Tx, disputeID, outcome, resolverID string) (Case, error) {
	return s.resolveLocked(ctx, tx, disputeID, outcome, resolverID)
}

func (s *Service) resolveLocked(ctx context.Context, tx pgx.Tx, disputeID, outcome, resolverID string) (Case, error) {
	const updateSQL = `
UPDATE disputes
SET status = 'resolved',
    resolved_at = now(),
    resolver_id = $2,
    outcome = $3
WHERE id = $1 AND status = 'open'
RETURNING id, deal_id, reason_code, details, status, opened_at, expires_at, resolved_at, resolver_id, outcome
`
	c, err := scanCase(tx.QueryRow(ctx, updateSQL, disputeID, resolverID, outcome))
	if err == nil {
		if _, err := tx.Exec(ctx, `UPDATE deals SET dispute_open = FALSE WHERE id = $1`, c.DealID); err != nil {
			return Case{}, fmt.Errorf("dispute: clear flag: %w", err)
		}
		if err := s.audits.Append(ctx, tx, c.DealID, audit.EventDisputeResolved, resolverID, map[string]any{
			"dispute_id": c.ID,
			"outcome":    outcome,
		}); err != nil {
			return Case{}, err
		}
		return c, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Case{}, fmt.Errorf("dispute: resolve: %w", err)
	}

	// No open row matched: distinguish missing from already resolved.
	var status Status
	if err := tx.QueryRow(ctx, `SELECT status FROM disputes WHERE id = $1`, disputeID).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Case{}, ErrNotFound
		}
		return Case{}, fmt.Errorf("dispute: resolve fetch: %w", err)
	}
	return Case{}, ErrBadStatus
}

// LatestForDeal returns the most recent case for a deal, nil when none.
func (s *Service) LatestForDeal(ctx context.Context, q RowQuerier, dealID string) (*Case, error) {
	return LatestForDeal(ctx, q, dealID)
}

// RowQuerier is satisfied by both pgxpool.Pool and pgx.Tx.
type RowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// LatestForDeal returns the most recent dispute case for a deal, nil when
// the deal has never had one.
func LatestForDeal(ctx context.Context, q RowQuerier, dealID string) (*Case, error) {
	const query = `
SELECT id, deal_id, reason_code, details, status, opened_at, expires_at, resolved_at, resolver_id, outcome
FROM disputes
WHERE deal_id = $1
ORDER BY opened_at DESC
LIMIT 1
`
	c, err := scanCase(q.QueryRow(ctx, query, dealID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("dispute: latest for deal: %w", err)
	}
	return &c, nil
}

func (s *Service) policyFor(ctx context.Context, q policy.Querier, dealID string) policy.Document {
	inst, err := s.policies.GetInstanceForDeal(ctx, q, dealID)
	if err != nil {
		s.log.Warn("policy snapshot missing, using defaults", zap.String("deal_id", dealID), zap.Error(err))
		return policy.Default()
	}
	doc, warnings := policy.Parse(inst.Raw)
	for _, w := range warnings {
		s.log.Warn("policy fallback", zap.String("deal_id", dealID), zap.String("detail", w))
	}
	return doc
}

func scanCase(row pgx.Row) (Case, error) {
	var c Case
	err := row.Scan(
		&c.ID, &c.DealID, &c.ReasonCode, &c.Details, &c.Status,
		&c.OpenedAt, &c.ExpiresAt, &c.ResolvedAt, &c.ResolverID, &c.Outcome,
	)
	if err != nil {
		return Case{}, err
	}
	return c, nil
}
