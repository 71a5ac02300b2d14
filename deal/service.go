package deal

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"escrowflow/audit"
	"escrowflow/ledger"
	"escrowflow/metrics"
	"escrowflow/policy"
	"escrowflow/timer"
)

// Service owns deal creation and the externally triggered lifecycle steps
// (fund, deliver, approve, admin override). Each step runs as one
// transaction holding the deal row lock across the full read-decide-write
// window; timer- and dispute-driven progression goes through the engine.
type Service struct {
	pool     *pgxpool.Pool
	policies *policy.Store
	ledgers  *ledger.Store
	audits   *audit.Store
	timers   *timer.Registry
	log      *zap.Logger
	now      func() time.Time
}

func NewService(pool *pgxpool.Pool, policies *policy.Store, ledgers *ledger.Store, audits *audit.Store, timers *timer.Registry, log *zap.Logger) *Service {
	if policies == nil {
		policies = policy.NewStore()
	}
	if audits == nil {
		audits = audit.NewStore()
	}
	if ledgers == nil {
		ledgers = ledger.NewStore(audits)
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
		ledgers:  ledgers,
		audits:   audits,
		timers:   timers,
		log:      log,
		now:      time.Now,
	}
}

// Create opens a deal in CREATED, snapshotting the category's latest
// template into an immutable contract instance and fixing the monetary
// split for the life of the deal.
func (s *Service) Create(ctx context.Context, actor string, params CreateParams) (Deal, error) {
	if params.BuyerID == "" || params.SellerID == "" {
		return Deal{}, fmt.Errorf("deal: buyer and seller required")
	}
	if params.BuyerID == params.SellerID {
		return Deal{}, fmt.Errorf("deal: buyer and seller must differ")
	}
	if !params.Total.IsPositive() {
		return Deal{}, fmt.Errorf("deal: total must be positive")
	}
	if len(params.Currency) != 3 {
		return Deal{}, fmt.Errorf("deal: invalid currency %q", params.Currency)
	}
	if params.Category == "" {
		return Deal{}, fmt.Errorf("deal: category required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Deal{}, fmt.Errorf("deal: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tpl, err := s.policies.GetLatestTemplate(ctx, tx, params.Category)
	if err != nil {
		return Deal{}, err
	}
	doc := s.parsePolicy(tpl.Raw, params.Category)
	immediate, holdback := doc.SplitAmount(params.Total)

	const insertSQL = `
INSERT INTO deals (buyer_id, seller_id, item_ref, category, total_amount, immediate_amount, holdback_amount, currency, state)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'CREATED')
RETURNING ` + dealColumns
	rec, err := scanDeal(tx.QueryRow(ctx, insertSQL,
		params.BuyerID, params.SellerID, params.ItemRef, params.Category,
		params.Total, immediate, holdback, params.Currency,
	))
	if err != nil {
		return Deal{}, fmt.Errorf("deal: insert: %w", err)
	}

	inst, err := s.policies.CreateInstance(ctx, tx, rec.ID, tpl)
	if err != nil {
		return Deal{}, err
	}
	if _, err := tx.Exec(ctx, `UPDATE deals SET contract_instance_id = $1 WHERE id = $2`, inst.ID, rec.ID); err != nil {
		return Deal{}, fmt.Errorf("deal: link contract instance: %w", err)
	}
	rec.ContractInstanceID = inst.ID

	if err := s.audits.Append(ctx, tx, rec.ID, audit.EventDealCreated, actor, map[string]any{
		"category":         rec.Category,
		"template_version": inst.Version,
		"total":            rec.Total.StringFixed(2),
		"immediate":        rec.Immediate.StringFixed(2),
		"holdback":         rec.Holdback.StringFixed(2),
		"currency":         rec.Currency,
	}); err != nil {
		return Deal{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Deal{}, fmt.Errorf("deal: commit create: %w", err)
	}
	return rec, nil
}

// Fund moves a deal to FUNDED and escrows the full amount.
func (s *Service) Fund(ctx context.Context, dealID, actor string) (Deal, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Deal{}, fmt.Errorf("deal: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := GetForUpdate(ctx, tx, dealID)
	if err != nil {
		return Deal{}, err
	}
	if err := s.applyTransition(ctx, tx, &rec, StateFunded, actor); err != nil {
		return Deal{}, err
	}
	if _, _, err := s.ledgers.ExecuteAction(ctx, tx, rec.ID, ledger.Hold(rec.Total, rec.Currency), actor); err != nil {
		return Deal{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Deal{}, fmt.Errorf("deal: commit fund: %w", err)
	}
	return rec, nil
}

// Deliver records delivery and immediately opens the inspection window:
// FUNDED -> DELIVERED -> INSPECTION in one transaction, releasing the
// immediate amount to the seller and starting the auto-approve timer.
func (s *Service) Deliver(ctx context.Context, dealID, actor string) (Deal, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Deal{}, fmt.Errorf("deal: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := GetForUpdate(ctx, tx, dealID)
	if err != nil {
		return Deal{}, err
	}
	if err := s.applyTransition(ctx, tx, &rec, StateDelivered, actor); err != nil {
		return Deal{}, err
	}
	if err := s.applyTransition(ctx, tx, &rec, StateInspection, actor); err != nil {
		return Deal{}, err
	}

	if rec.Immediate.IsPositive() {
		// Referencing the contract instance keeps this release distinct from
		// the holdback release even when the two amounts are equal.
		action := ledger.ReleaseFor(rec.Immediate, rec.Currency, rec.ContractInstanceID)
		if _, _, err := s.ledgers.ExecuteAction(ctx, tx, rec.ID, action, actor); err != nil {
			return Deal{}, err
		}
	}

	doc, err := s.policyForDeal(ctx, tx, rec.ID)
	if err != nil {
		return Deal{}, err
	}
	if doc.Timers.AutoApprove.Enabled {
		if _, err := s.timers.Create(ctx, tx, rec.ID, timer.TypeAutoApprove, doc.AutoApproveDuration()); err != nil {
			return Deal{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Deal{}, fmt.Errorf("deal: commit deliver: %w", err)
	}
	return rec, nil
}

// Approve records the buyer's inspection approval. The holdback release is
// decided by the rules evaluator; callers invoke the engine afterwards.
func (s *Service) Approve(ctx context.Context, dealID, actor string) (Deal, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Deal{}, fmt.Errorf("deal: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := GetForUpdate(ctx, tx, dealID)
	if err != nil {
		return Deal{}, err
	}
	if err := s.applyTransition(ctx, tx, &rec, StateApproved, actor); err != nil {
		return Deal{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Deal{}, fmt.Errorf("deal: commit approve: %w", err)
	}
	return rec, nil
}

// AdminOverride lets an administrator force a transition that is still
// subject to the transition table. Terminal and unlisted targets are
// rejected, never silently ignored.
func (s *Service) AdminOverride(ctx context.Context, dealID string, next State, actor, reason string) (Deal, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Deal{}, fmt.Errorf("deal: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := GetForUpdate(ctx, tx, dealID)
	if err != nil {
		return Deal{}, err
	}
	from := rec.State
	if err := s.applyTransition(ctx, tx, &rec, next, actor); err != nil {
		return Deal{}, err
	}
	if err := s.audits.Append(ctx, tx, rec.ID, audit.EventAdminOverride, actor, map[string]any{
		"from":   string(from),
		"to":     string(next),
		"reason": reason,
	}); err != nil {
		return Deal{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Deal{}, fmt.Errorf("deal: commit override: %w", err)
	}
	return rec, nil
}

// Get loads a deal by id.
func (s *Service) Get(ctx context.Context, dealID string) (Deal, error) {
	return Get(ctx, s.pool, dealID)
}

func (s *Service) applyTransition(ctx context.Context, tx pgx.Tx, rec *Deal, next State, actor string) error {
	return ApplyTransition(ctx, tx, s.audits, rec, next, actor)
}

// ApplyTransition validates and applies one state change and appends its
// audit event. Callers must hold the deal row lock.
func ApplyTransition(ctx context.Context, tx pgx.Tx, audits *audit.Store, rec *Deal, next State, actor string) error {
	if err := ValidateTransition(rec.State, next); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `UPDATE deals SET state = $1, updated_at = now() WHERE id = $2`, next, rec.ID); err != nil {
		return fmt.Errorf("deal: update state: %w", err)
	}

	if err := audits.Append(ctx, tx, rec.ID, audit.EventStateTransition, actor, map[string]any{
		"from": string(rec.State),
		"to":   string(next),
	}); err != nil {
		return err
	}

	metrics.TransitionsTotal.WithLabelValues(string(rec.State), string(next)).Inc()
	rec.State = next
	return nil
}

// policyForDeal loads and parses a deal's policy snapshot.
func (s *Service) policyForDeal(ctx context.Context, q policy.Querier, dealID string) (policy.Document, error) {
	inst, err := s.policies.GetInstanceForDeal(ctx, q, dealID)
	if err != nil {
		return policy.Document{}, err
	}
	return s.parsePolicy(inst.Raw, inst.Category), nil
}

func (s *Service) parsePolicy(raw []byte, category string) policy.Document {
	doc, warnings := policy.Parse(raw)
	for _, w := range warnings {
		s.log.Warn("policy fallback", zap.String("category", category), zap.String("detail", w))
	}
	return doc
}
