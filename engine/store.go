package engine

import (
	"context"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"escrowflow/audit"
	"escrowflow/deal"
	"escrowflow/dispute"
	"escrowflow/ledger"
	"escrowflow/policy"
	"escrowflow/rules"
	"escrowflow/timer"
)

// PgStore is the production Store backed by the domain packages. All
// operations run on the transaction the orchestrator opened.
type PgStore struct {
	policies *policy.Store
	ledgers  *ledger.Store
	audits   *audit.Store
	timers   *timer.Registry
	disputes *dispute.Service
	log      *zap.Logger
}

func NewPgStore(policies *policy.Store, ledgers *ledger.Store, audits *audit.Store, timers *timer.Registry, disputes *dispute.Service, log *zap.Logger) *PgStore {
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
	return &PgStore{
		policies: policies,
		ledgers:  ledgers,
		audits:   audits,
		timers:   timers,
		disputes: disputes,
		log:      log,
	}
}

func (p *PgStore) DealForUpdate(ctx context.Context, tx pgx.Tx, dealID string) (deal.Deal, error) {
	return deal.GetForUpdate(ctx, tx, dealID)
}

func (p *PgStore) PolicyForDeal(ctx context.Context, tx pgx.Tx, dealID string) (policy.Document, error) {
	inst, err := p.policies.GetInstanceForDeal(ctx, tx, dealID)
	if err != nil {
		return policy.Document{}, err
	}
	doc, warnings := policy.Parse(inst.Raw)
	for _, w := range warnings {
		p.log.Warn("policy fallback", zap.String("deal_id", dealID), zap.String("detail", w))
	}
	return doc, nil
}

func (p *PgStore) ActiveTimer(ctx context.Context, tx pgx.Tx, dealID, timerType string) (*timer.Timer, error) {
	return p.timers.FindActive(ctx, tx, dealID, timerType)
}

func (p *PgStore) LatestDispute(ctx context.Context, tx pgx.Tx, dealID string) (*rules.Dispute, error) {
	c, err := dispute.LatestForDeal(ctx, tx, dealID)
	if err != nil || c == nil {
		return nil, err
	}
	return &rules.Dispute{
		ID:         c.ID,
		ReasonCode: string(c.ReasonCode),
		Resolved:   c.Status == dispute.StatusResolved,
	}, nil
}

func (p *PgStore) HoldbackOutstanding(ctx context.Context, tx pgx.Tx, rec deal.Deal) (bool, error) {
	return p.ledgers.IsHoldbackUnreleased(ctx, tx, rec.ID, rec.Holdback)
}

func (p *PgStore) ApplyTransition(ctx context.Context, tx pgx.Tx, rec *deal.Deal, next deal.State, actor string) error {
	return deal.ApplyTransition(ctx, tx, p.audits, rec, next, actor)
}

func (p *PgStore) ExecuteAction(ctx context.Context, tx pgx.Tx, dealID string, action ledger.Action, actor string) (ledger.Entry, bool, error) {
	return p.ledgers.ExecuteAction(ctx, tx, dealID, action, actor)
}

func (p *PgStore) AppendAudit(ctx context.Context, tx pgx.Tx, dealID, eventType, actor string, payload map[string]any) error {
	return p.audits.Append(ctx, tx, dealID, eventType, actor, payload)
}

func (p *PgStore) ResolveDispute(ctx context.Context, tx pgx.Tx, disputeID, outcome, resolverID string) error {
	_, err := p.disputes.ResolveInTx(ctx, tx, disputeID, outcome, resolverID)
	return err
}

func (p *PgStore) MarkTimerFired(ctx context.Context, tx pgx.Tx, timerID string) error {
	return p.timers.MarkFired(ctx, tx, timerID)
}
