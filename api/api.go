// Package api is the facade the transport layer (out of scope here) calls
// into. It wraps every operation's payload in the standard response envelope
// and echoes client idempotency keys; the at-most-once guarantee itself
// lives in the ledger, not in this layer.
package api

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"escrowflow/audit"
	"escrowflow/deal"
	"escrowflow/dispute"
	"escrowflow/engine"
	"escrowflow/ledger"
	"escrowflow/rules"
)

// Meta is the response metadata attached to every call.
type Meta struct {
	RuleVersion     string   `json:"ruleVersion"`
	IdempotencyKey  string   `json:"idempotencyKey,omitempty"`
	ActionsExecuted []string `json:"actionsExecuted"`
}

// Response is the envelope returned by every facade method.
type Response struct {
	Success bool `json:"success"`
	Data    any  `json:"data,omitempty"`
	Meta    Meta `json:"meta"`
}

// Service exposes the deal lifecycle to collaborators.
type Service struct {
	pool     *pgxpool.Pool
	deals    *deal.Service
	disputes *dispute.Service
	engine   *engine.Service
	audits   *audit.Store
	ledgers  *ledger.Store
	evidence EvidenceLister
}

func NewService(pool *pgxpool.Pool, deals *deal.Service, disputes *dispute.Service, eng *engine.Service, audits *audit.Store, ledgers *ledger.Store, evidence EvidenceLister) *Service {
	if audits == nil {
		audits = audit.NewStore()
	}
	if ledgers == nil {
		ledgers = ledger.NewStore(audits)
	}
	return &Service{
		pool:     pool,
		deals:    deals,
		disputes: disputes,
		engine:   eng,
		audits:   audits,
		ledgers:  ledgers,
		evidence: evidence,
	}
}

// CreateDealRequest opens a new escrow deal.
type CreateDealRequest struct {
	ActorID        string
	IdempotencyKey string
	Params         deal.CreateParams
}

func (s *Service) CreateDeal(ctx context.Context, req CreateDealRequest) (Response, error) {
	rec, err := s.deals.Create(ctx, req.ActorID, req.Params)
	if err != nil {
		return Response{}, err
	}
	return envelope(rec, req.IdempotencyKey, nil), nil
}

// DealActionRequest addresses one deal on behalf of an actor.
type DealActionRequest struct {
	DealID         string
	ActorID        string
	IdempotencyKey string
}

func (s *Service) FundDeal(ctx context.Context, req DealActionRequest) (Response, error) {
	rec, err := s.deals.Fund(ctx, req.DealID, req.ActorID)
	if err != nil {
		return Response{}, err
	}
	actions := []string{describeAmount(ledger.EntryHold, rec.Total, rec.Currency)}
	return envelope(rec, req.IdempotencyKey, actions), nil
}

func (s *Service) DeliverDeal(ctx context.Context, req DealActionRequest) (Response, error) {
	rec, err := s.deals.Deliver(ctx, req.DealID, req.ActorID)
	if err != nil {
		return Response{}, err
	}
	var actions []string
	if rec.Immediate.IsPositive() {
		actions = append(actions, describeAmount(ledger.EntryRelease, rec.Immediate, rec.Currency))
	}
	return envelope(rec, req.IdempotencyKey, actions), nil
}

func (s *Service) ApproveDeal(ctx context.Context, req DealActionRequest) (Response, error) {
	if _, err := s.deals.Approve(ctx, req.DealID, req.ActorID); err != nil {
		return Response{}, err
	}
	result, err := s.engine.EvaluateAndExecute(ctx, req.DealID, req.ActorID)
	if err != nil {
		return Response{}, err
	}
	rec, err := s.deals.Get(ctx, req.DealID)
	if err != nil {
		return Response{}, err
	}
	return envelope(rec, req.IdempotencyKey, describeEntries(result)), nil
}

// RaiseIssueRequest reports an inspection problem.
type RaiseIssueRequest struct {
	DealID         string
	ActorID        string
	IdempotencyKey string
	ReasonCode     dispute.ReasonCode
	Details        string
}

func (s *Service) RaiseIssue(ctx context.Context, req RaiseIssueRequest) (Response, error) {
	c, err := s.disputes.Raise(ctx, dispute.RaiseParams{
		DealID:     req.DealID,
		ActorID:    req.ActorID,
		ReasonCode: req.ReasonCode,
		Details:    req.Details,
	})
	if err != nil {
		return Response{}, err
	}
	return envelope(c, req.IdempotencyKey, nil), nil
}

// ResolveDisputeRequest records an admin's qualitative outcome.
type ResolveDisputeRequest struct {
	DisputeID      string
	ResolverID     string
	IdempotencyKey string
	Outcome        string
}

func (s *Service) ResolveDispute(ctx context.Context, req ResolveDisputeRequest) (Response, error) {
	c, err := s.disputes.Resolve(ctx, req.DisputeID, req.Outcome, req.ResolverID)
	if err != nil {
		return Response{}, err
	}
	result, err := s.engine.EvaluateAndExecute(ctx, c.DealID, req.ResolverID)
	if err != nil {
		return Response{}, err
	}
	return envelope(c, req.IdempotencyKey, describeEntries(result)), nil
}

// AdminOverrideRequest forces a table-validated transition.
type AdminOverrideRequest struct {
	DealID         string
	ActorID        string
	IdempotencyKey string
	NextState      deal.State
	Reason         string
}

func (s *Service) AdminOverride(ctx context.Context, req AdminOverrideRequest) (Response, error) {
	if _, err := s.deals.AdminOverride(ctx, req.DealID, req.NextState, req.ActorID, req.Reason); err != nil {
		return Response{}, err
	}
	result, err := s.engine.EvaluateAndExecute(ctx, req.DealID, req.ActorID)
	if err != nil {
		return Response{}, err
	}
	rec, err := s.deals.Get(ctx, req.DealID)
	if err != nil {
		return Response{}, err
	}
	return envelope(rec, req.IdempotencyKey, describeEntries(result)), nil
}

// GetTimeline returns the merged, time-ordered history of a deal.
func (s *Service) GetTimeline(ctx context.Context, dealID string) (Response, error) {
	if _, err := s.deals.Get(ctx, dealID); err != nil {
		return Response{}, err
	}
	items, err := s.timeline(ctx, dealID)
	if err != nil {
		return Response{}, err
	}
	return envelope(items, "", nil), nil
}

func envelope(data any, idempotencyKey string, actions []string) Response {
	if actions == nil {
		actions = []string{}
	}
	return Response{
		Success: true,
		Data:    data,
		Meta: Meta{
			RuleVersion:     rules.Version,
			IdempotencyKey:  idempotencyKey,
			ActionsExecuted: actions,
		},
	}
}

func describeEntries(result engine.Result) []string {
	out := make([]string, 0, len(result.Entries))
	for _, ee := range result.Entries {
		if !ee.Created {
			continue
		}
		out = append(out, describeAmount(ee.Entry.Type, ee.Entry.Amount, ee.Entry.Currency))
	}
	return out
}

func describeAmount(entryType ledger.EntryType, amount decimal.Decimal, currency string) string {
	return fmt.Sprintf("%s %s %s", entryType, amount.StringFixed(2), currency)
}
