package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Event types recorded against a deal. Audit rows are append-only.
const (
	EventStateTransition      = "STATE_TRANSITION"
	EventRulesEvaluation      = "RULES_EVALUATION"
	EventLedgerActionExecuted = "LEDGER_ACTION_EXECUTED"
	EventDisputeOpened        = "DISPUTE_OPENED"
	EventDisputeResolved      = "DISPUTE_RESOLVED"
	EventAdminOverride        = "ADMIN_OVERRIDE"
	EventDealCreated          = "DEAL_CREATED"
)

// Event is an immutable audit record for a deal.
type Event struct {
	ID        int64
	DealID    string
	Seq       int
	Type      string
	Actor     string
	Payload   []byte
	CreatedAt time.Time
}

// ErrNotFound is returned when a deal has no audit history.
var ErrNotFound = errors.New("audit: not found")

type Store struct{}

func NewStore() *Store {
	return &Store{}
}

// Append inserts an audit event with the next per-deal sequence number.
// Callers must hold the deal row lock so the MAX(seq)+1 read is serialized.
func (s *Store) Append(ctx context.Context, tx pgx.Tx, dealID, eventType, actor string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("audit: marshal payload: %w", err)
	}

	const insertSQL = `
INSERT INTO audit_events (deal_id, seq, event_type, actor, payload)
SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, $3, $4::jsonb
FROM audit_events
WHERE deal_id = $1
`
	if _, err := tx.Exec(ctx, insertSQL, dealID, eventType, actor, body); err != nil {
		return fmt.Errorf("audit: insert event: %w", err)
	}
	return nil
}

// Querier is satisfied by both pgxpool.Pool and pgx.Tx.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// ListForDeal returns the audit history of a deal in sequence order.
func (s *Store) ListForDeal(ctx context.Context, q Querier, dealID string) ([]Event, error) {
	const query = `
SELECT id, deal_id, seq, event_type, actor, payload, created_at
FROM audit_events
WHERE deal_id = $1
ORDER BY seq
`
	rows, err := q.Query(ctx, query, dealID)
	if err != nil {
		return nil, fmt.Errorf("audit: list: %w", err)
	}
	defer rows.Close()

	out := make([]Event, 0, 16)
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.ID, &ev.DealID, &ev.Seq, &ev.Type, &ev.Actor, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: iterate: %w", err)
	}
	return out, nil
}
