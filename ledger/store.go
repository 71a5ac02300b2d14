package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"escrowflow/audit"
	"escrowflow/metrics"
)

// ErrInvalidAction is returned when an action fails basic validation before
// touching the ledger.
var ErrInvalidAction = errors.New("ledger: invalid action")

// Querier is satisfied by both pgxpool.Pool and pgx.Tx.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	audits *audit.Store
}

func NewStore(audits *audit.Store) *Store {
	if audits == nil {
		audits = audit.NewStore()
	}
	return &Store{audits: audits}
}

// ExecuteAction appends a ledger entry for the action, at most once. A replay
// of the same logical action returns the stored entry with created=false and
// writes nothing, including no audit event. A new entry emits exactly one
// LEDGER_ACTION_EXECUTED audit event inside the same transaction.
func (s *Store) ExecuteAction(ctx context.Context, tx pgx.Tx, dealID string, action Action, actor string) (Entry, bool, error) {
	if !action.Amount.IsPositive() {
		return Entry{}, false, fmt.Errorf("%w: non-positive amount %s", ErrInvalidAction, action.Amount)
	}
	if action.Currency == "" || action.Source == "" || action.Destination == "" {
		return Entry{}, false, fmt.Errorf("%w: missing currency or accounts", ErrInvalidAction)
	}

	key := IdempotencyKey(dealID, action)

	var ref any
	if action.ReferenceID != "" {
		ref = action.ReferenceID
	}

	const insertSQL = `
INSERT INTO ledger_entries
    (deal_id, entry_type, amount, currency, source_account, destination_account, reference_id, idempotency_key, created_by)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (idempotency_key) DO NOTHING
RETURNING id, created_at
`
	var entry Entry
	entry.DealID = dealID
	entry.Type = action.Type
	entry.Amount = action.Amount
	entry.Currency = action.Currency
	entry.Source = action.Source
	entry.Destination = action.Destination
	if action.ReferenceID != "" {
		refCopy := action.ReferenceID
		entry.ReferenceID = &refCopy
	}
	entry.IdempotencyKey = key
	entry.CreatedBy = actor

	err := tx.QueryRow(ctx, insertSQL,
		dealID, action.Type, action.Amount, action.Currency,
		action.Source, action.Destination, ref, key, actor,
	).Scan(&entry.ID, &entry.CreatedAt)
	switch {
	case err == nil:
		// fresh entry
	case errors.Is(err, pgx.ErrNoRows):
		existing, ferr := s.findByKey(ctx, tx, key)
		if ferr != nil {
			return Entry{}, false, ferr
		}
		metrics.LedgerReplaysTotal.Inc()
		return existing, false, nil
	default:
		return Entry{}, false, fmt.Errorf("ledger: insert entry: %w", err)
	}

	payload := map[string]any{
		"entry_id":            entry.ID,
		"entry_type":          string(entry.Type),
		"amount":              entry.Amount.StringFixed(2),
		"currency":            entry.Currency,
		"source_account":      entry.Source,
		"destination_account": entry.Destination,
	}
	if entry.ReferenceID != nil {
		payload["reference_id"] = *entry.ReferenceID
	}
	if err := s.audits.Append(ctx, tx, dealID, audit.EventLedgerActionExecuted, actor, payload); err != nil {
		return Entry{}, false, err
	}

	metrics.LedgerEntriesTotal.WithLabelValues(string(entry.Type)).Inc()
	return entry, true, nil
}

func (s *Store) findByKey(ctx context.Context, q Querier, key string) (Entry, error) {
	const query = `
SELECT id, deal_id, entry_type, amount, currency, source_account, destination_account, reference_id, idempotency_key, created_by, created_at
FROM ledger_entries
WHERE idempotency_key = $1
`
	var e Entry
	err := q.QueryRow(ctx, query, key).Scan(
		&e.ID, &e.DealID, &e.Type, &e.Amount, &e.Currency,
		&e.Source, &e.Destination, &e.ReferenceID, &e.IdempotencyKey, &e.CreatedBy, &e.CreatedAt,
	)
	if err != nil {
		return Entry{}, fmt.Errorf("ledger: fetch existing entry: %w", err)
	}
	return e, nil
}

// CalculateBalance returns the escrowed funds still held for a deal:
// sum(HOLD) minus sum(RELEASE, REFUND, OFFSET).
func (s *Store) CalculateBalance(ctx context.Context, q Querier, dealID string) (decimal.Decimal, error) {
	const query = `
SELECT COALESCE(SUM(CASE WHEN entry_type = 'HOLD' THEN amount ELSE -amount END), 0)
FROM ledger_entries
WHERE deal_id = $1
`
	var balance decimal.Decimal
	if err := q.QueryRow(ctx, query, dealID).Scan(&balance); err != nil {
		return decimal.Zero, fmt.Errorf("ledger: calculate balance: %w", err)
	}
	return balance, nil
}

// IsHoldbackUnreleased reports whether the holdback has not yet been paid
// out: funds held into escrow minus releases out of escrow still cover the
// expected holdback.
func (s *Store) IsHoldbackUnreleased(ctx context.Context, q Querier, dealID string, expectedHoldback decimal.Decimal) (bool, error) {
	const query = `
SELECT
    COALESCE(SUM(amount) FILTER (WHERE entry_type = 'HOLD' AND destination_account = 'escrow'), 0)
  - COALESCE(SUM(amount) FILTER (WHERE entry_type = 'RELEASE' AND source_account = 'escrow'), 0)
FROM ledger_entries
WHERE deal_id = $1
`
	var remaining decimal.Decimal
	if err := q.QueryRow(ctx, query, dealID).Scan(&remaining); err != nil {
		return false, fmt.Errorf("ledger: outstanding holdback: %w", err)
	}
	return remaining.GreaterThanOrEqual(expectedHoldback), nil
}

// RowsQuerier is satisfied by both pgxpool.Pool and pgx.Tx.
type RowsQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// ListForDeal returns a deal's ledger entries oldest first.
func (s *Store) ListForDeal(ctx context.Context, q RowsQuerier, dealID string) ([]Entry, error) {
	const query = `
SELECT id, deal_id, entry_type, amount, currency, source_account, destination_account, reference_id, idempotency_key, created_by, created_at
FROM ledger_entries
WHERE deal_id = $1
ORDER BY created_at, id
`
	rows, err := q.Query(ctx, query, dealID)
	if err != nil {
		return nil, fmt.Errorf("ledger: list: %w", err)
	}
	defer rows.Close()

	out := make([]Entry, 0, 8)
	for rows.Next() {
		var e Entry
		if err := rows.Scan(
			&e.ID, &e.DealID, &e.Type, &e.Amount, &e.Currency,
			&e.Source, &e.Destination, &e.ReferenceID, &e.IdempotencyKey, &e.CreatedBy, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("ledger: scan: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: iterate: %w", err)
	}
	return out, nil
}
