package deal

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

const dealColumns = `
id, buyer_id, seller_id, item_ref, category,
total_amount, immediate_amount, holdback_amount, currency,
state, contract_instance_id, dispute_open, created_at, updated_at`

// Querier is satisfied by both pgxpool.Pool and pgx.Tx.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Get loads a deal by id.
func Get(ctx context.Context, q Querier, dealID string) (Deal, error) {
	query := `SELECT ` + dealColumns + ` FROM deals WHERE id = $1`
	return scanDeal(q.QueryRow(ctx, query, dealID))
}

// GetForUpdate loads a deal holding an exclusive row lock for the remainder
// of the transaction. Every read-decide-write path starts here.
func GetForUpdate(ctx context.Context, tx pgx.Tx, dealID string) (Deal, error) {
	query := `SELECT ` + dealColumns + ` FROM deals WHERE id = $1 FOR UPDATE`
	return scanDeal(tx.QueryRow(ctx, query, dealID))
}

func scanDeal(row pgx.Row) (Deal, error) {
	var (
		d          Deal
		instanceID *string
	)
	err := row.Scan(
		&d.ID, &d.BuyerID, &d.SellerID, &d.ItemRef, &d.Category,
		&d.Total, &d.Immediate, &d.Holdback, &d.Currency,
		&d.State, &instanceID, &d.DisputeOpen, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Deal{}, ErrNotFound
		}
		return Deal{}, fmt.Errorf("deal: scan: %w", err)
	}
	if instanceID != nil {
		d.ContractInstanceID = *instanceID
	}
	return d, nil
}
