package policy

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

var (
	// ErrTemplateNotFound is returned when no template exists for a category.
	ErrTemplateNotFound = errors.New("policy: template not found")
	// ErrInstanceNotFound is returned when a deal has no contract instance.
	ErrInstanceNotFound = errors.New("policy: contract instance not found")
)

// Querier is satisfied by both pgxpool.Pool and pgx.Tx.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct{}

func NewStore() *Store {
	return &Store{}
}

// GetLatestTemplate returns the highest-versioned template for a category.
func (s *Store) GetLatestTemplate(ctx context.Context, q Querier, category string) (Template, error) {
	const query = `
SELECT id, category, version, policy, created_at
FROM contract_templates
WHERE category = $1
ORDER BY version DESC
LIMIT 1
`
	var tpl Template
	err := q.QueryRow(ctx, query, category).
		Scan(&tpl.ID, &tpl.Category, &tpl.Version, &tpl.Raw, &tpl.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Template{}, ErrTemplateNotFound
		}
		return Template{}, fmt.Errorf("policy: get latest template: %w", err)
	}
	return tpl, nil
}

// CreateInstance snapshots a template for a deal. The snapshot is immutable;
// it is only ever created alongside the deal, inside the same transaction.
func (s *Store) CreateInstance(ctx context.Context, tx pgx.Tx, dealID string, tpl Template) (Instance, error) {
	const query = `
INSERT INTO contract_instances (deal_id, template_id, category, version, policy)
VALUES ($1, $2, $3, $4, $5)
RETURNING id, deal_id, template_id, category, version, policy, created_at
`
	var inst Instance
	err := tx.QueryRow(ctx, query, dealID, tpl.ID, tpl.Category, tpl.Version, tpl.Raw).
		Scan(&inst.ID, &inst.DealID, &inst.TemplateID, &inst.Category, &inst.Version, &inst.Raw, &inst.CreatedAt)
	if err != nil {
		return Instance{}, fmt.Errorf("policy: create instance: %w", err)
	}
	return inst, nil
}

// GetInstanceForDeal loads the immutable policy snapshot of a deal.
func (s *Store) GetInstanceForDeal(ctx context.Context, q Querier, dealID string) (Instance, error) {
	const query = `
SELECT id, deal_id, template_id, category, version, policy, created_at
FROM contract_instances
WHERE deal_id = $1
`
	var inst Instance
	err := q.QueryRow(ctx, query, dealID).
		Scan(&inst.ID, &inst.DealID, &inst.TemplateID, &inst.Category, &inst.Version, &inst.Raw, &inst.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Instance{}, ErrInstanceNotFound
		}
		return Instance{}, fmt.Errorf("policy: get instance: %w", err)
	}
	return inst, nil
}
