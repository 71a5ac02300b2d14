package api

import (
	"context"
	"sort"
	"time"
)

// EvidenceRef points at an externally stored evidence item. Evidence storage
// itself is a collaborator; only references surface in the timeline.
type EvidenceRef struct {
	ID        string
	DealID    string
	Kind      string
	URI       string
	CreatedAt time.Time
}

// EvidenceLister is the optional collaborator supplying evidence references
// for the timeline view.
type EvidenceLister interface {
	ListForDeal(ctx context.Context, dealID string) ([]EvidenceRef, error)
}

// TimelineItem is one event in the merged deal history.
type TimelineItem struct {
	Kind    string    `json:"kind"` // audit, ledger, evidence
	At      time.Time `json:"at"`
	Type    string    `json:"type"`
	Actor   string    `json:"actor,omitempty"`
	Summary string    `json:"summary,omitempty"`
	Payload any       `json:"payload,omitempty"`
}

func (s *Service) timeline(ctx context.Context, dealID string) ([]TimelineItem, error) {
	events, err := s.audits.ListForDeal(ctx, s.pool, dealID)
	if err != nil {
		return nil, err
	}
	entries, err := s.ledgers.ListForDeal(ctx, s.pool, dealID)
	if err != nil {
		return nil, err
	}

	items := make([]TimelineItem, 0, len(events)+len(entries))
	for _, ev := range events {
		items = append(items, TimelineItem{
			Kind:    "audit",
			At:      ev.CreatedAt,
			Type:    ev.Type,
			Actor:   ev.Actor,
			Payload: string(ev.Payload),
		})
	}
	for _, e := range entries {
		items = append(items, TimelineItem{
			Kind:    "ledger",
			At:      e.CreatedAt,
			Type:    string(e.Type),
			Actor:   e.CreatedBy,
			Summary: describeAmount(e.Type, e.Amount, e.Currency),
		})
	}

	if s.evidence != nil {
		refs, err := s.evidence.ListForDeal(ctx, dealID)
		if err != nil {
			return nil, err
		}
		for _, ref := range refs {
			items = append(items, TimelineItem{
				Kind:    "evidence",
				At:      ref.CreatedAt,
				Type:    ref.Kind,
				Summary: ref.URI,
			})
		}
	}

	sort.SliceStable(items, func(i, j int) bool {
		return items[i].At.Before(items[j].At)
	})
	return items, nil
}
