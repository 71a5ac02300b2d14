// Package actors hosts the concurrent workload drivers for the stress test.
// Every actor goes through the public facade, never through SQL writes, so
// the invariants the oracles check are produced by real code paths. Actors
// treat individual call failures as transient: the chaos killer terminates
// backends mid-flight, and correctness is judged by the oracles, not by
// actor success rates.
package actors

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"escrowflow/api"
	"escrowflow/deal"
	"escrowflow/dispute"
)

var categories = []string{"GOODS", "SERVICES", "DIGITAL"}

var reasons = []dispute.ReasonCode{
	dispute.ReasonDamageMinor,
	dispute.ReasonDamageMajor,
	dispute.ReasonNotAsDescribed,
	dispute.ReasonLate,
}

// Opener creates deals and walks them to INSPECTION: create, fund, deliver.
func Opener(svc *api.Service, stop <-chan struct{}) func(context.Context) error {
	return func(ctx context.Context) error {
		for {
			if done, err := wait(ctx, stop, 20, 60); done {
				return err
			}

			buyer := uuid.NewString()
			seller := uuid.NewString()
			total := decimal.New(int64(100+rand.Intn(100_000)), -2)

			resp, err := svc.CreateDeal(ctx, api.CreateDealRequest{
				ActorID: buyer,
				Params: deal.CreateParams{
					BuyerID:  buyer,
					SellerID: seller,
					ItemRef:  fmt.Sprintf("item-%d", rand.Int63()),
					Category: categories[rand.Intn(len(categories))],
					Total:    total,
					Currency: "EUR",
				},
			})
			if err != nil {
				continue
			}
			rec := resp.Data.(deal.Deal)

			if _, err := svc.FundDeal(ctx, api.DealActionRequest{DealID: rec.ID, ActorID: buyer}); err != nil {
				continue
			}
			_, _ = svc.DeliverDeal(ctx, api.DealActionRequest{DealID: rec.ID, ActorID: seller})
		}
	}
}

// Approver picks random deals under inspection and approves them as the
// buyer. Losing the race to a disputer or the auto-approve job is expected.
func Approver(pool *pgxpool.Pool, svc *api.Service, stop <-chan struct{}) func(context.Context) error {
	return func(ctx context.Context) error {
		for {
			if done, err := wait(ctx, stop, 20, 60); done {
				return err
			}

			dealID, buyerID := pickDeal(ctx, pool, deal.StateInspection)
			if dealID == "" {
				continue
			}
			_, _ = svc.ApproveDeal(ctx, api.DealActionRequest{DealID: dealID, ActorID: buyerID})
		}
	}
}

// Disputer raises issues on deals under inspection.
func Disputer(pool *pgxpool.Pool, svc *api.Service, stop <-chan struct{}) func(context.Context) error {
	return func(ctx context.Context) error {
		for {
			if done, err := wait(ctx, stop, 50, 150); done {
				return err
			}

			dealID, buyerID := pickDeal(ctx, pool, deal.StateInspection)
			if dealID == "" {
				continue
			}
			_, _ = svc.RaiseIssue(ctx, api.RaiseIssueRequest{
				DealID:     dealID,
				ActorID:    buyerID,
				ReasonCode: reasons[rand.Intn(len(reasons))],
				Details:    "stress issue",
			})
		}
	}
}

// Admin resolves random open disputes with a qualitative outcome.
func Admin(pool *pgxpool.Pool, svc *api.Service, stop <-chan struct{}) func(context.Context) error {
	return func(ctx context.Context) error {
		adminID := "admin-" + uuid.NewString()[:8]
		for {
			if done, err := wait(ctx, stop, 100, 250); done {
				return err
			}

			var disputeID string
			err := pool.QueryRow(ctx,
				`SELECT id FROM disputes WHERE status = 'open' ORDER BY random() LIMIT 1`).Scan(&disputeID)
			if err != nil {
				continue
			}
			_, _ = svc.ResolveDispute(ctx, api.ResolveDisputeRequest{
				DisputeID:  disputeID,
				ResolverID: adminID,
				Outcome:    "resolved after review",
			})
		}
	}
}

// TimeWarper ages random active timers past their deadline so the
// reconciliation jobs find work within the test's runtime. Aging the start
// instant is the only clock the system reads, so no production code needs a
// test hook.
func TimeWarper(pool *pgxpool.Pool, stop <-chan struct{}) func(context.Context) error {
	return func(ctx context.Context) error {
		for {
			if done, err := wait(ctx, stop, 200, 400); done {
				return err
			}

			_, _ = pool.Exec(ctx, `
UPDATE timers SET started_at = started_at - interval '30 days'
WHERE id IN (SELECT id FROM timers WHERE active ORDER BY random() LIMIT 5)`)
		}
	}
}

func pickDeal(ctx context.Context, pool *pgxpool.Pool, state deal.State) (dealID, buyerID string) {
	err := pool.QueryRow(ctx,
		`SELECT id, buyer_id FROM deals WHERE state = $1 ORDER BY random() LIMIT 1`, state).
		Scan(&dealID, &buyerID)
	if err != nil {
		return "", ""
	}
	return dealID, buyerID
}

// wait sleeps a jittered interval and reports whether the actor should stop.
func wait(ctx context.Context, stop <-chan struct{}, minMs, maxMs int) (bool, error) {
	select {
	case <-ctx.Done():
		return true, ctx.Err()
	case <-stop:
		return true, nil
	case <-time.After(time.Duration(minMs+rand.Intn(maxMs-minMs)) * time.Millisecond):
		return false, nil
	}
}
