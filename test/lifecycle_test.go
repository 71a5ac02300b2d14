package test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"escrowflow/api"
	"escrowflow/audit"
	"escrowflow/deal"
	"escrowflow/dispute"
	"escrowflow/engine"
	"escrowflow/ledger"
	"escrowflow/policy"
	"escrowflow/test/infra"
	"escrowflow/timer"
)

// evidenceReject refuses every issue report, as a validator does when no
// evidence reference exists for the deal.
type evidenceReject struct{}

func (evidenceReject) ValidateForIssue(context.Context, string, dispute.ReasonCode, bool) (bool, error) {
	return false, nil
}

type lifecycleEnv struct {
	pool    *pgxpool.Pool
	svc     *api.Service
	eng     *engine.Service
	ledgers *ledger.Store
}

func newLifecycleEnv(t *testing.T) *lifecycleEnv {
	t.Helper()
	ctx := context.Background()

	var (
		pgC    *infra.PGContainer
		dsn    string
		err    error
		shared bool
	)
	switch {
	case dockerAvailable(ctx):
		pgC, dsn, err = infra.StartPostgres16(ctx, "")
		if err != nil {
			t.Fatalf("start postgres: %v", err)
		}
	default:
		dsn, err = infra.InitLocalDatabase(ctx)
		if err != nil {
			t.Skipf("neither docker nor local postgres available: %v", err)
		}
		pgC = &infra.PGContainer{}
		shared = true
	}
	t.Cleanup(func() { _ = pgC.Terminate(context.Background()) })

	pool, teardown, err := infra.ApplyMigrations(ctx, dsn, shared)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	t.Cleanup(func() {
		_ = teardown(context.Background())
		pool.Close()
	})

	svc, eng, _ := wireServices(pool)
	return &lifecycleEnv{pool: pool, svc: svc, eng: eng, ledgers: ledger.NewStore(nil)}
}

func (env *lifecycleEnv) openDeal(t *testing.T, category, total string) (deal.Deal, string, string) {
	t.Helper()
	ctx := context.Background()
	buyer := uuid.NewString()
	seller := uuid.NewString()

	resp, err := env.svc.CreateDeal(ctx, api.CreateDealRequest{
		ActorID: buyer,
		Params: deal.CreateParams{
			BuyerID:  buyer,
			SellerID: seller,
			ItemRef:  "lamp-1",
			Category: category,
			Total:    decimal.RequireFromString(total),
			Currency: "EUR",
		},
	})
	require.NoError(t, err)
	rec := resp.Data.(deal.Deal)

	_, err = env.svc.FundDeal(ctx, api.DealActionRequest{DealID: rec.ID, ActorID: buyer})
	require.NoError(t, err)
	_, err = env.svc.DeliverDeal(ctx, api.DealActionRequest{DealID: rec.ID, ActorID: seller})
	require.NoError(t, err)

	return rec, buyer, seller
}

func (env *lifecycleEnv) state(t *testing.T, dealID string) deal.State {
	t.Helper()
	var s deal.State
	require.NoError(t,
		env.pool.QueryRow(context.Background(), `SELECT state FROM deals WHERE id = $1`, dealID).Scan(&s))
	return s
}

func (env *lifecycleEnv) ageTimers(t *testing.T, dealID string) {
	t.Helper()
	_, err := env.pool.Exec(context.Background(),
		`UPDATE timers SET started_at = started_at - interval '30 days' WHERE deal_id = $1 AND active`, dealID)
	require.NoError(t, err)
}

func (env *lifecycleEnv) ledgerRows(t *testing.T, dealID string) map[string]string {
	t.Helper()
	rows, err := env.pool.Query(context.Background(),
		`SELECT entry_type, amount::text, destination_account FROM ledger_entries WHERE deal_id = $1 ORDER BY created_at`, dealID)
	require.NoError(t, err)
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var entryType, amount, dest string
		require.NoError(t, rows.Scan(&entryType, &amount, &dest))
		out[entryType+"->"+dest] = amount
	}
	return out
}

func TestLifecycle(t *testing.T) {
	env := newLifecycleEnv(t)
	ctx := context.Background()

	t.Run("happy path to inspection", func(t *testing.T) {
		rec, _, _ := env.openDeal(t, "GOODS", "1000.00")

		require.Equal(t, deal.StateInspection, env.state(t, rec.ID))
		require.Equal(t, "700.00", rec.Immediate.StringFixed(2))
		require.Equal(t, "300.00", rec.Holdback.StringFixed(2))

		entries := env.ledgerRows(t, rec.ID)
		require.Equal(t, "1000.00", entries["HOLD->escrow"])
		require.Equal(t, "700.00", entries["RELEASE->seller"])

		var timers int
		require.NoError(t, env.pool.QueryRow(ctx,
			`SELECT COUNT(*) FROM timers WHERE deal_id = $1 AND timer_type = 'AUTO_APPROVE' AND active`, rec.ID).Scan(&timers))
		require.Equal(t, 1, timers)
	})

	t.Run("auto approve settles after window", func(t *testing.T) {
		rec, _, _ := env.openDeal(t, "GOODS", "1000.00")
		env.ageTimers(t, rec.ID)

		result, err := env.eng.EvaluateAndExecute(ctx, rec.ID, "system:auto-approve-job")
		require.NoError(t, err)
		require.Equal(t, deal.StateSettled, result.FinalState)
		require.Len(t, result.Transitions, 2)

		entries := env.ledgerRows(t, rec.ID)
		require.Equal(t, "300.00", entries["RELEASE->seller"], "second release replaces the immediate one in the map")

		var releases int
		require.NoError(t, env.pool.QueryRow(ctx,
			`SELECT COUNT(*) FROM ledger_entries WHERE deal_id = $1 AND entry_type = 'RELEASE'`, rec.ID).Scan(&releases))
		require.Equal(t, 2, releases, "immediate release plus exactly one holdback release")

		// Re-running is a no-op: state terminal, ledger unchanged.
		again, err := env.eng.EvaluateAndExecute(ctx, rec.ID, "system:auto-approve-job")
		require.NoError(t, err)
		require.False(t, again.Acted())
	})

	t.Run("manual approval settles immediately", func(t *testing.T) {
		rec, buyer, _ := env.openDeal(t, "GOODS", "500.00")

		resp, err := env.svc.ApproveDeal(ctx, api.DealActionRequest{DealID: rec.ID, ActorID: buyer})
		require.NoError(t, err)
		require.Equal(t, deal.StateSettled, resp.Data.(deal.Deal).State)

		balance, err := env.ledgers.CalculateBalance(ctx, env.pool, rec.ID)
		require.NoError(t, err)
		require.True(t, balance.IsZero(), "escrow must be empty after settlement, holds %s", balance)
	})

	t.Run("even split settles with empty escrow", func(t *testing.T) {
		// SERVICES splits 50/50, so the immediate and holdback releases
		// carry identical amounts and must still land as separate entries.
		rec, buyer, _ := env.openDeal(t, "SERVICES", "1000.00")
		require.Equal(t, "500.00", rec.Immediate.StringFixed(2))
		require.Equal(t, "500.00", rec.Holdback.StringFixed(2))

		_, err := env.svc.ApproveDeal(ctx, api.DealActionRequest{DealID: rec.ID, ActorID: buyer})
		require.NoError(t, err)
		require.Equal(t, deal.StateSettled, env.state(t, rec.ID))

		var releases int
		require.NoError(t, env.pool.QueryRow(ctx,
			`SELECT COUNT(*) FROM ledger_entries WHERE deal_id = $1 AND entry_type = 'RELEASE'`, rec.ID).Scan(&releases))
		require.Equal(t, 2, releases, "both equal-amount releases must be recorded")

		balance, err := env.ledgers.CalculateBalance(ctx, env.pool, rec.ID)
		require.NoError(t, err)
		require.True(t, balance.IsZero(), "escrow still holds %s after settlement", balance)
	})

	t.Run("dispute ttl applies minor damage offset", func(t *testing.T) {
		rec, buyer, _ := env.openDeal(t, "GOODS", "1000.00")

		raised, err := env.svc.RaiseIssue(ctx, api.RaiseIssueRequest{
			DealID:     rec.ID,
			ActorID:    buyer,
			ReasonCode: dispute.ReasonDamageMinor,
			Details:    "scratch on the left side",
		})
		require.NoError(t, err)
		c := raised.Data.(dispute.Case)
		require.Equal(t, deal.StateIssue, env.state(t, rec.ID))

		env.ageTimers(t, rec.ID)
		result, err := env.eng.EvaluateAndExecute(ctx, rec.ID, "system:dispute-ttl-job")
		require.NoError(t, err)
		require.Equal(t, deal.StateSettled, result.FinalState)

		entries := env.ledgerRows(t, rec.ID)
		require.Equal(t, "30.00", entries["OFFSET->buyer"], "GOODS template caps DAMAGE_MINOR at 30.00")

		var status, outcome string
		require.NoError(t, env.pool.QueryRow(ctx,
			`SELECT status, outcome FROM disputes WHERE id = $1`, c.ID).Scan(&status, &outcome))
		require.Equal(t, "resolved", status)
		require.Equal(t, "releaseHoldbackMinusMinorCap", outcome)
	})

	t.Run("manual dispute resolution settles without waiting", func(t *testing.T) {
		rec, buyer, _ := env.openDeal(t, "GOODS", "1000.00")

		raised, err := env.svc.RaiseIssue(ctx, api.RaiseIssueRequest{
			DealID:     rec.ID,
			ActorID:    buyer,
			ReasonCode: dispute.ReasonNotAsDescribed,
		})
		require.NoError(t, err)
		c := raised.Data.(dispute.Case)

		_, err = env.svc.ResolveDispute(ctx, api.ResolveDisputeRequest{
			DisputeID:  c.ID,
			ResolverID: "admin-1",
			Outcome:    "seller provided proof of description",
		})
		require.NoError(t, err)
		require.Equal(t, deal.StateSettled, env.state(t, rec.ID))

		entries := env.ledgerRows(t, rec.ID)
		_, hasOffset := entries["OFFSET->buyer"]
		require.False(t, hasOffset, "no cap configured for NOT_AS_DESCRIBED")
	})

	t.Run("invalid issue report leaves deal untouched", func(t *testing.T) {
		rec, buyer, _ := env.openDeal(t, "GOODS", "1000.00")

		_, err := env.svc.RaiseIssue(ctx, api.RaiseIssueRequest{
			DealID:     rec.ID,
			ActorID:    buyer,
			ReasonCode: dispute.ReasonOther,
			Details:    "",
		})
		require.ErrorIs(t, err, dispute.ErrDetailsRequired)

		require.Equal(t, deal.StateInspection, env.state(t, rec.ID))

		var cases int
		require.NoError(t, env.pool.QueryRow(ctx,
			`SELECT COUNT(*) FROM disputes WHERE deal_id = $1`, rec.ID).Scan(&cases))
		require.Zero(t, cases)

		var ttl int
		require.NoError(t, env.pool.QueryRow(ctx,
			`SELECT COUNT(*) FROM timers WHERE deal_id = $1 AND timer_type = 'DISPUTE_TTL'`, rec.ID).Scan(&ttl))
		require.Zero(t, ttl)
	})

	t.Run("issue without required evidence is rejected", func(t *testing.T) {
		// GOODS requires evidence. A validator that cannot confirm any
		// reference must leave the deal untouched in INSPECTION.
		rec, buyer, _ := env.openDeal(t, "GOODS", "1000.00")

		strict := dispute.NewService(env.pool, policy.NewStore(), audit.NewStore(),
			timer.NewRegistry(), evidenceReject{}, zap.NewNop())
		_, err := strict.Raise(ctx, dispute.RaiseParams{
			DealID:     rec.ID,
			ActorID:    buyer,
			ReasonCode: dispute.ReasonDamageMinor,
			Details:    "dent on the base",
		})
		require.ErrorIs(t, err, dispute.ErrEvidenceMissing)

		require.Equal(t, deal.StateInspection, env.state(t, rec.ID))

		var cases, ttl int
		require.NoError(t, env.pool.QueryRow(ctx,
			`SELECT COUNT(*) FROM disputes WHERE deal_id = $1`, rec.ID).Scan(&cases))
		require.Zero(t, cases)
		require.NoError(t, env.pool.QueryRow(ctx,
			`SELECT COUNT(*) FROM timers WHERE deal_id = $1 AND timer_type = 'DISPUTE_TTL'`, rec.ID).Scan(&ttl))
		require.Zero(t, ttl)

		var disputeOpen bool
		require.NoError(t, env.pool.QueryRow(ctx,
			`SELECT dispute_open FROM deals WHERE id = $1`, rec.ID).Scan(&disputeOpen))
		require.False(t, disputeOpen)
	})

	t.Run("admin override respects transition table", func(t *testing.T) {
		rec, _, _ := env.openDeal(t, "GOODS", "1000.00")

		_, err := env.svc.AdminOverride(ctx, api.AdminOverrideRequest{
			DealID:    rec.ID,
			ActorID:   "admin-1",
			NextState: deal.StateCreated,
			Reason:    "attempted rewind",
		})
		require.ErrorIs(t, err, deal.ErrInvalidTransition)

		_, err = env.svc.AdminOverride(ctx, api.AdminOverrideRequest{
			DealID:    rec.ID,
			ActorID:   "admin-1",
			NextState: deal.StateApproved,
			Reason:    "inspection waived",
		})
		require.NoError(t, err)
		require.Equal(t, deal.StateSettled, env.state(t, rec.ID),
			"override to APPROVED lets the evaluator settle the remainder")
	})

	t.Run("digital deals settle with no holdback", func(t *testing.T) {
		rec, buyer, _ := env.openDeal(t, "DIGITAL", "250.00")

		require.Equal(t, "250.00", rec.Immediate.StringFixed(2))
		require.True(t, rec.Holdback.IsZero())

		_, err := env.svc.ApproveDeal(ctx, api.DealActionRequest{DealID: rec.ID, ActorID: buyer})
		require.NoError(t, err)
		require.Equal(t, deal.StateSettled, env.state(t, rec.ID),
			"nothing outstanding, so approval settles directly")
	})

	t.Run("timeline is ordered and complete", func(t *testing.T) {
		rec, buyer, _ := env.openDeal(t, "GOODS", "1000.00")
		_, err := env.svc.ApproveDeal(ctx, api.DealActionRequest{DealID: rec.ID, ActorID: buyer})
		require.NoError(t, err)

		resp, err := env.svc.GetTimeline(ctx, rec.ID)
		require.NoError(t, err)
		items := resp.Data.([]api.TimelineItem)
		require.NotEmpty(t, items)
		for i := 1; i < len(items); i++ {
			require.False(t, items[i].At.Before(items[i-1].At), "timeline must be time ordered")
		}
	})
}

