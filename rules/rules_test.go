package rules

import (
	"reflect"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"escrowflow/deal"
	"escrowflow/ledger"
	"escrowflow/policy"
)

func baseContext(state deal.State) Context {
	return Context{
		State:    state,
		Policy:   policy.Default(),
		Holdback: decimal.RequireFromString("300.00"),
		Currency: "EUR",
	}
}

func TestEvaluate_Deterministic(t *testing.T) {
	ctx := baseContext(deal.StateInspection)
	ctx.AutoApproveElapsed = true

	first := Evaluate(ctx)
	second := Evaluate(ctx)

	if !reflect.DeepEqual(first, second) {
		t.Fatalf("identical contexts diverged: %+v vs %+v", first, second)
	}
}

func TestEvaluate_QuietStatesAreNoOps(t *testing.T) {
	for _, state := range []deal.State{
		deal.StateCreated, deal.StateFunded, deal.StateDelivered, deal.StateSettled,
	} {
		result := Evaluate(baseContext(state))
		require.False(t, result.HasTransition(), "state %s", state)
		require.Empty(t, result.Actions, "state %s", state)
	}
}

func TestEvaluate_InspectionWaitsForTimer(t *testing.T) {
	result := Evaluate(baseContext(deal.StateInspection))
	require.False(t, result.HasTransition())
	require.Empty(t, result.Actions)
}

func TestEvaluate_InspectionAutoApproves(t *testing.T) {
	ctx := baseContext(deal.StateInspection)
	ctx.AutoApproveElapsed = true

	result := Evaluate(ctx)

	require.Equal(t, deal.StateApproved, result.NextState)
	require.Len(t, result.Actions, 1)
	require.Equal(t, ledger.EntryRelease, result.Actions[0].Type)
	require.True(t, result.Actions[0].Amount.Equal(ctx.Holdback))
	require.Equal(t, ledger.AccountSeller, result.Actions[0].Destination)
}

func TestEvaluate_ApprovedSettlesOutstandingHoldback(t *testing.T) {
	ctx := baseContext(deal.StateApproved)
	ctx.HoldbackOutstanding = true

	result := Evaluate(ctx)

	require.Equal(t, deal.StateSettled, result.NextState)
	require.Len(t, result.Actions, 1)
	require.Equal(t, ledger.EntryRelease, result.Actions[0].Type)
}

func TestEvaluate_ApprovedZeroHoldbackSettlesWithoutActions(t *testing.T) {
	ctx := baseContext(deal.StateApproved)
	ctx.Holdback = decimal.Zero
	ctx.HoldbackOutstanding = false

	result := Evaluate(ctx)

	require.Equal(t, deal.StateSettled, result.NextState)
	require.Empty(t, result.Actions, "nothing to move when the split was 100/0")
}

func TestEvaluate_ApprovedWithNothingOutstandingIsNoOp(t *testing.T) {
	result := Evaluate(baseContext(deal.StateApproved))
	require.False(t, result.HasTransition())
	require.Empty(t, result.Actions)
}

func TestEvaluate_IssueWithoutDisputeIsNoOp(t *testing.T) {
	ctx := baseContext(deal.StateIssue)
	ctx.DisputeTTLElapsed = true

	result := Evaluate(ctx)
	require.False(t, result.HasTransition())
}

func TestEvaluate_IssueWaitsForTTLOrResolution(t *testing.T) {
	ctx := baseContext(deal.StateIssue)
	ctx.Dispute = &Dispute{ID: "case-1", ReasonCode: "DAMAGE_MINOR"}

	result := Evaluate(ctx)
	require.False(t, result.HasTransition())
	require.Empty(t, result.Actions)
}

func TestEvaluate_IssueTTLAppliesOffsetThenReleases(t *testing.T) {
	ctx := baseContext(deal.StateIssue)
	ctx.Policy.Issue.OffsetCapsByReasonCode["DAMAGE_MINOR"] = decimal.RequireFromString("30.00")
	ctx.Dispute = &Dispute{ID: "case-1", ReasonCode: "DAMAGE_MINOR"}
	ctx.DisputeTTLElapsed = true

	result := Evaluate(ctx)

	require.Equal(t, deal.StateSettled, result.NextState)
	require.Len(t, result.Actions, 2)

	offset := result.Actions[0]
	require.Equal(t, ledger.EntryOffset, offset.Type)
	require.Equal(t, "30.00", offset.Amount.StringFixed(2))
	require.Equal(t, ledger.AccountBuyer, offset.Destination)
	require.Equal(t, "case-1", offset.ReferenceID)

	release := result.Actions[1]
	require.Equal(t, ledger.EntryRelease, release.Type)
	require.Equal(t, "270.00", release.Amount.StringFixed(2))
	require.Equal(t, ledger.AccountSeller, release.Destination)
}

func TestEvaluate_OffsetBoundedByHoldback(t *testing.T) {
	ctx := baseContext(deal.StateIssue)
	ctx.Holdback = decimal.RequireFromString("20.00")
	ctx.Policy.Issue.OffsetCapsByReasonCode["DAMAGE_MINOR"] = decimal.RequireFromString("30.00")
	ctx.Dispute = &Dispute{ID: "case-1", ReasonCode: "DAMAGE_MINOR"}
	ctx.DisputeTTLElapsed = true

	result := Evaluate(ctx)

	require.Len(t, result.Actions, 1, "entire holdback consumed by offset, nothing to release")
	require.Equal(t, ledger.EntryOffset, result.Actions[0].Type)
	require.Equal(t, "20.00", result.Actions[0].Amount.StringFixed(2))
}

func TestEvaluate_ZeroCapReleasesEverything(t *testing.T) {
	ctx := baseContext(deal.StateIssue)
	ctx.Dispute = &Dispute{ID: "case-1", ReasonCode: "NOT_AS_DESCRIBED"}
	ctx.DisputeTTLElapsed = true

	result := Evaluate(ctx)

	require.Equal(t, deal.StateSettled, result.NextState)
	require.Len(t, result.Actions, 1)
	require.Equal(t, ledger.EntryRelease, result.Actions[0].Type)
	require.True(t, result.Actions[0].Amount.Equal(ctx.Holdback))
}

func TestEvaluate_ManualResolutionMatchesTTLPath(t *testing.T) {
	ttl := baseContext(deal.StateIssue)
	ttl.Policy.Issue.OffsetCapsByReasonCode["DAMAGE_MINOR"] = decimal.RequireFromString("30.00")
	ttl.Dispute = &Dispute{ID: "case-1", ReasonCode: "DAMAGE_MINOR"}
	ttl.DisputeTTLElapsed = true

	manual := ttl
	manual.DisputeTTLElapsed = false
	manual.Dispute = &Dispute{ID: "case-1", ReasonCode: "DAMAGE_MINOR", Resolved: true}

	ttlResult := Evaluate(ttl)
	manualResult := Evaluate(manual)

	require.Equal(t, ttlResult.NextState, manualResult.NextState)
	require.Equal(t, ttlResult.Actions, manualResult.Actions)
}

func TestEvaluate_ConservationAcrossIssueResolution(t *testing.T) {
	// Whatever the cap, offset plus release always equals the holdback.
	for _, capStr := range []string{"0.00", "10.00", "299.99", "300.00", "1000.00"} {
		ctx := baseContext(deal.StateIssue)
		ctx.Policy.Issue.OffsetCapsByReasonCode["DAMAGE_MINOR"] = decimal.RequireFromString(capStr)
		ctx.Dispute = &Dispute{ID: "case-1", ReasonCode: "DAMAGE_MINOR"}
		ctx.DisputeTTLElapsed = true

		total := decimal.Zero
		for _, action := range Evaluate(ctx).Actions {
			total = total.Add(action.Amount)
		}
		require.True(t, total.Equal(ctx.Holdback), "cap %s: moved %s of %s", capStr, total, ctx.Holdback)
	}
}
