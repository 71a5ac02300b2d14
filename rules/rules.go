// Package rules holds the deterministic evaluator that decides how a deal
// progresses. Evaluate performs no I/O and has no side effects: callers
// assemble a Context under the deal lock, and the orchestrator applies
// whatever the evaluator returns.
package rules

import (
	"fmt"

	"github.com/shopspring/decimal"

	"escrowflow/deal"
	"escrowflow/ledger"
	"escrowflow/policy"
)

// Version identifies the evaluation rule set and is echoed in response
// metadata.
const Version = "rules/v1"

// Dispute is the evaluator's view of a deal's dispute case.
type Dispute struct {
	ID         string
	ReasonCode string
	Resolved   bool
}

// Context is the full input domain of Evaluate. Identical contexts always
// produce identical results.
type Context struct {
	State    deal.State
	Policy   policy.Document
	Holdback decimal.Decimal
	Currency string

	AutoApproveElapsed  bool
	DisputeTTLElapsed   bool
	HoldbackOutstanding bool

	Dispute *Dispute
}

// Result is what the orchestrator must apply: an optional transition, the
// ledger actions to execute in order, and audit descriptions.
type Result struct {
	NextState deal.State
	Actions   []ledger.Action
	Audits    []string
}

// HasTransition reports whether the evaluation decided a state change.
func (r Result) HasTransition() bool {
	return r.NextState != ""
}

// Evaluate decides the next step for a deal. It is total over its input
// domain: unrecognised combinations return the zero Result, which makes
// repeated evaluation of an unready deal safe.
func Evaluate(ctx Context) Result {
	switch ctx.State {
	case deal.StateInspection:
		return evaluateInspection(ctx)
	case deal.StateApproved:
		return evaluateApproved(ctx)
	case deal.StateIssue:
		return evaluateIssue(ctx)
	default:
		return Result{}
	}
}

func evaluateInspection(ctx Context) Result {
	if !ctx.AutoApproveElapsed {
		return Result{}
	}
	result := Result{
		NextState: deal.StateApproved,
		Audits:    []string{"auto-approve timer elapsed"},
	}
	if ctx.Holdback.IsPositive() {
		result.Actions = []ledger.Action{ledger.Release(ctx.Holdback, ctx.Currency)}
	}
	return result
}

func evaluateApproved(ctx Context) Result {
	// A deal without a holdback has nothing left to release; it settles
	// as soon as it is approved.
	if !ctx.Holdback.IsPositive() {
		return Result{
			NextState: deal.StateSettled,
			Audits:    []string{"no holdback to release"},
		}
	}
	if !ctx.HoldbackOutstanding {
		return Result{}
	}
	return Result{
		NextState: deal.StateSettled,
		Actions:   []ledger.Action{ledger.Release(ctx.Holdback, ctx.Currency)},
		Audits:    []string{"holdback released on approval"},
	}
}

func evaluateIssue(ctx Context) Result {
	if ctx.Dispute == nil {
		return Result{}
	}
	if !ctx.DisputeTTLElapsed && !ctx.Dispute.Resolved {
		return Result{}
	}

	switch ctx.Policy.Issue.DefaultResolution {
	case policy.ResolutionReleaseHoldbackMinusMinorCap:
		return resolveHoldbackMinusCap(ctx)
	default:
		// Parse guarantees a known strategy; unknown means no action.
		return Result{}
	}
}

// resolveHoldbackMinusCap compensates the buyer up to the per-reason offset
// cap and releases the remainder of the holdback to the seller.
func resolveHoldbackMinusCap(ctx Context) Result {
	offset := decimal.Min(ctx.Policy.OffsetCap(ctx.Dispute.ReasonCode), ctx.Holdback)

	var actions []ledger.Action
	var audits []string

	if offset.IsPositive() {
		actions = append(actions, ledger.Offset(offset, ctx.Currency, ctx.Dispute.ID))
		audits = append(audits, fmt.Sprintf("dispute offset %s %s to buyer (reason %s)",
			offset.StringFixed(2), ctx.Currency, ctx.Dispute.ReasonCode))
	}

	if remaining := ctx.Holdback.Sub(offset); remaining.IsPositive() {
		actions = append(actions, ledger.Release(remaining, ctx.Currency))
		audits = append(audits, fmt.Sprintf("remaining holdback %s %s released to seller",
			remaining.StringFixed(2), ctx.Currency))
	}

	trigger := "dispute TTL elapsed"
	if ctx.Dispute.Resolved {
		trigger = "dispute resolved"
	}
	audits = append(audits, fmt.Sprintf("%s, applied %s", trigger, policy.ResolutionReleaseHoldbackMinusMinorCap))

	return Result{
		NextState: deal.StateSettled,
		Actions:   actions,
		Audits:    audits,
	}
}
