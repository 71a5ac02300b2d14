package policy

import (
	"time"

	"github.com/shopspring/decimal"
)

// ResolutionStrategy selects how an unresolved dispute is settled once its
// TTL elapses. Only one strategy is defined; unknown values parse to it.
type ResolutionStrategy string

const (
	// ResolutionReleaseHoldbackMinusMinorCap pays the buyer the per-reason
	// offset cap (bounded by the holdback) and releases the remainder to the
	// seller.
	ResolutionReleaseHoldbackMinusMinorCap ResolutionStrategy = "releaseHoldbackMinusMinorCap"
)

// Document is the parsed, validated form of a category policy template.
type Document struct {
	Monetary MonetaryPolicy
	Issue    IssuePolicy
	Timers   TimerPolicy
}

type MonetaryPolicy struct {
	ImmediatePercent decimal.Decimal
	HoldbackPercent  decimal.Decimal
}

type IssuePolicy struct {
	EvidenceRequired  bool
	DefaultResolution ResolutionStrategy
	// OffsetCapsByReasonCode caps the dispute offset per reason code.
	OffsetCapsByReasonCode map[string]decimal.Decimal
}

type TimerPolicy struct {
	AutoApprove AutoApproveTimer
	DisputeTTL  DisputeTTLTimer
}

type AutoApproveTimer struct {
	Enabled      bool
	DurationDays int
}

type DisputeTTLTimer struct {
	DurationDays int
}

// Template is a versioned, immutable category policy document.
type Template struct {
	ID        string
	Category  string
	Version   int
	Raw       []byte
	CreatedAt time.Time
}

// Instance is the per-deal snapshot of a template, fixed at deal creation.
type Instance struct {
	ID         string
	DealID     string
	TemplateID string
	Category   string
	Version    int
	Raw        []byte
	CreatedAt  time.Time
}

// AutoApproveDuration returns the auto-approve timer duration.
func (d Document) AutoApproveDuration() time.Duration {
	return time.Duration(d.Timers.AutoApprove.DurationDays) * 24 * time.Hour
}

// DisputeTTLDuration returns the dispute TTL duration.
func (d Document) DisputeTTLDuration() time.Duration {
	return time.Duration(d.Timers.DisputeTTL.DurationDays) * 24 * time.Hour
}

// OffsetCap returns the offset cap for a reason code, zero when absent.
func (d Document) OffsetCap(reasonCode string) decimal.Decimal {
	if capValue, ok := d.Issue.OffsetCapsByReasonCode[reasonCode]; ok {
		return capValue
	}
	return decimal.Zero
}
