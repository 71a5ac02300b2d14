package policy

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// Documented fallbacks applied when a template snapshot is malformed or
// incomplete. Malformed policy must never abort deal progression.
var (
	defaultImmediatePercent = decimal.NewFromInt(70)
	defaultHoldbackPercent  = decimal.NewFromInt(30)
)

const (
	defaultAutoApproveDays = 7
	defaultDisputeTTLDays  = 14
)

type rawDocument struct {
	Monetary *struct {
		ImmediatePercent *decimal.Decimal `json:"immediatePercent"`
		HoldbackPercent  *decimal.Decimal `json:"holdbackPercent"`
	} `json:"monetaryPolicy"`
	Issue *struct {
		EvidenceRequired             *bool             `json:"evidenceRequired"`
		DefaultResolutionOnDisputeTTL string            `json:"defaultResolutionOnDisputeTTL"`
		OffsetCapsByReasonCode       map[string]string `json:"offsetCapsByReasonCode"`
	} `json:"issuePolicy"`
	Timers *struct {
		AutoApprove *struct {
			Enabled      *bool `json:"enabled"`
			DurationDays *int  `json:"durationDays"`
		} `json:"AUTO_APPROVE"`
		DisputeTTL *struct {
			DurationDays *int `json:"durationDays"`
		} `json:"DISPUTE_TTL"`
	} `json:"timers"`
}

// Default returns the fallback policy document.
func Default() Document {
	return Document{
		Monetary: MonetaryPolicy{
			ImmediatePercent: defaultImmediatePercent,
			HoldbackPercent:  defaultHoldbackPercent,
		},
		Issue: IssuePolicy{
			EvidenceRequired:       true,
			DefaultResolution:      ResolutionReleaseHoldbackMinusMinorCap,
			OffsetCapsByReasonCode: map[string]decimal.Decimal{},
		},
		Timers: TimerPolicy{
			AutoApprove: AutoApproveTimer{Enabled: true, DurationDays: defaultAutoApproveDays},
			DisputeTTL:  DisputeTTLTimer{DurationDays: defaultDisputeTTLDays},
		},
	}
}

// Parse decodes a raw policy snapshot into a Document, substituting the
// documented defaults for any missing or invalid field. It never fails; the
// returned warnings describe every fallback taken so callers can log them.
func Parse(raw []byte) (Document, []string) {
	doc := Default()
	var warnings []string

	var parsed rawDocument
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return doc, []string{fmt.Sprintf("malformed policy document, using defaults: %v", err)}
	}

	if parsed.Monetary == nil || parsed.Monetary.ImmediatePercent == nil || parsed.Monetary.HoldbackPercent == nil {
		warnings = append(warnings, "monetaryPolicy missing, using 70/30 split")
	} else {
		imm := *parsed.Monetary.ImmediatePercent
		hold := *parsed.Monetary.HoldbackPercent
		switch {
		case imm.IsNegative() || hold.IsNegative():
			warnings = append(warnings, "monetaryPolicy percentages negative, using 70/30 split")
		case !imm.Add(hold).Equal(decimal.NewFromInt(100)):
			warnings = append(warnings, "monetaryPolicy percentages do not sum to 100, using 70/30 split")
		default:
			doc.Monetary.ImmediatePercent = imm
			doc.Monetary.HoldbackPercent = hold
		}
	}

	if parsed.Issue == nil {
		warnings = append(warnings, "issuePolicy missing, using defaults")
	} else {
		if parsed.Issue.EvidenceRequired != nil {
			doc.Issue.EvidenceRequired = *parsed.Issue.EvidenceRequired
		} else {
			warnings = append(warnings, "issuePolicy.evidenceRequired missing, defaulting to required")
		}
		switch strategy := ResolutionStrategy(parsed.Issue.DefaultResolutionOnDisputeTTL); strategy {
		case ResolutionReleaseHoldbackMinusMinorCap:
			doc.Issue.DefaultResolution = strategy
		case "":
			warnings = append(warnings, "issuePolicy.defaultResolutionOnDisputeTTL missing, using releaseHoldbackMinusMinorCap")
		default:
			warnings = append(warnings, fmt.Sprintf("unknown resolution strategy %q, using releaseHoldbackMinusMinorCap", strategy))
		}
		for reason, capStr := range parsed.Issue.OffsetCapsByReasonCode {
			capValue, err := decimal.NewFromString(capStr)
			if err != nil || capValue.IsNegative() {
				warnings = append(warnings, fmt.Sprintf("offset cap for %s invalid, ignoring", reason))
				continue
			}
			doc.Issue.OffsetCapsByReasonCode[reason] = capValue
		}
	}

	if parsed.Timers == nil {
		warnings = append(warnings, "timers missing, using defaults")
		return doc, warnings
	}

	if aa := parsed.Timers.AutoApprove; aa != nil {
		if aa.Enabled != nil {
			doc.Timers.AutoApprove.Enabled = *aa.Enabled
		}
		if aa.DurationDays != nil && *aa.DurationDays > 0 {
			doc.Timers.AutoApprove.DurationDays = *aa.DurationDays
		} else if aa.DurationDays != nil {
			warnings = append(warnings, "timers.AUTO_APPROVE.durationDays invalid, using 7 days")
		}
	} else {
		warnings = append(warnings, "timers.AUTO_APPROVE missing, using defaults")
	}

	if dt := parsed.Timers.DisputeTTL; dt != nil {
		if dt.DurationDays != nil && *dt.DurationDays > 0 {
			doc.Timers.DisputeTTL.DurationDays = *dt.DurationDays
		} else if dt.DurationDays != nil {
			warnings = append(warnings, "timers.DISPUTE_TTL.durationDays invalid, using 14 days")
		}
	} else {
		warnings = append(warnings, "timers.DISPUTE_TTL missing, using defaults")
	}

	return doc, warnings
}

// SplitAmount divides a total into immediate and holdback shares using the
// document's percentages. The immediate share is rounded half-up to two
// decimals; the holdback is the exact remainder so the parts always sum to
// the total.
func (d Document) SplitAmount(total decimal.Decimal) (immediate, holdback decimal.Decimal) {
	immediate = total.Mul(d.Monetary.ImmediatePercent).Div(decimal.NewFromInt(100)).Round(2)
	holdback = total.Sub(immediate)
	return immediate, holdback
}
