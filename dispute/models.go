package dispute

import "time"

// Status represents the lifecycle of a dispute case.
type Status string

const (
	StatusOpen     Status = "open"
	StatusResolved Status = "resolved"
)

// ReasonCode is the closed enumeration of grounds for raising an issue.
type ReasonCode string

const (
	ReasonDamageMinor    ReasonCode = "DAMAGE_MINOR"
	ReasonDamageMajor    ReasonCode = "DAMAGE_MAJOR"
	ReasonNotAsDescribed ReasonCode = "NOT_AS_DESCRIBED"
	ReasonLate           ReasonCode = "LATE"
	ReasonOther          ReasonCode = "OTHER"
)

// ValidReason reports whether code is part of the enumeration.
func ValidReason(code ReasonCode) bool {
	switch code {
	case ReasonDamageMinor, ReasonDamageMajor, ReasonNotAsDescribed, ReasonLate, ReasonOther:
		return true
	default:
		return false
	}
}

// Case mirrors the disputes table. A deal has at most one open case; once
// resolved the row is retained as a record.
type Case struct {
	ID         string
	DealID     string
	ReasonCode ReasonCode
	Details    string
	Status     Status
	OpenedAt   time.Time
	ExpiresAt  time.Time
	ResolvedAt *time.Time
	ResolverID *string
	Outcome    *string
}
