package deal

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// State is a deal's position in the escrow lifecycle.
type State string

const (
	StateCreated    State = "CREATED"
	StateFunded     State = "FUNDED"
	StateDelivered  State = "DELIVERED"
	StateInspection State = "INSPECTION"
	StateApproved   State = "APPROVED"
	StateIssue      State = "ISSUE"
	StateSettled    State = "SETTLED"
)

var (
	// ErrNotFound is returned when no deal exists for the given id.
	ErrNotFound = errors.New("deal: not found")
	// ErrInvalidTransition signals a state change outside the transition table.
	ErrInvalidTransition = errors.New("deal: invalid transition")
)

// Deal mirrors the deals table. The monetary split is fixed at creation:
// Immediate + Holdback = Total, always.
type Deal struct {
	ID                 string
	BuyerID            string
	SellerID           string
	ItemRef            string
	Category           string
	Total              decimal.Decimal
	Immediate          decimal.Decimal
	Holdback           decimal.Decimal
	Currency           string
	State              State
	ContractInstanceID string
	DisputeOpen        bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// CreateParams carries the inputs for opening a new deal.
type CreateParams struct {
	BuyerID  string
	SellerID string
	ItemRef  string
	Category string
	Total    decimal.Decimal
	Currency string
}
