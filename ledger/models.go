package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// EntryType tags the direction of a money movement.
type EntryType string

const (
	EntryHold    EntryType = "HOLD"
	EntryRelease EntryType = "RELEASE"
	EntryRefund  EntryType = "REFUND"
	EntryOffset  EntryType = "OFFSET"
)

// Account tags identify the internal bookkeeping accounts money moves
// between. The ledger models internal movement only, not bank rails.
const (
	AccountBuyer  = "buyer"
	AccountSeller = "seller"
	AccountEscrow = "escrow"
)

// Action describes one money movement to execute against a deal. Each value
// carries only what the movement needs; the ReferenceID links dispute
// offsets to their case.
type Action struct {
	Type        EntryType
	Amount      decimal.Decimal
	Currency    string
	Source      string
	Destination string
	ReferenceID string
}

// Entry is a persisted, append-only ledger row. Entries are never mutated
// or deleted.
type Entry struct {
	ID             string
	DealID         string
	Type           EntryType
	Amount         decimal.Decimal
	Currency       string
	Source         string
	Destination    string
	ReferenceID    *string
	IdempotencyKey string
	CreatedBy      string
	CreatedAt      time.Time
}

// Hold builds the action that escrows a deal's funds.
func Hold(amount decimal.Decimal, currency string) Action {
	return Action{
		Type:        EntryHold,
		Amount:      amount,
		Currency:    currency,
		Source:      AccountBuyer,
		Destination: AccountEscrow,
	}
}

// Release builds the action that pays escrowed funds to the seller.
func Release(amount decimal.Decimal, currency string) Action {
	return Action{
		Type:        EntryRelease,
		Amount:      amount,
		Currency:    currency,
		Source:      AccountEscrow,
		Destination: AccountSeller,
	}
}

// ReleaseFor builds a release linked to the record that triggered it. The
// reference is part of the idempotency fingerprint, so a referenced release
// never collides with an unreferenced one of the same amount; a deal whose
// immediate share equals its holdback still yields two distinct entries.
func ReleaseFor(amount decimal.Decimal, currency, referenceID string) Action {
	a := Release(amount, currency)
	a.ReferenceID = referenceID
	return a
}

// Offset builds the action that compensates the buyer from the holdback,
// referencing the dispute that caused it.
func Offset(amount decimal.Decimal, currency, disputeID string) Action {
	return Action{
		Type:        EntryOffset,
		Amount:      amount,
		Currency:    currency,
		Source:      AccountEscrow,
		Destination: AccountBuyer,
		ReferenceID: disputeID,
	}
}

// Refund builds the action that returns escrowed funds to the buyer.
func Refund(amount decimal.Decimal, currency string) Action {
	return Action{
		Type:        EntryRefund,
		Amount:      amount,
		Currency:    currency,
		Source:      AccountEscrow,
		Destination: AccountBuyer,
	}
}
