package dispute

import (
	"context"
	"errors"
	"testing"
)

func TestValidReason(t *testing.T) {
	for _, code := range []ReasonCode{
		ReasonDamageMinor, ReasonDamageMajor, ReasonNotAsDescribed, ReasonLate, ReasonOther,
	} {
		if !ValidReason(code) {
			t.Errorf("expected %s to be valid", code)
		}
	}
	for _, code := range []ReasonCode{"", "damage_minor", "BROKEN", "DAMAGE"} {
		if ValidReason(code) {
			t.Errorf("expected %q to be invalid", code)
		}
	}
}

// The service is constructed without a pool here: rejection must happen
// before any database interaction, so a nil pool proves nothing was touched.
func TestRaise_RejectsUnknownReasonBeforeAnyWrite(t *testing.T) {
	svc := NewService(nil, nil, nil, nil, nil, nil)

	_, err := svc.Raise(context.Background(), RaiseParams{
		DealID:     "deal-1",
		ActorID:    "buyer-1",
		ReasonCode: "BROKEN",
	})

	if !errors.Is(err, ErrReasonRequired) {
		t.Fatalf("expected ErrReasonRequired, got %v", err)
	}
}

func TestRaise_RequiresDetailsForOther(t *testing.T) {
	svc := NewService(nil, nil, nil, nil, nil, nil)

	_, err := svc.Raise(context.Background(), RaiseParams{
		DealID:     "deal-1",
		ActorID:    "buyer-1",
		ReasonCode: ReasonOther,
		Details:    "   ",
	})

	if !errors.Is(err, ErrDetailsRequired) {
		t.Fatalf("expected ErrDetailsRequired, got %v", err)
	}
}

func TestRaise_DetailsOptionalForEnumeratedReasons(t *testing.T) {
	svc := NewService(nil, nil, nil, nil, nil, nil)

	// With validation passed the next step is the transaction; a nil pool
	// panics, which is how we know the empty details were accepted.
	defer func() {
		if recover() == nil {
			t.Fatal("expected the call to reach the transaction stage")
		}
	}()
	_, _ = svc.Raise(context.Background(), RaiseParams{
		DealID:     "deal-1",
		ActorID:    "buyer-1",
		ReasonCode: ReasonDamageMinor,
	})
}

func TestResolve_RequiresOutcome(t *testing.T) {
	svc := NewService(nil, nil, nil, nil, nil, nil)

	if _, err := svc.Resolve(context.Background(), "case-1", "  ", "admin-1"); err == nil {
		t.Fatal("expected error for blank outcome")
	}
}
