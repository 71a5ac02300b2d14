package deal

import (
	"errors"
	"testing"
)

func TestIsTransitionAllowed_FullGrid(t *testing.T) {
	allowed := map[State]map[State]bool{
		StateCreated:    {StateFunded: true},
		StateFunded:     {StateDelivered: true},
		StateDelivered:  {StateInspection: true},
		StateInspection: {StateApproved: true, StateIssue: true},
		StateApproved:   {StateSettled: true},
		StateIssue:      {StateSettled: true},
		StateSettled:    {},
	}

	for _, from := range States() {
		for _, to := range States() {
			want := allowed[from][to]
			if got := IsTransitionAllowed(from, to); got != want {
				t.Errorf("IsTransitionAllowed(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestIsTransitionAllowed_SettledIsTerminal(t *testing.T) {
	for _, to := range States() {
		if IsTransitionAllowed(StateSettled, to) {
			t.Errorf("SETTLED must not transition to %s", to)
		}
	}
}

func TestValidateTransition_Error(t *testing.T) {
	err := ValidateTransition(StateCreated, StateSettled)
	if err == nil {
		t.Fatal("expected error for CREATED -> SETTLED")
	}
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestValidateTransition_NoSelfLoops(t *testing.T) {
	for _, s := range States() {
		if err := ValidateTransition(s, s); err == nil {
			t.Errorf("self transition %s -> %s must be rejected", s, s)
		}
	}
}
