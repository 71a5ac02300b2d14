package deal

import "fmt"

// transitions is the fixed, acyclic transition table. SETTLED is terminal
// and has no entry.
var transitions = map[State][]State{
	StateCreated:    {StateFunded},
	StateFunded:     {StateDelivered},
	StateDelivered:  {StateInspection},
	StateInspection: {StateApproved, StateIssue},
	StateApproved:   {StateSettled},
	StateIssue:      {StateSettled},
}

// IsTransitionAllowed reports whether current may move to next.
func IsTransitionAllowed(current, next State) bool {
	if current == StateSettled {
		// Terminal regardless of the table.
		return false
	}
	for _, allowed := range transitions[current] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ValidateTransition returns ErrInvalidTransition when current may not move
// to next.
func ValidateTransition(current, next State) error {
	if !IsTransitionAllowed(current, next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, next)
	}
	return nil
}

// States lists every defined deal state.
func States() []State {
	return []State{
		StateCreated, StateFunded, StateDelivered, StateInspection,
		StateApproved, StateIssue, StateSettled,
	}
}
