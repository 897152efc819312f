package saga

// State captures where an order saga currently is.
type State string

const (
	StateCreated               State = "created"
	StateAwaitingInventory     State = "awaiting_inventory"
	StateAwaitingPayment       State = "awaiting_payment"
	StateConfirmed             State = "confirmed"
	StateCompensatingInventory State = "compensating_inventory"
	StateCancelled             State = "cancelled"
	StateFailed                State = "failed"
)

// transitions is the closed table of allowed forward moves. Terminal states
// have no entries, so every transition out of them is rejected.
var transitions = map[State][]State{
	StateCreated:               {StateAwaitingInventory, StateCancelled, StateFailed},
	StateAwaitingInventory:     {StateAwaitingPayment, StateCancelled, StateFailed},
	StateAwaitingPayment:       {StateConfirmed, StateCompensatingInventory, StateCancelled, StateFailed},
	StateCompensatingInventory: {StateCancelled, StateFailed},
}

// Terminal reports whether the saga accepts no further transitions.
func (s State) Terminal() bool {
	switch s {
	case StateConfirmed, StateCancelled, StateFailed:
		return true
	}
	return false
}

// Compensating reports whether the saga is on its compensation path.
func (s State) Compensating() bool {
	return s == StateCompensatingInventory
}

// Valid reports whether s is a member of the closed state set.
func (s State) Valid() bool {
	if s.Terminal() {
		return true
	}
	_, ok := transitions[s]
	return ok
}

// CanTransition reports whether the table allows moving from one state to another.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
