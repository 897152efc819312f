package saga

import "testing"

func TestCanTransition_HappyPath(t *testing.T) {
	t.Parallel()

	path := []State{StateCreated, StateAwaitingInventory, StateAwaitingPayment, StateConfirmed}
	for i := 0; i < len(path)-1; i++ {
		if !CanTransition(path[i], path[i+1]) {
			t.Fatalf("expected %s -> %s to be allowed", path[i], path[i+1])
		}
	}
}

func TestCanTransition_CompensationPath(t *testing.T) {
	t.Parallel()

	if !CanTransition(StateAwaitingPayment, StateCompensatingInventory) {
		t.Fatalf("expected payment failure to enter compensation")
	}
	if !CanTransition(StateCompensatingInventory, StateCancelled) {
		t.Fatalf("expected compensation to finish in cancelled")
	}
	if CanTransition(StateCompensatingInventory, StateConfirmed) {
		t.Fatalf("compensating saga must not confirm")
	}
}

func TestCanTransition_TerminalStatesAreFinal(t *testing.T) {
	t.Parallel()

	terminals := []State{StateConfirmed, StateCancelled, StateFailed}
	all := []State{
		StateCreated, StateAwaitingInventory, StateAwaitingPayment,
		StateConfirmed, StateCompensatingInventory, StateCancelled, StateFailed,
	}
	for _, from := range terminals {
		if !from.Terminal() {
			t.Fatalf("%s should be terminal", from)
		}
		for _, to := range all {
			if CanTransition(from, to) {
				t.Fatalf("terminal state %s must not transition to %s", from, to)
			}
		}
	}
}

func TestCanTransition_NoRegression(t *testing.T) {
	t.Parallel()

	if CanTransition(StateAwaitingPayment, StateAwaitingInventory) {
		t.Fatalf("saga must not move backwards")
	}
	if CanTransition(StateAwaitingInventory, StateConfirmed) {
		t.Fatalf("saga must not skip the payment step")
	}
}

func TestStateValid(t *testing.T) {
	t.Parallel()

	for _, s := range []State{
		StateCreated, StateAwaitingInventory, StateAwaitingPayment,
		StateConfirmed, StateCompensatingInventory, StateCancelled, StateFailed,
	} {
		if !s.Valid() {
			t.Fatalf("%s should be valid", s)
		}
	}
	if State("shipped").Valid() {
		t.Fatalf("unknown state should be invalid")
	}
}
