package txn

import (
	"fmt"

	"github.com/finbank/transaction-engine/internal/apperr"
	"github.com/finbank/transaction-engine/internal/model"
)

// transitions is the full lifecycle. Everything else is forbidden; terminal
// states admit no exit except executed -> reversed, which only Reverse takes
// as an explicit compensating action.
var transitions = map[string]map[string]bool{
	model.StatusScheduled: {model.StatusPending: true},
	model.StatusPending:   {model.StatusExecuting: true, model.StatusFailed: true},
	model.StatusExecuting: {model.StatusExecuted: true, model.StatusFailed: true, model.StatusPending: true},
	model.StatusExecuted:  {model.StatusReversed: true},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to string) bool {
	return transitions[from][to]
}

// Terminal reports whether a status admits no further execution.
func Terminal(status string) bool {
	switch status {
	case model.StatusExecuted, model.StatusFailed, model.StatusReversed:
		return true
	}
	return false
}

// checkTransition wraps the table in the error taxonomy.
func checkTransition(from, to string) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", apperr.ErrInvalidState, from, to)
	}
	return nil
}
