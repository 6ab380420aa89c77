package txn

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/finbank/transaction-engine/internal/model"
)

func TestCanTransition(t *testing.T) {
	allowed := [][2]string{
		{model.StatusScheduled, model.StatusPending},
		{model.StatusPending, model.StatusExecuting},
		{model.StatusPending, model.StatusFailed},
		{model.StatusExecuting, model.StatusExecuted},
		{model.StatusExecuting, model.StatusFailed},
		{model.StatusExecuting, model.StatusPending}, // stuck-executing requeue
		{model.StatusExecuted, model.StatusReversed},
	}
	for _, tr := range allowed {
		assert.True(t, CanTransition(tr[0], tr[1]), "%s -> %s should be allowed", tr[0], tr[1])
	}

	forbidden := [][2]string{
		{model.StatusScheduled, model.StatusExecuting},
		{model.StatusScheduled, model.StatusExecuted},
		{model.StatusPending, model.StatusExecuted},
		{model.StatusPending, model.StatusScheduled},
		{model.StatusExecuted, model.StatusPending},
		{model.StatusExecuted, model.StatusExecuting},
		{model.StatusFailed, model.StatusPending},
		{model.StatusFailed, model.StatusReversed},
		{model.StatusReversed, model.StatusPending},
		{model.StatusReversed, model.StatusExecuted},
	}
	for _, tr := range forbidden {
		assert.False(t, CanTransition(tr[0], tr[1]), "%s -> %s must be forbidden", tr[0], tr[1])
	}
}

func TestTerminal(t *testing.T) {
	assert.True(t, Terminal(model.StatusExecuted))
	assert.True(t, Terminal(model.StatusFailed))
	assert.True(t, Terminal(model.StatusReversed))
	assert.False(t, Terminal(model.StatusPending))
	assert.False(t, Terminal(model.StatusScheduled))
	assert.False(t, Terminal(model.StatusExecuting))
}
