package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestCanTransition_Graph verifies the allowed lifecycle edges.
func TestCanTransition_Graph(t *testing.T) {
	t.Parallel()

	assert.True(t, StatusInit.CanTransition(StatusAwaitingAuthentication))
	assert.True(t, StatusAwaitingAuthentication.CanTransition(StatusAuthorized))
	assert.True(t, StatusAuthorized.CanTransition(StatusCompleted))
	assert.True(t, StatusAuthorized.CanTransition(StatusCancelled))
	assert.True(t, StatusAwaitingAuthentication.CanTransition(StatusDeclined))

	assert.False(t, StatusAwaitingAuthentication.CanTransition(StatusCancelled))
	assert.False(t, StatusAuthorized.CanTransition(StatusAwaitingAuthentication))
}

// TestCanTransition_TerminalStatesAreFinal verifies terminal states never move.
func TestCanTransition_TerminalStatesAreFinal(t *testing.T) {
	t.Parallel()

	all := []TransactionStatus{
		StatusInit, StatusAwaitingAuthentication, StatusAuthorized,
		StatusCompleted, StatusDeclined, StatusCancelled,
	}
	for _, from := range []TransactionStatus{StatusCompleted, StatusDeclined, StatusCancelled} {
		assert.True(t, from.Terminal())
		for _, to := range all {
			assert.False(t, from.CanTransition(to), "%s -> %s", from, to)
		}
	}
}

// TestDeclined_UsesReasonTexts verifies Declined fills reason fields from the code.
func TestDeclined_UsesReasonTexts(t *testing.T) {
	t.Parallel()

	out := Declined(ReasonInsufficientFunds, "")
	assert.False(t, out.Success)
	assert.Equal(t, "InsufficientFunds", out.Model.Reason)
	assert.Equal(t, StatusDeclined, out.Model.Status)
	assert.Equal(t, ReasonInsufficientFunds.CardHolderMessage(), out.Message)
}
