package redmap

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestState_Transitions(t *testing.T) {
	allowed := []struct{ from, to State }{
		{Transient, PendingCommit},
		{PendingCommit, Persistent},
		{PendingCommit, Transient},
		{Persistent, PendingCommit},
		{Persistent, Deleted},
	}
	for _, tt := range allowed {
		next, err := tt.from.transition(tt.to)
		assert.NoError(t, err, "%s -> %s", tt.from, tt.to)
		assert.Equal(t, tt.to, next)
	}

	denied := []struct{ from, to State }{
		{Transient, Persistent},
		{Transient, Deleted},
		{PendingCommit, Deleted},
		{Deleted, Transient},
		{Deleted, PendingCommit},
		{Deleted, Persistent},
	}
	for _, tt := range denied {
		_, err := tt.from.transition(tt.to)
		assert.True(t, errors.Is(err, ErrInvalidTransition), "%s -> %s", tt.from, tt.to)
	}
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "transient", Transient.String())
	assert.Equal(t, "deleted", Deleted.String())
	assert.Equal(t, "state(42)", State(42).String())
}
