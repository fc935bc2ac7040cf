package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppErrorMessage(t *testing.T) {
	t.Run("without cause", func(t *testing.T) {
		err := NotFound("message %s", "m1")
		assert.Equal(t, "NOT_FOUND: message m1", err.Error())
	})

	t.Run("with cause", func(t *testing.T) {
		cause := errors.New("connection reset")
		err := Transient("append", cause)
		assert.Equal(t, "TRANSIENT: append: connection reset", err.Error())
		assert.ErrorIs(t, err, cause)
	})
}

func TestCodeOfWrappedChain(t *testing.T) {
	base := Validation("empty body")
	wrapped := fmt.Errorf("send text: %w", base)

	assert.Equal(t, CodeValidation, CodeOf(wrapped))
	assert.True(t, IsValidation(wrapped))
	assert.False(t, IsNotFound(wrapped))

	var ae *AppError
	require.True(t, errors.As(wrapped, &ae))
	assert.Equal(t, "empty body", ae.Message)
}

func TestCodeOfForeignError(t *testing.T) {
	assert.Equal(t, CodeInternal, CodeOf(errors.New("boom")))
	assert.Equal(t, Code(""), CodeOf(nil))
	assert.False(t, IsTransient(nil))
}

func TestPredicates(t *testing.T) {
	tests := []struct {
		name string
		err  error
		is   func(error) bool
	}{
		{"validation", Validation("x"), IsValidation},
		{"not found", NotFound("x"), IsNotFound},
		{"transient", Transient("x", nil), IsTransient},
		{"conflict", Conflict("x"), IsConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, tt.is(tt.err))
		})
	}
}
