package swaperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorIsMatchesByCode(t *testing.T) {
	err := New(InsufficientLiquidity, "need %d more", 42)

	assert.True(t, errors.Is(err, ErrInsufficientLiquidity))
	assert.False(t, errors.Is(err, ErrInsufficientFunds))

	wrapped := fmt.Errorf("fill: %w", err)
	assert.True(t, errors.Is(wrapped, ErrInsufficientLiquidity))
	assert.Equal(t, InsufficientLiquidity, CodeOf(wrapped))
}

func TestWrapKeepsCauseAndStack(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(BroadcastFailure, cause, "broadcast %s", "abcd")

	require.ErrorIs(t, err, cause)
	assert.NotNil(t, err.StackTrace())
	assert.Contains(t, err.Error(), "broadcast_failure (4001)")
	assert.Contains(t, err.Error(), "connection refused")
}

func TestCodeOfForeignError(t *testing.T) {
	assert.Equal(t, Internal, CodeOf(errors.New("boom")))
	assert.False(t, Retryable(New(Validation, "bad amount")))
	assert.True(t, Retryable(New(LedgerOutOfSync, "behind by one")))
}
