package apperrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMatchesByCode(t *testing.T) {
	err := NewSimulationReverted("AA21 didn't pay prefund", errors.New("rpc error"))
	wrapped := fmt.Errorf("estimate: %w", err)

	assert.True(t, errors.Is(wrapped, ErrSimulationReverted))
	assert.False(t, errors.Is(wrapped, ErrSubmissionFailed))
	assert.Equal(t, CodeSimulationReverted, CodeOf(wrapped))
	assert.Equal(t, "AA21 didn't pay prefund", Reason(wrapped))
}

func TestErrorUnwrapsCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewSubmissionFailed("eth_sendUserOperation", cause)

	assert.True(t, errors.Is(err, cause))
	assert.Contains(t, err.Error(), "eth_sendUserOperation")
	assert.Contains(t, err.Error(), "connection refused")
}

func TestCodeOfPlainError(t *testing.T) {
	assert.Equal(t, ErrorCode(""), CodeOf(errors.New("plain")))
	assert.Equal(t, "", Reason(nil))
}
