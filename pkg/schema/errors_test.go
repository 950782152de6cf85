package schema

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCadenzaError_Format(t *testing.T) {
	err := NewError(ErrCodeNotFound, "schedule not found")
	assert.Equal(t, "[NOT_FOUND] schedule not found", err.Error())

	err = NewErrorf(ErrCodeProcessorFault, "function %q failed", "notify").WithActivity("act-1")
	assert.Equal(t, `[PROCESSOR_FAULT] activity act-1: function "notify" failed`, err.Error())
}

func TestCadenzaError_Unwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := NewError(ErrCodeStore, "append failed").WithCause(cause)
	assert.ErrorIs(t, err, cause)

	wrapped := fmt.Errorf("trigger: %w", err)
	var ce *CadenzaError
	assert.True(t, errors.As(wrapped, &ce))
	assert.Equal(t, ErrCodeStore, ce.Code)
}

func TestIsCode(t *testing.T) {
	inner := NewError(ErrCodeConflict, "version mismatch")
	outer := NewError(ErrCodeSchedulingFault, "trigger failed").WithCause(inner)

	assert.True(t, IsCode(outer, ErrCodeSchedulingFault))
	assert.True(t, IsCode(outer, ErrCodeConflict))
	assert.True(t, IsCode(fmt.Errorf("wrap: %w", outer), ErrCodeConflict))
	assert.False(t, IsCode(outer, ErrCodeNotFound))
	assert.False(t, IsCode(errors.New("plain"), ErrCodeNotFound))
	assert.False(t, IsCode(nil, ErrCodeNotFound))
}

func TestCadenzaError_IsRetryable(t *testing.T) {
	assert.True(t, NewError(ErrCodeConflict, "x").IsRetryable())
	assert.True(t, NewError(ErrCodeStore, "x").IsRetryable())
	assert.False(t, NewError(ErrCodeValidation, "x").IsRetryable())
	assert.False(t, NewError(ErrCodeInvalidTransition, "x").IsRetryable())
}
