package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeOfWalksWrapChain(t *testing.T) {
	inner := New(CodeLockTimeout, "lock wait exceeded")
	wrapped := fmt.Errorf("execute operation: %w", inner)
	doubleWrapped := fmt.Errorf("transaction failed: %w", wrapped)

	assert.Equal(t, CodeLockTimeout, CodeOf(doubleWrapped))
	assert.True(t, HasCode(doubleWrapped, CodeLockTimeout))
	assert.False(t, HasCode(doubleWrapped, CodeDeadlockDetected))
}

func TestCodeOfUnknownErrorIsInternal(t *testing.T) {
	assert.Equal(t, CodeInternal, CodeOf(assert.AnError))
	assert.Equal(t, CodeInternal, CodeOf(nil))
}

func TestErrorFormatting(t *testing.T) {
	err := Newf(CodeValidation, "quantity %s out of range", "-5").WithResource("orders:ord-1")
	assert.Contains(t, err.Error(), "VALIDATION_ERROR")
	assert.Contains(t, err.Error(), "orders:ord-1")
	assert.Contains(t, err.Error(), "-5")
}

func TestWithResourceDoesNotMutateOriginal(t *testing.T) {
	base := New(CodeLockTimeout, "slow")
	derived := base.WithResource("orders:1")
	assert.Empty(t, base.Resource)
	assert.Equal(t, "orders:1", derived.Resource)
}

func TestWrapPreservesCause(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := Wrap(CodeBrokerUnavailable, "cancel failed", cause)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "connection refused")
}
