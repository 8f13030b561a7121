package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRetryable(t *testing.T) {
	base := errors.New("backend unavailable")

	assert.Nil(t, Retryable(nil))
	assert.False(t, IsRetryable(base))

	err := Retryable(base)
	assert.True(t, IsRetryable(err))
	assert.ErrorIs(t, err, base)
	assert.Same(t, err, Retryable(err))

	wrapped := fmt.Errorf("append: %w", err)
	assert.True(t, IsRetryable(wrapped))
}
