package apperrors

import (
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestKind(t *testing.T) {
	err := Wrapf(ErrIllegalTransition, "transition %q from state %d", "approve", 3)
	assert.Equal(t, ErrIllegalTransition, Kind(err))
	assert.Contains(t, err.Error(), "illegal transition")
	assert.Contains(t, err.Error(), "approve")

	wrapped := fmt.Errorf("engine: %w", errors.WithMessage(err, "asset#42"))
	assert.Equal(t, ErrIllegalTransition, Kind(wrapped))

	assert.Nil(t, Kind(nil))
	assert.Nil(t, Kind(errors.New("connection refused")))
}

func TestCode(t *testing.T) {
	assert.Equal(t, "ok", Code(nil))
	assert.Equal(t, "not_tracked", Code(Wrapf(ErrNotTracked, "asset#1")))
	assert.Equal(t, "conflict", Code(fmt.Errorf("retry: %w", ErrConflict)))
	assert.Equal(t, "internal", Code(errors.New("connection reset by peer")))
}
