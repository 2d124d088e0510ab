package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorMessageIncludesEntityAndOp(t *testing.T) {
	err := Resource("container", "c-1", "start", errors.New("daemon unreachable"))

	assert.Contains(t, err.Error(), "container c-1")
	assert.Contains(t, err.Error(), "start")
	assert.Contains(t, err.Error(), "daemon unreachable")
	assert.Contains(t, err.Error(), "resource")
}

func TestIsKindThroughWrapping(t *testing.T) {
	base := NotFound("workspace", "ws-9")
	wrapped := fmt.Errorf("creating container: %w", base)

	assert.True(t, IsNotFound(wrapped))
	assert.False(t, IsStateConflict(wrapped))
}

func TestStateConflictNamesCurrentState(t *testing.T) {
	err := StateConflict("container", "c-2", "start", "removing")

	require.True(t, IsStateConflict(err))
	assert.Contains(t, err.Error(), `"removing"`)
}

func TestUnwrapReturnsCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Resource("workspace", "ws-1", "create", cause)

	assert.ErrorIs(t, err, cause)
}
