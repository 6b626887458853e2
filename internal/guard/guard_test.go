package guard_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/open-edge-platform/cms-agent/internal/guard"
)

func TestAcquireFailsWhenAlreadyHeld(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cms-agent.lock")

	first, err := guard.Acquire(path)
	require.NoError(t, err)
	defer first.Release()

	_, err = guard.Acquire(path)
	assert.Error(t, err)
}

func TestAcquireSucceedsAfterRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cms-agent.lock")

	first, err := guard.Acquire(path)
	require.NoError(t, err)
	require.NoError(t, first.Release())

	second, err := guard.Acquire(path)
	require.NoError(t, err)
	assert.NoError(t, second.Release())
}
