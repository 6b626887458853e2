package supervisor_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/open-edge-platform/cms-agent/internal/supervisor"
)

func TestProgramStartRunsCallbackAsync(t *testing.T) {
	started := make(chan struct{})
	prg := supervisor.NewProgram(func() { close(started) }, func(error) {})

	require.NoError(t, prg.Start(nil))

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("run callback was not invoked")
	}
}

func TestProgramStopInvokesCancel(t *testing.T) {
	_, cancel := context.WithCancelCause(context.Background())
	canceled := make(chan struct{})
	prg := supervisor.NewProgram(func() {}, func(cause error) {
		close(canceled)
	})
	_ = cancel

	require.NoError(t, prg.Stop(nil))

	select {
	case <-canceled:
	case <-time.After(time.Second):
		t.Fatal("cancel was not invoked")
	}
}

func TestConfigNamesService(t *testing.T) {
	cfg := supervisor.Config("cms-agent", "CMS Agent", "Host management agent")
	assert.Equal(t, "cms-agent", cfg.Name)
	assert.Equal(t, "CMS Agent", cfg.DisplayName)
}
