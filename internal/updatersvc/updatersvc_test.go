package updatersvc_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kardianos/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/open-edge-platform/cms-agent/internal/updatersvc"
)

// nonexistentPID is a PID unlikely to be in use, simulating an already-exited
// old agent so tests don't block on the wait step.
const nonexistentPID = 999999

type fakeController struct {
	startErr  error
	statuses  []service.Status
	call      int
}

func (f *fakeController) Start() error {
	return f.startErr
}

func (f *fakeController) Status() (service.Status, error) {
	if len(f.statuses) == 0 {
		return service.StatusRunning, nil
	}
	idx := f.call
	if idx >= len(f.statuses) {
		idx = len(f.statuses) - 1
	}
	f.call++
	return f.statuses[idx], nil
}

func setupInstall(t *testing.T) (installDir, newAgentPath string) {
	t.Helper()
	root := t.TempDir()
	installDir = filepath.Join(root, "install")
	require.NoError(t, os.MkdirAll(installDir, 0750))
	require.NoError(t, os.WriteFile(filepath.Join(installDir, "cms-agent"), []byte("old"), 0750))

	newAgentPath = filepath.Join(root, "staged", "cms-agent")
	require.NoError(t, os.MkdirAll(filepath.Dir(newAgentPath), 0750))
	require.NoError(t, os.WriteFile(newAgentPath, []byte("new"), 0750))
	return installDir, newAgentPath
}

func TestRunSucceedsOnHappyPath(t *testing.T) {
	installDir, newAgentPath := setupInstall(t)

	u := updatersvc.New(updatersvc.Parameters{
		OldPID:            nonexistentPID,
		NewAgentPath:      newAgentPath,
		CurrentInstallDir: installDir,
		CurrentVersion:    "1.0.0",
	}, &fakeController{statuses: []service.Status{service.StatusRunning}})
	u.SetTimings(time.Second, 20*time.Millisecond, 5*time.Millisecond)

	outcome := u.Run(t.Context())
	assert.Equal(t, updatersvc.OutcomeSuccess, outcome)
	assert.Equal(t, updatersvc.PhaseDone, u.Phase())

	data, err := os.ReadFile(filepath.Join(installDir, "cms-agent"))
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))
}

func TestRunRollsBackWhenNewServiceFailsToStart(t *testing.T) {
	installDir, newAgentPath := setupInstall(t)

	u := updatersvc.New(updatersvc.Parameters{
		OldPID:            nonexistentPID,
		NewAgentPath:      newAgentPath,
		CurrentInstallDir: installDir,
		CurrentVersion:    "1.0.0",
	}, &fakeController{startErr: assert.AnError})
	u.SetTimings(time.Second, 20*time.Millisecond, 5*time.Millisecond)

	outcome := u.Run(t.Context())
	assert.Equal(t, updatersvc.OutcomeNewServiceStartFailed, outcome)

	data, err := os.ReadFile(filepath.Join(installDir, "cms-agent"))
	require.NoError(t, err)
	assert.Equal(t, "old", string(data))
}
