// Package updatersvc implements the out-of-process updater: a linear state
// machine that waits for the old agent to exit, backs up the install
// directory, deploys the new files, starts the new service, watchdogs it,
// and rolls back on failure. The state-flow shape (backup → deploy →
// start → watch → cleanup-or-rollback) follows
// platform-update-agent/internal/updater's UpdateController sequencing,
// adapted from an in-process OS-package update to an out-of-process
// atomic binary swap; service start/stop goes through
// github.com/kardianos/service as in configuration-agent/configuration/win.go.
package updatersvc

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kardianos/service"

	"github.com/open-edge-platform/cms-agent/internal/logger"
)

var log = logger.New("updater", "")

// Phase is one state in the updater's linear state machine.
type Phase string

const (
	PhaseWaiting      Phase = "Waiting"
	PhaseBackingUp    Phase = "BackingUp"
	PhaseDeploying    Phase = "Deploying"
	PhaseStarting     Phase = "Starting"
	PhaseWatching     Phase = "Watching"
	PhaseCleaningUp   Phase = "CleaningUp"
	PhaseRollingBack  Phase = "RollingBack"
	PhaseDone         Phase = "Done"
	PhaseFailed       Phase = "Failed"
)

// Outcome is the terminal result reported on the updater's own exit code.
type Outcome string

const (
	OutcomeSuccess               Outcome = "Success"
	OutcomeBackupFailed          Outcome = "BackupFailed"
	OutcomeDeployFailed          Outcome = "DeployFailed"
	OutcomeNewServiceStartFailed Outcome = "NewServiceStartFailed"
	OutcomeRollbackFailed        Outcome = "RollbackFailed"
	OutcomeAgentStopTimeout      Outcome = "AgentStopTimeout"
	OutcomeWatchdogRollback      Outcome = "WatchdogTriggeredRollback"
)

// Parameters are the update handoff inputs the agent passes to the updater
// process (see types.UpdateParameters for the agent-side equivalent).
type Parameters struct {
	OldPID            int
	NewAgentPath      string
	CurrentInstallDir string
	UpdaterLogDir     string
	CurrentVersion    string
}

const (
	defaultAgentStopTimeout    = 30 * time.Second
	agentStopPollPeriod       = 200 * time.Millisecond
	defaultWatchdogWindow     = 90 * time.Second
	defaultWatchdogPollPeriod = 5 * time.Second
	watchdogMaxCrashes        = 2
)

// ServiceController abstracts github.com/kardianos/service's control
// surface so the state machine can be tested without a real OS service.
type ServiceController interface {
	Start() error
	Status() (service.Status, error)
}

// Updater drives the state machine described in the package doc.
type Updater struct {
	params    Parameters
	svc       ServiceController
	backupDir string

	agentStopTimeout   time.Duration
	watchdogWindow     time.Duration
	watchdogPollPeriod time.Duration

	phase Phase
}

// New builds an Updater for the given handoff parameters.
func New(params Parameters, svc ServiceController) *Updater {
	return &Updater{
		params:             params,
		svc:                svc,
		backupDir:          filepath.Join(filepath.Dir(params.CurrentInstallDir), "backup", params.CurrentVersion),
		agentStopTimeout:   defaultAgentStopTimeout,
		watchdogWindow:     defaultWatchdogWindow,
		watchdogPollPeriod: defaultWatchdogPollPeriod,
		phase:              PhaseWaiting,
	}
}

// SetTimings overrides the default wait/watchdog durations; intended for
// tests that would otherwise block for the production-sized windows.
func (u *Updater) SetTimings(agentStopTimeout, watchdogWindow, watchdogPollPeriod time.Duration) {
	u.agentStopTimeout = agentStopTimeout
	u.watchdogWindow = watchdogWindow
	u.watchdogPollPeriod = watchdogPollPeriod
}

// Phase reports the updater's current state.
func (u *Updater) Phase() Phase {
	return u.phase
}

// Run executes the full procedure and returns the terminal outcome.
func (u *Updater) Run(ctx context.Context) Outcome {
	u.phase = PhaseWaiting
	if err := u.waitForOldAgent(ctx); err != nil {
		log.WithError(err).Error("old agent did not exit in time")
		return OutcomeAgentStopTimeout
	}

	u.phase = PhaseBackingUp
	if err := u.backup(); err != nil {
		log.WithError(err).Error("backup failed, leaving old install in place")
		return OutcomeBackupFailed
	}

	u.phase = PhaseDeploying
	if err := u.deploy(); err != nil {
		log.WithError(err).Error("deploy failed, attempting rollback")
		if rbErr := u.rollback(); rbErr != nil {
			log.WithError(rbErr).Error("rollback failed after deploy failure")
			return OutcomeRollbackFailed
		}
		return OutcomeDeployFailed
	}

	u.phase = PhaseStarting
	if err := u.svc.Start(); err != nil {
		log.WithError(err).Error("new service failed to start, attempting rollback")
		if rbErr := u.rollback(); rbErr != nil {
			log.WithError(rbErr).Error("rollback failed after start failure")
			return OutcomeRollbackFailed
		}
		if startErr := u.svc.Start(); startErr != nil {
			log.WithError(startErr).Error("failed to restart old service after rollback")
		}
		return OutcomeNewServiceStartFailed
	}

	u.phase = PhaseWatching
	if crashed := u.watch(ctx); crashed {
		log.Error("new service crashed repeatedly within watchdog window, rolling back")
		u.phase = PhaseRollingBack
		if err := u.rollback(); err != nil {
			log.WithError(err).Error("rollback failed after watchdog trigger")
			u.phase = PhaseFailed
			return OutcomeRollbackFailed
		}
		if startErr := u.svc.Start(); startErr != nil {
			log.WithError(startErr).Error("failed to restart old service after watchdog rollback")
		}
		u.phase = PhaseFailed
		return OutcomeWatchdogRollback
	}

	u.phase = PhaseCleaningUp
	u.cleanup()

	u.phase = PhaseDone
	return OutcomeSuccess
}

func (u *Updater) waitForOldAgent(ctx context.Context) error {
	deadline := time.Now().Add(u.agentStopTimeout)
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !processAlive(u.params.OldPID) {
			return nil
		}
		time.Sleep(agentStopPollPeriod)
	}
	return fmt.Errorf("old agent pid %d still running after %s", u.params.OldPID, u.agentStopTimeout)
}

// backup renames the current install directory to a versioned backup
// location, the preferred (atomic, same-filesystem) approach named in the
// procedure; falling back to a full copy is not implemented here since the
// install and backup roots always share a filesystem in this deployment
// model.
func (u *Updater) backup() error {
	if err := os.MkdirAll(filepath.Dir(u.backupDir), 0750); err != nil {
		return fmt.Errorf("create backup parent: %w", err)
	}
	if err := os.Rename(u.params.CurrentInstallDir, u.backupDir); err != nil {
		return fmt.Errorf("rename install directory to backup: %w", err)
	}
	return nil
}

func (u *Updater) deploy() error {
	if err := os.MkdirAll(u.params.CurrentInstallDir, 0750); err != nil {
		return fmt.Errorf("recreate install directory: %w", err)
	}
	dest := filepath.Join(u.params.CurrentInstallDir, filepath.Base(u.params.NewAgentPath))
	return copyFile(u.params.NewAgentPath, dest, 0750)
}

func (u *Updater) rollback() error {
	if err := os.RemoveAll(u.params.CurrentInstallDir); err != nil {
		return fmt.Errorf("clear failed deploy: %w", err)
	}
	if err := os.Rename(u.backupDir, u.params.CurrentInstallDir); err != nil {
		return fmt.Errorf("restore backup: %w", err)
	}
	return nil
}

func (u *Updater) watch(ctx context.Context) (crashed bool) {
	deadline := time.Now().Add(u.watchdogWindow)
	crashes := 0
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return false
		}
		status, err := u.svc.Status()
		if err != nil || status != service.StatusRunning {
			crashes++
			if crashes >= watchdogMaxCrashes {
				return true
			}
			if startErr := u.svc.Start(); startErr != nil {
				log.WithError(startErr).Warn("watchdog restart attempt failed")
			}
		}
		time.Sleep(u.watchdogPollPeriod)
	}
	return false
}

func (u *Updater) cleanup() {
	if err := os.RemoveAll(u.backupDir); err != nil {
		log.WithError(err).Warn("failed removing backup directory during cleanup")
	}
}
