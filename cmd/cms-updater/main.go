// Command cms-updater performs the out-of-process half of an agent update:
// given the handoff parameters from the running agent, it waits for that
// agent to exit, swaps the install directory for the staged version, starts
// the new service, watches it for early crashes, and rolls back on any
// failure. Its flag-based CLI and numeric exit codes mirror the agent's own
// CLI surface, generalized to the updater's distinct outcome set.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	flag "github.com/spf13/pflag"

	"github.com/open-edge-platform/cms-agent/internal/logger"
	"github.com/open-edge-platform/cms-agent/internal/supervisor"
	"github.com/open-edge-platform/cms-agent/internal/updatersvc"
)

const serviceName = "cms-agent"

const (
	exitSuccess               = 0
	exitBackupFailed          = 11
	exitDeployFailed          = 12
	exitNewServiceStartFailed = 13
	exitRollbackFailed        = 14
	exitInvalidArgs           = 15
	exitAgentStopTimeout      = 16
	exitWatchdogRollback      = 17
	exitGeneralFailure        = 99
)

var log = logger.New("cmd/cms-updater", "")

func main() {
	var oldPID int
	var newAgentPath, installDir, updaterLogDir, currentVersion string

	flag.IntVar(&oldPID, "old-pid", 0, "PID of the agent process being replaced")
	flag.StringVar(&newAgentPath, "new-agent-path", "", "path to the staged new agent binary")
	flag.StringVar(&installDir, "current-install-dir", "", "the agent's current install directory")
	flag.StringVar(&updaterLogDir, "updater-log-dir", "", "directory for the updater's own logs")
	flag.StringVar(&currentVersion, "current-agent-version", "", "version being replaced")
	flag.Parse()

	if oldPID <= 0 || newAgentPath == "" || installDir == "" || currentVersion == "" {
		fmt.Fprintln(os.Stderr, "cms-updater: --old-pid, --new-agent-path, --current-install-dir and --current-agent-version are required")
		os.Exit(exitInvalidArgs)
	}
	if updaterLogDir != "" {
		if err := os.MkdirAll(updaterLogDir, 0750); err != nil {
			fmt.Fprintf(os.Stderr, "cms-updater: cannot create updater log directory: %v\n", err)
			os.Exit(exitGeneralFailure)
		}
		logFile, err := os.OpenFile(filepath.Join(updaterLogDir, "cms-updater.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640) // #nosec G304 -- operator-provided directory
		if err != nil {
			fmt.Fprintf(os.Stderr, "cms-updater: cannot open updater log file: %v\n", err)
			os.Exit(exitGeneralFailure)
		}
		log.Logger.SetOutput(logFile)
	}

	log.WithField("old_pid", oldPID).WithField("version", currentVersion).Info("updater starting")

	// service.Service already satisfies updatersvc.ServiceController's
	// Start()/Status() surface directly, so no adapter is needed here.
	prg := supervisor.NewProgram(func() {}, func(error) {})
	svc, err := supervisor.New(prg, supervisor.Config(serviceName, "CMS Agent", "Concierge Management Service agent"))
	if err != nil {
		log.WithError(err).Error("failed to acquire service handle")
		os.Exit(exitGeneralFailure)
	}

	u := updatersvc.New(updatersvc.Parameters{
		OldPID:            oldPID,
		NewAgentPath:      newAgentPath,
		CurrentInstallDir: installDir,
		UpdaterLogDir:     updaterLogDir,
		CurrentVersion:    currentVersion,
	}, svc)

	outcome := u.Run(context.Background())

	log.WithField("outcome", string(outcome)).Info("updater finished")
	os.Exit(exitCodeFor(outcome))
}

func exitCodeFor(outcome updatersvc.Outcome) int {
	switch outcome {
	case updatersvc.OutcomeSuccess:
		return exitSuccess
	case updatersvc.OutcomeBackupFailed:
		return exitBackupFailed
	case updatersvc.OutcomeDeployFailed:
		return exitDeployFailed
	case updatersvc.OutcomeNewServiceStartFailed:
		return exitNewServiceStartFailed
	case updatersvc.OutcomeRollbackFailed:
		return exitRollbackFailed
	case updatersvc.OutcomeAgentStopTimeout:
		return exitAgentStopTimeout
	case updatersvc.OutcomeWatchdogRollback:
		return exitWatchdogRollback
	default:
		return exitGeneralFailure
	}
}
