package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/open-edge-platform/cms-agent/info"
	"github.com/open-edge-platform/cms-agent/internal/config"
	"github.com/open-edge-platform/cms-agent/internal/types"
)

// launchUpdater starts the out-of-process updater binary with the handoff
// parameters from spec section 4.9 step 6: this agent's own PID, the staged
// new binary, the current install directory, the updater's log directory,
// and the currently-running version. It prefers the updater binary shipped
// inside the newly staged package over the one already installed.
func launchUpdater(settings *config.Settings, stagedAgentPath string, desc types.UpdateDescriptor) error {
	installDir, err := currentInstallDir()
	if err != nil {
		return fmt.Errorf("determine current install directory: %w", err)
	}

	updaterLogDir := filepath.Join(settings.DataRoot, "logs")
	if err := os.MkdirAll(updaterLogDir, 0750); err != nil {
		return fmt.Errorf("create updater log directory: %w", err)
	}

	stagedUpdaterPath := filepath.Join(filepath.Dir(stagedAgentPath), "cms-updater")
	updaterBinary := installedUpdaterPath(installDir)
	if _, statErr := os.Stat(stagedUpdaterPath); statErr == nil {
		updaterBinary = stagedUpdaterPath
	}

	cmd := exec.Command(updaterBinary, // #nosec G204 -- fixed, agent-derived binary path and arguments
		"--old-pid", fmt.Sprintf("%d", os.Getpid()),
		"--new-agent-path", stagedAgentPath,
		"--current-install-dir", installDir,
		"--updater-log-dir", updaterLogDir,
		"--current-agent-version", info.Version,
	)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start updater process: %w", err)
	}

	// The updater is independent of this process from here on; we do not
	// wait for it, since this process is about to shut down.
	go func() { _ = cmd.Wait() }()

	log.WithField("pid", cmd.Process.Pid).WithField("version", desc.Version).Info("updater launched, initiating shutdown")
	return nil
}

func currentInstallDir() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(exe)
	if err != nil {
		resolved = exe
	}
	return filepath.Dir(resolved), nil
}

func installedUpdaterPath(installDir string) string {
	return filepath.Join(installDir, "cms-updater")
}
