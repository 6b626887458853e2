// Command cms-agent is the Concierge Management Service agent: a host-
// resident process that authenticates to the control plane, maintains a
// duplex session over WebSocket, reports status and executes commands, and
// applies agent updates. Its CLI surface and exit codes follow
// configuration-agent's kardianos/service-backed command set, generalized
// from a single always-foreground process to install/start/stop/uninstall
// subcommands plus a foreground debug mode.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kardianos/service"
	"github.com/spf13/cobra"

	"github.com/open-edge-platform/cms-agent/internal/config"
	"github.com/open-edge-platform/cms-agent/internal/guard"
	"github.com/open-edge-platform/cms-agent/internal/logger"
	"github.com/open-edge-platform/cms-agent/internal/orchestrator"
	"github.com/open-edge-platform/cms-agent/internal/queue"
	"github.com/open-edge-platform/cms-agent/internal/supervisor"
	"github.com/open-edge-platform/cms-agent/internal/transport/httptransport"
	"github.com/open-edge-platform/cms-agent/internal/types"
	"github.com/open-edge-platform/cms-agent/internal/update"
	"github.com/open-edge-platform/cms-agent/internal/vault"
)

// Exit codes per the CLI surface contract.
const (
	exitSuccess             = 0
	exitGeneralError        = 1
	exitInsufficientPrivs   = 2
	exitUserCancelled       = 3
	exitServerConnectFailed = 4
	exitConfigSaveFailed    = 5
	exitServiceOpFailed     = 6
	exitServiceNotInstalled = 7
	exitInvalidArgs         = 8
)

const serviceName = "cms-agent"

var log = logger.New("cmd/cms-agent", "")

func main() {
	var configPath string

	root := &cobra.Command{
		Use:          serviceName,
		Short:        "Concierge Management Service agent",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "/etc/cms-agent/config.yaml", "path to the agent settings document")

	root.AddCommand(
		configureCmd(&configPath),
		startCmd(&configPath),
		stopCmd(&configPath),
		uninstallCmd(&configPath),
		debugCmd(&configPath),
		runCmd(&configPath),
	)

	if err := root.Execute(); err != nil {
		os.Exit(exitGeneralError)
	}
}

func configureCmd(configPath *string) *cobra.Command {
	var agentID, room string
	var x, y float64
	var forceRenew bool

	cmd := &cobra.Command{
		Use:   "configure",
		Short: "Identify this host to the control plane and persist its runtime identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := config.New(*configPath)
			if err != nil {
				os.Exit(exitInvalidArgs)
			}

			if err := os.MkdirAll(settings.DataRoot, 0750); err != nil {
				log.WithError(err).Error("cannot create data root, check permissions")
				os.Exit(exitInsufficientPrivs)
			}

			existing, err := config.LoadRuntime(settings.IdentityPath())
			if err != nil {
				os.Exit(exitGeneralError)
			}
			if existing != nil && !forceRenew {
				fmt.Println("agent already configured; pass --force-renew to re-identify")
				os.Exit(exitSuccess)
			}

			if agentID == "" {
				agentID = uuid.NewString()
			}

			v, err := vault.New(filepath.Join(settings.RuntimeConfigDir(), ".host-id"))
			if err != nil {
				os.Exit(exitGeneralError)
			}

			httpClient := httptransport.New(httptransport.Config{
				BaseURL:        settings.ServerBaseURL,
				RequestTimeout: settings.HTTPRequestTimeout,
				MaxAttempts:    settings.NetworkRetryMaxAttempts,
				InitialDelay:   settings.NetworkRetryInitialDelay,
			})

			ctx, cancel := context.WithTimeout(context.Background(), settings.HTTPRequestTimeout*time.Duration(settings.NetworkRetryMaxAttempts+1))
			defer cancel()

			location := types.Location{Room: room, X: x, Y: y}
			identity, err := httpClient.Identify(ctx, agentID, location)
			if err != nil {
				log.WithError(err).Error("failed to identify with the control plane")
				os.Exit(exitServerConnectFailed)
			}
			if identity.Token == "" {
				log.Error("control plane issued no token (for example mfa_required); runtime identity not saved")
				os.Exit(exitGeneralError)
			}

			encryptedToken, err := v.Encrypt(identity.Token)
			if err != nil {
				os.Exit(exitGeneralError)
			}

			runtime := &types.RuntimeIdentity{
				AgentID:        agentID,
				Location:       location,
				EncryptedToken: encryptedToken,
			}
			if err := config.SaveRuntime(settings.IdentityPath(), runtime); err != nil {
				log.WithError(err).Error("failed to persist runtime identity")
				os.Exit(exitConfigSaveFailed)
			}

			fmt.Printf("configured agent %s\n", agentID)
			return nil
		},
	}

	cmd.Flags().StringVar(&agentID, "agent-id", "", "agent identifier (generated if omitted)")
	cmd.Flags().StringVar(&room, "room", "", "deployment room label")
	cmd.Flags().Float64Var(&x, "x", 0, "deployment position X")
	cmd.Flags().Float64Var(&y, "y", 0, "deployment position Y")
	cmd.Flags().BoolVar(&forceRenew, "force-renew", false, "re-identify even if already configured")
	return cmd
}

func startCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Install (if needed) and start the agent service",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := buildService(*configPath)
			if err != nil {
				os.Exit(exitServiceOpFailed)
			}

			if err := supervisor.Control(svc, "install"); err != nil && !strings.Contains(err.Error(), "already installed") {
				log.WithError(err).Warn("service install reported an error, attempting start anyway")
			}
			if err := supervisor.Control(svc, "start"); err != nil {
				log.WithError(err).Error("failed to start service")
				os.Exit(exitServiceOpFailed)
			}
			fmt.Println("agent service started")
			return nil
		},
	}
}

func stopCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the agent service",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := buildService(*configPath)
			if err != nil {
				os.Exit(exitServiceOpFailed)
			}
			if err := supervisor.Control(svc, "stop"); err != nil {
				if strings.Contains(err.Error(), "not installed") {
					os.Exit(exitServiceNotInstalled)
				}
				log.WithError(err).Error("failed to stop service")
				os.Exit(exitServiceOpFailed)
			}
			fmt.Println("agent service stopped")
			return nil
		},
	}
}

func uninstallCmd(configPath *string) *cobra.Command {
	var removeData bool
	cmd := &cobra.Command{
		Use:   "uninstall",
		Short: "Stop and uninstall the agent service",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := buildService(*configPath)
			if err != nil {
				os.Exit(exitServiceOpFailed)
			}
			_ = supervisor.Control(svc, "stop")
			if err := supervisor.Control(svc, "uninstall"); err != nil {
				if strings.Contains(err.Error(), "not installed") {
					os.Exit(exitServiceNotInstalled)
				}
				log.WithError(err).Error("failed to uninstall service")
				os.Exit(exitServiceOpFailed)
			}

			if removeData {
				settings, cfgErr := config.New(*configPath)
				if cfgErr == nil {
					if rmErr := os.RemoveAll(settings.DataRoot); rmErr != nil {
						log.WithError(rmErr).Warn("failed to remove data root")
					}
				}
			}
			fmt.Println("agent service uninstalled")
			return nil
		},
	}
	cmd.Flags().BoolVar(&removeData, "remove-data", false, "also delete the agent's data root")
	return cmd
}

// debugCmd runs the agent loop directly in the foreground, bypassing the OS
// service manager, for interactive troubleshooting.
func debugCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "debug",
		Short: "Run the agent in the foreground with console logging",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger.SetLevel("debug")
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			return runAgent(ctx, *configPath, nil)
		},
	}
}

// runCmd is the hidden entry point the installed OS service invokes (see
// service.Config.Arguments in buildService); it is not intended for direct
// interactive use.
func runCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:    "run",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			prg, cancel := newAgentProgram(*configPath)
			svc, err := supervisor.New(prg, supervisor.Config(serviceName, "CMS Agent", "Concierge Management Service agent"))
			if err != nil {
				return err
			}
			err = svc.Run()
			cancel(nil)
			return err
		},
	}
	return cmd
}

func buildService(configPath string) (service.Service, error) {
	prg, _ := newAgentProgram(configPath)
	cfg := supervisor.Config(serviceName, "CMS Agent", "Concierge Management Service agent")
	cfg.Arguments = []string{"run", "--config", configPath}
	return supervisor.New(prg, cfg)
}

// newAgentProgram builds a supervisor.Program whose run closure drives the
// full agent loop under a cancellable root context, matching the
// context.WithCancelCause + goroutine-group idiom used throughout the
// orchestrator and its collaborators.
func newAgentProgram(configPath string) (*supervisor.Program, context.CancelCauseFunc) {
	ctx, cancel := context.WithCancelCause(context.Background())
	run := func() {
		if err := runAgent(ctx, configPath, cancel); err != nil {
			log.WithError(err).Error("agent run loop exited with error")
		}
	}
	return supervisor.NewProgram(run, cancel), cancel
}

// runAgent wires every collaborator and drives the orchestrator until ctx is
// cancelled (by the service manager's Stop, by an unrecoverable startup
// error, or by an update handoff requesting shutdown).
func runAgent(ctx context.Context, configPath string, rootCancel context.CancelCauseFunc) error {
	settings, err := config.New(configPath)
	if err != nil {
		log.WithError(err).Error("failed to load configuration")
		return err
	}
	logger.SetLevel(settings.LogLevel)

	lockPath := filepath.Join(settings.DataRoot, "runtime_config", ".lock")
	g, err := guard.Acquire(lockPath)
	if err != nil {
		log.WithError(err).Error("another agent instance already holds the lock")
		return err
	}
	defer g.Release()

	identity, err := config.LoadRuntime(settings.IdentityPath())
	if err != nil {
		log.WithError(err).Error("failed to load runtime identity")
		return err
	}
	if identity == nil {
		return fmt.Errorf("agent is not configured; run 'cms-agent configure' first")
	}

	v, err := vault.New(filepath.Join(settings.RuntimeConfigDir(), ".host-id"))
	if err != nil {
		return err
	}

	httpClient := httptransport.New(httptransport.Config{
		BaseURL:        settings.ServerBaseURL,
		RequestTimeout: settings.HTTPRequestTimeout,
		MaxAttempts:    settings.NetworkRetryMaxAttempts,
		InitialDelay:   settings.NetworkRetryInitialDelay,
	})

	queues, err := openQueues(settings)
	if err != nil {
		return err
	}

	pipeline := update.New(filepath.Join(settings.DataRoot, "updates", "extracted"))

	orch := orchestrator.New(settings, identity, v, httpClient, queues, pipeline, runShellCommand,
		func(id *types.RuntimeIdentity) error {
			return config.SaveRuntime(settings.IdentityPath(), id)
		})
	orch.SetUpdateStagedHandler(func(stagedAgentPath string, desc types.UpdateDescriptor) {
		if err := launchUpdater(settings, stagedAgentPath, desc); err != nil {
			log.WithError(err).Error("failed to launch updater, remaining on current version")
			return
		}
		if rootCancel != nil {
			rootCancel(fmt.Errorf("update to version %s handed off to updater", desc.Version))
		}
	})

	return orch.Run(ctx)
}

func openQueues(settings *config.Settings) (orchestrator.Queues, error) {
	base := filepath.Join(settings.DataRoot, "offline_queue")
	limits := func(maxItems int) queue.Limits {
		return queue.Limits{
			MaxItems: maxItems,
			MaxBytes: settings.OfflineQueue.MaxSizeBytes,
			MaxAge:   time.Duration(settings.OfflineQueue.MaxAgeHours) * time.Hour,
		}
	}

	statusQ, err := queue.Open(filepath.Join(base, "status_reports"), limits(settings.OfflineQueue.MaxStatusReports))
	if err != nil {
		return orchestrator.Queues{}, err
	}
	resultQ, err := queue.Open(filepath.Join(base, "command_results"), limits(settings.OfflineQueue.MaxCommandResults))
	if err != nil {
		return orchestrator.Queues{}, err
	}
	errQ, err := queue.Open(filepath.Join(settings.DataRoot, "error_reports"), limits(settings.OfflineQueue.MaxErrorReports))
	if err != nil {
		return orchestrator.Queues{}, err
	}

	return orchestrator.Queues{StatusReports: statusQ, CommandResults: resultQ, ErrorReports: errQ}, nil
}
