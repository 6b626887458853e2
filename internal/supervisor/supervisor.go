// Package supervisor wires the agent's lifecycle to the host's OS service
// manager using github.com/kardianos/service, following
// configuration-agent/configuration/win.go's service.Service /
// service.Control pattern, generalized from a single fixed run loop to
// Start/Stop callbacks that drive the orchestrator's root cancellation.
package supervisor

import (
	"context"

	"github.com/kardianos/service"

	"github.com/open-edge-platform/cms-agent/internal/logger"
)

var log = logger.New("supervisor", "")

// Program adapts the orchestrator's lifecycle to service.Interface.
type Program struct {
	cancel context.CancelCauseFunc
	run    func()
}

// NewProgram builds a Program. run is invoked in its own goroutine when the
// service manager starts the agent; cancel is invoked when the manager
// requests a stop.
func NewProgram(run func(), cancel context.CancelCauseFunc) *Program {
	return &Program{cancel: cancel, run: run}
}

// Start implements service.Interface. It must not block.
func (p *Program) Start(s service.Service) error {
	go p.run()
	return nil
}

// Stop implements service.Interface. It must return promptly; the actual
// shutdown is driven by the cancelled context the orchestrator watches.
func (p *Program) Stop(s service.Service) error {
	log.Info("service manager requested stop")
	p.cancel(nil)
	return nil
}

// Config names and describes the installed OS service.
func Config(name, displayName, description string) *service.Config {
	return &service.Config{
		Name:        name,
		DisplayName: displayName,
		Description: description,
	}
}

// New builds the kardianos/service handle for prg under the given config.
func New(prg *Program, cfg *service.Config) (service.Service, error) {
	return service.New(prg, cfg)
}

// Control issues an install/start/stop/uninstall action against the
// installed service, mirroring win.go's service.Control(s, os.Args[1])
// dispatch used by the configuration-agent CLI.
func Control(s service.Service, action string) error {
	return service.Control(s, action)
}
