package main

import (
	"bytes"
	"context"
	"os/exec"

	"github.com/open-edge-platform/cms-agent/internal/types"
)

// runShellCommand is the built-in command_execute handler for kind "shell":
// it runs payload["command"] (and optional payload["args"]) and copies the
// native stdout/stderr/exit code into the result, per the execution
// contract's "copied verbatim" requirement. Any other kind is rejected as
// unsupported.
func runShellCommand(ctx context.Context, req types.CommandRequest) types.CommandResult {
	if req.Kind != "shell" {
		return types.CommandResult{
			CommandID:    req.CommandID,
			Kind:         req.Kind,
			Success:      false,
			ErrorKind:    types.ErrCommandExecutionFailed,
			ErrorMessage: "unsupported command kind: " + req.Kind,
		}
	}

	name, _ := req.Payload["command"].(string)
	if name == "" {
		return types.CommandResult{
			CommandID:    req.CommandID,
			Kind:         req.Kind,
			Success:      false,
			ErrorKind:    types.ErrCommandExecutionFailed,
			ErrorMessage: "missing payload.command",
		}
	}

	var args []string
	if raw, ok := req.Payload["args"].([]interface{}); ok {
		for _, a := range raw {
			if s, ok := a.(string); ok {
				args = append(args, s)
			}
		}
	}

	// #nosec G204 -- command and args originate from an authenticated control-plane session
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := types.CommandResult{
		CommandID: req.CommandID,
		Kind:      req.Kind,
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
	}

	if ctx.Err() != nil {
		result.Success = false
		result.ErrorKind = types.ErrTimeout
		return result
	}

	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
			result.Success = result.ExitCode == 0
			return result
		}
		result.Success = false
		result.ErrorKind = types.ErrExecutionError
		result.ErrorMessage = err.Error()
		return result
	}

	result.Success = true
	return result
}
