// Package service provides the proxy service restart capability and the
// shared restart signal set by jobs that change activation state.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
)

// Controller restarts the proxy service. Restart failures are non-fatal to
// the caller's run; they are logged and the decision stays persisted.
type Controller interface {
	Restart(ctx context.Context) error
}

// CommandController restarts the service by running an external command.
type CommandController struct {
	command []string
	logger  *slog.Logger
}

// NewCommandController builds a controller around the given argv.
func NewCommandController(command []string, logger *slog.Logger) *CommandController {
	return &CommandController{command: command, logger: logger}
}

func (c *CommandController) Restart(ctx context.Context) error {
	if len(c.command) == 0 {
		return fmt.Errorf("service: no restart command configured")
	}
	c.logger.Info("restarting proxy service", "command", c.command)
	cmd := exec.CommandContext(ctx, c.command[0], c.command[1:]...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("service: restart command: %w (output: %s)", err, out)
	}
	return nil
}

// RestartSignal is the shared flag jobs set when the proxy must be
// restarted to pick up activation changes. The orchestrator consumes it
// once per tick.
type RestartSignal struct {
	mu  sync.Mutex
	set bool
}

// Set marks the service as needing a restart.
func (s *RestartSignal) Set() {
	s.mu.Lock()
	s.set = true
	s.mu.Unlock()
}

// TakeIfSet reports whether the signal was set and clears it.
func (s *RestartSignal) TakeIfSet() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	was := s.set
	s.set = false
	return was
}
