// Package system runs the host commands behind the room's shutdown and reboot.
package system

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrNoCommand is returned when the requested action has no command configured.
var ErrNoCommand = errors.New("no command configured")

// Runner executes a command and returns its combined output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// OSRunner runs commands with os/exec.
type OSRunner struct{}

func (OSRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	return cmd.CombinedOutput()
}

// Power shuts down or reboots the host. Commands are split on whitespace; an empty
// command disables the action.
type Power struct {
	shutdown []string
	reboot   []string
	timeout  time.Duration
	runner   Runner
	logger   zerolog.Logger
}

// NewPower creates a Power running commands through runner. A nil runner uses OSRunner.
func NewPower(shutdownCmd, rebootCmd string, timeout time.Duration, runner Runner) *Power {
	if runner == nil {
		runner = OSRunner{}
	}
	return &Power{
		shutdown: strings.Fields(shutdownCmd),
		reboot:   strings.Fields(rebootCmd),
		timeout:  timeout,
		runner:   runner,
		logger:   log.With().Str("component", "system").Logger(),
	}
}

// Shutdown runs the shutdown command.
func (p *Power) Shutdown(ctx context.Context) error {
	return p.run(ctx, "shutdown", p.shutdown)
}

// Reboot runs the reboot command.
func (p *Power) Reboot(ctx context.Context) error {
	return p.run(ctx, "reboot", p.reboot)
}

func (p *Power) run(ctx context.Context, action string, command []string) error {
	if len(command) == 0 {
		p.logger.Warn().Str("action", action).Msg("no command configured, skipping")
		return fmt.Errorf("%s: %w", action, ErrNoCommand)
	}
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	p.logger.Info().Str("action", action).Strs("command", command).Msg("running host command")
	out, err := p.runner.Run(ctx, command[0], command[1:]...)
	if err != nil {
		p.logger.Error().Err(err).Str("action", action).Bytes("output", out).Msg("host command failed")
		return fmt.Errorf("run %s command: %w", action, err)
	}
	return nil
}
