// Package executor runs administrator-issued shell commands on an agent
// with a bounded lifetime and bounded output.
package executor

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/avaropoint/stark/internal/audit"
	"github.com/avaropoint/stark/internal/protocol"
)

// Defaults applied when Config leaves a field zero.
const (
	DefaultTimeout   = 60 * time.Second
	DefaultMaxOutput = 1 << 20

	// waitDelay bounds how long Run waits for output pipes after the
	// process has been killed.
	waitDelay = 2 * time.Second
)

// Shell selects the interpreter a command runs under.
type Shell string

// Supported shells.
const (
	ShellCmd        Shell = "cmd"
	ShellPowerShell Shell = "powershell"
	ShellSh         Shell = "sh"
)

// DefaultShell is cmd on Windows and sh everywhere else.
func DefaultShell() Shell {
	if runtime.GOOS == "windows" {
		return ShellCmd
	}
	return ShellSh
}

// ParseShell validates a shell name. An empty name selects DefaultShell.
func ParseShell(s string) (Shell, error) {
	switch sh := Shell(s); sh {
	case ShellCmd, ShellPowerShell, ShellSh:
		return sh, nil
	case "":
		return DefaultShell(), nil
	}
	return "", fmt.Errorf("unsupported shell: %s", s)
}

// argv returns the argument vector that runs command under the shell.
// The command is passed as a single argument, never re-split.
func (s Shell) argv(command string) []string {
	switch s {
	case ShellPowerShell:
		return []string{"powershell", "-NoProfile", "-NonInteractive", "-Command", command}
	case ShellSh:
		return []string{"/bin/sh", "-c", command}
	default:
		return []string{"cmd", "/c", command}
	}
}

// Request describes one command execution.
type Request struct {
	CommandID string
	Command   string
	Shell     string
	Principal string // administrator who issued the command
	Target    string // agent the command runs on
}

// Config tunes an Executor.
type Config struct {
	Timeout   time.Duration
	MaxOutput int
}

// Executor runs commands and reports their outcome in-band.
type Executor struct {
	timeout   time.Duration
	maxOutput int
	audit     audit.Logger
	log       *zap.Logger
}

// New creates an executor. A nil auditor or logger discards events.
func New(cfg Config, auditor audit.Logger, log *zap.Logger) *Executor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxOutput <= 0 {
		cfg.MaxOutput = DefaultMaxOutput
	}
	if auditor == nil {
		auditor = audit.Nop{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Executor{
		timeout:   cfg.Timeout,
		maxOutput: cfg.MaxOutput,
		audit:     auditor,
		log:       log.Named("executor"),
	}
}

// Timeout returns the per-command time limit.
func (e *Executor) Timeout() time.Duration { return e.timeout }

// Execute runs req and always returns a result; failures are reported in
// the result rather than as an error. A command still running when the
// timeout expires is killed together with every process it started.
func (e *Executor) Execute(ctx context.Context, req Request) protocol.CommandResult {
	shell, err := ParseShell(req.Shell)
	if err != nil {
		return protocol.Failure(req.CommandID, err.Error())
	}

	e.audit.Command(req.Principal, req.Target, req.Command)

	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	args := shell.argv(req.Command)
	cmd := exec.CommandContext(runCtx, args[0], args[1:]...)
	setProcessGroup(cmd)
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	cmd.WaitDelay = waitDelay

	stdout := newCappedBuffer(e.maxOutput)
	stderr := newCappedBuffer(e.maxOutput)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	err = cmd.Run()
	elapsed := time.Since(start)

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		e.log.Warn("Command timed out",
			zap.String("command_id", req.CommandID),
			zap.Duration("timeout", e.timeout))
		return protocol.Failure(req.CommandID, protocol.ErrTimeout)
	}
	if ctx.Err() != nil {
		return protocol.Failure(req.CommandID, "command cancelled")
	}

	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.As(err, &exitErr):
			code = exitErr.ExitCode()
		case errors.Is(err, exec.ErrWaitDelay):
			// Exited, but a descendant kept the output pipes open.
			code = cmd.ProcessState.ExitCode()
		default:
			e.log.Debug("Command failed to start",
				zap.String("command_id", req.CommandID), zap.Error(err))
			return protocol.Failure(req.CommandID, err.Error())
		}
	}

	e.log.Debug("Command finished",
		zap.String("command_id", req.CommandID),
		zap.Int("returncode", code),
		zap.Duration("elapsed", elapsed))

	return protocol.CommandResult{
		CommandID:  req.CommandID,
		Success:    true,
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		ReturnCode: code,
		Truncated:  stdout.Truncated() || stderr.Truncated(),
		Timestamp:  protocol.Now(),
	}
}
