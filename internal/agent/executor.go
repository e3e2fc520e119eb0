package agent

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/opsfleet-io/opsfleet/internal/policy"
	"github.com/opsfleet-io/opsfleet/internal/protocol"
)

const (
	// ExecutionTimeout is the wall-clock budget for a single command. The
	// process is killed on expiry and the result reports exit code -2.
	ExecutionTimeout = 30 * time.Second

	// executorQueueSize bounds commands waiting behind the one currently
	// running. Submit drops a command that arrives when the queue is full
	// (see Submit) rather than growing memory.
	executorQueueSize = 64

	// Synthetic exit codes for commands that never ran or were killed.
	exitRejected = -1
	exitTimedOut = -2
)

// resultSink receives the single CommandResult emitted per command.
// Implemented by the session's sender.
type resultSink interface {
	send(msg protocol.Message) error
}

// job is one queued command.
type job struct {
	commandID string
	command   string
}

// Executor validates and runs commands one at a time, in arrival order.
// The admission policy runs again here with the same rules as the server —
// the agent never trusts the server's verdict.
type Executor struct {
	validator *policy.Validator
	queue     chan job
	logger    *zap.Logger
}

// NewExecutor creates an Executor. Call Run per session to start the worker.
func NewExecutor(validator *policy.Validator, logger *zap.Logger) *Executor {
	return &Executor{
		validator: validator,
		queue:     make(chan job, executorQueueSize),
		logger:    logger.Named("executor"),
	}
}

// Submit queues a command for execution in arrival order. A full queue
// drops the command with a log line; the server-side record never
// completes and ages out by TTL.
func (e *Executor) Submit(commandID, command string) {
	select {
	case e.queue <- job{commandID: commandID, command: command}:
	default:
		e.logger.Warn("executor queue full, dropping command",
			zap.String("command_id", commandID),
		)
	}
}

// Run drains the queue until ctx is cancelled, executing one command at a
// time and emitting exactly one CommandResult per command.
func (e *Executor) Run(ctx context.Context, sink resultSink) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-e.queue:
			result := e.execute(ctx, j)
			if err := sink.send(result); err != nil {
				e.logger.Warn("failed to send command result",
					zap.String("command_id", j.commandID),
					zap.Error(err),
				)
				return
			}
		}
	}
}

// execute validates and runs one command, producing its result.
func (e *Executor) execute(ctx context.Context, j job) protocol.CommandResult {
	result := protocol.CommandResult{
		Type:      protocol.TypeCommandResult,
		CommandID: j.commandID,
	}

	sanitized, rej := e.validator.Validate(j.command)
	if rej != nil {
		e.logger.Warn("command rejected by local policy",
			zap.String("command_id", j.commandID),
			zap.String("reason", rej.Reason),
		)
		result.ExitCode = exitRejected
		result.Stderr = rej.Reason
		result.FinishedAt = time.Now().UTC()
		return result
	}

	e.logger.Info("executing command",
		zap.String("command_id", j.commandID),
		zap.String("command", sanitized),
	)

	execCtx, cancel := context.WithTimeout(ctx, ExecutionTimeout)
	defer cancel()

	cmd := shellCommand(execCtx, sanitized)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result.Stdout = stdout.String()
	result.Stderr = stderr.String()
	result.FinishedAt = time.Now().UTC()

	switch {
	case execCtx.Err() == context.DeadlineExceeded:
		result.ExitCode = exitTimedOut
		result.Stderr = "execution timed out after " + ExecutionTimeout.String()
	case err == nil:
		result.ExitCode = 0
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			// The command never started (shell missing, fork failure).
			result.ExitCode = exitRejected
			result.Stderr = err.Error()
		}
	}

	e.logger.Info("command finished",
		zap.String("command_id", j.commandID),
		zap.Int("exit_code", result.ExitCode),
	)
	return result
}

// shellCommand invokes the host shell for the platform.
func shellCommand(ctx context.Context, command string) *exec.Cmd {
	if runtime.GOOS == "windows" {
		return exec.CommandContext(ctx, "cmd", "/C", command)
	}
	return exec.CommandContext(ctx, "/bin/sh", "-c", command)
}
