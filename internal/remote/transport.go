package remote

import (
	"context"
	"time"

	"github.com/devghori1264/quarterpatch/internal/models"
)

// CommandResult is what a remote command produced.
type CommandResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// OK reports a zero exit status.
func (r CommandResult) OK() bool { return r.ExitCode == 0 }

// Transport runs one command on one host. A non-zero exit is not an error.
// An error marked ErrTimeout, or wrapping context.DeadlineExceeded, means the
// command ran past its timeout and was killed; the engine never retries it.
// Errors marked ErrConnectivity, and any other error, mean the command could
// not be started or its session was lost, and are retried.
type Transport interface {
	Execute(ctx context.Context, target models.Target, command string, timeout time.Duration) (CommandResult, error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, target models.Target, command string, timeout time.Duration) (CommandResult, error)

func (f TransportFunc) Execute(ctx context.Context, target models.Target, command string, timeout time.Duration) (CommandResult, error) {
	return f(ctx, target, command, timeout)
}

// Runner executes commands with the engine's retry policy. Checks and vendor
// plugins receive a Runner rather than the raw transport.
type Runner interface {
	// Run returns the command result, how many connectivity retries were used, and
	// an error marked ErrConnectivity or ErrTimeout when the command never completed.
	Run(ctx context.Context, target models.Target, command string) (CommandResult, int, error)
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
