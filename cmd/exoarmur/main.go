// Command exoarmur is the command line over the governance kernel.
//
// Exit codes:
//
//	0 = success, or the action was allowed
//	1 = the action was denied, or a replay or evidence check failed
//	2 = usage, configuration or storage error
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
)

const (
	ExitSuccess = 0
	ExitFailure = 1
	ExitError   = 2
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the testable entrypoint.
func Run(args []string, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand(stdout, stderr)
	if len(args) > 0 {
		args = args[1:]
	}
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return ExitSuccess
	}
	code := exitCode(err)
	if msg := err.Error(); msg != "" {
		_, _ = fmt.Fprintf(stderr, "Error: %s\n", msg)
	}
	return code
}

// outcomeError carries a non-zero exit code for a command that ran but whose
// result was negative.
type outcomeError struct {
	code    int
	message string
}

func (e *outcomeError) Error() string { return e.message }

func denied(format string, args ...any) error {
	return &outcomeError{code: ExitFailure, message: fmt.Sprintf(format, args...)}
}

func exitCode(err error) int {
	var oe *outcomeError
	if errors.As(err, &oe) {
		return oe.code
	}
	return ExitError
}
