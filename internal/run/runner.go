// Package run wraps external tool invocation behind a small interface so that
// components driving nvidia-smi and nvidia-settings can be exercised in tests
// with a fake runner instead of real subprocesses.
package run

import (
	"context"
	"os"
	"os/exec"
)

// Invocation describes a single external command to execute.
type Invocation struct {
	// Path is the executable to invoke (bare name or absolute path).
	Path string

	// Args are the command arguments, excluding the executable itself.
	Args []string

	// ExtraEnv entries are appended to the current process environment.
	// Used for the DISPLAY/XAUTHORITY pair required by nvidia-settings.
	ExtraEnv []string
}

// Runner executes external commands synchronously.
type Runner interface {
	// Run executes the command and waits for it to exit, discarding output.
	Run(ctx context.Context, inv Invocation) error

	// Output executes the command and returns its standard output.
	Output(ctx context.Context, inv Invocation) ([]byte, error)
}

// ExecRunner is the os/exec backed Runner used outside of tests.
type ExecRunner struct{}

// Run implements Runner.
func (ExecRunner) Run(ctx context.Context, inv Invocation) error {
	return command(ctx, inv).Run()
}

// Output implements Runner.
func (ExecRunner) Output(ctx context.Context, inv Invocation) ([]byte, error) {
	return command(ctx, inv).Output()
}

func command(ctx context.Context, inv Invocation) *exec.Cmd {
	cmd := exec.CommandContext(ctx, inv.Path, inv.Args...)
	if len(inv.ExtraEnv) > 0 {
		cmd.Env = append(os.Environ(), inv.ExtraEnv...)
	}
	return cmd
}
