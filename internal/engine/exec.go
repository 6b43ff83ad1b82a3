package engine

import (
	"context"
	"errors"
	"io"
	"os/exec"
	"syscall"
)

// CommandRunner abstracts running external commands so tests can inject fakes.
// A command that ran and terminated reports a non-zero exit code with a nil
// error, including when it was killed by a signal; err is reserved for
// commands that could not be started.
type CommandRunner interface {
	Run(ctx context.Context, argv []string, env []string, stdout, stderr io.Writer) (exitCode int, err error)
}

// ErrEmptyCommand is returned when argv has no program.
var ErrEmptyCommand = errors.New("empty command")

// RealCommandRunner runs commands using os/exec.
type RealCommandRunner struct {
	// Dir is the working directory of the child, empty for the current one.
	Dir string
}

func (r *RealCommandRunner) Run(ctx context.Context, argv []string, env []string, stdout, stderr io.Writer) (int, error) {
	if len(argv) == 0 {
		return -1, ErrEmptyCommand
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	if r.Dir != "" {
		cmd.Dir = r.Dir
	}
	if len(env) > 0 {
		cmd.Env = append(cmd.Environ(), env...)
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitCode(exitErr), nil
	}
	// never started
	return -1, err
}

// exitCode maps a signal death to 128+signal, the shell convention.
func exitCode(exitErr *exec.ExitError) int {
	if code := exitErr.ExitCode(); code >= 0 {
		return code
	}
	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return -1
}
