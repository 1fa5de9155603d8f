package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/jbweber/homelab/tunnelguard/internal/logging"
)

var log = logging.GetLogger()

// Result holds the captured output of one command.
type Result struct {
	Stdout string
	Stderr string
}

// Runner executes external commands. Implementations never panic; a non-zero
// exit is reported as a *CommandError.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (Result, error)
}

// CommandError is a failed command together with what it printed.
type CommandError struct {
	Cmd      string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *CommandError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		return fmt.Sprintf("%s failed: %v", e.Cmd, e.Err)
	}
	return fmt.Sprintf("%s failed: %v (%s)", e.Cmd, e.Err, msg)
}

func (e *CommandError) Unwrap() error { return e.Err }

// ExecRunner runs commands with os/exec. Verbose logs failures at warn level;
// otherwise they are logged at debug and left to the caller.
type ExecRunner struct {
	Verbose bool
}

// NewExecRunner returns a runner backed by os/exec.
func NewExecRunner(verbose bool) *ExecRunner {
	return &ExecRunner{Verbose: verbose}
}

func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) (Result, error) {
	cmdline := Join(name, args...)
	var stdout, stderr bytes.Buffer

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log.WithFields(logging.Fields{"at": "shell.Run", "cmd": cmdline}).Debug("exec")
	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return res, nil
	}

	cmdErr := &CommandError{Cmd: cmdline, ExitCode: -1, Stderr: res.Stderr, Err: err}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		cmdErr.ExitCode = exitErr.ExitCode()
	}

	entry := log.WithFields(logging.Fields{"at": "shell.Run", "cmd": cmdline, "exit": cmdErr.ExitCode, "stderr": strings.TrimSpace(res.Stderr)})
	if r.Verbose {
		entry.Warn("exec_failed")
	} else {
		entry.Debug("exec_failed")
	}
	return res, cmdErr
}

// Join renders a command line for logs and errors.
func Join(name string, args ...string) string {
	if len(args) == 0 {
		return name
	}
	return name + " " + strings.Join(args, " ")
}

// IsAbsent reports whether err is a "does not exist" style failure, which
// teardown treats as success.
func IsAbsent(err error) bool {
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		return false
	}
	msg := strings.ToLower(cmdErr.Stderr)
	for _, marker := range []string{"cannot find device", "no such file", "does not exist", "not found", "no such process", "bad rule"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
