package arbiter

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const defaultExecTimeout = 10 * time.Second

// ExecError is a failed external command with its combined output.
type ExecError struct {
	Command  string
	Output   string
	ExitCode int
	Err      error
}

func (e *ExecError) Error() string {
	if e.Output == "" {
		return fmt.Sprintf("%s: %v", e.Command, e.Err)
	}
	return fmt.Sprintf("%s: %v: %s", e.Command, e.Err, e.Output)
}

func (e *ExecError) Unwrap() error {
	return e.Err
}

// run executes name with args, optionally through non-interactive sudo,
// and returns its trimmed combined output.
func run(timeout time.Duration, sudo bool, name string, args ...string) (string, error) {
	if timeout <= 0 {
		timeout = defaultExecTimeout
	}
	if sudo {
		args = append([]string{"-n", name}, args...)
		name = "sudo"
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	b, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	out := strings.TrimSpace(string(b))
	if err != nil {
		e := &ExecError{
			Command:  strings.Join(append([]string{name}, args...), " "),
			Output:   out,
			ExitCode: -1,
			Err:      err,
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			e.ExitCode = exitErr.ExitCode()
		}
		if ctx.Err() == context.DeadlineExceeded {
			e.Err = fmt.Errorf("timed out after %v", timeout)
		}
		return out, e
	}
	return out, nil
}

// outputOf returns the command output carried by err, if any.
func outputOf(err error) string {
	var e *ExecError
	if errors.As(err, &e) {
		return e.Output
	}
	return ""
}
