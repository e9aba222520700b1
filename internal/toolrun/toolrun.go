package toolrun

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/google/shlex"
)

// waitDelay bounds how long a killed tool may keep its output pipes open
const waitDelay = 2 * time.Second

// Command describes an external tool invocation
type Command struct {
	Path string
	Args []string
	Dir  string
	Env  []string
}

// String renders the command line for logs
func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Path
	}
	return c.Path + " " + strings.Join(c.Args, " ")
}

// Runner executes external tools
type Runner interface {
	// Run executes cmd to completion, streaming combined output to out, and
	// returns its exit code. A non-zero exit is not an error.
	Run(ctx context.Context, cmd Command, out io.Writer) (int, error)
	// Start launches cmd without waiting for it
	Start(ctx context.Context, cmd Command) error
}

// ExecRunner implements Runner with os/exec
type ExecRunner struct{}

// NewExecRunner creates a new process runner
func NewExecRunner() *ExecRunner {
	return &ExecRunner{}
}

// Run executes cmd and waits for it. Cancelling ctx kills the process.
func (r *ExecRunner) Run(ctx context.Context, cmd Command, out io.Writer) (int, error) {
	c := exec.CommandContext(ctx, cmd.Path, cmd.Args...)
	c.Dir = cmd.Dir
	c.Env = environ(cmd.Env)
	c.Stdout = out
	c.Stderr = out
	c.WaitDelay = waitDelay

	err := c.Run()
	if ctx.Err() != nil {
		return -1, ctx.Err()
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return -1, fmt.Errorf("failed to run %s: %w", cmd.Path, err)
	}
	return 0, nil
}

// Start launches cmd detached from the update; it is not killed when ctx is
// cancelled
func (r *ExecRunner) Start(ctx context.Context, cmd Command) error {
	c := exec.Command(cmd.Path, cmd.Args...)
	c.Dir = cmd.Dir
	c.Env = environ(cmd.Env)
	if err := c.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", cmd.Path, err)
	}
	go func() {
		_ = c.Wait()
	}()
	return nil
}

func environ(extra []string) []string {
	if len(extra) == 0 {
		return nil
	}
	return append(os.Environ(), extra...)
}

// SplitArgs splits an argument string using shell quoting rules
func SplitArgs(s string) ([]string, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	args, err := shlex.Split(s)
	if err != nil {
		return nil, fmt.Errorf("failed to parse arguments %q: %w", s, err)
	}
	return args, nil
}

var variablePattern = regexp.MustCompile(`\$\(([A-Za-z0-9_]+)\)`)

// ExpandVariables replaces every $(Name) with its value. Unknown names are
// left in place.
func ExpandVariables(s string, vars map[string]string) string {
	return variablePattern.ReplaceAllStringFunc(s, func(m string) string {
		name := m[2 : len(m)-1]
		if v, ok := vars[name]; ok {
			return v
		}
		return m
	})
}
