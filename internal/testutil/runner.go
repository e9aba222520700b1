package testutil

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/schaermu/wsyncd/internal/toolrun"
)

// FakeRunner records tool invocations instead of executing them
type FakeRunner struct {
	mu sync.Mutex

	// ExitCode returns the exit code for a command; nil means success
	ExitCode func(cmd toolrun.Command) int
	// Output is written to the tool's output stream on every Run
	Output string
	// Hook runs before every Run; a non-nil error is returned as-is
	Hook func(ctx context.Context, cmd toolrun.Command) error

	Runs    []toolrun.Command
	Started []toolrun.Command
}

// Run implements toolrun.Runner
func (r *FakeRunner) Run(ctx context.Context, cmd toolrun.Command, out io.Writer) (int, error) {
	if r.Hook != nil {
		if err := r.Hook(ctx, cmd); err != nil {
			return -1, err
		}
	}

	r.mu.Lock()
	r.Runs = append(r.Runs, cmd)
	exit := r.ExitCode
	output := r.Output
	r.mu.Unlock()

	if output != "" {
		_, _ = fmt.Fprint(out, output)
	}
	if exit == nil {
		return 0, nil
	}
	return exit(cmd), nil
}

// Start implements toolrun.Runner
func (r *FakeRunner) Start(ctx context.Context, cmd toolrun.Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Started = append(r.Started, cmd)
	return nil
}

// CommandLines returns every recorded Run as a single string
func (r *FakeRunner) CommandLines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	lines := make([]string, 0, len(r.Runs))
	for _, c := range r.Runs {
		lines = append(lines, c.String())
	}
	return lines
}

// Ran reports whether any recorded command line contains substr
func (r *FakeRunner) Ran(substr string) bool {
	for _, line := range r.CommandLines() {
		if strings.Contains(line, substr) {
			return true
		}
	}
	return false
}
