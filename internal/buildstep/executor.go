package buildstep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/schaermu/wsyncd/internal/progress"
	"github.com/schaermu/wsyncd/internal/toolrun"
)

// StepError reports a step that did not complete
type StepError struct {
	Step     Step
	ExitCode int
	Err      error
}

func (e *StepError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s failed: %v", e.Step.Name(), e.Err)
	}
	switch e.Step.Type {
	case TypeCompile:
		return fmt.Sprintf("Failed to compile %s (exit code %d).", e.Step.Target, e.ExitCode)
	case TypeCook:
		return fmt.Sprintf("Cook %s failed (exit code %d).", e.Step.FileName, e.ExitCode)
	}
	return fmt.Sprintf("Tool %s terminated with exit code %d.", e.Step.FileName, e.ExitCode)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// Executor runs build steps against a workspace
type Executor struct {
	Runner   toolrun.Runner
	Logger   *slog.Logger
	Progress *progress.Progress

	// LocalRoot is the workspace root on disk
	LocalRoot string
	// BuildTool and PackagingTool are relative to LocalRoot
	BuildTool     string
	PackagingTool string
	Variables     map[string]string
}

// Run executes steps in order. With clean set every compile step runs a
// "-clean" pass first. The first failing step stops the run and is returned
// as a *StepError.
func (e *Executor) Run(ctx context.Context, steps []Step, clean bool) error {
	if needsBuildTool(steps) {
		if _, err := os.Stat(e.path(e.BuildTool)); err != nil {
			return fmt.Errorf("couldn't find %s: %w", e.path(e.BuildTool), err)
		}
	}

	total := 0
	for _, s := range steps {
		total += s.EstimatedDuration
	}
	if total < 1 {
		total = 1
	}

	done := 0
	for _, s := range steps {
		done += s.EstimatedDuration
		e.Progress.SetMessage(s.StatusText)
		depth := e.Progress.Depth()
		e.Progress.Push(float32(done) / float32(total))
		e.Logger.Info("running build step", "step", s.Name(), "type", s.Type)

		err := e.runStep(ctx, s, clean)
		// Ranges left open by tool output end with the step
		e.Progress.PopTo(depth)
		if err != nil {
			return err
		}
	}
	return nil
}

func needsBuildTool(steps []Step) bool {
	for _, s := range steps {
		if s.Type == TypeCompile && s.Valid() {
			return true
		}
	}
	return false
}

func (e *Executor) runStep(ctx context.Context, s Step, clean bool) error {
	if !s.Valid() {
		e.Logger.Warn("skipping incomplete build step", "step", s.Name())
		return nil
	}

	switch s.Type {
	case TypeCompile:
		return e.compile(ctx, s, clean)
	case TypeCook:
		return e.cook(ctx, s)
	default:
		return e.custom(ctx, s)
	}
}

func (e *Executor) compile(ctx context.Context, s Step, clean bool) error {
	extra, err := toolrun.SplitArgs(toolrun.ExpandVariables(s.Arguments, e.Variables))
	if err != nil {
		return &StepError{Step: s, Err: err}
	}
	args := append([]string{s.Target, s.Platform, s.Configuration}, extra...)
	args = append(args, "-NoHotReloadFromIDE")

	if clean {
		cmd := toolrun.Command{Path: e.path(e.BuildTool), Args: append(append([]string(nil), args...), "-clean"), Dir: e.LocalRoot}
		// The clean pass result is ignored; the build below reports failures
		if _, err := e.exec(ctx, cmd, "ubt>"); err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
	}

	cmd := toolrun.Command{Path: e.path(e.BuildTool), Args: append(args, "-progress"), Dir: e.LocalRoot}
	code, err := e.exec(ctx, cmd, "ubt>")
	if err != nil {
		return e.failure(ctx, s, code, err)
	}
	if code != 0 {
		return &StepError{Step: s, ExitCode: code}
	}
	return nil
}

func (e *Executor) cook(ctx context.Context, s Step) error {
	cmd := toolrun.Command{
		Path: e.path(e.PackagingTool),
		Args: []string{"-profile=" + e.path(s.FileName)},
		Dir:  e.LocalRoot,
	}
	code, err := e.exec(ctx, cmd, "uat>")
	if err != nil {
		return e.failure(ctx, s, code, err)
	}
	if code != 0 {
		return &StepError{Step: s, ExitCode: code}
	}
	return nil
}

func (e *Executor) custom(ctx context.Context, s Step) error {
	tool := e.path(toolrun.ExpandVariables(s.FileName, e.Variables))
	dir := filepath.Dir(tool)
	if s.WorkingDir != "" {
		dir = toolrun.ExpandVariables(s.WorkingDir, e.Variables)
	}
	args, err := toolrun.SplitArgs(toolrun.ExpandVariables(s.Arguments, e.Variables))
	if err != nil {
		return &StepError{Step: s, Err: err}
	}
	cmd := toolrun.Command{Path: tool, Args: args, Dir: dir}

	if !s.UseLogWindow {
		e.Logger.Info("tool> starting "+cmd.String(), "dir", dir)
		if err := e.Runner.Start(ctx, cmd); err != nil {
			return &StepError{Step: s, Err: err}
		}
		return nil
	}

	code, err := e.exec(ctx, cmd, "tool>")
	if err != nil {
		return e.failure(ctx, s, code, err)
	}
	if code != 0 {
		return &StepError{Step: s, ExitCode: code}
	}
	return nil
}

// failure keeps cancellation distinguishable from a failed step
func (e *Executor) failure(ctx context.Context, s Step, code int, err error) error {
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return err
	}
	return &StepError{Step: s, ExitCode: code, Err: err}
}

func (e *Executor) exec(ctx context.Context, cmd toolrun.Command, prefix string) (int, error) {
	e.Logger.Info(prefix + " running " + cmd.String())
	w := progress.NewWriter(e.Logger, prefix, e.Progress)
	defer w.Flush()
	return e.Runner.Run(ctx, cmd, w)
}

func (e *Executor) path(rel string) string {
	if filepath.IsAbs(rel) {
		return rel
	}
	return filepath.Join(e.LocalRoot, rel)
}
