package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"

	"github.com/schaermu/wsyncd/internal/buildstep"
	"github.com/schaermu/wsyncd/internal/config"
	"github.com/schaermu/wsyncd/internal/p4"
	wsync "github.com/schaermu/wsyncd/internal/sync"
	"github.com/schaermu/wsyncd/internal/toolrun"
	"github.com/schaermu/wsyncd/internal/vcs"
)

// engine is a workspace together with the clients it was built from
type engine struct {
	cfg       *config.Config
	workspace *wsync.Workspace
	client    vcs.Client
	runner    toolrun.Runner
	logger    *slog.Logger
}

func settingsFrom(cfg *config.Config) wsync.Settings {
	return wsync.Settings{
		LocalRoot:          cfg.Workspace.Root,
		ClientRoot:         cfg.Workspace.ClientRoot,
		SelectedLocalFile:  cfg.SelectedLocalFile(),
		SelectedClientFile: cfg.SelectedClientFile(),
		Enterprise:         cfg.Workspace.Enterprise,
		StateDir:           cfg.Paths.StateDir,
		ProjectGenerator:   cfg.Tools.ProjectGenerator,
		BuildTool:          cfg.Tools.BuildTool,
		PackagingTool:      cfg.Tools.PackagingTool,
	}
}

func newEngine(cfg *config.Config, logger *slog.Logger) *engine {
	client := p4.NewShellClient(p4.Options{
		Binary: cfg.Perforce.Binary,
		Port:   cfg.Perforce.Port,
		User:   cfg.Perforce.User,
		Client: cfg.Perforce.Client,
	}, logger)
	runner := toolrun.NewExecRunner()
	return newEngineWith(cfg, client, runner, logger)
}

func newEngineWith(cfg *config.Config, client vcs.Client, runner toolrun.Runner, logger *slog.Logger) *engine {
	return &engine{
		cfg:       cfg,
		workspace: wsync.New(settingsFrom(cfg), client, runner, logger),
		client:    client,
		runner:    runner,
		logger:    logger,
	}
}

// LatestChange returns the newest change submitted under the client root
func (e *engine) LatestChange(ctx context.Context) (int, error) {
	changes, err := e.client.FindChanges(ctx, []string{e.cfg.Workspace.ClientRoot + "/..."}, 1)
	if err != nil {
		return 0, fmt.Errorf("failed to find latest change: %w", err)
	}
	if len(changes) == 0 {
		return 0, fmt.Errorf("no changes submitted under %s", e.cfg.Workspace.ClientRoot)
	}
	return changes[0].Number, nil
}

// Run runs one update pass of req
func (e *engine) Run(ctx context.Context, req *wsync.UpdateRequest) (wsync.Result, string) {
	return e.workspace.Run(ctx, req)
}

// options returns the update stages enabled by the configuration
func (e *engine) options() wsync.Options {
	opts := wsync.Sync | wsync.SyncArchives | wsync.Build
	if e.cfg.GenerateProjectFiles() {
		opts |= wsync.GenerateProjectFiles
	}
	if e.cfg.Incremental() {
		opts |= wsync.IncrementalBuild
	}
	if e.cfg.Sync.AutoResolve {
		opts |= wsync.AutoResolve
	}
	if e.cfg.Sync.ContentOnly {
		opts |= wsync.ContentOnly
	}
	if e.cfg.Sync.AllProjects {
		opts |= wsync.SyncAllProjects
	}
	if e.cfg.Sync.IncludeAllInSolution {
		opts |= wsync.IncludeAllProjectsInSolution
	}
	return opts
}

// scheduledOptions returns the stages of an update started by a trigger
func (e *engine) scheduledOptions() wsync.Options {
	opts := e.options() | wsync.ScheduledBuild
	if !e.cfg.ScheduledBuild() {
		opts &^= wsync.Build | wsync.GenerateProjectFiles
	}
	return opts
}

// newRequest builds a request for rev carrying the configured filter,
// archives and build steps
func (e *engine) newRequest(rev int, opts wsync.Options) *wsync.UpdateRequest {
	req := wsync.NewRequest(rev, opts)

	if lines := e.workspace.Categories().CombinedSyncFilter(e.cfg.View()); len(lines) > 0 {
		req.SyncFilter = lines
	}
	req.Archives = e.cfg.ArchiveSources()
	req.SyncOptions = e.cfg.Perforce.Sync

	project := e.cfg.SelectedLocalFile()
	projectArg := ""
	if e.cfg.Workspace.Project != "" {
		projectArg = strconv.Quote(project)
	}
	req.DefaultSteps = buildstep.DefaultSteps(buildstep.EditorOptions{
		Target:          e.cfg.Build.EditorTarget,
		Configuration:   e.cfg.Build.EditorConfiguration,
		Platform:        e.cfg.Build.Platform,
		ProjectArgument: projectArg,
		Compile:         !e.cfg.Build.Precompiled,
	})
	req.UserSteps = userSteps(e.cfg.Build.Steps)

	req.Variables["BranchDir"] = e.cfg.Workspace.Root
	req.Variables["ProjectDir"] = filepath.Dir(project)
	req.Variables["ProjectFile"] = project
	for k, v := range e.cfg.Build.Variables {
		req.Variables[k] = v
	}
	return req
}

// userSteps flattens the configured step records into string maps
func userSteps(steps []map[string]any) []buildstep.Definition {
	if len(steps) == 0 {
		return nil
	}
	out := make([]buildstep.Definition, 0, len(steps))
	for _, s := range steps {
		def := make(buildstep.Definition, len(s))
		for k, v := range s {
			def[k] = fmt.Sprint(v)
		}
		out = append(out, def)
	}
	return out
}

// editorCommand returns the command that opens the editor on the target
func (e *engine) editorCommand() toolrun.Command {
	cmd := toolrun.Command{
		Path: filepath.Join(e.cfg.Workspace.Root, "Engine", "Binaries", e.platform(), editorBinary(e.cfg.Build.EditorTarget)),
		Dir:  e.cfg.Workspace.Root,
	}
	if e.cfg.Workspace.Project != "" {
		cmd.Args = []string{e.cfg.SelectedLocalFile()}
	}
	return cmd
}

func (e *engine) platform() string {
	if e.cfg.Build.Platform != "" {
		return e.cfg.Build.Platform
	}
	return "Linux"
}

// editorBinary maps a project editor target to the binary it produces
func editorBinary(target string) string {
	if target == "" {
		return "UE4Editor"
	}
	return target
}
