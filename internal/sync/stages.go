package sync

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/schaermu/wsyncd/internal/archive"
	"github.com/schaermu/wsyncd/internal/buildstep"
	"github.com/schaermu/wsyncd/internal/filter"
	"github.com/schaermu/wsyncd/internal/planner"
	"github.com/schaermu/wsyncd/internal/progress"
	"github.com/schaermu/wsyncd/internal/projectcfg"
	"github.com/schaermu/wsyncd/internal/toolrun"
	"github.com/schaermu/wsyncd/internal/vcs"
	"github.com/schaermu/wsyncd/internal/versionfile"
)

// Extensions whose changes affect the compiled code
var codeExtensions = []string{".cs", ".h", ".cpp", ".usf", ".ush", ".uproject", ".uplugin"}

const epicInternalPath = "/Engine/Build/NotForLicensees/EpicInternal.txt"

type stageTime struct {
	name     string
	duration time.Duration
}

// update holds the per-run state of one request
type update struct {
	w   *Workspace
	req *UpdateRequest

	syncStarted bool
	filesSynced int
	codeChange  int
	times       []stageTime
}

func (u *update) run(ctx context.Context) (Result, string) {
	w, req := u.w, u.req
	start := w.now()

	if req.Options.Has(Sync) || req.Options.Has(SyncSingleRevision) {
		if res, status := u.stage("Sync", func() (Result, string) { return u.sync(ctx) }); res != Success {
			return res, status
		}
	}

	if req.Options.Has(SyncArchives) && len(req.Archives) > 0 {
		if res, status := u.stage("Archives", func() (Result, string) { return u.archives(ctx) }); res != Success {
			return res, status
		}
	}

	if req.Options.Has(GenerateProjectFiles) || req.Options.Has(Build) {
		release, err := w.gate.Acquire(ctx, func() {
			w.logger.Info("waiting for other workspaces to finish")
			w.progress.Set("Waiting for other workspaces to finish...", 0)
		})
		if err != nil {
			return Canceled, "Canceled"
		}
		defer release()

		if req.Options.Has(GenerateProjectFiles) {
			if res, status := u.stage("Prj gen", func() (Result, string) { return u.generateProjectFiles(ctx) }); res != Success {
				return res, status
			}
		}
		if req.Options.Has(Build) {
			if res, status := u.stage("Build", func() (Result, string) { return u.build(ctx) }); res != Success {
				return res, status
			}
		}
	}

	u.report(w.now().Sub(start))
	return Success, "Update succeeded"
}

func (u *update) stage(name string, fn func() (Result, string)) (Result, string) {
	start := u.w.now()
	res, status := fn()
	if res == Success {
		u.times = append(u.times, stageTime{name: name, duration: u.w.now().Sub(start)})
	}
	return res, status
}

func (u *update) report(total time.Duration) {
	for _, t := range u.times {
		u.w.logger.Info("stage complete", "stage", t.name, "duration", t.duration.Round(time.Second).String())
	}
	u.w.logger.Info("update succeeded",
		"total", total.Round(time.Second).String(),
		"files_synced", u.filesSynced)
}

func (u *update) sync(ctx context.Context) (Result, string) {
	w, req := u.w, u.req
	rev := req.Revision

	loggedIn, err := w.client.LoggedIn(ctx)
	if err != nil {
		return w.fail(ctx, err, "Unable to get login status.")
	}
	if !loggedIn {
		return FailedToSyncLoginExpired, "User is not logged in."
	}

	w.progress.Set("Finding files to sync...", 0)
	u.syncStarted = true

	syncPaths := w.planner.ComputeSyncPaths(req.Options.Has(SyncAllProjects), req.SyncFilter)
	userFilter := planner.UserFilter(req.SyncFilter)

	// Files left behind by a narrower filter are removed first
	var removals []string
	nextHash, changed := planner.DetectFilterChange(w.FilterHash(), syncPaths, req.SyncFilter)
	if changed {
		w.logger.Info("sync filter changed, reconciling have list", "filter_hash", nextHash)
		have, err := w.client.Have(ctx, w.settings.ClientRoot+"/...")
		if err != nil {
			return w.fail(ctx, err, "Unable to query files.")
		}
		candidates, err := w.planner.ReconcileAgainstHaveList(have, syncPaths, userFilter)
		if err != nil {
			return w.fail(ctx, err, "Unable to sync files.")
		}
		if len(candidates) > 0 {
			if waiting := req.Ticket.OfferDeletes(candidates); len(waiting) > 0 {
				return FilesToDelete, fmt.Sprintf("Cancelled after finding %d files excluded by filter", len(waiting))
			}
			for _, path := range candidates {
				if req.Ticket.Delete(path) == Accept {
					removals = append(removals, path)
				}
			}
		}
		w.setFilterHash(planner.NeedsReconciliation)
	}

	// Version files are patched after the sync and never synced directly
	exclude := filter.New(filter.Include)
	for _, path := range versionfile.Paths {
		exclude.Exclude("..." + path)
	}
	if req.Options.Has(ContentOnly) {
		exclude.Exclude("*.usf")
		exclude.Exclude("*.ush")
	}

	var content []string
	for _, syncPath := range syncPaths {
		records, err := w.client.SyncPreview(ctx, syncPath, rev, !req.Options.Has(Sync))
		if err != nil {
			return w.fail(ctx, err, fmt.Sprintf("Couldn't enumerate changes matching %s.", syncPath))
		}
		for _, r := range records {
			if !w.planner.MatchesLocal(r.ClientPath, userFilter) {
				continue
			}
			if exclude.Matches(r.DepotPath) {
				content = append(content, r.DepotPath)
			}
		}

		opened, err := w.client.OpenFiles(ctx, syncPath)
		if err != nil {
			return w.fail(ctx, err, fmt.Sprintf("Couldn't find open files matching %s.", syncPath))
		}
		for _, r := range opened {
			if r.Action == "add" || r.Action == "branch" || r.Action == "move/add" {
				continue
			}
			if exclude.Matches(r.DepotPath) {
				content = append(content, r.DepotPath)
			}
		}
	}

	revisions := make([]string, 0, len(removals)+len(content))
	for _, path := range removals {
		revisions = append(revisions, vcs.Removal(path))
	}
	for _, path := range dedupe(content) {
		revisions = append(revisions, vcs.AtRevision(path, rev))
	}

	if len(revisions) > 0 {
		w.progress.Set("Syncing files...", 0)
		total := float32(len(revisions))
		synced := 0
		tampered, err := w.client.Sync(ctx, revisions, func(r vcs.FileRecord) {
			synced++
			w.progress.SetFraction(float32(synced) / total)
			w.logger.Debug("p4> "+r.DepotPath, "action", r.Action)
		}, req.SyncOptions)
		if err != nil {
			return w.fail(ctx, err, "Aborted sync due to errors.")
		}

		if len(tampered) > 0 {
			if waiting := req.Ticket.OfferClobbers(tampered); len(waiting) > 0 {
				return FilesToClobber, fmt.Sprintf("Cancelled sync after checking files to clobber (%d new files).", len(waiting))
			}
			for _, path := range tampered {
				if req.Ticket.Clobber(path) != Accept {
					w.logger.Info("keeping local file", "path", path)
					continue
				}
				if err := w.client.ForceSync(ctx, path, rev); err != nil {
					return w.fail(ctx, err, fmt.Sprintf("Couldn't sync %s.", path))
				}
			}
		}
	}
	w.setFilterHash(nextHash)

	full := req.Options.Has(Sync) && !req.Options.Has(UpdateFilter)
	if full {
		if res, status := u.stampVersion(ctx, syncPaths); res != Success {
			return res, status
		}
	}

	if res, status := u.checkResolved(ctx, syncPaths); res != Success {
		return res, status
	}

	if full {
		if res, status := u.postSync(ctx); res != Success {
			return res, status
		}
		w.setCurrentRevision(rev)
	}

	u.filesSynced = len(revisions)
	return Success, ""
}

func dedupe(paths []string) []string {
	seen := make(map[string]bool, len(paths))
	out := paths[:0]
	for _, p := range paths {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

// stampVersion reloads the project configuration and rewrites the version
// files for the synced revision
func (u *update) stampVersion(ctx context.Context, syncPaths []string) (Result, string) {
	w, rev := u.w, u.req.Revision

	cfg := u.reloadProjectConfig(ctx)

	branch, err := u.branchName(ctx)
	if err != nil {
		return w.fail(ctx, err, "Couldn't determine branch name.")
	}

	w.progress.Set("Finding last code change...", 0)
	var paths []string
	for _, ext := range codeExtensions {
		for _, syncPath := range syncPaths {
			paths = append(paths, vcs.UpToRevision(syncPath+ext, rev))
		}
	}
	changes, err := w.client.FindChanges(ctx, paths, 1)
	if err != nil {
		return w.fail(ctx, err, fmt.Sprintf("Couldn't determine last code changelist before CL %d.", rev))
	}
	if len(changes) == 0 {
		return FailedToSync, fmt.Sprintf("Could not find any code changes before CL %d.", rev)
	}
	u.codeChange = 0
	for _, c := range changes {
		if c.Number > u.codeChange {
			u.codeChange = c.Number
		}
	}

	version := rev
	if cfg.VersionToLastCodeChange() {
		version = u.codeChange
	}

	var tables versionfile.Tables
	if cfg.UseFastModularVersioning() {
		epicInternal, err := w.client.FileExists(ctx, w.settings.ClientRoot+epicInternalPath)
		if err != nil {
			return w.fail(ctx, err, "Couldn't check for licensee marker.")
		}
		tables = versionfile.ModularTables(rev, version, branch, !epicInternal)
	} else {
		tables = versionfile.LegacyTables(version, branch)
	}

	w.progress.Set("Updating version files...", 0)
	patcher := versionfile.NewPatcher(w.client, w.logger)
	for _, path := range versionfile.Paths {
		if _, err := patcher.Patch(ctx, w.settings.ClientRoot+path, tables.For(path), rev); err != nil {
			return w.fail(ctx, err, fmt.Sprintf("Failed to update %s.", path))
		}
	}

	// Stale receipts would make the editor skip a needed build
	if w.planner.IsProject() {
		receipts := vcs.Removal(planner.DirectoryName(w.settings.SelectedClientFile) + "/Build/Receipts/...")
		if _, err := w.client.Sync(ctx, []string{receipts}, nil, u.req.SyncOptions); err != nil {
			if ctx.Err() != nil {
				return Canceled, "Canceled"
			}
			w.logger.Warn("failed to remove build receipts", "error", err)
		}
	}
	return Success, ""
}

func (u *update) reloadProjectConfig(ctx context.Context) *projectcfg.Config {
	w := u.w
	cfg := projectcfg.Load(projectcfg.Locations(w.settings.LocalRoot, w.settings.SelectedLocalFile), w.logger)

	var streams []string
	if list := cfg.Options.QuickSelectStreamList; list != "" {
		lines, err := w.client.Print(ctx, list)
		if err != nil {
			w.logger.Warn("failed to read stream list", "path", list, "error", err)
		} else {
			for _, line := range lines {
				if line = strings.TrimSpace(line); line != "" {
					streams = append(streams, line)
				}
			}
		}
	}

	w.mu.Lock()
	w.projectConfig = cfg
	w.streamFilter = streams
	w.mu.Unlock()
	return cfg
}

func (u *update) branchName(ctx context.Context) (string, error) {
	w := u.w
	stream, ok, err := w.client.ActiveStream(ctx)
	if err != nil {
		return "", err
	}
	if ok {
		return vcs.ResolveConcreteStream(ctx, w.client, stream)
	}
	depotPath, err := w.client.DepotPath(ctx, w.settings.ClientRoot+"/GenerateProjectFiles.bat")
	if err != nil {
		return "", err
	}
	return planner.DirectoryName(depotPath), nil
}

func (u *update) checkResolved(ctx context.Context, syncPaths []string) (Result, string) {
	w := u.w
	w.progress.Set("Checking for unresolved files...", 0)

	unresolved, err := u.unresolved(ctx, syncPaths)
	if err != nil {
		return w.fail(ctx, err, "Couldn't get list of unresolved files.")
	}
	if len(unresolved) > 0 && u.req.Options.Has(AutoResolve) {
		for _, r := range unresolved {
			if err := w.client.AutoResolve(ctx, r.DepotPath); err != nil {
				if ctx.Err() != nil {
					return Canceled, "Canceled"
				}
				w.logger.Warn("auto-resolve failed", "path", r.DepotPath, "error", err)
			}
		}
		if unresolved, err = u.unresolved(ctx, syncPaths); err != nil {
			return w.fail(ctx, err, "Couldn't get list of unresolved files.")
		}
	}
	if len(unresolved) > 0 {
		for _, r := range unresolved {
			w.logger.Warn("file needs resolving", "path", r.DepotPath)
		}
		return FilesToResolve, "Files need resolving."
	}
	return Success, ""
}

func (u *update) unresolved(ctx context.Context, syncPaths []string) ([]vcs.FileRecord, error) {
	var out []vcs.FileRecord
	for _, syncPath := range syncPaths {
		records, err := u.w.client.UnresolvedFiles(ctx, syncPath)
		if err != nil {
			return nil, err
		}
		out = append(out, records...)
	}
	return out, nil
}

func (u *update) variables() map[string]string {
	vars := make(map[string]string, len(u.req.Variables)+2)
	for k, v := range u.req.Variables {
		vars[k] = v
	}
	vars["Change"] = strconv.Itoa(u.req.Revision)
	vars["CodeChange"] = strconv.Itoa(u.codeChange)
	return vars
}

func (u *update) postSync(ctx context.Context) (Result, string) {
	w := u.w
	vars := u.variables()

	for _, step := range w.ProjectConfig().Sync.Step {
		tool := toolrun.ExpandVariables(step.FileName, vars)
		if tool == "" {
			continue
		}
		args, err := toolrun.SplitArgs(toolrun.ExpandVariables(step.Arguments, vars))
		if err != nil {
			return FailedToSync, fmt.Sprintf("Invalid arguments for post-sync step %s.", tool)
		}
		cmd := toolrun.Command{Path: w.localPath(tool), Args: args, Dir: w.settings.LocalRoot}

		w.progress.Set("Running post-sync step...", 0)
		code, err := u.exec(ctx, cmd, "post-sync>")
		if err != nil {
			return w.fail(ctx, err, fmt.Sprintf("Failed to run post-sync step %s.", tool))
		}
		if code != 0 {
			return FailedToSync, fmt.Sprintf("Post-sync step terminated with exit code %d.", code)
		}
	}
	return Success, ""
}

func (u *update) exec(ctx context.Context, cmd toolrun.Command, prefix string) (int, error) {
	u.w.logger.Info(prefix + " running " + cmd.String())
	out := progress.NewWriter(u.w.logger, prefix, u.w.progress)
	defer out.Flush()
	return u.w.runner.Run(ctx, cmd, out)
}

func (u *update) archives(ctx context.Context) (Result, string) {
	w := u.w
	w.progress.Set("Syncing archives...", 0)
	installer := archive.NewInstaller(w.client, w.logger, w.progress, w.settings.LocalRoot, archive.ManifestDir(w.settings.SelectedLocalFile))
	if err := installer.Apply(ctx, u.req.Archives); err != nil {
		return w.fail(ctx, err, fmt.Sprintf("Failed to sync archives: %v", err))
	}
	return Success, ""
}

func (u *update) generateProjectFiles(ctx context.Context) (Result, string) {
	w, opts := u.w, u.req.Options
	w.progress.Set("Generating project files...", 0)

	var args []string
	if w.planner.IsProject() && !opts.Has(SyncAllProjects) && !opts.Has(IncludeAllProjectsInSolution) {
		args = append(args, w.settings.SelectedLocalFile)
	}
	args = append(args, "-progress")

	cmd := toolrun.Command{Path: w.localPath(w.settings.ProjectGenerator), Args: args, Dir: w.settings.LocalRoot}
	code, err := u.exec(ctx, cmd, "gpf>")
	if err != nil {
		if ctx.Err() != nil {
			return Canceled, "Canceled"
		}
		w.logger.Error("failed to generate project files", "error", err)
		return FailedToCompile, fmt.Sprintf("Failed to generate project files: %v", err)
	}
	if code != 0 {
		return FailedToCompile, fmt.Sprintf("Failed to generate project files (exit code %d).", code)
	}
	return Success, ""
}

func (u *update) build(ctx context.Context) (Result, string) {
	w, req := u.w, u.req
	cfg := w.ProjectConfig()

	steps := buildstep.Merge(req.DefaultSteps, cfg.BuildSteps(), req.UserSteps)
	steps = buildstep.Select(steps, req.CustomStepIDs, req.Options.Has(ScheduledBuild))

	current := w.CurrentRevision()
	clean := !req.Options.Has(IncrementalBuild)
	if boundary, crossed := cfg.ForceCleanCrossed(w.LastBuiltRevision(), current); crossed {
		w.logger.Info("forcing clean build", "boundary", boundary, "last_built", w.LastBuiltRevision(), "current", current)
		clean = true
	}

	executor := &buildstep.Executor{
		Runner:        w.runner,
		Logger:        w.logger,
		Progress:      w.progress,
		LocalRoot:     w.settings.LocalRoot,
		BuildTool:     w.settings.BuildTool,
		PackagingTool: w.settings.PackagingTool,
		Variables:     u.variables(),
	}

	w.progress.Set("Starting build...", 0)
	if err := executor.Run(ctx, steps, clean); err != nil {
		if ctx.Err() != nil {
			return Canceled, "Canceled"
		}
		var stepErr *buildstep.StepError
		if errors.As(err, &stepErr) {
			w.logger.Error("build step failed", "step", stepErr.Step.Name(), "exit_code", stepErr.ExitCode, "error", stepErr.Err)
			if stepErr.Step.Type == buildstep.TypeCompile {
				return u.compileFailure(ctx), stepErr.Error()
			}
			return FailedToCompile, stepErr.Error()
		}
		w.logger.Error("build failed", "error", err)
		return FailedToCompile, fmt.Sprintf("Build failed: %v", err)
	}

	if len(req.CustomStepIDs) == 0 {
		w.setLastBuiltRevision(current)
	}
	return Success, ""
}

// compileFailure tells a failure caused by local edits apart from one that
// happened on an otherwise clean workspace
func (u *update) compileFailure(ctx context.Context) Result {
	w := u.w
	if len(u.req.CustomStepIDs) > 0 {
		return FailedToCompile
	}
	opened, err := w.client.OpenFiles(ctx, w.settings.ClientRoot+"/...")
	if err != nil {
		w.logger.Warn("failed to query open files", "error", err)
		return FailedToCompile
	}
	for _, r := range opened {
		if strings.Contains(strings.ToLower(filepath.ToSlash(r.DepotPath)), "/source/") {
			return FailedToCompile
		}
	}
	return FailedToCompileWithCleanWorkspace
}
