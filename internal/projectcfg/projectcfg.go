// Package projectcfg reads the per-branch and per-project configuration
// files that ship inside a workspace.
package projectcfg

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/schaermu/wsyncd/internal/buildstep"
	"github.com/schaermu/wsyncd/internal/filter"
)

// FileName is the name of every project configuration file
const FileName = "wsyncd.toml"

// Config is the merged project configuration
type Config struct {
	Options    Options
	ForceClean ForceClean
	Sync       SyncSection
	Build      BuildSection
}

// Options holds the [Options] table
type Options struct {
	SyncCategory             []filter.CategoryOverride `toml:"SyncCategory"`
	QuickSelectStreamList    string                    `toml:"QuickSelectStreamList"`
	VersionToLastCodeChange  *bool                     `toml:"VersionToLastCodeChange"`
	UseFastModularVersioning *bool                     `toml:"UseFastModularVersioning"`
}

// ForceClean lists revisions that require a clean build when crossed
type ForceClean struct {
	Changelist []int `toml:"Changelist"`
}

// SyncSection holds post-sync steps
type SyncSection struct {
	Step []PostSyncStep `toml:"Step"`
}

// PostSyncStep is a tool run after every successful full sync
type PostSyncStep struct {
	FileName  string `toml:"FileName"`
	Arguments string `toml:"Arguments"`
}

// BuildSection holds project build steps as free-form records
type BuildSection struct {
	Step []map[string]any `toml:"Step"`
}

// VersionToLastCodeChange defaults to true
func (c *Config) VersionToLastCodeChange() bool {
	return c.Options.VersionToLastCodeChange == nil || *c.Options.VersionToLastCodeChange
}

// UseFastModularVersioning defaults to false
func (c *Config) UseFastModularVersioning() bool {
	return c.Options.UseFastModularVersioning != nil && *c.Options.UseFastModularVersioning
}

// BuildSteps converts the [[Build.Step]] records into step definitions
func (c *Config) BuildSteps() []buildstep.Definition {
	defs := make([]buildstep.Definition, 0, len(c.Build.Step))
	for _, record := range c.Build.Step {
		def := make(buildstep.Definition, len(record))
		for k, v := range record {
			def[k] = fmt.Sprint(v)
		}
		defs = append(defs, def)
	}
	return defs
}

// ForceCleanCrossed returns the first force-clean revision that lies between
// lastBuilt and current, exclusive of lastBuilt. A workspace that has never
// been built (lastBuilt == 0) never forces a clean.
func (c *Config) ForceCleanCrossed(lastBuilt, current int) (int, bool) {
	if lastBuilt == 0 {
		return 0, false
	}
	for _, rev := range c.ForceClean.Changelist {
		if (lastBuilt >= rev) != (current >= rev) {
			return rev, true
		}
	}
	return 0, false
}

// Locations returns the candidate configuration files in merge order. The
// project file is only consulted when the selected file is a project.
func Locations(localRoot, selectedLocalFile string) []string {
	paths := []string{
		filepath.Join(localRoot, "Engine", "Programs", "wsyncd", FileName),
		filepath.Join(localRoot, "Engine", "Programs", "wsyncd", "NotForLicensees", FileName),
	}
	if strings.EqualFold(filepath.Ext(selectedLocalFile), ".uproject") {
		paths = append(paths, filepath.Join(filepath.Dir(selectedLocalFile), "Build", FileName))
	}
	return paths
}

// Load reads and merges every existing file in paths. Missing files are
// skipped; unparseable files are logged and skipped so a broken project file
// never blocks a sync.
func Load(paths []string, logger *slog.Logger) *Config {
	cfg := &Config{}
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				logger.Warn("failed to read project config", "path", path, "error", err)
			}
			continue
		}

		var next Config
		if err := toml.Unmarshal(data, &next); err != nil {
			logger.Warn("failed to parse project config", "path", path, "error", err)
			continue
		}
		cfg.merge(&next)
		logger.Info("read project config", "path", path)
	}
	return cfg
}

// merge appends repeatable keys and replaces scalars that next sets
func (c *Config) merge(next *Config) {
	c.Options.SyncCategory = append(c.Options.SyncCategory, next.Options.SyncCategory...)
	if next.Options.QuickSelectStreamList != "" {
		c.Options.QuickSelectStreamList = next.Options.QuickSelectStreamList
	}
	if next.Options.VersionToLastCodeChange != nil {
		c.Options.VersionToLastCodeChange = next.Options.VersionToLastCodeChange
	}
	if next.Options.UseFastModularVersioning != nil {
		c.Options.UseFastModularVersioning = next.Options.UseFastModularVersioning
	}
	c.ForceClean.Changelist = append(c.ForceClean.Changelist, next.ForceClean.Changelist...)
	sort.Ints(c.ForceClean.Changelist)
	c.Sync.Step = append(c.Sync.Step, next.Sync.Step...)
	c.Build.Step = append(c.Build.Step, next.Build.Step...)
}
