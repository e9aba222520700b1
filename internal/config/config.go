package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/schaermu/wsyncd/internal/filter"
	"github.com/schaermu/wsyncd/internal/vcs"
)

// Config represents the complete wsyncd configuration
type Config struct {
	Workspace WorkspaceConfig   `yaml:"workspace"`
	Perforce  PerforceConfig    `yaml:"perforce"`
	Paths     PathsConfig       `yaml:"paths"`
	Sync      SyncConfig        `yaml:"sync"`
	Build     BuildConfig       `yaml:"build"`
	Archives  map[string]string `yaml:"archives"`
	Tools     ToolsConfig       `yaml:"tools"`
	Serve     ServeConfig       `yaml:"serve"`
	Log       LogConfig         `yaml:"log"`
}

// WorkspaceConfig locates the workspace on disk and on the server
type WorkspaceConfig struct {
	Root       string `yaml:"root"`
	ClientRoot string `yaml:"client_root"`
	// Project is the .uproject file relative to Root; empty selects the
	// whole branch
	Project    string `yaml:"project"`
	Enterprise bool   `yaml:"enterprise"`
}

// PerforceConfig configures the server connection
type PerforceConfig struct {
	Port   string          `yaml:"port"`
	User   string          `yaml:"user"`
	Client string          `yaml:"client"`
	Binary string          `yaml:"binary"`
	Sync   vcs.SyncOptions `yaml:"sync"`
}

// PathsConfig configures local filesystem paths
type PathsConfig struct {
	StateDir string `yaml:"state_dir"`
}

// SyncConfig configures what gets synced
type SyncConfig struct {
	GlobalView               []string `yaml:"global_view"`
	View                     []string `yaml:"view"`
	GlobalExcludedCategories []string `yaml:"global_excluded_categories"`
	IncludedCategories       []string `yaml:"included_categories"`
	ExcludedCategories       []string `yaml:"excluded_categories"`
	AllProjects              bool     `yaml:"all_projects"`
	IncludeAllInSolution     bool     `yaml:"include_all_in_solution"`
	AutoResolve              bool     `yaml:"auto_resolve"`
	ContentOnly              bool     `yaml:"content_only"`
	GenerateProjectFiles     *bool    `yaml:"generate_project_files"`
}

// BuildConfig configures the editor build and user build steps
type BuildConfig struct {
	EditorTarget        string `yaml:"editor_target"`
	EditorConfiguration string `yaml:"editor_configuration"`
	Platform            string `yaml:"platform"`
	// Precompiled skips the editor compile steps when binaries are synced
	// from archives instead
	Precompiled bool              `yaml:"precompiled"`
	Incremental *bool             `yaml:"incremental"`
	Steps       []map[string]any  `yaml:"steps"`
	Variables   map[string]string `yaml:"variables"`
}

// ToolsConfig overrides the tool locations, relative to the workspace root
type ToolsConfig struct {
	ProjectGenerator string `yaml:"project_generator"`
	BuildTool        string `yaml:"build_tool"`
	PackagingTool    string `yaml:"packaging_tool"`
}

// ServeConfig configures the change-submitted trigger server
type ServeConfig struct {
	Enabled        bool          `yaml:"enabled"`
	ListenAddr     string        `yaml:"listen_addr"`
	SecretFile     string        `yaml:"secret_file"`
	Debounce       time.Duration `yaml:"debounce"`
	AllowedStreams []string      `yaml:"allowed_streams"`
	ScheduledBuild *bool         `yaml:"scheduled_build"`
}

// LogConfig configures an optional rotating log file
type LogConfig struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// expandEnv expands environment variables in all path-like string fields
func (c *Config) expandEnv() {
	c.Workspace.Root = os.ExpandEnv(c.Workspace.Root)
	c.Perforce.Port = os.ExpandEnv(c.Perforce.Port)
	c.Perforce.User = os.ExpandEnv(c.Perforce.User)
	c.Perforce.Client = os.ExpandEnv(c.Perforce.Client)
	c.Perforce.Binary = os.ExpandEnv(c.Perforce.Binary)
	c.Paths.StateDir = os.ExpandEnv(c.Paths.StateDir)
	c.Serve.ListenAddr = os.ExpandEnv(c.Serve.ListenAddr)
	c.Serve.SecretFile = os.ExpandEnv(c.Serve.SecretFile)
	c.Log.File = os.ExpandEnv(c.Log.File)
	for k, v := range c.Build.Variables {
		c.Build.Variables[k] = os.ExpandEnv(v)
	}
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Perforce.Binary == "" {
		c.Perforce.Binary = "p4"
	}
	if c.Workspace.ClientRoot == "" && c.Perforce.Client != "" {
		c.Workspace.ClientRoot = "//" + c.Perforce.Client
	}
	c.Workspace.ClientRoot = strings.TrimSuffix(c.Workspace.ClientRoot, "/")
	if c.Paths.StateDir == "" && c.Workspace.Root != "" {
		c.Paths.StateDir = filepath.Join(c.Workspace.Root, ".wsyncd")
	}
	if c.Serve.Debounce == 0 {
		c.Serve.Debounce = 30 * time.Second
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = 50
	}
	if c.Log.MaxBackups == 0 {
		c.Log.MaxBackups = 5
	}
	if c.Log.MaxAgeDays == 0 {
		c.Log.MaxAgeDays = 28
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Workspace.Root == "" {
		return fmt.Errorf("workspace.root is required")
	}
	if !filepath.IsAbs(c.Workspace.Root) {
		return fmt.Errorf("workspace.root must be an absolute path: %s", c.Workspace.Root)
	}
	if c.Perforce.Client == "" {
		return fmt.Errorf("perforce.client is required")
	}
	if !strings.HasPrefix(c.Workspace.ClientRoot, "//") {
		return fmt.Errorf("workspace.client_root must start with //: %s", c.Workspace.ClientRoot)
	}
	if c.Workspace.Project != "" {
		if filepath.IsAbs(c.Workspace.Project) {
			return fmt.Errorf("workspace.project must be relative to workspace.root: %s", c.Workspace.Project)
		}
		if !strings.EqualFold(filepath.Ext(c.Workspace.Project), ".uproject") {
			return fmt.Errorf("workspace.project must name a .uproject file: %s", c.Workspace.Project)
		}
	}

	if !filepath.IsAbs(c.Paths.StateDir) {
		return fmt.Errorf("paths.state_dir must be an absolute path: %s", c.Paths.StateDir)
	}

	for _, list := range []struct {
		key string
		ids []string
	}{
		{"sync.global_excluded_categories", c.Sync.GlobalExcludedCategories},
		{"sync.included_categories", c.Sync.IncludedCategories},
		{"sync.excluded_categories", c.Sync.ExcludedCategories},
	} {
		if _, err := parseIDs(list.ids); err != nil {
			return fmt.Errorf("%s: %w", list.key, err)
		}
	}

	for kind, path := range c.Archives {
		if kind == "" {
			return fmt.Errorf("archives: empty archive kind")
		}
		if path != "" && !strings.HasPrefix(path, "//") {
			return fmt.Errorf("archives.%s must be a depot path: %s", kind, path)
		}
	}

	if c.Serve.Enabled {
		if c.Serve.ListenAddr == "" {
			return fmt.Errorf("serve.listen_addr is required when serve is enabled")
		}
		if c.Serve.SecretFile == "" {
			return fmt.Errorf("serve.secret_file is required when serve is enabled")
		}
	}

	return nil
}

func parseIDs(ids []string) ([]uuid.UUID, error) {
	out := make([]uuid.UUID, 0, len(ids))
	for _, s := range ids {
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("invalid category id %q: %w", s, err)
		}
		out = append(out, id)
	}
	return out, nil
}

// View returns the category selection for the combined sync filter
func (c *Config) View() filter.View {
	// Validate has already rejected malformed ids
	global, _ := parseIDs(c.Sync.GlobalExcludedCategories)
	included, _ := parseIDs(c.Sync.IncludedCategories)
	excluded, _ := parseIDs(c.Sync.ExcludedCategories)
	return filter.View{
		GlobalView:        c.Sync.GlobalView,
		GlobalExcluded:    global,
		WorkspaceView:     c.Sync.View,
		WorkspaceIncluded: included,
		WorkspaceExcluded: excluded,
	}
}

// SelectedLocalFile returns the open project file, or the branch root marker
// when no project is configured
func (c *Config) SelectedLocalFile() string {
	if c.Workspace.Project == "" {
		return filepath.Join(c.Workspace.Root, "GenerateProjectFiles.bat")
	}
	return filepath.Join(c.Workspace.Root, c.Workspace.Project)
}

// SelectedClientFile is SelectedLocalFile as a client path
func (c *Config) SelectedClientFile() string {
	if c.Workspace.Project == "" {
		return c.Workspace.ClientRoot + "/GenerateProjectFiles.bat"
	}
	return c.Workspace.ClientRoot + "/" + filepath.ToSlash(c.Workspace.Project)
}

// GenerateProjectFiles defaults to true
func (c *Config) GenerateProjectFiles() bool {
	return c.Sync.GenerateProjectFiles == nil || *c.Sync.GenerateProjectFiles
}

// Incremental defaults to true
func (c *Config) Incremental() bool {
	return c.Build.Incremental == nil || *c.Build.Incremental
}

// ScheduledBuild reports whether triggered updates also build; defaults to
// true
func (c *Config) ScheduledBuild() bool {
	return c.Serve.ScheduledBuild == nil || *c.Serve.ScheduledBuild
}

// ArchiveSources returns the archive selection keyed by kind; an empty depot
// path removes that kind
func (c *Config) ArchiveSources() map[string]*string {
	if len(c.Archives) == 0 {
		return nil
	}
	out := make(map[string]*string, len(c.Archives))
	for kind, path := range c.Archives {
		if path == "" {
			out[kind] = nil
			continue
		}
		p := path
		out[kind] = &p
	}
	return out
}

// StateFilePath returns the path to the state tracking file
func (c *Config) StateFilePath() string {
	return filepath.Join(c.Paths.StateDir, "state.json")
}
