package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func validConfig() Config {
	return Config{
		Workspace: WorkspaceConfig{
			Root:       "/work/ue",
			ClientRoot: "//me-ue",
			Project:    "Game/Game.uproject",
		},
		Perforce: PerforceConfig{Client: "me-ue"},
		Paths:    PathsConfig{StateDir: "/work/ue/.wsyncd"},
	}
}

func TestLoad(t *testing.T) {
	tmpfile, err := os.CreateTemp("", "config-*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		_ = os.Remove(tmpfile.Name())
	}()

	t.Setenv("WSYNCD_TEST_ROOT", "/work/ue")

	content := `
workspace:
  root: "${WSYNCD_TEST_ROOT}"
  project: "Game/Game.uproject"

perforce:
  port: "ssl:perforce:1666"
  user: "me"
  client: "me-ue"
  sync:
    num_retries: 3
    num_threads: 8

sync:
  view:
    - "-/Samples/..."
  excluded_categories:
    - "5206CCEE-9024-4E36-8B89-F5F5A7D288D2"
  auto_resolve: true

build:
  incremental: false
  variables:
    Target: "Game"

archives:
  editor: "//depot/binaries/Editor.zip"
  tools: ""

serve:
  enabled: true
  listen_addr: "127.0.0.1:8080"
  secret_file: "/etc/wsyncd/secret"
  debounce: "5s"
`
	if _, err := tmpfile.Write([]byte(content)); err != nil {
		t.Fatal(err)
	}
	if err := tmpfile.Close(); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(tmpfile.Name())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Workspace.Root != "/work/ue" {
		t.Errorf("expected expanded root /work/ue, got %s", cfg.Workspace.Root)
	}
	if cfg.Workspace.ClientRoot != "//me-ue" {
		t.Errorf("expected client root derived from client, got %s", cfg.Workspace.ClientRoot)
	}
	if cfg.Paths.StateDir != filepath.Join("/work/ue", ".wsyncd") {
		t.Errorf("expected default state dir, got %s", cfg.Paths.StateDir)
	}
	if cfg.Perforce.Binary != "p4" {
		t.Errorf("expected default binary p4, got %s", cfg.Perforce.Binary)
	}
	if cfg.Perforce.Sync.NumRetries != 3 || cfg.Perforce.Sync.NumThreads != 8 {
		t.Errorf("sync options not loaded: %+v", cfg.Perforce.Sync)
	}
	if cfg.Serve.Debounce != 5*time.Second {
		t.Errorf("expected debounce 5s, got %s", cfg.Serve.Debounce)
	}
	if cfg.Incremental() {
		t.Error("expected incremental builds disabled")
	}
	if !cfg.GenerateProjectFiles() || !cfg.ScheduledBuild() {
		t.Error("expected unset flags to default to true")
	}

	view := cfg.View()
	if len(view.WorkspaceView) != 1 || len(view.WorkspaceExcluded) != 1 {
		t.Errorf("unexpected view %+v", view)
	}

	archives := cfg.ArchiveSources()
	if archives["editor"] == nil || *archives["editor"] != "//depot/binaries/Editor.zip" {
		t.Errorf("editor archive = %v", archives["editor"])
	}
	if src, ok := archives["tools"]; !ok || src != nil {
		t.Errorf("empty archive path should select removal, got %v", src)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid config",
			mutate:  func(*Config) {},
			wantErr: false,
		},
		{
			name:    "missing root",
			mutate:  func(c *Config) { c.Workspace.Root = "" },
			wantErr: true,
		},
		{
			name:    "relative root",
			mutate:  func(c *Config) { c.Workspace.Root = "work/ue" },
			wantErr: true,
		},
		{
			name:    "missing client",
			mutate:  func(c *Config) { c.Perforce.Client = "" },
			wantErr: true,
		},
		{
			name:    "client root not rooted",
			mutate:  func(c *Config) { c.Workspace.ClientRoot = "me-ue" },
			wantErr: true,
		},
		{
			name:    "project is not a uproject",
			mutate:  func(c *Config) { c.Workspace.Project = "Game/Game.txt" },
			wantErr: true,
		},
		{
			name:    "branch workspace without project",
			mutate:  func(c *Config) { c.Workspace.Project = "" },
			wantErr: false,
		},
		{
			name:    "relative state_dir",
			mutate:  func(c *Config) { c.Paths.StateDir = "relative/state" },
			wantErr: true,
		},
		{
			name:    "malformed category id",
			mutate:  func(c *Config) { c.Sync.IncludedCategories = []string{"not-a-uuid"} },
			wantErr: true,
		},
		{
			name:    "archive not a depot path",
			mutate:  func(c *Config) { c.Archives = map[string]string{"editor": "/tmp/Editor.zip"} },
			wantErr: true,
		},
		{
			name: "serve enabled missing listen_addr",
			mutate: func(c *Config) {
				c.Serve = ServeConfig{Enabled: true, SecretFile: "/secret"}
			},
			wantErr: true,
		},
		{
			name: "serve enabled missing secret file",
			mutate: func(c *Config) {
				c.Serve = ServeConfig{Enabled: true, ListenAddr: "127.0.0.1:8080"}
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSelectedFiles(t *testing.T) {
	tests := []struct {
		name       string
		project    string
		wantLocal  string
		wantClient string
	}{
		{
			name:       "project workspace",
			project:    "Game/Game.uproject",
			wantLocal:  filepath.Join("/work/ue", "Game", "Game.uproject"),
			wantClient: "//me-ue/Game/Game.uproject",
		},
		{
			name:       "branch workspace",
			project:    "",
			wantLocal:  filepath.Join("/work/ue", "GenerateProjectFiles.bat"),
			wantClient: "//me-ue/GenerateProjectFiles.bat",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.Workspace.Project = tt.project
			if got := cfg.SelectedLocalFile(); got != tt.wantLocal {
				t.Errorf("SelectedLocalFile() = %s, want %s", got, tt.wantLocal)
			}
			if got := cfg.SelectedClientFile(); got != tt.wantClient {
				t.Errorf("SelectedClientFile() = %s, want %s", got, tt.wantClient)
			}
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := Config{Perforce: PerforceConfig{Client: "me-ue"}, Workspace: WorkspaceConfig{Root: "/ws"}}
	cfg.applyDefaults()

	if cfg.Workspace.ClientRoot != "//me-ue" {
		t.Errorf("applyDefaults() client root = %q", cfg.Workspace.ClientRoot)
	}
	if cfg.Log.MaxSizeMB != 50 || cfg.Log.MaxBackups != 5 || cfg.Log.MaxAgeDays != 28 {
		t.Errorf("applyDefaults() log = %+v", cfg.Log)
	}

	// Explicit values must not be overwritten
	cfg2 := Config{
		Perforce:  PerforceConfig{Client: "me-ue", Binary: "/opt/p4"},
		Workspace: WorkspaceConfig{ClientRoot: "//other/"},
		Serve:     ServeConfig{Debounce: time.Minute},
	}
	cfg2.applyDefaults()

	if cfg2.Workspace.ClientRoot != "//other" {
		t.Errorf("applyDefaults() client root = %q, want //other", cfg2.Workspace.ClientRoot)
	}
	if cfg2.Perforce.Binary != "/opt/p4" || cfg2.Serve.Debounce != time.Minute {
		t.Errorf("applyDefaults() overwrote explicit values: %+v %+v", cfg2.Perforce, cfg2.Serve)
	}
}

func TestStateFilePath(t *testing.T) {
	cfg := Config{Paths: PathsConfig{StateDir: "/state"}}
	if got := cfg.StateFilePath(); got != filepath.Join("/state", "state.json") {
		t.Errorf("StateFilePath() = %s", got)
	}
}
