package projectcfg

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/schaermu/wsyncd/internal/buildstep"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLocations(t *testing.T) {
	got := Locations("/ws", "/ws/Game/Game.uproject")
	want := []string{
		"/ws/Engine/Programs/wsyncd/wsyncd.toml",
		"/ws/Engine/Programs/wsyncd/NotForLicensees/wsyncd.toml",
		"/ws/Game/Build/wsyncd.toml",
	}
	if len(got) != len(want) {
		t.Fatalf("Locations = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("location %d = %q, want %q", i, got[i], want[i])
		}
	}

	if got := Locations("/ws", "/ws/Default.uprojectdirs"); len(got) != 2 {
		t.Errorf("non-project target should only read engine configs, got %v", got)
	}
}

func TestLoad_MergesInOrder(t *testing.T) {
	root := t.TempDir()
	project := filepath.Join(root, "Game", "Game.uproject")

	writeFile(t, filepath.Join(root, "Engine", "Programs", "wsyncd", FileName), `
[Options]
QuickSelectStreamList = "//depot/streams.txt"
UseFastModularVersioning = true

[[Options.SyncCategory]]
UniqueId = "6703E989-D912-451D-93AD-B48DE748D282"
Enable = false

[ForceClean]
Changelist = [200, 100]
`)
	writeFile(t, filepath.Join(root, "Game", "Build", FileName), `
[Options]
VersionToLastCodeChange = false

[[Options.SyncCategory]]
UniqueId = "11111111-2222-3333-4444-555555555555"
Name = "Cinematics"
Paths = "/Game/Content/Cinematics/..."

[[Sync.Step]]
FileName = "Tools/post.sh"
Arguments = "$(Change)"

[[Build.Step]]
UniqueId = "A1A1A1A1-0000-0000-0000-000000000001"
Type = "Cook"
FileName = "Game/Build/Cook.xml"
OrderIndex = 10
ScheduledSync = true
`)
	// A broken file is skipped without discarding the others
	writeFile(t, filepath.Join(root, "Engine", "Programs", "wsyncd", "NotForLicensees", FileName), "[Options\n")

	cfg := Load(Locations(root, project), testLogger())

	if cfg.Options.QuickSelectStreamList != "//depot/streams.txt" {
		t.Errorf("QuickSelectStreamList = %q", cfg.Options.QuickSelectStreamList)
	}
	if !cfg.UseFastModularVersioning() || cfg.VersionToLastCodeChange() {
		t.Error("boolean options not merged")
	}
	if len(cfg.Options.SyncCategory) != 2 || cfg.Options.SyncCategory[1].Name != "Cinematics" {
		t.Errorf("SyncCategory = %+v", cfg.Options.SyncCategory)
	}
	if len(cfg.Sync.Step) != 1 || cfg.Sync.Step[0].FileName != "Tools/post.sh" {
		t.Errorf("Sync.Step = %+v", cfg.Sync.Step)
	}

	defs := cfg.BuildSteps()
	if len(defs) != 1 {
		t.Fatalf("BuildSteps = %v", defs)
	}
	step, err := buildstep.FromDefinition(defs[0])
	if err != nil {
		t.Fatal(err)
	}
	if step.Type != buildstep.TypeCook || step.OrderIndex != 10 || !step.ScheduledSync {
		t.Errorf("build step = %+v", step)
	}
}

func TestDefaults(t *testing.T) {
	cfg := Load(nil, testLogger())
	if !cfg.VersionToLastCodeChange() {
		t.Error("VersionToLastCodeChange should default to true")
	}
	if cfg.UseFastModularVersioning() {
		t.Error("UseFastModularVersioning should default to false")
	}
}

func TestForceCleanCrossed(t *testing.T) {
	cfg := &Config{ForceClean: ForceClean{Changelist: []int{100}}}
	for _, tc := range []struct {
		name      string
		lastBuilt int
		current   int
		want      bool
	}{
		{name: "never built", lastBuilt: 0, current: 150, want: false},
		{name: "crossed forward", lastBuilt: 90, current: 100, want: true},
		{name: "crossed backward", lastBuilt: 120, current: 99, want: true},
		{name: "both after", lastBuilt: 100, current: 150, want: false},
		{name: "both before", lastBuilt: 50, current: 99, want: false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, got := cfg.ForceCleanCrossed(tc.lastBuilt, tc.current); got != tc.want {
				t.Errorf("ForceCleanCrossed(%d, %d) = %v, want %v", tc.lastBuilt, tc.current, got, tc.want)
			}
		})
	}
}
