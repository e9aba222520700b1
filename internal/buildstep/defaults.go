package buildstep

import (
	"fmt"

	"github.com/google/uuid"
)

// Ids of the built-in steps, stable across releases so user overrides keep
// applying
var (
	HeaderToolStepID    = uuid.MustParse("01F66060-73FA-4CC8-9CB3-E217FBBA954E")
	EditorStepID        = uuid.MustParse("F097FF61-C916-4058-8391-35B46C3173D5")
	ShaderWorkerStepID  = uuid.MustParse("C6E633A1-956F-4AD3-BC95-6D06D131E7B4")
	LightmassStepID     = uuid.MustParse("24FFD88C-7901-4899-9696-AE1066B4B6E8")
	CrashReporterStepID = uuid.MustParse("FFF20379-06BF-4205-8A3E-C53427736688")
)

// EditorOptions selects how the default editor steps are configured
type EditorOptions struct {
	Target        string
	Configuration string
	Platform      string
	// ProjectArgument is passed to the editor compile, usually the quoted
	// project file
	ProjectArgument string
	// Compile is false when precompiled editor binaries are synced instead
	Compile bool
}

// DefaultSteps returns the engine-default compile steps
func DefaultSteps(opts EditorOptions) []Definition {
	if opts.Target == "" {
		opts.Target = "UE4Editor"
	}
	if opts.Configuration == "" {
		opts.Configuration = "Development"
	}
	if opts.Platform == "" {
		opts.Platform = "Linux"
	}

	compile := func(id uuid.UUID, order int, target, config, args string, duration int) Definition {
		return Step{
			ID:                id,
			OrderIndex:        order,
			Description:       "Compile " + target,
			StatusText:        fmt.Sprintf("Compiling %s...", target),
			EstimatedDuration: duration,
			Type:              TypeCompile,
			Target:            target,
			Platform:          opts.Platform,
			Configuration:     config,
			Arguments:         args,
			NormalSync:        opts.Compile,
			ScheduledSync:     opts.Compile,
		}.Definition()
	}

	return []Definition{
		compile(HeaderToolStepID, 0, "UnrealHeaderTool", "Development", "", 1),
		compile(EditorStepID, 1, opts.Target, opts.Configuration, opts.ProjectArgument, 10),
		compile(ShaderWorkerStepID, 2, "ShaderCompileWorker", "Development", "", 1),
		compile(LightmassStepID, 3, "UnrealLightmass", "Development", "", 1),
		compile(CrashReporterStepID, 4, "CrashReportClient", "Shipping", "", 1),
	}
}
