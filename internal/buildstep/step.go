// Package buildstep merges and runs the compile, cook and custom steps of a
// workspace build.
//
// Steps are declared as flat key/value records in three layers: engine
// defaults, the project configuration and the user's customisations. Merge
// folds the layers by step id; a later record inherits every key it does not
// set from the earlier one, so a user layer can change a single flag of a
// default step.
package buildstep

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Record keys
const (
	KeyUniqueID          = "UniqueId"
	KeyOrderIndex        = "OrderIndex"
	KeyDescription       = "Description"
	KeyStatusText        = "StatusText"
	KeyEstimatedDuration = "EstimatedDuration"
	KeyType              = "Type"
	KeyTarget            = "Target"
	KeyPlatform          = "Platform"
	KeyConfiguration     = "Configuration"
	KeyArguments         = "Arguments"
	KeyFileName          = "FileName"
	KeyWorkingDir        = "WorkingDir"
	KeyUseLogWindow      = "UseLogWindow"
	KeyNormalSync        = "NormalSync"
	KeyScheduledSync     = "ScheduledSync"
	KeyHidden            = "Hidden"
)

// Type is the kind of work a step performs
type Type string

const (
	TypeCompile Type = "Compile"
	TypeCook    Type = "Cook"
	TypeOther   Type = "Other"
)

// Definition is a persisted step record
type Definition map[string]string

// ID returns the step id, if the record carries a valid one
func (d Definition) ID() (uuid.UUID, bool) {
	id, err := uuid.Parse(d[KeyUniqueID])
	return id, err == nil
}

func (d Definition) clone() Definition {
	out := make(Definition, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Step is a resolved build step
type Step struct {
	ID                uuid.UUID
	OrderIndex        int
	Description       string
	StatusText        string
	EstimatedDuration int
	Type              Type
	Target            string
	Platform          string
	Configuration     string
	Arguments         string
	FileName          string
	WorkingDir        string
	UseLogWindow      bool
	NormalSync        bool
	ScheduledSync     bool
}

// Name returns a short label for logs and errors
func (s Step) Name() string {
	if s.Description != "" {
		return s.Description
	}
	switch s.Type {
	case TypeCompile:
		return "Compile " + s.Target
	case TypeCook:
		return "Cook " + s.FileName
	}
	return s.FileName
}

// Valid reports whether the step has what its type needs to run
func (s Step) Valid() bool {
	switch s.Type {
	case TypeCompile:
		return s.Target != "" && s.Platform != "" && s.Configuration != ""
	case TypeCook, TypeOther:
		return s.FileName != ""
	}
	return false
}

// Definition renders the step as a record
func (s Step) Definition() Definition {
	return Definition{
		KeyUniqueID:          s.ID.String(),
		KeyOrderIndex:        strconv.Itoa(s.OrderIndex),
		KeyDescription:       s.Description,
		KeyStatusText:        s.StatusText,
		KeyEstimatedDuration: strconv.Itoa(s.EstimatedDuration),
		KeyType:              string(s.Type),
		KeyTarget:            s.Target,
		KeyPlatform:          s.Platform,
		KeyConfiguration:     s.Configuration,
		KeyArguments:         s.Arguments,
		KeyFileName:          s.FileName,
		KeyWorkingDir:        s.WorkingDir,
		KeyUseLogWindow:      strconv.FormatBool(s.UseLogWindow),
		KeyNormalSync:        strconv.FormatBool(s.NormalSync),
		KeyScheduledSync:     strconv.FormatBool(s.ScheduledSync),
	}
}

// FromDefinition parses a record. Missing numeric keys default to zero,
// missing duration to one, and missing flags to false.
func FromDefinition(d Definition) (Step, error) {
	id, ok := d.ID()
	if !ok {
		return Step{}, fmt.Errorf("invalid step id %q", d[KeyUniqueID])
	}

	s := Step{
		ID:                id,
		OrderIndex:        atoi(d[KeyOrderIndex], 0),
		Description:       d[KeyDescription],
		StatusText:        d[KeyStatusText],
		EstimatedDuration: atoi(d[KeyEstimatedDuration], 1),
		Type:              Type(d[KeyType]),
		Target:            d[KeyTarget],
		Platform:          d[KeyPlatform],
		Configuration:     d[KeyConfiguration],
		Arguments:         d[KeyArguments],
		FileName:          d[KeyFileName],
		WorkingDir:        d[KeyWorkingDir],
		UseLogWindow:      parseBool(d[KeyUseLogWindow]),
		NormalSync:        parseBool(d[KeyNormalSync]),
		ScheduledSync:     parseBool(d[KeyScheduledSync]),
	}
	if s.Type == "" {
		s.Type = TypeOther
	}
	if s.EstimatedDuration < 1 {
		s.EstimatedDuration = 1
	}
	if s.StatusText == "" {
		s.StatusText = s.Name() + "..."
	}
	return s, nil
}

func atoi(s string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return fallback
	}
	return n
}

func parseBool(s string) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(s))
	return err == nil && b
}

// Merge folds the layers in order and returns the visible steps sorted by
// order index. Records without a valid id are skipped; a record with
// Hidden=true removes the step from the result.
func Merge(layers ...[]Definition) []Step {
	merged := make(map[uuid.UUID]Definition)
	for _, layer := range layers {
		for _, def := range layer {
			id, ok := def.ID()
			if !ok {
				continue
			}
			next := def.clone()
			if prev, ok := merged[id]; ok {
				for k, v := range prev {
					if _, set := next[k]; !set {
						next[k] = v
					}
				}
			}
			merged[id] = next
		}
	}

	steps := make([]Step, 0, len(merged))
	for _, def := range merged {
		if parseBool(def[KeyHidden]) {
			continue
		}
		s, err := FromDefinition(def)
		if err != nil {
			continue
		}
		steps = append(steps, s)
	}

	sort.Slice(steps, func(i, j int) bool {
		if steps[i].OrderIndex != steps[j].OrderIndex {
			return steps[i].OrderIndex < steps[j].OrderIndex
		}
		return steps[i].ID.String() < steps[j].ID.String()
	})
	return steps
}

// Select keeps the steps that run for this update. An explicit id subset
// runs verbatim; otherwise the scheduled or normal sync flag decides.
func Select(steps []Step, custom []uuid.UUID, scheduled bool) []Step {
	var out []Step
	if len(custom) > 0 {
		wanted := make(map[uuid.UUID]bool, len(custom))
		for _, id := range custom {
			wanted[id] = true
		}
		for _, s := range steps {
			if wanted[s.ID] {
				out = append(out, s)
			}
		}
		return out
	}

	for _, s := range steps {
		if (scheduled && s.ScheduledSync) || (!scheduled && s.NormalSync) {
			out = append(out, s)
		}
	}
	return out
}
