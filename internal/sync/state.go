package sync

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// StateFileName is the persisted workspace state inside the state directory
const StateFileName = "state.json"

// State is the part of a workspace that survives restarts
type State struct {
	CurrentRevision   int    `json:"current_revision"`
	LastBuiltRevision int    `json:"last_built_revision"`
	FilterHash        string `json:"filter_hash"`
}

// LoadState reads the state file; a missing file is a fresh workspace
func LoadState(stateDir string) (State, error) {
	data, err := os.ReadFile(filepath.Join(stateDir, StateFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return State{}, nil
		}
		return State{}, err
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return State{}, err
	}
	return state, nil
}

// SaveState persists the state atomically
func SaveState(stateDir string, state State) error {
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(stateDir, ".wsyncd-state-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, filepath.Join(stateDir, StateFileName))
}
