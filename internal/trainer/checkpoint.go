package trainer

import (
	"encoding/gob"
	"fmt"
	"os"

	"vaeforge/internal/model"
)

type checkpointState struct {
	Step   int64
	Params map[string][]float64
}

// SaveCheckpoint captures the model parameters and global step. The file is
// written atomically through a rename.
func SaveCheckpoint(path string, m model.Snapshotter) error {
	state := checkpointState{
		Step:   m.GlobalStep(),
		Params: make(map[string][]float64),
	}
	for _, p := range m.Params() {
		state.Params[p.Name] = append([]float64(nil), p.W...)
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("checkpoint: create %s: %w", tmp, err)
	}
	if err := gob.NewEncoder(f).Encode(state); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("checkpoint: encode: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("checkpoint: close: %w", err)
	}
	return os.Rename(tmp, path)
}

// LoadCheckpoint restores parameters and global step into m. Every model
// parameter must be present in the file with a matching length.
func LoadCheckpoint(path string, m model.Snapshotter) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("checkpoint: open %s: %w", path, err)
	}
	defer f.Close()
	var state checkpointState
	if err := gob.NewDecoder(f).Decode(&state); err != nil {
		return fmt.Errorf("checkpoint: decode %s: %w", path, err)
	}
	for _, p := range m.Params() {
		saved, ok := state.Params[p.Name]
		if !ok {
			return fmt.Errorf("checkpoint: missing parameter %s", p.Name)
		}
		if len(saved) != len(p.W) {
			return fmt.Errorf("checkpoint: parameter %s has %d values, model expects %d",
				p.Name, len(saved), len(p.W))
		}
		copy(p.W, saved)
	}
	m.SetGlobalStep(state.Step)
	return nil
}
