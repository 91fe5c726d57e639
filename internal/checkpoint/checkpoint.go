// Package checkpoint persists model parameters (a "state dict") and the
// manifest describing the run that produced them.
package checkpoint

import (
	"encoding/gob"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Tensor is one named parameter.
type Tensor struct {
	Name  string
	Shape []int
	Data  []float64
}

// Size is the number of values the shape calls for.
func (t Tensor) Size() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// StateDict is the ordered list of parameters of a model.
type StateDict []Tensor

// Get finds a tensor by name.
func (s StateDict) Get(name string) (Tensor, bool) {
	for _, t := range s {
		if t.Name == name {
			return t, true
		}
	}
	return Tensor{}, false
}

// NumValues counts the scalar parameters.
func (s StateDict) NumValues() int {
	total := 0
	for _, t := range s {
		total += len(t.Data)
	}
	return total
}

// Save writes the state dict as gob to path, creating the parent directory.
// The file is written under a temporary name and renamed, so an interrupted
// save never leaves a truncated checkpoint behind.
func Save(path string, state StateDict) error {
	for _, t := range state {
		if t.Size() != len(t.Data) {
			return errors.Errorf("tensor %q has shape %v but %d values", t.Name, t.Shape, len(t.Data))
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrapf(err, "creating checkpoint directory for %q", path)
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return errors.Wrapf(err, "creating checkpoint %q", tmp)
	}
	if err := gob.NewEncoder(f).Encode(state); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "encoding checkpoint %q", tmp)
	}
	if err := f.Close(); err != nil {
		return errors.Wrapf(err, "closing checkpoint %q", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrapf(err, "moving checkpoint into %q", path)
	}
	return nil
}

// Load reads a state dict written by Save.
func Load(path string) (StateDict, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening checkpoint %q", path)
	}
	defer f.Close()

	var state StateDict
	if err := gob.NewDecoder(f).Decode(&state); err != nil {
		return nil, errors.Wrapf(err, "decoding checkpoint %q", path)
	}
	return state, nil
}

// Manifest records how a checkpoint was produced.
type Manifest struct {
	RunID       string             `json:"run_id"`
	Iterations  int                `json:"iterations"`
	Interrupted bool               `json:"interrupted"`
	VocabSize   int                `json:"vocab_size"`
	NumParams   int                `json:"num_params"`
	VocabPath   string             `json:"vocab_path"`
	CorpusHash  string             `json:"corpus_hash,omitempty"`
	Hyperparams map[string]any     `json:"hyperparams"`
	FinalLosses map[string]float64 `json:"final_losses,omitempty"`
	SavedAt     time.Time          `json:"saved_at"`
}

// ManifestPath is the manifest that accompanies a checkpoint: vae.bin → vae.json.
func ManifestPath(checkpointPath string) string {
	return strings.TrimSuffix(checkpointPath, filepath.Ext(checkpointPath)) + ".json"
}

// SaveManifest writes m as indented JSON.
func SaveManifest(path string, m Manifest) error {
	return SaveJSON(path, m)
}

// LoadManifest reads a manifest written by SaveManifest.
func LoadManifest(path string) (Manifest, error) {
	var m Manifest
	f, err := os.Open(path)
	if err != nil {
		return m, errors.Wrapf(err, "opening manifest %q", path)
	}
	defer f.Close()
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return m, errors.Wrapf(err, "decoding manifest %q", path)
	}
	return m, nil
}

// SaveJSON writes data as indented JSON, creating the parent directory.
func SaveJSON(path string, data any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrapf(err, "creating directory for %q", path)
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating %q", path)
	}
	defer f.Close()

	encoder := json.NewEncoder(f)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		return errors.Wrapf(err, "writing %q", path)
	}
	return nil
}
