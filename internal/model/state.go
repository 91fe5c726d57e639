package model

import (
	"github.com/pkg/errors"

	"ctextgen/internal/checkpoint"
	"ctextgen/internal/optim"
)

// StateDict copies every parameter out under its name.
func (m *RNNVAE) StateDict() (checkpoint.StateDict, error) {
	state := make(checkpoint.StateDict, 0, len(m.params))
	for i, p := range m.params {
		data, err := optim.Floats(p.Value())
		if err != nil {
			return nil, errors.Wrapf(err, "reading %s", m.names[i])
		}
		state = append(state, checkpoint.Tensor{
			Name:  m.names[i],
			Shape: append([]int(nil), p.Shape()...),
			Data:  append([]float64(nil), data...),
		})
	}
	return state, nil
}

// LoadStateDict copies values into the parameters in place. Every parameter
// must be present with a matching shape; extra tensors are an error too.
func (m *RNNVAE) LoadStateDict(state checkpoint.StateDict) error {
	if len(state) != len(m.params) {
		return errors.Errorf("state dict has %d tensors, model has %d parameters", len(state), len(m.params))
	}
	for i, p := range m.params {
		name := m.names[i]
		t, ok := state.Get(name)
		if !ok {
			return errors.Errorf("state dict has no tensor %q", name)
		}
		shape := p.Shape()
		if len(t.Shape) != len(shape) {
			return errors.Errorf("tensor %q has shape %v, parameter has %v", name, t.Shape, shape)
		}
		for d := range shape {
			if t.Shape[d] != shape[d] {
				return errors.Errorf("tensor %q has shape %v, parameter has %v", name, t.Shape, shape)
			}
		}
		data, err := optim.Floats(p.Value())
		if err != nil {
			return errors.Wrapf(err, "writing %s", name)
		}
		if len(t.Data) != len(data) {
			return errors.Errorf("tensor %q has %d values, want %d", name, len(t.Data), len(data))
		}
		copy(data, t.Data)
	}
	return nil
}

// ConfigFromState recovers the model sizes from the parameter shapes of a
// saved state dict. Batch and sequence sizes are left to the caller.
func ConfigFromState(state checkpoint.StateDict) (Config, error) {
	shape := func(name string) ([]int, error) {
		t, ok := state.Get(name)
		if !ok {
			return nil, errors.Errorf("state dict has no tensor %q", name)
		}
		if len(t.Shape) != 2 {
			return nil, errors.Errorf("tensor %q has shape %v, want a matrix", name, t.Shape)
		}
		return t.Shape, nil
	}
	emb, err := shape("word_emb")
	if err != nil {
		return Config{}, err
	}
	mu, err := shape("q_mu.weight")
	if err != nil {
		return Config{}, err
	}
	out, err := shape("decoder_fc.weight")
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		VocabSize: emb[0],
		EmbDim:    emb[1],
		HDim:      mu[0],
		ZDim:      mu[1],
		CDim:      out[0] - mu[1],
	}
	if out[1] != cfg.VocabSize {
		return Config{}, errors.Errorf("output layer has %d words, embedding has %d", out[1], cfg.VocabSize)
	}
	return cfg, nil
}
