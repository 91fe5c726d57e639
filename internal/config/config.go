// Package config holds the hyperparameters of a training run. Defaults
// reproduce the reference experiment; a YAML file and then CLI flags may
// override them.
package config

import (
	"bytes"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config captures the runtime knobs for a training run.
type Config struct {
	DataDir  string `yaml:"data_dir"`
	GloVe    string `yaml:"glove"`
	Out      string `yaml:"out"`
	Download bool   `yaml:"download"`

	BatchSize int `yaml:"batch_size"`
	HDim      int `yaml:"h_dim"`
	// ZDim of 0 means the same as HDim.
	ZDim   int `yaml:"z_dim"`
	CDim   int `yaml:"c_dim"`
	EmbDim int `yaml:"emb_dim"`

	LR           float64 `yaml:"lr"`
	LRDecayEvery int     `yaml:"lr_decay_every"`
	Iterations   int     `yaml:"iterations"`
	LogInterval  int     `yaml:"log_interval"`
	WordDropout  float64 `yaml:"word_dropout"`
	ClipNorm     float64 `yaml:"clip_norm"`

	MaxWords int `yaml:"max_words"`
	MinFreq  int `yaml:"min_freq"`
	MaxVocab int `yaml:"max_vocab"`
	// ValBatches is the number of dev batches evaluated at each report.
	ValBatches int `yaml:"val_batches"`

	Seed int64 `yaml:"seed"`
	GPU  bool  `yaml:"gpu"`
}

// Default returns the hyperparameters of the reference experiment.
func Default() *Config {
	return &Config{
		DataDir:      "data/sst",
		Out:          "models/vae.bin",
		BatchSize:    32,
		HDim:         128,
		CDim:         2,
		EmbDim:       50,
		LR:           1e-3,
		LRDecayEvery: 1000000,
		Iterations:   50000,
		LogInterval:  1000,
		WordDropout:  0.3,
		ClipNorm:     5,
		MaxWords:     15,
		MinFreq:      1,
		ValBatches:   1,
		Seed:         1,
	}
}

// Load reads a YAML file on top of the defaults and validates the result.
// Unknown keys are rejected.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading config %q", path)
	}
	cfg := Default()
	decoder := yaml.NewDecoder(bytes.NewReader(raw))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		return nil, errors.Wrapf(err, "parsing config %q", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "config %q", path)
	}
	return cfg, nil
}

// Overrides captures CLI supplied values. Zero values leave the config as is.
type Overrides struct {
	DataDir    string
	GloVe      string
	Out        string
	Iterations int
	BatchSize  int
	LR         float64
	Seed       int64
	GPU        bool
	Download   bool
}

// ApplyOverrides updates c using any non-zero override.
func (c *Config) ApplyOverrides(o Overrides) {
	if o.DataDir != "" {
		c.DataDir = o.DataDir
	}
	if o.GloVe != "" {
		c.GloVe = o.GloVe
	}
	if o.Out != "" {
		c.Out = o.Out
	}
	if o.Iterations > 0 {
		c.Iterations = o.Iterations
	}
	if o.BatchSize > 0 {
		c.BatchSize = o.BatchSize
	}
	if o.LR > 0 {
		c.LR = o.LR
	}
	if o.Seed != 0 {
		c.Seed = o.Seed
	}
	if o.GPU {
		c.GPU = true
	}
	if o.Download {
		c.Download = true
	}
}

// Validate verifies the config is runnable and fills derived defaults.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if c.DataDir == "" {
		return errors.New("data_dir must be set")
	}
	if c.Out == "" {
		return errors.New("out must be set")
	}
	if c.ZDim == 0 {
		c.ZDim = c.HDim
	}
	switch {
	case c.BatchSize <= 0:
		return errors.Errorf("batch_size must be > 0 (got %d)", c.BatchSize)
	case c.HDim <= 0 || c.ZDim <= 0 || c.CDim <= 0 || c.EmbDim <= 0:
		return errors.Errorf("dimensions must be > 0 (h=%d z=%d c=%d emb=%d)", c.HDim, c.ZDim, c.CDim, c.EmbDim)
	case c.LR <= 0:
		return errors.Errorf("lr must be > 0 (got %g)", c.LR)
	case c.Iterations <= 0:
		return errors.Errorf("iterations must be > 0 (got %d)", c.Iterations)
	case c.WordDropout < 0 || c.WordDropout >= 1:
		return errors.Errorf("word_dropout must be in [0, 1) (got %g)", c.WordDropout)
	case c.ClipNorm < 0:
		return errors.Errorf("clip_norm must be >= 0 (got %g)", c.ClipNorm)
	case c.MaxWords <= 0:
		return errors.Errorf("max_words must be > 0 (got %d)", c.MaxWords)
	case c.ValBatches < 0:
		return errors.Errorf("val_batches must be >= 0 (got %d)", c.ValBatches)
	}
	if c.LogInterval <= 0 {
		c.LogInterval = 1000
	}
	if c.MinFreq <= 0 {
		c.MinFreq = 1
	}
	return nil
}

// Hyperparams flattens the config for the checkpoint manifest.
func (c *Config) Hyperparams() map[string]any {
	return map[string]any{
		"batch_size":     c.BatchSize,
		"h_dim":          c.HDim,
		"z_dim":          c.ZDim,
		"c_dim":          c.CDim,
		"emb_dim":        c.EmbDim,
		"lr":             c.LR,
		"lr_decay_every": c.LRDecayEvery,
		"iterations":     c.Iterations,
		"log_interval":   c.LogInterval,
		"word_dropout":   c.WordDropout,
		"clip_norm":      c.ClipNorm,
		"max_words":      c.MaxWords,
		"min_freq":       c.MinFreq,
		"max_vocab":      c.MaxVocab,
		"seed":           c.Seed,
		"glove":          c.GloVe,
	}
}
