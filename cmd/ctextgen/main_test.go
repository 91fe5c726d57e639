package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ctextgen/internal/checkpoint"
	"ctextgen/internal/config"
	"ctextgen/internal/dataset"
)

var trees = []string{
	"(4 (2 a) (4 (4 good) (2 film)))",
	"(0 (2 a) (0 (0 bad) (2 film)))",
	"(3 (3 great) (2 acting))",
	"(1 (1 dull) (2 plot))",
	"(2 (2 just) (2 neutral))",
}

func writeTrees(t *testing.T, dir string) {
	body := strings.Join(trees, "\n") + "\n"
	for _, name := range []string{dataset.TrainFile, dataset.DevFile} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0644))
	}
}

func tinyTrainConfig(t *testing.T) *config.Config {
	dir := t.TempDir()
	dataDir := filepath.Join(dir, "sst")
	require.NoError(t, os.MkdirAll(dataDir, 0755))
	writeTrees(t, dataDir)

	cfg := config.Default()
	cfg.DataDir = dataDir
	cfg.Out = filepath.Join(dir, "models", "vae.bin")
	cfg.BatchSize = 2
	cfg.HDim = 4
	cfg.ZDim = 4
	cfg.EmbDim = 3
	cfg.Iterations = 3
	cfg.LogInterval = 2
	cfg.MaxWords = 5
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestTrainWritesArtifacts(t *testing.T) {
	cfg := tinyTrainConfig(t)
	require.NoError(t, train(context.Background(), cfg, false, nil))

	dir := filepath.Dir(cfg.Out)
	for _, name := range []string{"vae.bin", "vae.json", vocabFile, metricsFile, plotFile} {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.NoError(t, err, name)
	}
	manifest := must.M1(checkpoint.LoadManifest(checkpoint.ManifestPath(cfg.Out)))
	assert.Equal(t, 3, manifest.Iterations)
	assert.False(t, manifest.Interrupted)
	assert.NotEmpty(t, manifest.RunID)
	assert.NotEmpty(t, manifest.CorpusHash)

	runID := manifest.RunID

	// Resuming a finished run only saves again, under the same run id.
	require.NoError(t, train(context.Background(), cfg, true, nil))
	manifest = must.M1(checkpoint.LoadManifest(checkpoint.ManifestPath(cfg.Out)))
	assert.Equal(t, 3, manifest.Iterations)
	assert.Equal(t, runID, manifest.RunID)

	require.NoError(t, sample(sampleConfig{
		Model:  cfg.Out,
		Vocab:  filepath.Join(dir, vocabFile),
		N:      3,
		Label:  -1,
		Temp:   1,
		MaxLen: 6,
		Seed:   1,
	}))
	require.NoError(t, sample(sampleConfig{
		Model:    cfg.Out,
		Vocab:    filepath.Join(dir, vocabFile),
		N:        1,
		Label:    1,
		Temp:     0.5,
		TopK:     3,
		MaxLen:   6,
		Seed:     1,
		Sentence: "a good film",
	}))

	for _, label := range []int{5, 2, -2} {
		err := sample(sampleConfig{Model: cfg.Out, Vocab: filepath.Join(dir, vocabFile), N: 1, Label: label, Temp: 1, MaxLen: 6, Seed: 1})
		assert.Error(t, err, "label %d", label)
	}
}

// stopAfter reports cancellation once Err has been polled more than n times.
// The training loop polls it once before every iteration.
type stopAfter struct {
	context.Context
	n int
}

func (c *stopAfter) Err() error {
	if c.n <= 0 {
		return context.Canceled
	}
	c.n--
	return nil
}

func TestTrainSavesWhenInterrupted(t *testing.T) {
	cfg := tinyTrainConfig(t)
	cfg.Iterations = 50
	require.NoError(t, train(&stopAfter{Context: context.Background(), n: 2}, cfg, false, nil))

	_, err := os.Stat(cfg.Out)
	require.NoError(t, err)
	manifest := must.M1(checkpoint.LoadManifest(checkpoint.ManifestPath(cfg.Out)))
	assert.True(t, manifest.Interrupted)
	assert.Equal(t, 2, manifest.Iterations)
	runID := manifest.RunID

	// The interrupted run picks up where it stopped.
	cfg.Iterations = 4
	require.NoError(t, train(context.Background(), cfg, true, nil))
	manifest = must.M1(checkpoint.LoadManifest(checkpoint.ManifestPath(cfg.Out)))
	assert.False(t, manifest.Interrupted)
	assert.Equal(t, 4, manifest.Iterations)
	assert.Equal(t, runID, manifest.RunID)
}

func TestTrainMissingData(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = filepath.Join(t.TempDir(), "nothing-here")
	assert.Error(t, train(context.Background(), cfg, false, nil))
}

func TestArgmax(t *testing.T) {
	assert.Equal(t, 1, argmax([]float64{0, 1}))
	assert.Equal(t, 0, argmax([]float64{1, 0}))
}
