package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"flag"
	"io"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"ctextgen/internal/checkpoint"
	"ctextgen/internal/config"
	"ctextgen/internal/dataset"
	"ctextgen/internal/metrics"
	"ctextgen/internal/model"
	"ctextgen/internal/trainer"
)

const (
	vocabFile   = "vocab.json"
	metricsFile = "metrics.json"
	plotFile    = "loss.png"
)

func runTrain(args []string) {
	fs := flag.NewFlagSet("train", flag.ExitOnError)
	klog.InitFlags(fs)

	cfgPath := fs.String("config", "", "Path to YAML config (defaults reproduce the reference run)")
	gpu := fs.Bool("gpu", false, "Run on the GPU (needs a binary built with -tags cuda)")
	dataDir := fs.String("data", "", "Directory holding the SST train.txt and dev.txt trees")
	glove := fs.String("glove", "", "GloVe text file used to initialise the word embeddings")
	out := fs.String("out", "", "Checkpoint path (default models/vae.bin)")
	iters := fs.Int("iters", 0, "Number of training iterations")
	batchSize := fs.Int("batch-size", 0, "Batch size")
	lr := fs.Float64("lr", 0, "Learning rate")
	seed := fs.Int64("seed", 0, "PRNG seed")
	download := fs.Bool("download", false, "Download the SST trees when they are missing")
	resume := fs.Bool("resume", false, "Continue from the checkpoint at --out if it exists")
	progress := fs.Bool("progress", false, "Show a progress bar on stderr")
	_ = fs.Parse(args)
	defer klog.Flush()

	cfg := config.Default()
	if *cfgPath != "" {
		var err error
		if cfg, err = config.Load(*cfgPath); err != nil {
			klog.Fatalf("failed to load config: %v", err)
		}
	}
	cfg.ApplyOverrides(config.Overrides{
		DataDir:    *dataDir,
		GloVe:      *glove,
		Out:        *out,
		Iterations: *iters,
		BatchSize:  *batchSize,
		LR:         *lr,
		Seed:       *seed,
		GPU:        *gpu,
		Download:   *download,
	})
	if err := cfg.Validate(); err != nil {
		klog.Fatalf("invalid config: %v", err)
	}

	var progressOut io.Writer
	if *progress {
		progressOut = os.Stderr
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := train(ctx, cfg, *resume, progressOut); err != nil {
		klog.Fatalf("training failed: %+v", err)
	}
}

// train runs until cfg.Iterations or until ctx is cancelled, and saves the
// checkpoint in both cases.
func train(ctx context.Context, cfg *config.Config, resume bool, progress io.Writer) error {
	if cfg.Download {
		if err := dataset.DownloadIfMissing(cfg.DataDir); err != nil {
			return err
		}
	}
	ds, err := dataset.Load(dataset.Options{
		Dir:       cfg.DataDir,
		BatchSize: cfg.BatchSize,
		MaxWords:  cfg.MaxWords,
		MinFreq:   cfg.MinFreq,
		MaxVocab:  cfg.MaxVocab,
		Seed:      cfg.Seed,
	})
	if err != nil {
		return err
	}
	klog.Infof("data=%s train_sentences=%d vocab=%d", cfg.DataDir, ds.NumTrain(), ds.NVocab())

	var vectors []float64
	if cfg.GloVe != "" {
		if vectors, err = ds.VocabVectors(cfg.GloVe, cfg.EmbDim); err != nil {
			return err
		}
	}

	m, err := model.New(model.Config{
		VocabSize:   ds.NVocab(),
		EmbDim:      cfg.EmbDim,
		HDim:        cfg.HDim,
		ZDim:        cfg.ZDim,
		CDim:        cfg.CDim,
		WordDropout: cfg.WordDropout,
		MaxSentLen:  cfg.MaxWords + 1,
		BatchSize:   cfg.BatchSize,
		SeqLen:      ds.SeqLen(),
		Seed:        cfg.Seed,
	}, vectors, model.DeviceOpts(cfg.GPU)...)
	if err != nil {
		return err
	}
	defer m.Close()
	klog.Infof("model parameters=%s", humanize.Comma(int64(m.NumParams())))

	run := runState{}
	if resume {
		if run, err = restore(cfg, m, ds.NVocab()); err != nil {
			return err
		}
	}
	if run.id == "" {
		run.id = uuid.NewString()
	}

	tr, err := trainer.New(m, ds, trainer.Options{
		StartIter:    run.start,
		Iterations:   cfg.Iterations,
		LogInterval:  cfg.LogInterval,
		LR:           cfg.LR,
		LRDecayEvery: cfg.LRDecayEvery,
		ClipNorm:     cfg.ClipNorm,
		ValBatches:   cfg.ValBatches,
		Progress:     progress,
	})
	if err != nil {
		return err
	}
	res, err := tr.Run(ctx)
	if err != nil {
		return err
	}
	if res.Skipped > 0 {
		klog.Warningf("skipped %d updates with non-finite values", res.Skipped)
	}

	history := res.History
	if run.previous != nil {
		history = &metrics.History{Points: append(run.previous.Points, res.History.Points...)}
	}
	return save(cfg, m, ds, run.id, res, history)
}

// runState is what a resumed run carries over from its checkpoint.
type runState struct {
	id       string
	start    int
	previous *metrics.History
}

// restore loads the checkpoint at cfg.Out into m. A missing checkpoint starts
// from scratch with an empty state.
func restore(cfg *config.Config, m *model.RNNVAE, vocabSize int) (runState, error) {
	if _, err := os.Stat(cfg.Out); os.IsNotExist(err) {
		klog.Infof("no checkpoint at %s, starting from scratch", cfg.Out)
		return runState{}, nil
	}
	state, err := checkpoint.Load(cfg.Out)
	if err != nil {
		return runState{}, err
	}
	if err := m.LoadStateDict(state); err != nil {
		return runState{}, errors.Wrapf(err, "restoring %q", cfg.Out)
	}
	manifest, err := checkpoint.LoadManifest(checkpoint.ManifestPath(cfg.Out))
	if err != nil {
		return runState{}, err
	}
	if manifest.VocabSize != vocabSize {
		return runState{}, errors.Errorf("checkpoint vocabulary has %d words, data gives %d", manifest.VocabSize, vocabSize)
	}

	dir := filepath.Dir(cfg.Out)
	previous, err := metrics.LoadHistory(filepath.Join(dir, metricsFile))
	if err != nil {
		klog.Warningf("previous metrics not loaded: %v", err)
		previous = nil
	}
	klog.Infof("resuming run %s from iteration %d", manifest.RunID, manifest.Iterations)
	return runState{id: manifest.RunID, start: manifest.Iterations, previous: previous}, nil
}

// save writes the checkpoint and everything needed to sample from it: the
// vocabulary, the manifest, the metrics history and the loss plot.
func save(cfg *config.Config, m *model.RNNVAE, ds *dataset.Dataset, runID string, res trainer.Result, history *metrics.History) error {
	state, err := m.StateDict()
	if err != nil {
		return err
	}
	if err := checkpoint.Save(cfg.Out, state); err != nil {
		return err
	}
	if info, err := os.Stat(cfg.Out); err == nil {
		klog.Infof("saved %s (%s) after %d iterations", cfg.Out, humanize.Bytes(uint64(info.Size())), res.Iterations)
	}

	dir := filepath.Dir(cfg.Out)
	vocabPath := filepath.Join(dir, vocabFile)
	if err := ds.Vocab().Save(vocabPath); err != nil {
		return err
	}

	manifest := checkpoint.Manifest{
		RunID:       runID,
		Iterations:  res.Iterations,
		Interrupted: res.Interrupted,
		VocabSize:   ds.NVocab(),
		NumParams:   m.NumParams(),
		VocabPath:   vocabPath,
		Hyperparams: cfg.Hyperparams(),
		FinalLosses: map[string]float64{"loss": res.Last.Loss, "recon": res.Last.Recon, "kl": res.Last.KL},
		SavedAt:     time.Now(),
	}
	if hash, err := fileHash(filepath.Join(cfg.DataDir, dataset.TrainFile)); err == nil {
		manifest.CorpusHash = hash
	}
	if !finiteLosses(manifest.FinalLosses) {
		manifest.FinalLosses = nil
	}
	if err := checkpoint.SaveManifest(checkpoint.ManifestPath(cfg.Out), manifest); err != nil {
		return err
	}

	if history.Len() > 0 {
		if err := history.Save(filepath.Join(dir, metricsFile)); err != nil {
			return err
		}
		if err := history.Plot(filepath.Join(dir, plotFile)); err != nil {
			klog.Warningf("loss plot not written: %v", err)
		}
	}
	return nil
}

func fileHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func finiteLosses(losses map[string]float64) bool {
	for _, v := range losses {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
