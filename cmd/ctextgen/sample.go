package main

import (
	"flag"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"ctextgen/internal/checkpoint"
	"ctextgen/internal/model"
	"ctextgen/internal/vocab"
)

type sampleConfig struct {
	Model    string
	Vocab    string
	N        int
	Label    int
	Temp     float64
	TopK     int
	MaxLen   int
	Seed     int64
	Sentence string
}

func runSample(args []string) {
	fs := flag.NewFlagSet("sample", flag.ExitOnError)
	klog.InitFlags(fs)

	cfg := sampleConfig{}
	fs.StringVar(&cfg.Model, "model", "models/vae.bin", "Path to the checkpoint")
	fs.StringVar(&cfg.Vocab, "vocab", "", "Path to the vocabulary (default: vocab.json next to --model)")
	fs.IntVar(&cfg.N, "n", 10, "Number of sentences to generate")
	fs.IntVar(&cfg.Label, "label", -1, "Sentiment code c to condition on (0 negative, 1 positive, -1 sample from p(c))")
	fs.Float64Var(&cfg.Temp, "temp", 1.0, "Sampling temperature")
	fs.IntVar(&cfg.TopK, "topk", 0, "Sample only among the k most likely words (0 for all)")
	fs.IntVar(&cfg.MaxLen, "max-len", 16, "Maximum generated tokens")
	fs.Int64Var(&cfg.Seed, "seed", 0, "Random seed (0 for time based)")
	fs.StringVar(&cfg.Sentence, "sentence", "", "Reconstruct this sentence from its posterior mean instead of sampling z from the prior")
	_ = fs.Parse(args)
	defer klog.Flush()

	if cfg.Vocab == "" {
		cfg.Vocab = filepath.Join(filepath.Dir(cfg.Model), vocabFile)
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	if err := sample(cfg); err != nil {
		klog.Fatalf("sampling failed: %+v", err)
	}
}

func sample(cfg sampleConfig) error {
	state, err := checkpoint.Load(cfg.Model)
	if err != nil {
		return err
	}
	v, err := vocab.Load(cfg.Vocab)
	if err != nil {
		return err
	}
	mcfg, err := model.ConfigFromState(state)
	if err != nil {
		return err
	}
	if mcfg.VocabSize != v.Size() {
		return errors.Errorf("checkpoint has %d words but vocabulary %q has %d", mcfg.VocabSize, cfg.Vocab, v.Size())
	}
	if cfg.Label < -1 || cfg.Label >= mcfg.CDim {
		return errors.Errorf("label %d out of range, model has %d codes", cfg.Label, mcfg.CDim)
	}
	mcfg.MaxSentLen = cfg.MaxLen
	mcfg.BatchSize = 1
	mcfg.SeqLen = 2
	mcfg.Seed = cfg.Seed

	m, err := model.New(mcfg, nil)
	if err != nil {
		return err
	}
	defer m.Close()
	if err := m.LoadStateDict(state); err != nil {
		return err
	}

	var mu []float64
	if cfg.Sentence != "" {
		ids := append([]int{vocab.StartID}, v.Encode(strings.Fields(strings.ToLower(cfg.Sentence)))...)
		ids = append(ids, vocab.EOSID)
		if mu, _, err = m.ForwardEncoder(ids); err != nil {
			return err
		}
		fmt.Printf("Original: \"%s\"\n", v.IdxsToSentence(ids))
	}

	for i := 0; i < cfg.N; i++ {
		z := mu
		if z == nil {
			z = m.SampleZPrior()
		}
		var c []float64
		label := cfg.Label
		if label < 0 {
			c = m.SampleC()
			label = argmax(c)
		} else {
			c = m.OneHotC(label)
		}
		ids, err := m.SampleSentenceTopK(z, c, cfg.Temp, cfg.TopK)
		if err != nil {
			return err
		}
		fmt.Printf("c=%d: \"%s\"\n", label, v.IdxsToSentence(ids))
	}
	return nil
}

func argmax(xs []float64) int {
	best := 0
	for i, x := range xs {
		if x > xs[best] {
			best = i
		}
	}
	return best
}
