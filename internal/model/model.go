// Package model implements a conditional recurrent VAE for sentences
// (Bowman et al. 2016) on a gorgonia expression graph.
//
// The training graph is built once for a fixed batch size and sequence length.
// Sampling and encoding single sentences run outside the graph on gonum
// matrices that share the parameter tensors, so they always see the latest
// weights.
package model

import (
	"math/rand"

	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Config describes the model sizes and the shape of the training batches.
type Config struct {
	VocabSize int
	EmbDim    int
	HDim      int
	ZDim      int
	CDim      int

	// WordDropout is the probability of replacing a decoder input word with <unk>.
	WordDropout float64
	// MaxSentLen bounds generated sentences, in tokens.
	MaxSentLen int

	BatchSize int
	SeqLen    int
	Seed      int64
}

// Validate checks that every size is set.
func (c Config) Validate() error {
	switch {
	case c.VocabSize <= 4:
		return errors.Errorf("vocabulary size must be > 4 (got %d)", c.VocabSize)
	case c.EmbDim <= 0 || c.HDim <= 0 || c.ZDim <= 0 || c.CDim <= 0:
		return errors.Errorf("dimensions must be > 0 (emb=%d h=%d z=%d c=%d)", c.EmbDim, c.HDim, c.ZDim, c.CDim)
	case c.WordDropout < 0 || c.WordDropout >= 1:
		return errors.Errorf("word dropout must be in [0, 1) (got %g)", c.WordDropout)
	case c.MaxSentLen <= 0:
		return errors.Errorf("max sentence length must be > 0 (got %d)", c.MaxSentLen)
	case c.BatchSize <= 0:
		return errors.Errorf("batch size must be > 0 (got %d)", c.BatchSize)
	case c.SeqLen < 2:
		return errors.Errorf("sequence length must be >= 2 (got %d)", c.SeqLen)
	}
	return nil
}

// RNNVAE is the conditional sentence VAE.
type RNNVAE struct {
	cfg Config
	g   *gorgonia.ExprGraph
	rng *rand.Rand

	emb        *gorgonia.Node
	enc        gru
	qMuW, qMuB *gorgonia.Node
	qLvW, qLvB *gorgonia.Node
	dec        gru
	outW, outB *gorgonia.Node
	params     gorgonia.Nodes
	names      []string

	graph *trainGraph
	vm    gorgonia.VM
}

// New builds the parameters and the training graph. vectors, when not nil,
// initialises the word embeddings and must hold VocabSize*EmbDim values.
func New(cfg Config, vectors []float64, vmOpts ...gorgonia.VMOpt) (*RNNVAE, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &RNNVAE{
		cfg: cfg,
		g:   gorgonia.NewGraph(),
		rng: rand.New(rand.NewSource(cfg.Seed)),
	}

	if vectors != nil {
		if len(vectors) != cfg.VocabSize*cfg.EmbDim {
			return nil, errors.Errorf("pretrained embeddings have %d values, want %d x %d", len(vectors), cfg.VocabSize, cfg.EmbDim)
		}
		backing := append([]float64(nil), vectors...)
		m.emb = m.param("word_emb", cfg.VocabSize, cfg.EmbDim,
			gorgonia.WithValue(tensor.New(tensor.WithShape(cfg.VocabSize, cfg.EmbDim), tensor.WithBacking(backing))))
	} else {
		m.emb = m.param("word_emb", cfg.VocabSize, cfg.EmbDim, gorgonia.WithInit(gorgonia.Gaussian(0, 1)))
	}

	m.enc = m.newGRU("encoder", cfg.EmbDim, cfg.HDim)
	m.qMuW = m.weight("q_mu.weight", cfg.HDim, cfg.ZDim)
	m.qMuB = m.bias("q_mu.bias", cfg.ZDim)
	m.qLvW = m.weight("q_logvar.weight", cfg.HDim, cfg.ZDim)
	m.qLvB = m.bias("q_logvar.bias", cfg.ZDim)

	decHidden := cfg.ZDim + cfg.CDim
	m.dec = m.newGRU("decoder", cfg.EmbDim+decHidden, decHidden)
	m.outW = m.weight("decoder_fc.weight", decHidden, cfg.VocabSize)
	m.outB = m.bias("decoder_fc.bias", cfg.VocabSize)

	tg, err := buildTrainGraph(m)
	if err != nil {
		return nil, errors.Wrap(err, "building training graph")
	}
	m.graph = tg

	if _, err := gorgonia.Grad(tg.loss, m.params...); err != nil {
		return nil, errors.Wrap(err, "computing gradients")
	}
	tg.readValues()
	m.vm = gorgonia.NewTapeMachine(m.g, append([]gorgonia.VMOpt{gorgonia.BindDualValues(m.params...)}, vmOpts...)...)
	return m, nil
}

func (m *RNNVAE) param(name string, rows, cols int, opt gorgonia.NodeConsOpt) *gorgonia.Node {
	n := gorgonia.NewMatrix(m.g, tensor.Float64,
		gorgonia.WithShape(rows, cols),
		gorgonia.WithName(name),
		opt,
	)
	m.params = append(m.params, n)
	m.names = append(m.names, name)
	return n
}

func (m *RNNVAE) weight(name string, in, out int) *gorgonia.Node {
	return m.param(name, in, out, gorgonia.WithInit(gorgonia.GlorotU(1.0)))
}

// Biases are 1 x n rows broadcast over the batch.
func (m *RNNVAE) bias(name string, n int) *gorgonia.Node {
	return m.param(name, 1, n, gorgonia.WithInit(gorgonia.Zeroes()))
}

// Config returns the configuration the model was built with.
func (m *RNNVAE) Config() Config { return m.cfg }

// Learnables lists the trainable parameters, in state-dict order.
func (m *RNNVAE) Learnables() gorgonia.Nodes { return m.params }

// ValueGrads pairs each parameter with its gradient from the last Forward.
func (m *RNNVAE) ValueGrads() []gorgonia.ValueGrad {
	return gorgonia.NodesToValueGrads(m.params)
}

// NumParams counts the scalar parameters.
func (m *RNNVAE) NumParams() int {
	total := 0
	for _, p := range m.params {
		total += p.Shape().TotalSize()
	}
	return total
}

// Close releases the tape machine.
func (m *RNNVAE) Close() error {
	return m.vm.Close()
}

func scalar(name string, v gorgonia.Value) (float64, error) {
	if v == nil {
		return 0, errors.Errorf("%s has no value", name)
	}
	switch d := v.Data().(type) {
	case float64:
		return d, nil
	case []float64:
		if len(d) == 1 {
			return d[0], nil
		}
	}
	return 0, errors.Errorf("%s is not a float64 scalar", name)
}
