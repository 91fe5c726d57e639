package model

import (
	"fmt"

	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"ctextgen/internal/optim"
	"ctextgen/internal/vocab"
)

// input is a graph leaf fed from a reusable buffer.
type input struct {
	node *gorgonia.Node
	data []float64
	t    *tensor.Dense
}

// newInput makes a matrix leaf, or a vector leaf when cols is 0.
func newInput(g *gorgonia.ExprGraph, name string, rows, cols int) *input {
	shape := []int{rows, cols}
	if cols == 0 {
		shape = shape[:1]
	}
	size := 1
	for _, d := range shape {
		size *= d
	}
	in := &input{data: make([]float64, size)}
	if len(shape) == 1 {
		in.node = gorgonia.NewVector(g, tensor.Float64, gorgonia.WithShape(shape...), gorgonia.WithName(name))
	} else {
		in.node = gorgonia.NewMatrix(g, tensor.Float64, gorgonia.WithShape(shape...), gorgonia.WithName(name))
	}
	in.t = tensor.New(tensor.WithShape(shape...), tensor.WithBacking(in.data))
	return in
}

func (in *input) zero() {
	for i := range in.data {
		in.data[i] = 0
	}
}

func (in *input) let() error {
	return gorgonia.Let(in.node, in.t)
}

// trainGraph is the unrolled computation for one batch:
// encoder over all SeqLen steps, decoder over SeqLen-1 steps.
type trainGraph struct {
	encIn   []*input // one-hot words, B x V
	encMask []*input // 1 while the step is inside the sentence, B x H
	decIn   []*input // one-hot decoder inputs after word dropout, B x V
	decTgt  []*input // one-hot targets scaled by 1/#targets, B x V
	decW    []*input // 1/#targets for rows with a target at this step, B
	eps     *input   // B x Z
	c       *input   // B x C
	klW     *gorgonia.Node

	mu, logvar      *gorgonia.Node
	recon, kl, loss *gorgonia.Node

	// Forward values copied out while the tape runs. The registers behind
	// mu, logvar and the losses are reused by the backward pass.
	muVal, logvarVal         gorgonia.Value
	reconVal, klVal, lossVal gorgonia.Value
}

func buildTrainGraph(m *RNNVAE) (*trainGraph, error) {
	cfg := m.cfg
	g := m.g
	B, T, V := cfg.BatchSize, cfg.SeqLen, cfg.VocabSize
	tg := &trainGraph{
		eps: newInput(g, "eps", B, cfg.ZDim),
		c:   newInput(g, "c", B, cfg.CDim),
		klW: gorgonia.NewScalar(g, tensor.Float64, gorgonia.WithName("kl_weight")),
	}

	// Encoder.
	h := gorgonia.NewMatrix(g, tensor.Float64, gorgonia.WithShape(B, cfg.HDim),
		gorgonia.WithName("encoder.h0"), gorgonia.WithInit(gorgonia.Zeroes()))
	for t := 0; t < T; t++ {
		in := newInput(g, fmt.Sprintf("enc_in_%d", t), B, V)
		mask := newInput(g, fmt.Sprintf("enc_mask_%d", t), B, cfg.HDim)
		tg.encIn = append(tg.encIn, in)
		tg.encMask = append(tg.encMask, mask)

		x, err := gorgonia.Mul(in.node, m.emb)
		if err != nil {
			return nil, err
		}
		next, err := m.enc.step(x, h)
		if err != nil {
			return nil, errors.Wrapf(err, "encoder step %d", t)
		}
		// Past the end of a sentence the state is carried over unchanged.
		delta, err := gorgonia.Sub(next, h)
		if err != nil {
			return nil, err
		}
		masked, err := gorgonia.HadamardProd(mask.node, delta)
		if err != nil {
			return nil, err
		}
		if h, err = gorgonia.Add(h, masked); err != nil {
			return nil, err
		}
	}

	var err error
	if tg.mu, err = affine(h, m.qMuW, m.qMuB); err != nil {
		return nil, err
	}
	if tg.logvar, err = affine(h, m.qLvW, m.qLvB); err != nil {
		return nil, err
	}

	// z = mu + exp(logvar/2) * eps
	halfLv, err := gorgonia.Mul(tg.logvar, gorgonia.NewConstant(0.5))
	if err != nil {
		return nil, err
	}
	std, err := gorgonia.Exp(halfLv)
	if err != nil {
		return nil, err
	}
	noise, err := gorgonia.HadamardProd(std, tg.eps.node)
	if err != nil {
		return nil, err
	}
	z, err := gorgonia.Add(tg.mu, noise)
	if err != nil {
		return nil, err
	}
	zc, err := gorgonia.Concat(1, z, tg.c.node)
	if err != nil {
		return nil, err
	}

	// Decoder, conditioned on [z; c] both as initial state and at every input.
	h = zc
	var recon *gorgonia.Node
	for t := 0; t < T-1; t++ {
		in := newInput(g, fmt.Sprintf("dec_in_%d", t), B, V)
		tgt := newInput(g, fmt.Sprintf("dec_tgt_%d", t), B, V)
		w := newInput(g, fmt.Sprintf("dec_w_%d", t), B, 0)
		tg.decIn = append(tg.decIn, in)
		tg.decTgt = append(tg.decTgt, tgt)
		tg.decW = append(tg.decW, w)

		e, err := gorgonia.Mul(in.node, m.emb)
		if err != nil {
			return nil, err
		}
		x, err := gorgonia.Concat(1, e, zc)
		if err != nil {
			return nil, err
		}
		if h, err = m.dec.step(x, h); err != nil {
			return nil, errors.Wrapf(err, "decoder step %d", t)
		}
		logits, err := affine(h, m.outW, m.outB)
		if err != nil {
			return nil, err
		}
		nll, err := crossEntropy(logits, tgt.node, w.node)
		if err != nil {
			return nil, errors.Wrapf(err, "decoder step %d", t)
		}
		if recon == nil {
			recon = nll
		} else if recon, err = gorgonia.Add(recon, nll); err != nil {
			return nil, err
		}
	}
	tg.recon = recon

	// kl = mean over the batch of 0.5 * sum(exp(logvar) + mu^2 - 1 - logvar)
	expLv, err := gorgonia.Exp(tg.logvar)
	if err != nil {
		return nil, err
	}
	muSq, err := gorgonia.Square(tg.mu)
	if err != nil {
		return nil, err
	}
	kl, err := gorgonia.Add(expLv, muSq)
	if err != nil {
		return nil, err
	}
	if kl, err = gorgonia.Sub(kl, gorgonia.NewConstant(1.0)); err != nil {
		return nil, err
	}
	if kl, err = gorgonia.Sub(kl, tg.logvar); err != nil {
		return nil, err
	}
	if kl, err = gorgonia.Sum(kl); err != nil {
		return nil, err
	}
	if tg.kl, err = gorgonia.Mul(kl, gorgonia.NewConstant(0.5/float64(B))); err != nil {
		return nil, err
	}

	weighted, err := gorgonia.Mul(tg.klW, tg.kl)
	if err != nil {
		return nil, err
	}
	if tg.loss, err = gorgonia.Add(tg.recon, weighted); err != nil {
		return nil, err
	}
	return tg, nil
}

// readValues adds the copy-out statements. It runs after the gradients are
// part of the graph so the copies see the forward values.
func (tg *trainGraph) readValues() {
	gorgonia.Read(tg.mu, &tg.muVal)
	gorgonia.Read(tg.logvar, &tg.logvarVal)
	gorgonia.Read(tg.recon, &tg.reconVal)
	gorgonia.Read(tg.kl, &tg.klVal)
	gorgonia.Read(tg.loss, &tg.lossVal)
}

// crossEntropy is the weighted negative log-likelihood of the one-hot targets
// under softmax(logits): sum(w * logsumexp(logits)) - sum(tgt * logits), where
// each target row already carries its row's weight. Rows with a zero weight
// contribute nothing.
func crossEntropy(logits, tgt, w *gorgonia.Node) (*gorgonia.Node, error) {
	picked, err := gorgonia.HadamardProd(logits, tgt)
	if err != nil {
		return nil, err
	}
	if picked, err = gorgonia.Sum(picked); err != nil {
		return nil, err
	}
	exp, err := gorgonia.Exp(logits)
	if err != nil {
		return nil, err
	}
	norm, err := gorgonia.Sum(exp, 1)
	if err != nil {
		return nil, err
	}
	if norm, err = gorgonia.Log(norm); err != nil {
		return nil, err
	}
	if norm, err = gorgonia.HadamardProd(norm, w); err != nil {
		return nil, err
	}
	if norm, err = gorgonia.Sum(norm); err != nil {
		return nil, err
	}
	return gorgonia.Sub(norm, picked)
}

// Losses are the scalar outputs of one forward pass.
type Losses struct {
	Loss  float64
	Recon float64
	KL    float64
}

// Forward runs the training graph on a batch: word dropout on the decoder
// inputs, z sampled with fresh noise and c drawn from the uniform prior. The
// gradients of the returned loss are left in the parameters for the solver.
func (m *RNNVAE) Forward(inputs [][]int, lengths []int, klWeight float64) (Losses, error) {
	return m.run(inputs, lengths, klWeight, true)
}

// Evaluate runs the graph without word dropout and with z = mu. Parameters
// are not changed but the gradients of the last Forward are overwritten; the
// KL term is weighted by 1.
func (m *RNNVAE) Evaluate(inputs [][]int, lengths []int) (Losses, error) {
	return m.run(inputs, lengths, 1, false)
}

func (m *RNNVAE) run(inputs [][]int, lengths []int, klWeight float64, train bool) (Losses, error) {
	if err := m.feed(inputs, lengths, klWeight, train); err != nil {
		return Losses{}, err
	}
	if err := optim.ZeroGrads(m.ValueGrads()); err != nil {
		return Losses{}, err
	}
	m.vm.Reset()
	if err := m.vm.RunAll(); err != nil {
		return Losses{}, errors.Wrap(err, "running training graph")
	}

	var out Losses
	var err error
	if out.Loss, err = scalar("loss", m.graph.lossVal); err != nil {
		return Losses{}, err
	}
	if out.Recon, err = scalar("recon", m.graph.reconVal); err != nil {
		return Losses{}, err
	}
	if out.KL, err = scalar("kl", m.graph.klVal); err != nil {
		return Losses{}, err
	}
	return out, nil
}

func (m *RNNVAE) feed(inputs [][]int, lengths []int, klWeight float64, train bool) error {
	cfg := m.cfg
	tg := m.graph
	if len(inputs) != cfg.BatchSize || len(lengths) != cfg.BatchSize {
		return errors.Errorf("batch has %d sequences and %d lengths, model expects %d", len(inputs), len(lengths), cfg.BatchSize)
	}
	for b, row := range inputs {
		if len(row) != cfg.SeqLen {
			return errors.Errorf("sequence %d has length %d, model expects %d", b, len(row), cfg.SeqLen)
		}
		if lengths[b] < 2 || lengths[b] > cfg.SeqLen {
			return errors.Errorf("sequence %d has %d tokens, want between 2 and %d", b, lengths[b], cfg.SeqLen)
		}
		for _, id := range row {
			if id < 0 || id >= cfg.VocabSize {
				return errors.Errorf("sequence %d holds token %d outside the vocabulary", b, id)
			}
		}
	}

	numTargets := 0
	for _, n := range lengths {
		numTargets += n - 1
	}
	weight := 1 / float64(numTargets)

	V, H := cfg.VocabSize, cfg.HDim
	for t := 0; t < cfg.SeqLen; t++ {
		in, mask := tg.encIn[t], tg.encMask[t]
		in.zero()
		mask.zero()
		for b, row := range inputs {
			in.data[b*V+row[t]] = 1
			if t < lengths[b] {
				for j := 0; j < H; j++ {
					mask.data[b*H+j] = 1
				}
			}
		}
	}

	for t := 0; t < cfg.SeqLen-1; t++ {
		in, tgt, w := tg.decIn[t], tg.decTgt[t], tg.decW[t]
		in.zero()
		tgt.zero()
		w.zero()
		for b, row := range inputs {
			word := row[t]
			if train && isWord(word) && m.rng.Float64() < cfg.WordDropout {
				word = vocab.UnkID
			}
			in.data[b*V+word] = 1
			if t+1 < lengths[b] {
				tgt.data[b*V+row[t+1]] = weight
				w.data[b] = weight
			}
		}
	}

	tg.eps.zero()
	if train {
		for i := range tg.eps.data {
			tg.eps.data[i] = m.rng.NormFloat64()
		}
	}
	tg.c.zero()
	for b := 0; b < cfg.BatchSize; b++ {
		tg.c.data[b*cfg.CDim+m.rng.Intn(cfg.CDim)] = 1
	}

	all := []*input{tg.eps, tg.c}
	all = append(all, tg.encIn...)
	all = append(all, tg.encMask...)
	all = append(all, tg.decIn...)
	all = append(all, tg.decTgt...)
	all = append(all, tg.decW...)
	for _, in := range all {
		if err := in.let(); err != nil {
			return errors.Wrapf(err, "feeding %s", in.node.Name())
		}
	}
	return gorgonia.Let(tg.klW, klWeight)
}

// isWord reports whether id is a regular token that word dropout may replace.
func isWord(id int) bool {
	return id > vocab.EOSID
}
