package model

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gorgonia.org/gorgonia"

	"ctextgen/internal/optim"
	"ctextgen/internal/vocab"
)

// dense wraps a parameter's tensor as a gonum matrix without copying.
func dense(n *gorgonia.Node) *mat.Dense {
	data, err := optim.Floats(n.Value())
	if err != nil {
		panic(errors.Wrapf(err, "parameter %s", n.Name()))
	}
	s := n.Shape()
	return mat.NewDense(s[0], s[1], data)
}

type gruWeights struct {
	wr, wu, wn *mat.Dense
	ur, uu, un *mat.Dense
	br, bu, bn *mat.Dense
}

func (l gru) weights() gruWeights {
	return gruWeights{
		wr: dense(l.wr), wu: dense(l.wu), wn: dense(l.wn),
		ur: dense(l.ur), uu: dense(l.uu), un: dense(l.un),
		br: dense(l.br), bu: dense(l.bu), bn: dense(l.bn),
	}
}

func sigmoid(_, _ int, v float64) float64 { return 1 / (1 + math.Exp(-v)) }
func tanh(_, _ int, v float64) float64    { return math.Tanh(v) }

func affineRow(x, w, b *mat.Dense) *mat.Dense {
	var out mat.Dense
	out.Mul(x, w)
	out.Add(&out, b)
	return &out
}

// step is the single-row counterpart of gru.step.
func (l gruWeights) step(x, h *mat.Dense) *mat.Dense {
	gateRow := func(w, u, b *mat.Dense) *mat.Dense {
		out := affineRow(x, w, b)
		var hu mat.Dense
		hu.Mul(h, u)
		out.Add(out, &hu)
		out.Apply(sigmoid, out)
		return out
	}
	r := gateRow(l.wr, l.ur, l.br)
	u := gateRow(l.wu, l.uu, l.bu)

	n := affineRow(x, l.wn, l.bn)
	var hn mat.Dense
	hn.Mul(h, l.un)
	hn.MulElem(r, &hn)
	n.Add(n, &hn)
	n.Apply(tanh, n)

	var next mat.Dense
	next.Sub(h, n)
	next.MulElem(u, &next)
	next.Add(n, &next)
	return &next
}

func row(values []float64) *mat.Dense {
	return mat.NewDense(1, len(values), append([]float64(nil), values...))
}

func (m *RNNVAE) embed(id int) []float64 {
	return mat.Row(nil, id, dense(m.emb))
}

// ForwardEncoder returns the posterior mean and log-variance for one sentence,
// given as token ids without padding.
func (m *RNNVAE) ForwardEncoder(ids []int) (mu, logvar []float64, err error) {
	if len(ids) == 0 {
		return nil, nil, errors.New("cannot encode an empty sentence")
	}
	for _, id := range ids {
		if id < 0 || id >= m.cfg.VocabSize {
			return nil, nil, errors.Errorf("token %d outside the vocabulary", id)
		}
	}
	enc := m.enc.weights()
	h := mat.NewDense(1, m.cfg.HDim, nil)
	for _, id := range ids {
		h = enc.step(row(m.embed(id)), h)
	}
	mu = mat.Row(nil, 0, affineRow(h, dense(m.qMuW), dense(m.qMuB)))
	logvar = mat.Row(nil, 0, affineRow(h, dense(m.qLvW), dense(m.qLvB)))
	return mu, logvar, nil
}

// SampleZ draws z = mu + exp(logvar/2) * eps.
func (m *RNNVAE) SampleZ(mu, logvar []float64) []float64 {
	z := make([]float64, len(mu))
	for i := range mu {
		z[i] = mu[i] + math.Exp(logvar[i]/2)*m.rng.NormFloat64()
	}
	return z
}

// SampleZPrior draws z from N(0, I).
func (m *RNNVAE) SampleZPrior() []float64 {
	z := make([]float64, m.cfg.ZDim)
	for i := range z {
		z[i] = m.rng.NormFloat64()
	}
	return z
}

// SampleC draws a one-hot code from the uniform prior p(c).
func (m *RNNVAE) SampleC() []float64 {
	return m.OneHotC(m.rng.Intn(m.cfg.CDim))
}

// OneHotC returns the code for a given label.
func (m *RNNVAE) OneHotC(label int) []float64 {
	c := make([]float64, m.cfg.CDim)
	c[label] = 1
	return c
}

// SampleSentence decodes from [z; c] starting at <start>, sampling each word
// from softmax(logits/temp). It stops after <eos> or MaxSentLen tokens and
// returns the sampled ids, the final <eos> included.
func (m *RNNVAE) SampleSentence(z, c []float64, temp float64) ([]int, error) {
	return m.SampleSentenceTopK(z, c, temp, 0)
}

// SampleSentenceTopK is SampleSentence restricted to the k most likely words
// at each step.
func (m *RNNVAE) SampleSentenceTopK(z, c []float64, temp float64, k int) ([]int, error) {
	if len(z) != m.cfg.ZDim || len(c) != m.cfg.CDim {
		return nil, errors.Errorf("got z of size %d and c of size %d, want %d and %d", len(z), len(c), m.cfg.ZDim, m.cfg.CDim)
	}
	if temp <= 0 {
		temp = 1
	}
	dec := m.dec.weights()
	outW, outB := dense(m.outW), dense(m.outB)

	zc := append(append([]float64(nil), z...), c...)
	h := row(zc)
	word := vocab.StartID
	var out []int
	for len(out) < m.cfg.MaxSentLen {
		x := row(append(m.embed(word), zc...))
		h = dec.step(x, h)
		logits := mat.Row(nil, 0, affineRow(h, outW, outB))
		word = choice(m.rng, topK(softmaxTemp(logits, temp), k))
		out = append(out, word)
		if word == vocab.EOSID {
			break
		}
	}
	return out, nil
}
