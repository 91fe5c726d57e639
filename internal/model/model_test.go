package model

import (
	"math"
	"math/rand"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ctextgen/internal/optim"
	"ctextgen/internal/vocab"
)

func tinyConfig() Config {
	return Config{
		VocabSize:   10,
		EmbDim:      4,
		HDim:        6,
		ZDim:        6,
		CDim:        2,
		WordDropout: 0,
		MaxSentLen:  7,
		BatchSize:   3,
		SeqLen:      5,
		Seed:        1,
	}
}

// tinyBatch holds <start> words <eos> <pad>... rows of length 5.
func tinyBatch() ([][]int, []int) {
	s, e, p := vocab.StartID, vocab.EOSID, vocab.PadID
	inputs := [][]int{
		{s, 4, 5, 6, e},
		{s, 7, e, p, p},
		{s, 8, 9, e, p},
	}
	return inputs, []int{5, 3, 4}
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, tinyConfig().Validate())

	bad := tinyConfig()
	bad.HDim = 0
	assert.Error(t, bad.Validate())

	bad = tinyConfig()
	bad.WordDropout = 1
	assert.Error(t, bad.Validate())

	bad = tinyConfig()
	bad.SeqLen = 1
	assert.Error(t, bad.Validate())
}

func TestNewRejectsBadVectors(t *testing.T) {
	_, err := New(tinyConfig(), make([]float64, 3))
	assert.Error(t, err)
}

func TestPretrainedVectorsAreCopied(t *testing.T) {
	cfg := tinyConfig()
	vectors := make([]float64, cfg.VocabSize*cfg.EmbDim)
	for i := range vectors {
		vectors[i] = float64(i)
	}
	m := must.M1(New(cfg, vectors))
	defer m.Close()
	assert.Equal(t, vectors[4:8], m.embed(1))
	vectors[4] = -1
	assert.Equal(t, 4.0, m.embed(1)[0])
}

func TestLossesAreFinite(t *testing.T) {
	m := must.M1(New(tinyConfig(), nil))
	defer m.Close()
	inputs, lengths := tinyBatch()

	l := must.M1(m.Forward(inputs, lengths, 0.5))
	for _, v := range []float64{l.Loss, l.Recon, l.KL} {
		assert.False(t, math.IsNaN(v) || math.IsInf(v, 0))
	}
	assert.Greater(t, l.Recon, 0.0)
	assert.GreaterOrEqual(t, l.KL, 0.0)
	assert.InDelta(t, l.Recon+0.5*l.KL, l.Loss, 1e-9)

	// An untrained decoder is close to uniform over the vocabulary.
	assert.InDelta(t, math.Log(10), l.Recon, 1.0)
}

func TestForwardRejectsBadBatch(t *testing.T) {
	m := must.M1(New(tinyConfig(), nil))
	defer m.Close()
	inputs, lengths := tinyBatch()

	_, err := m.Forward(inputs[:2], lengths[:2], 1)
	assert.Error(t, err)

	inputs[0][1] = 42
	_, err = m.Forward(inputs, lengths, 1)
	assert.Error(t, err)
}

func TestGraphEncoderMatchesForwardEncoder(t *testing.T) {
	m := must.M1(New(tinyConfig(), nil))
	defer m.Close()
	inputs, lengths := tinyBatch()
	must.M1(m.Evaluate(inputs, lengths))

	graphMu := must.M1(optim.Floats(m.graph.muVal))
	graphLv := must.M1(optim.Floats(m.graph.logvarVal))
	z := m.cfg.ZDim
	for b := range inputs {
		mu, logvar, err := m.ForwardEncoder(inputs[b][:lengths[b]])
		require.NoError(t, err)
		assert.InDeltaSlice(t, graphMu[b*z:(b+1)*z], mu, 1e-9, "mu of sequence %d", b)
		assert.InDeltaSlice(t, graphLv[b*z:(b+1)*z], logvar, 1e-9, "logvar of sequence %d", b)
	}
}

// evalLoss evaluates the tiny batch with the same conditioning code every
// time and returns the loss.
func evalLoss(t *testing.T, m *RNNVAE) float64 {
	inputs, lengths := tinyBatch()
	m.rng = rand.New(rand.NewSource(3))
	return must.M1(m.Evaluate(inputs, lengths)).Loss
}

func gradients(t *testing.T, m *RNNVAE) [][]float64 {
	var out [][]float64
	for _, vg := range m.ValueGrads() {
		g := must.M1(optim.Floats(must.M1(vg.Grad())))
		out = append(out, append([]float64(nil), g...))
	}
	return out
}

func TestGradientsDoNotAccumulate(t *testing.T) {
	m := must.M1(New(tinyConfig(), nil))
	defer m.Close()

	evalLoss(t, m)
	first := gradients(t, m)
	evalLoss(t, m)
	second := gradients(t, m)
	for i := range first {
		assert.InDeltaSlice(t, first[i], second[i], 1e-12, m.names[i])
	}
}

func TestGradientsMatchFiniteDifferences(t *testing.T) {
	m := must.M1(New(tinyConfig(), nil))
	defer m.Close()

	evalLoss(t, m)
	analytic := gradients(t, m)

	const h = 1e-5
	for i, p := range m.params {
		w := must.M1(optim.Floats(p.Value()))
		stride := len(w)/6 + 1
		for j := 0; j < len(w); j += stride {
			orig := w[j]
			w[j] = orig + h
			up := evalLoss(t, m)
			w[j] = orig - h
			down := evalLoss(t, m)
			w[j] = orig

			numeric := (up - down) / (2 * h)
			assert.InDelta(t, numeric, analytic[i][j], 1e-6+1e-4*math.Abs(numeric), "%s[%d]", m.names[i], j)
		}
	}
}

func TestTrainingReducesReconstruction(t *testing.T) {
	m := must.M1(New(tinyConfig(), nil))
	defer m.Close()
	inputs, lengths := tinyBatch()
	solver := optim.NewAdam(1e-2)

	before := must.M1(m.Evaluate(inputs, lengths))
	for i := 0; i < 200; i++ {
		must.M1(m.Forward(inputs, lengths, 0))
		must.M1(optim.ClipGradNorm(m.ValueGrads(), 5))
		require.NoError(t, solver.Step(m.ValueGrads()))
	}
	after := must.M1(m.Evaluate(inputs, lengths))
	assert.Less(t, after.Recon, before.Recon/2)
}

func TestSampleSentence(t *testing.T) {
	m := must.M1(New(tinyConfig(), nil))
	defer m.Close()

	for i := 0; i < 20; i++ {
		ids := must.M1(m.SampleSentence(m.SampleZPrior(), m.SampleC(), 1))
		require.NotEmpty(t, ids)
		assert.LessOrEqual(t, len(ids), m.cfg.MaxSentLen)
		for j, id := range ids {
			assert.True(t, id >= 0 && id < m.cfg.VocabSize)
			if id == vocab.EOSID {
				assert.Equal(t, len(ids)-1, j, "sampling continued past <eos>")
			}
		}
	}

	_, err := m.SampleSentence(make([]float64, 2), m.SampleC(), 1)
	assert.Error(t, err)
}

func TestSampleZ(t *testing.T) {
	m := must.M1(New(tinyConfig(), nil))
	defer m.Close()
	mu := []float64{1, 2, 3}
	// A very negative log-variance makes z collapse onto mu.
	z := m.SampleZ(mu, []float64{-80, -80, -80})
	assert.InDeltaSlice(t, mu, z, 1e-12)

	assert.Equal(t, []float64{0, 1}, m.OneHotC(1))
	c := m.SampleC()
	assert.Len(t, c, 2)
	assert.Equal(t, 1.0, c[0]+c[1])
}

func TestStateDictRoundTrip(t *testing.T) {
	cfg := tinyConfig()
	a := must.M1(New(cfg, nil))
	defer a.Close()
	cfg.Seed = 99
	b := must.M1(New(cfg, nil))
	defer b.Close()

	ids := []int{vocab.StartID, 4, 5, vocab.EOSID}
	muA, _ := must.M2(a.ForwardEncoder(ids))

	state := must.M1(a.StateDict())
	assert.Equal(t, a.NumParams(), state.NumValues())
	require.NoError(t, b.LoadStateDict(state))
	muB, _ := must.M2(b.ForwardEncoder(ids))
	assert.Equal(t, muA, muB)

	// The state dict is a copy.
	state[0].Data[0] += 1
	muA2, _ := must.M2(a.ForwardEncoder(ids))
	assert.Equal(t, muA, muA2)

	state[1].Shape = []int{1, 1}
	assert.Error(t, b.LoadStateDict(state))
	assert.Error(t, b.LoadStateDict(state[:3]))
}

func TestConfigFromState(t *testing.T) {
	m := must.M1(New(tinyConfig(), nil))
	defer m.Close()
	got := must.M1(ConfigFromState(must.M1(m.StateDict())))
	want := tinyConfig()
	assert.Equal(t, want.VocabSize, got.VocabSize)
	assert.Equal(t, want.EmbDim, got.EmbDim)
	assert.Equal(t, want.HDim, got.HDim)
	assert.Equal(t, want.ZDim, got.ZDim)
	assert.Equal(t, want.CDim, got.CDim)

	_, err := ConfigFromState(nil)
	assert.Error(t, err)
}

func TestSamplingHelpers(t *testing.T) {
	probs := softmaxTemp([]float64{1, 2, 3}, 1)
	assert.InDelta(t, 1.0, probs[0]+probs[1]+probs[2], 1e-12)
	assert.Greater(t, probs[2], probs[1])

	sharp := softmaxTemp([]float64{1, 2, 3}, 0.1)
	assert.Greater(t, sharp[2], probs[2])

	kept := topK([]float64{0.1, 0.6, 0.3}, 2)
	assert.InDeltaSlice(t, []float64{0, 2.0 / 3, 1.0 / 3}, kept, 1e-12)
	assert.Equal(t, []float64{0.1, 0.9}, topK([]float64{0.1, 0.9}, 0))
}

func TestSampleSentenceTopOne(t *testing.T) {
	m := must.M1(New(tinyConfig(), nil))
	defer m.Close()
	z, c := m.SampleZPrior(), m.OneHotC(0)
	// With k = 1 decoding is greedy and so deterministic.
	a := must.M1(m.SampleSentenceTopK(z, c, 1, 1))
	b := must.M1(m.SampleSentenceTopK(z, c, 1, 1))
	assert.Equal(t, a, b)
}
