package optim

import (
	"math"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

func TestKLWeight(t *testing.T) {
	assert.InDelta(t, 0.5, KLWeight(3500), 1e-12)
	assert.Less(t, KLWeight(0), 0.001)
	assert.Greater(t, KLWeight(10000), 0.999)
	prev := KLWeight(0)
	for it := 100; it <= 8000; it += 100 {
		w := KLWeight(it)
		assert.Greater(t, w, prev, "it=%d", it)
		assert.True(t, w > 0 && w < 1)
		prev = w
	}
}

func TestStepDecay(t *testing.T) {
	assert.Equal(t, 1e-3, StepDecay(1e-3, 0, 1000000))
	assert.Equal(t, 1e-3, StepDecay(1e-3, 999999, 1000000))
	assert.Equal(t, 0.5e-3, StepDecay(1e-3, 1000000, 1000000))
	assert.Equal(t, 0.25, StepDecay(1, 25, 10))
	assert.Equal(t, 1.0, StepDecay(1, 25, 0))
}

type fakeParam struct {
	w, g *tensor.Dense
}

func (p fakeParam) Value() gorgonia.Value          { return p.w }
func (p fakeParam) Grad() (gorgonia.Value, error) { return p.g, nil }

func newFake(w, g []float64) fakeParam {
	return fakeParam{
		w: tensor.New(tensor.WithShape(len(w)), tensor.WithBacking(w)),
		g: tensor.New(tensor.WithShape(len(g)), tensor.WithBacking(g)),
	}
}

func TestClipGradNorm(t *testing.T) {
	a := newFake([]float64{0, 0}, []float64{3, 0})
	b := newFake([]float64{0}, []float64{4})
	model := []gorgonia.ValueGrad{a, b}

	norm, err := ClipGradNorm(model, 1)
	require.NoError(t, err)
	assert.InDelta(t, 5.0, norm, 1e-12)

	after, err := ClipGradNorm(model, 0)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, after, 1e-5)
	assert.InDelta(t, 0.6, a.g.Data().([]float64)[0], 1e-5)

	// Below the threshold gradients are untouched.
	c := newFake([]float64{0}, []float64{0.5})
	norm, err = ClipGradNorm([]gorgonia.ValueGrad{c}, 5)
	require.NoError(t, err)
	assert.Equal(t, 0.5, norm)
	assert.Equal(t, 0.5, c.g.Data().([]float64)[0])
}

func TestAdamFirstStep(t *testing.T) {
	p := newFake([]float64{1, 1}, []float64{2, -0.5})
	adam := NewAdam(0.01)
	require.NoError(t, adam.Step([]gorgonia.ValueGrad{p}))
	// The bias-corrected first step moves each weight by lr against the gradient sign.
	w := p.w.Data().([]float64)
	assert.InDelta(t, 0.99, w[0], 1e-6)
	assert.InDelta(t, 1.01, w[1], 1e-6)
	assert.Equal(t, 1, adam.Steps())
	assert.Equal(t, []float64{0, 0}, p.g.Data().([]float64), "gradients are cleared after the update")

	err := adam.Step([]gorgonia.ValueGrad{p, p})
	assert.Error(t, err)
}

// squaredDistance builds sum((w - 3)^2) for a two-element w starting at zero.
func squaredDistance(t *testing.T) (*gorgonia.ExprGraph, *gorgonia.Node) {
	g := gorgonia.NewGraph()
	w := gorgonia.NewVector(g, tensor.Float64, gorgonia.WithShape(2), gorgonia.WithName("w"),
		gorgonia.WithValue(tensor.New(tensor.WithShape(2), tensor.WithBacking([]float64{0, 0}))))
	target := gorgonia.NewConstant(3.0)
	cost := gorgonia.Must(gorgonia.Sum(gorgonia.Must(gorgonia.Square(gorgonia.Must(gorgonia.Sub(w, target))))))
	_, err := gorgonia.Grad(cost, w)
	require.NoError(t, err)
	return g, w
}

func TestZeroGradsBetweenRuns(t *testing.T) {
	g, w := squaredDistance(t)
	vm := gorgonia.NewTapeMachine(g, gorgonia.BindDualValues(w))
	defer vm.Close()
	model := gorgonia.NodesToValueGrads(gorgonia.Nodes{w})

	grad := func() []float64 {
		gv, err := model[0].Grad()
		require.NoError(t, err)
		return append([]float64(nil), must.M1(Floats(gv))...)
	}

	require.NoError(t, vm.RunAll())
	vm.Reset()
	assert.Equal(t, []float64{-6, -6}, grad())

	// Without zeroing the machine adds the new gradient to the old one.
	require.NoError(t, vm.RunAll())
	vm.Reset()
	assert.Equal(t, []float64{-12, -12}, grad())

	for i := 0; i < 3; i++ {
		require.NoError(t, ZeroGrads(model))
		require.NoError(t, vm.RunAll())
		vm.Reset()
		assert.Equal(t, []float64{-6, -6}, grad(), "run %d", i)
	}
}

func TestAdamMinimizesGraph(t *testing.T) {
	g, w := squaredDistance(t)

	vm := gorgonia.NewTapeMachine(g, gorgonia.BindDualValues(w))
	defer vm.Close()
	adam := NewAdam(0.1)
	for it := 0; it < 500; it++ {
		adam.SetLearnRate(StepDecay(0.1, it, 100))
		require.NoError(t, vm.RunAll())
		_, err := ClipGradNorm(gorgonia.NodesToValueGrads(gorgonia.Nodes{w}), 5)
		require.NoError(t, err)
		require.NoError(t, adam.Step(gorgonia.NodesToValueGrads(gorgonia.Nodes{w})))
		vm.Reset()
	}
	got, err := Floats(w.Value())
	require.NoError(t, err)
	for _, x := range got {
		assert.InDelta(t, 3.0, x, 0.05)
	}
	assert.False(t, math.IsNaN(got[0]))
}
