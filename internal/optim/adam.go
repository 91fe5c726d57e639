// Package optim holds the optimizer, gradient clipping and the learning-rate
// and KL-weight schedules used by the trainer.
package optim

import (
	"math"

	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Adam is an Adam solver whose learning rate can be changed between steps.
// Moment estimates are kept per position of the slice given to Step, so the
// same parameters must be passed in the same order every time.
type Adam struct {
	LR, Beta1, Beta2, Eps float64

	m, v [][]float64
	t    int
}

var _ gorgonia.Solver = (*Adam)(nil)

// NewAdam returns an Adam solver with the usual betas.
func NewAdam(lr float64) *Adam {
	return &Adam{LR: lr, Beta1: 0.9, Beta2: 0.999, Eps: 1e-8}
}

// SetLearnRate changes the step size used by the next Step.
func (a *Adam) SetLearnRate(lr float64) { a.LR = lr }

// Steps is the number of updates applied so far.
func (a *Adam) Steps() int { return a.t }

// Step applies one update to every parameter using its current gradient and
// then sets the gradients to zero, since the tape machine adds each run's
// gradients to the previous ones.
func (a *Adam) Step(model []gorgonia.ValueGrad) error {
	if a.m == nil {
		a.m = make([][]float64, len(model))
		a.v = make([][]float64, len(model))
	}
	if len(model) != len(a.m) {
		return errors.Errorf("adam: got %d parameters, was initialised with %d", len(model), len(a.m))
	}

	a.t++
	b1t := 1 - math.Pow(a.Beta1, float64(a.t))
	b2t := 1 - math.Pow(a.Beta2, float64(a.t))

	for i, vg := range model {
		w, err := Floats(vg.Value())
		if err != nil {
			return errors.Wrapf(err, "adam: parameter %d", i)
		}
		gv, err := vg.Grad()
		if err != nil {
			return errors.Wrapf(err, "adam: gradient of parameter %d", i)
		}
		g, err := Floats(gv)
		if err != nil {
			return errors.Wrapf(err, "adam: gradient of parameter %d", i)
		}
		if len(g) != len(w) {
			return errors.Errorf("adam: parameter %d has %d values but %d gradients", i, len(w), len(g))
		}
		if a.m[i] == nil {
			a.m[i] = make([]float64, len(w))
			a.v[i] = make([]float64, len(w))
		}
		mw, vw := a.m[i], a.v[i]
		for j := range w {
			mw[j] = a.Beta1*mw[j] + (1-a.Beta1)*g[j]
			vw[j] = a.Beta2*vw[j] + (1-a.Beta2)*g[j]*g[j]
			mh := mw[j] / b1t
			vh := vw[j] / b2t
			w[j] -= a.LR * mh / (math.Sqrt(vh) + a.Eps)
			g[j] = 0
		}
	}
	return nil
}

// ZeroGrads sets every gradient to zero.
func ZeroGrads(model []gorgonia.ValueGrad) error {
	for i, vg := range model {
		gv, err := vg.Grad()
		if err != nil {
			return errors.Wrapf(err, "zero: gradient of parameter %d", i)
		}
		g, err := Floats(gv)
		if err != nil {
			return errors.Wrapf(err, "zero: gradient of parameter %d", i)
		}
		for j := range g {
			g[j] = 0
		}
	}
	return nil
}

// ClipGradNorm rescales all gradients in place so that their joint L2 norm is
// at most maxNorm, and returns the norm measured before clipping.
func ClipGradNorm(model []gorgonia.ValueGrad, maxNorm float64) (float64, error) {
	grads := make([][]float64, len(model))
	var sq float64
	for i, vg := range model {
		gv, err := vg.Grad()
		if err != nil {
			return 0, errors.Wrapf(err, "clip: gradient of parameter %d", i)
		}
		g, err := Floats(gv)
		if err != nil {
			return 0, errors.Wrapf(err, "clip: gradient of parameter %d", i)
		}
		for _, x := range g {
			sq += x * x
		}
		grads[i] = g
	}
	norm := math.Sqrt(sq)
	if maxNorm > 0 && norm > maxNorm {
		scale := maxNorm / (norm + 1e-6)
		for _, g := range grads {
			for j := range g {
				g[j] *= scale
			}
		}
	}
	return norm, nil
}

// Floats exposes the float64 backing of a gorgonia tensor value. Writes to the
// returned slice change the value.
func Floats(v gorgonia.Value) ([]float64, error) {
	t, ok := v.(tensor.Tensor)
	if !ok {
		return nil, errors.Errorf("value of type %T is not a tensor", v)
	}
	data, ok := t.Data().([]float64)
	if !ok {
		return nil, errors.Errorf("tensor of dtype %v is not float64", t.Dtype())
	}
	return data, nil
}
