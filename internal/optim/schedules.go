package optim

import "math"

// KL annealing centre and width, in iterations.
const (
	KLAnnealCenter = 3500
	KLAnnealWidth  = 1000
)

// KLWeight is the weight of the KL term at iteration it: a tanh ramp from 0
// to 1 centred on KLAnnealCenter (as in kefirski/pytorch_RVAE).
func KLWeight(it int) float64 {
	return (math.Tanh(float64(it-KLAnnealCenter)/KLAnnealWidth) + 1) / 2
}

// StepDecay halves lr every `every` iterations. every <= 0 disables decay.
func StepDecay(lr float64, it, every int) float64 {
	if every <= 0 {
		return lr
	}
	return lr * math.Pow(0.5, float64(it/every))
}
