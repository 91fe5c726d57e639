package metrics

import (
	"math"
	"time"
)

// Window accumulates training stats between two reports.
type Window struct {
	samples  int
	compute  time.Duration
	steps    int
	skipped  int
	loss     float64
	recon    float64
	kl       float64
	gradNorm float64
}

// Record adds one optimizer step to the window.
func (w *Window) Record(batchSize int, computeTime time.Duration, loss, recon, kl, gradNorm float64) {
	w.samples += batchSize
	w.compute += computeTime
	w.steps++
	w.loss += loss
	w.recon += recon
	w.kl += kl
	w.gradNorm += gradNorm
}

// Skip counts a step whose update was dropped.
func (w *Window) Skip() {
	w.skipped++
}

// Snapshot returns the window averages and resets it.
func (w *Window) Snapshot() Snapshot {
	snap := Snapshot{Steps: w.steps, Skipped: w.skipped}
	if w.compute > 0 {
		snap.SentencesPerSec = float64(w.samples) / w.compute.Seconds()
	}
	if w.steps > 0 {
		n := float64(w.steps)
		snap.AvgStepMS = (w.compute.Seconds() * 1000) / n
		snap.AvgLoss = w.loss / n
		snap.AvgRecon = w.recon / n
		snap.AvgKL = w.kl / n
		snap.AvgGradNorm = w.gradNorm / n
	} else {
		snap.AvgLoss = math.NaN()
		snap.AvgRecon = math.NaN()
		snap.AvgKL = math.NaN()
		snap.AvgGradNorm = math.NaN()
	}
	*w = Window{}
	return snap
}

// Snapshot represents loggable metrics.
type Snapshot struct {
	Steps           int
	Skipped         int
	SentencesPerSec float64
	AvgStepMS       float64
	AvgLoss         float64
	AvgRecon        float64
	AvgKL           float64
	AvgGradNorm     float64
}
