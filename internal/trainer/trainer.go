// Package trainer runs the VAE training loop: KL annealing, gradient
// clipping, Adam updates with step learning-rate decay and a periodic report
// that reconstructs the first sentence of the batch.
package trainer

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"gorgonia.org/gorgonia"
	"k8s.io/klog/v2"

	"ctextgen/internal/dataset"
	"ctextgen/internal/metrics"
	"ctextgen/internal/model"
	"ctextgen/internal/optim"
)

// Model is what the loop needs from the VAE.
type Model interface {
	Forward(inputs [][]int, lengths []int, klWeight float64) (model.Losses, error)
	Evaluate(inputs [][]int, lengths []int) (model.Losses, error)
	ValueGrads() []gorgonia.ValueGrad
	ForwardEncoder(ids []int) (mu, logvar []float64, err error)
	SampleC() []float64
	SampleSentence(z, c []float64, temp float64) ([]int, error)
}

// Data serves training and validation batches.
type Data interface {
	NextBatch() dataset.Batch
	ValBatch() (dataset.Batch, bool)
	IdxsToSentence(ids []int) string
}

// Options configures a run.
type Options struct {
	// StartIter is the first iteration; non-zero when resuming.
	StartIter    int
	Iterations   int
	LogInterval  int
	LR           float64
	LRDecayEvery int
	ClipNorm     float64
	ValBatches   int

	// Out receives the periodic report. Defaults to os.Stdout.
	Out io.Writer
	// Progress, when set, receives a progress bar.
	Progress io.Writer
}

// Result summarises a finished or interrupted run.
type Result struct {
	// Iterations is the number of the next iteration to run, i.e. how many
	// have completed counting from zero.
	Iterations  int
	Interrupted bool
	Skipped     int
	Last        model.Losses
	History     *metrics.History
}

// Trainer owns the optimizer state across a run.
type Trainer struct {
	opts   Options
	model  Model
	data   Data
	solver *optim.Adam

	window  metrics.Window
	history *metrics.History
	skipped int
}

// New returns a trainer with a fresh Adam solver.
func New(m Model, d Data, opts Options) (*Trainer, error) {
	switch {
	case opts.Iterations <= 0:
		return nil, errors.Errorf("iterations must be > 0 (got %d)", opts.Iterations)
	case opts.StartIter < 0:
		return nil, errors.Errorf("start iteration must be >= 0 (got %d)", opts.StartIter)
	case opts.LR <= 0:
		return nil, errors.Errorf("learning rate must be > 0 (got %g)", opts.LR)
	}
	if opts.LogInterval <= 0 {
		opts.LogInterval = 1000
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	t := &Trainer{
		opts:    opts,
		model:   m,
		data:    d,
		solver:  optim.NewAdam(opts.LR),
		history: &metrics.History{},
	}
	if opts.StartIter > 0 {
		t.solver.SetLearnRate(optim.StepDecay(opts.LR, opts.StartIter-1, opts.LRDecayEvery))
	}
	return t, nil
}

// History returns the reports recorded so far.
func (t *Trainer) History() *metrics.History { return t.history }

// Run trains until Iterations or until ctx is cancelled. Cancellation is
// checked between iterations and is not an error: the result is flagged as
// interrupted so the caller can still save the model.
func (t *Trainer) Run(ctx context.Context) (Result, error) {
	res := Result{Iterations: t.opts.StartIter, History: t.history}
	if res.Iterations >= t.opts.Iterations {
		return res, nil
	}

	var bar *progressbar.ProgressBar
	if t.opts.Progress != nil {
		bar = progressbar.NewOptions(t.opts.Iterations-t.opts.StartIter,
			progressbar.OptionSetDescription("training"),
			progressbar.OptionSetWriter(t.opts.Progress),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("it"),
			progressbar.OptionThrottle(200*time.Millisecond),
		)
		defer func() { _ = bar.Finish() }()
	}

	for it := t.opts.StartIter; it < t.opts.Iterations; it++ {
		if ctx.Err() != nil {
			res.Interrupted = true
			klog.Infof("training interrupted at iteration %d", it)
			break
		}

		batch, losses, gradNorm, err := t.step(it)
		if err != nil {
			return res, errors.Wrapf(err, "iteration %d", it)
		}
		res.Last = losses
		res.Iterations = it + 1

		if it%t.opts.LogInterval == 0 {
			if err := t.report(it, batch, losses, gradNorm); err != nil {
				return res, errors.Wrapf(err, "report at iteration %d", it)
			}
			if bar != nil {
				bar.Describe(fmt.Sprintf("training loss=%.3f", losses.Loss))
			}
		}

		t.solver.SetLearnRate(optim.StepDecay(t.opts.LR, it, t.opts.LRDecayEvery))
		if bar != nil {
			_ = bar.Add(1)
		}
	}
	res.Skipped = t.skipped
	return res, nil
}

// step runs one forward/backward pass and applies the update. Updates with a
// non-finite loss or gradient norm are skipped.
func (t *Trainer) step(it int) (dataset.Batch, model.Losses, float64, error) {
	start := time.Now()
	batch := t.data.NextBatch()
	losses, err := t.model.Forward(batch.Inputs, batch.Lengths, optim.KLWeight(it))
	if err != nil {
		return batch, losses, 0, err
	}
	vgs := t.model.ValueGrads()
	if !finite(losses.Loss) {
		klog.Warningf("iteration %d: skipping update with non-finite loss %v", it, losses.Loss)
		return batch, losses, math.NaN(), t.skip(vgs)
	}

	gradNorm, err := optim.ClipGradNorm(vgs, t.opts.ClipNorm)
	if err != nil {
		return batch, losses, 0, err
	}
	if !finite(gradNorm) {
		klog.Warningf("iteration %d: skipping update with non-finite gradient norm", it)
		return batch, losses, gradNorm, t.skip(vgs)
	}
	if err := t.solver.Step(vgs); err != nil {
		return batch, losses, gradNorm, err
	}
	t.window.Record(batch.Size(), time.Since(start), losses.Loss, losses.Recon, losses.KL, gradNorm)
	return batch, losses, gradNorm, nil
}

// skip drops the gradients of an update that is not applied.
func (t *Trainer) skip(vgs []gorgonia.ValueGrad) error {
	t.skipped++
	t.window.Skip()
	return optim.ZeroGrads(vgs)
}

// report reconstructs the first sentence of the batch from its posterior
// mean and a c drawn from the prior, then prints the losses.
func (t *Trainer) report(it int, batch dataset.Batch, losses model.Losses, gradNorm float64) error {
	orig := batch.Sentence(0)

	mu, _, err := t.model.ForwardEncoder(orig)
	if err != nil {
		return err
	}
	c := t.model.SampleC()
	sample, err := t.model.SampleSentence(mu, c, 1)
	if err != nil {
		return err
	}

	point := metrics.Point{
		Iter:     it,
		Loss:     losses.Loss,
		Recon:    losses.Recon,
		KL:       losses.KL,
		KLWeight: optim.KLWeight(it),
		GradNorm: gradNorm,
		LR:       t.solver.LR,
	}
	if t.opts.ValBatches > 0 {
		val, ok, err := t.validate()
		if err != nil {
			return err
		}
		if ok {
			point.Val = &val
		}
	}
	t.history.Add(point)

	w := t.opts.Out
	fmt.Fprintf(w, "Iter-%d; Loss: %.4f; Recon: %.4f; KL: %.4f; Grad_norm: %.4f;\n",
		it, losses.Loss, losses.Recon, losses.KL, gradNorm)
	fmt.Fprintf(w, "Original: \"%s\"\n", t.data.IdxsToSentence(orig))
	fmt.Fprintf(w, "Reconstruction: \"%s\"\n", t.data.IdxsToSentence(sample))
	fmt.Fprintln(w)

	snap := t.window.Snapshot()
	klog.V(1).Infof("iter=%d kl_weight=%.4f lr=%g sentences/sec=%.1f step_ms=%.2f avg_loss=%.4f skipped=%d",
		it, point.KLWeight, point.LR, snap.SentencesPerSec, snap.AvgStepMS, snap.AvgLoss, snap.Skipped)
	if point.Val != nil {
		klog.Infof("iter=%d val_recon=%.4f val_kl=%.4f", it, point.Val.Recon, point.Val.KL)
	}
	return nil
}

// validate averages the unweighted losses over ValBatches dev batches.
func (t *Trainer) validate() (metrics.ValLoss, bool, error) {
	var sum metrics.ValLoss
	n := 0
	for i := 0; i < t.opts.ValBatches; i++ {
		batch, ok := t.data.ValBatch()
		if !ok {
			break
		}
		l, err := t.model.Evaluate(batch.Inputs, batch.Lengths)
		if err != nil {
			return sum, false, errors.Wrap(err, "validation")
		}
		sum.Recon += l.Recon
		sum.KL += l.KL
		n++
	}
	if n == 0 {
		return sum, false, nil
	}
	sum.Recon /= float64(n)
	sum.KL /= float64(n)
	return sum, true, nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
