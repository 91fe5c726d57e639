package metrics

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// Point is the state of training at one report.
type Point struct {
	Iter     int      `json:"iter"`
	Loss     float64  `json:"loss"`
	Recon    float64  `json:"recon"`
	KL       float64  `json:"kl"`
	KLWeight float64  `json:"kl_weight"`
	GradNorm float64  `json:"grad_norm"`
	LR       float64  `json:"lr"`
	Val      *ValLoss `json:"val,omitempty"`
}

// ValLoss holds the losses of a held-out batch.
type ValLoss struct {
	Recon float64 `json:"recon"`
	KL    float64 `json:"kl"`
}

func (p Point) finite() bool {
	values := []float64{p.Loss, p.Recon, p.KL, p.KLWeight, p.GradNorm, p.LR}
	if p.Val != nil {
		values = append(values, p.Val.Recon, p.Val.KL)
	}
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// History is the list of reports of a run.
type History struct {
	Points []Point `json:"points"`
}

// Add appends p and reports whether it was kept. Points holding NaN or Inf
// are dropped since JSON cannot represent them.
func (h *History) Add(p Point) bool {
	if !p.finite() {
		return false
	}
	h.Points = append(h.Points, p)
	return true
}

// Len is the number of points recorded.
func (h *History) Len() int { return len(h.Points) }

// Save writes the history as indented JSON.
func (h *History) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrapf(err, "creating directory for %q", path)
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating metrics file %q", path)
	}
	defer f.Close()

	encoder := json.NewEncoder(f)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(h); err != nil {
		return errors.Wrapf(err, "writing metrics file %q", path)
	}
	return nil
}

// LoadHistory reads a history written by Save.
func LoadHistory(path string) (*History, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening metrics file %q", path)
	}
	defer f.Close()
	h := &History{}
	if err := json.NewDecoder(f).Decode(h); err != nil {
		return nil, errors.Wrapf(err, "decoding metrics file %q", path)
	}
	return h, nil
}

// Plot draws reconstruction loss, KL and (when present) validation
// reconstruction against the iteration, and saves it as a PNG.
func (h *History) Plot(path string) error {
	if len(h.Points) == 0 {
		return errors.New("no metrics to plot")
	}
	p := plot.New()
	p.Title.Text = "Training"
	p.X.Label.Text = "iteration"
	p.Y.Label.Text = "loss"

	recon := make(plotter.XYs, 0, len(h.Points))
	kl := make(plotter.XYs, 0, len(h.Points))
	var val plotter.XYs
	for _, pt := range h.Points {
		x := float64(pt.Iter)
		recon = append(recon, plotter.XY{X: x, Y: pt.Recon})
		kl = append(kl, plotter.XY{X: x, Y: pt.KL})
		if pt.Val != nil {
			val = append(val, plotter.XY{X: x, Y: pt.Val.Recon})
		}
	}

	series := []struct {
		name string
		xys  plotter.XYs
	}{{"recon", recon}, {"kl", kl}, {"val recon", val}}
	for i, s := range series {
		if len(s.xys) == 0 {
			continue
		}
		line, err := plotter.NewLine(s.xys)
		if err != nil {
			return errors.Wrapf(err, "plotting %s", s.name)
		}
		line.Color = plotutil.Color(i)
		line.Dashes = plotutil.Dashes(i)
		p.Add(line)
		p.Legend.Add(s.name, line)
	}
	p.Add(plotter.NewGrid())

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrapf(err, "creating directory for %q", path)
	}
	if err := p.Save(12*vg.Inch, 6*vg.Inch, path); err != nil {
		return errors.Wrapf(err, "saving plot %q", path)
	}
	return nil
}
