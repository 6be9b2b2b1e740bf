package report

import (
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// PlotLoss saves the per-epoch loss curve as an image. The format follows
// the extension of path (png, svg, pdf...).
func PlotLoss(losses []float64, title, path string) error {
	if len(losses) == 0 {
		return errors.New("report: no loss values to plot")
	}
	if title == "" {
		title = "training loss"
	}

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "epoch"
	p.Y.Label.Text = "loss"
	p.Add(plotter.NewGrid())

	points := make(plotter.XYs, len(losses))
	for i, l := range losses {
		points[i].X = float64(i + 1)
		points[i].Y = l
	}
	line, err := plotter.NewLine(points)
	if err != nil {
		return errors.Wrap(err, "report: building loss line")
	}
	p.Add(line)

	if err := p.Save(6*vg.Inch, 4*vg.Inch, path); err != nil {
		return errors.Wrapf(err, "report: saving plot to %q", path)
	}
	return nil
}
