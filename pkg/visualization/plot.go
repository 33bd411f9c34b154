package visualization

import (
	"fmt"
	"math"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"spimfuse/pkg/errs"
	"spimfuse/pkg/registration"
)

// CostSeries is one labelled registration cost trace.
type CostSeries struct {
	Label string
	Steps []registration.Step
}

// costPoints lays the steps out on a running iteration axis, so successive
// pyramid levels follow each other instead of overlapping.
func costPoints(steps []registration.Step) plotter.XYs {
	pts := make(plotter.XYs, 0, len(steps))
	for i, s := range steps {
		if math.IsNaN(s.Cost) || math.IsInf(s.Cost, 0) {
			continue
		}
		pts = append(pts, plotter.XY{X: float64(i), Y: s.Cost})
	}
	return pts
}

// PlotCostHistory draws one line per series and saves the plot to
// filename. The image format follows the extension (.png, .svg, .pdf).
func PlotCostHistory(title string, series []CostSeries, filename string) error {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Iteration"
	p.Y.Label.Text = "Cost"

	drawn := 0
	for i, s := range series {
		pts := costPoints(s.Steps)
		if len(pts) == 0 {
			continue
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return fmt.Errorf("cost line %q: %w", s.Label, err)
		}
		line.Color = plotutil.Color(i)
		line.Width = vg.Points(1)
		p.Add(line)
		p.Legend.Add(s.Label, line)
		drawn++
	}
	if drawn == 0 {
		return errs.Configuration("visualization.PlotCostHistory", "no cost history to plot")
	}

	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10

	return p.Save(10*vg.Inch, 5*vg.Inch, filename)
}
