package visualization

import (
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"spimfuse/pkg/pipeline"
)

const (
	colorSucceeded = "#3e8e41"
	colorFailed    = "#c23531"
)

// missing is how echarts marks an absent data point.
const missing = "-"

func timepointLabel(tp int) string { return fmt.Sprintf("t%04d", tp) }

// RenderReport writes a self-contained HTML page summarizing a batch: the
// run time and status of every timepoint, the registration cost traces
// and the agreement between each view and the reference.
func RenderReport(w io.Writer, title string, outcomes map[int]pipeline.Outcome) error {
	tps := make([]int, 0, len(outcomes))
	for tp := range outcomes {
		tps = append(tps, tp)
	}
	sort.Ints(tps)

	page := components.NewPage()
	page.PageTitle = title
	page.AddCharts(elapsedChart(title, tps, outcomes), costChart(tps, outcomes), agreementChart(tps, outcomes))
	return page.Render(w)
}

func elapsedChart(title string, tps []int, outcomes map[int]pipeline.Outcome) *charts.Bar {
	failed := 0
	x := make([]string, len(tps))
	y := make([]opts.BarData, len(tps))
	for i, tp := range tps {
		o := outcomes[tp]
		x[i] = timepointLabel(tp)
		c := colorSucceeded
		if !o.OK() {
			c = colorFailed
			failed++
		}
		y[i] = opts.BarData{Value: o.Elapsed.Seconds(), ItemStyle: &opts.ItemStyle{Color: c}}
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "400px"}),
		charts.WithTitleOpts(opts.Title{Title: title, Subtitle: fmt.Sprintf("%d timepoints, %d failed", len(tps), failed)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Name: "Elapsed (s)"}),
	)
	bar.SetXAxis(x).AddSeries("elapsed", y)
	return bar
}

func costChart(tps []int, outcomes map[int]pipeline.Outcome) *charts.Line {
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "480px"}),
		charts.WithTitleOpts(opts.Title{Title: "Registration cost"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Top: "bottom"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Iteration"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "Cost", Scale: opts.Bool(true)}),
	)

	longest := 0
	type trace struct {
		name string
		data []opts.LineData
	}
	var traces []trace
	for _, tp := range tps {
		o := outcomes[tp]
		if o.Result == nil {
			continue
		}
		for _, v := range o.Result.Provenance.Views {
			if v.Registration == nil || len(v.Registration.History) == 0 {
				continue
			}
			pts := costPoints(v.Registration.History)
			data := make([]opts.LineData, len(pts))
			for i, p := range pts {
				data[i] = opts.LineData{Value: p.Y}
			}
			traces = append(traces, trace{name: timepointLabel(tp) + "/" + v.Name, data: data})
			longest = max(longest, len(data))
		}
	}

	x := make([]string, longest)
	for i := range x {
		x[i] = strconv.Itoa(i)
	}
	line.SetXAxis(x)
	for _, t := range traces {
		line.AddSeries(t.name, t.data)
	}
	return line
}

func agreementChart(tps []int, outcomes map[int]pipeline.Outcome) *charts.Bar {
	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "400px"}),
		charts.WithTitleOpts(opts.Title{Title: "View agreement", Subtitle: "correlation with the reference view after registration"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Top: "bottom"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "Correlation", Min: -1, Max: 1}),
	)

	x := make([]string, len(tps))
	series := make(map[string][]opts.BarData)
	var names []string
	for i, tp := range tps {
		x[i] = timepointLabel(tp)
		o := outcomes[tp]
		if o.Result == nil {
			continue
		}
		for _, v := range o.Result.Provenance.Views {
			if v.Agreement == nil {
				continue
			}
			data, ok := series[v.Name]
			if !ok {
				names = append(names, v.Name)
				data = make([]opts.BarData, len(tps))
				for j := range data {
					data[j] = opts.BarData{Value: missing}
				}
			}
			data[i] = opts.BarData{Value: v.Agreement.Correlation}
			series[v.Name] = data
		}
	}

	bar.SetXAxis(x)
	for _, name := range names {
		bar.AddSeries(name, series[name])
	}
	return bar
}
