// Package report summarises recorded latency samples and renders them as
// text, an interactive HTML chart and a static PNG plot.
package report

import (
	"bytes"
	"fmt"
	"image/color"
	"io"
	"sort"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/drive.sync/internal/telemetry"
	"github.com/banshee-data/drive.sync/internal/timestamp"
)

// StageSummary describes the latency distribution of one stage.
type StageSummary struct {
	Stage   string
	Count   int
	Mean    time.Duration
	StdDev  time.Duration
	P50     time.Duration
	P90     time.Duration
	P99     time.Duration
	Max     time.Duration
	Runtime time.Duration // mean stage-reported runtime
	Sources map[string]int
}

func (s StageSummary) String() string {
	return fmt.Sprintf("%-10s n=%-5d mean=%-10v sd=%-10v p50=%-10v p90=%-10v p99=%-10v max=%-10v runtime=%v",
		s.Stage, s.Count, s.Mean, s.StdDev, s.P50, s.P90, s.P99, s.Max, s.Runtime)
}

func ms(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }

func fromMs(v float64) time.Duration { return time.Duration(v * float64(time.Millisecond)).Round(time.Microsecond) }

func byStage(samples []telemetry.Sample) ([]string, map[string][]telemetry.Sample) {
	groups := map[string][]telemetry.Sample{}
	for _, s := range samples {
		groups[s.Stage] = append(groups[s.Stage], s)
	}
	stages := make([]string, 0, len(groups))
	for stage := range groups {
		stages = append(stages, stage)
	}
	sort.Strings(stages)
	return stages, groups
}

// Summarise groups samples by stage, in stage name order.
func Summarise(samples []telemetry.Sample) []StageSummary {
	stages, groups := byStage(samples)
	out := make([]StageSummary, 0, len(stages))
	for _, stage := range stages {
		group := groups[stage]
		lat := make([]float64, len(group))
		run := make([]float64, len(group))
		sources := map[string]int{}
		for i, s := range group {
			lat[i] = ms(s.Latency)
			run[i] = ms(s.Runtime)
			if s.Source != "" {
				sources[s.Source]++
			}
		}
		sort.Float64s(lat)
		mean, sd := stat.MeanStdDev(lat, nil)
		if len(lat) < 2 {
			sd = 0
		}
		out = append(out, StageSummary{
			Stage:   stage,
			Count:   len(group),
			Mean:    fromMs(mean),
			StdDev:  fromMs(sd),
			P50:     fromMs(stat.Quantile(0.5, stat.Empirical, lat, nil)),
			P90:     fromMs(stat.Quantile(0.9, stat.Empirical, lat, nil)),
			P99:     fromMs(stat.Quantile(0.99, stat.Empirical, lat, nil)),
			Max:     fromMs(lat[len(lat)-1]),
			Runtime: fromMs(stat.Mean(run, nil)),
			Sources: sources,
		})
	}
	return out
}

// WriteText prints one summary line per stage.
func WriteText(w io.Writer, summaries []StageSummary) error {
	for _, s := range summaries {
		if _, err := fmt.Fprintln(w, s); err != nil {
			return err
		}
	}
	return nil
}

// timeline returns every distinct timestamp in order.
func timeline(samples []telemetry.Sample) []timestamp.Timestamp {
	var out []timestamp.Timestamp
	for _, s := range samples {
		out = append(out, s.Timestamp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	uniq := out[:0]
	for i, ts := range out {
		if i == 0 || !ts.Equal(out[i-1]) {
			uniq = append(uniq, ts)
		}
	}
	return uniq
}

// WriteHTML renders per-stage latency over time and the percentile summary
// as a go-echarts page.
func WriteHTML(w io.Writer, title string, samples []telemetry.Sample) error {
	stages, groups := byStage(samples)
	axis := timeline(samples)
	labels := make([]string, len(axis))
	pos := make(map[string]int, len(axis))
	for i, ts := range axis {
		labels[i] = ts.String()
		pos[labels[i]] = i
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: title, Width: "1200px", Height: "500px"}),
		charts.WithTitleOpts(opts.Title{Title: title, Subtitle: fmt.Sprintf("samples=%d stages=%d", len(samples), len(stages))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "timestamp", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "latency (ms)", NameLocation: "middle", NameGap: 40}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider"}),
	)
	line.SetXAxis(labels)
	for _, stage := range stages {
		data := make([]opts.LineData, len(axis))
		for i := range data {
			data[i] = opts.LineData{Value: "-"}
		}
		for _, s := range groups[stage] {
			data[pos[s.Timestamp.String()]] = opts.LineData{Value: ms(s.Latency)}
		}
		line.AddSeries(stage, data, charts.WithLineChartOpts(opts.LineChart{ConnectNulls: opts.Bool(true)}))
	}

	summaries := Summarise(samples)
	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "1200px", Height: "400px"}),
		charts.WithTitleOpts(opts.Title{Title: "Latency percentiles (ms)"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(stages)
	for _, p := range []struct {
		name string
		get  func(StageSummary) time.Duration
	}{
		{"p50", func(s StageSummary) time.Duration { return s.P50 }},
		{"p90", func(s StageSummary) time.Duration { return s.P90 }},
		{"p99", func(s StageSummary) time.Duration { return s.P99 }},
	} {
		data := make([]opts.BarData, len(summaries))
		for i, s := range summaries {
			data[i] = opts.BarData{Value: ms(p.get(s))}
		}
		bar.AddSeries(p.name, data, charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}))
	}

	page := components.NewPage()
	page.PageTitle = title
	page.AddCharts(line, bar)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		return fmt.Errorf("render error: %w", err)
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// WritePNG plots per-stage latency against the first timestamp coordinate
// and saves it to path.
func WritePNG(path, title string, samples []telemetry.Sample) error {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "timestamp"
	p.Y.Label.Text = "latency (ms)"
	p.Add(plotter.NewGrid())

	stages, groups := byStage(samples)
	for i, stage := range stages {
		group := groups[stage]
		pts := make(plotter.XYs, len(group))
		for j, s := range group {
			pts[j] = plotter.XY{X: float64(s.Timestamp.First()), Y: ms(s.Latency)}
		}
		sort.Slice(pts, func(a, b int) bool { return pts[a].X < pts[b].X })
		l, err := plotter.NewLine(pts)
		if err != nil {
			return fmt.Errorf("failed to create %s line: %w", stage, err)
		}
		l.Width = vg.Points(1)
		l.Color = plotutil.Color(i)
		p.Add(l)
		p.Legend.Add(stage, l)
	}
	p.Legend.Top = true
	p.BackgroundColor = color.White

	if err := p.Save(14*vg.Inch, 6*vg.Inch, path); err != nil {
		return fmt.Errorf("failed to save plot: %w", err)
	}
	return nil
}
