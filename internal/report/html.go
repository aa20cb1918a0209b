package report

import (
	"fmt"
	"io"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
)

const (
	chartWidth  = "700px"
	chartHeight = "420px"
	pieRadius   = "65%"
)

// severityColors maps severities to their chart colors, critical first.
var severityColors = map[string]string{
	"critical": "#d43d3d",
	"high":     "#e8853d",
	"medium":   "#e8c53d",
	"low":      "#4d9de0",
}

// WriteHTML renders the report as a self-contained HTML dashboard with a
// severity breakdown pie and a per-analyzer bar chart.
func (r Report) WriteHTML(w io.Writer) error {
	page := components.NewPage()
	page.PageTitle = fmt.Sprintf("Peer analysis: %s", r.Repo)

	page.AddCharts(r.severityPie(), r.analyzerBar())

	if err := page.Render(w); err != nil {
		return fmt.Errorf("report: render html: %w", err)
	}

	return nil
}

// severityPie charts the finding counts per severity.
func (r Report) severityPie() *charts.Pie {
	pie := charts.NewPie()
	pie.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{
			Title:    "Findings by severity",
			Subtitle: fmt.Sprintf("%d findings total", r.Summary.Total()),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "item"}),
		charts.WithInitializationOpts(opts.Initialization{Width: chartWidth, Height: chartHeight}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Top: "bottom"}),
	)

	var data []opts.PieData

	for _, sc := range r.bySeverity() {
		data = append(data, opts.PieData{
			Name:      sc.Severity,
			Value:     sc.Count,
			ItemStyle: &opts.ItemStyle{Color: severityColors[sc.Severity]},
		})
	}

	pie.AddSeries("severity", data).SetSeriesOptions(
		charts.WithPieChartOpts(opts.PieChart{Radius: pieRadius}),
		charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Formatter: "{b}: {c}"}),
	)

	return pie
}

// analyzerBar charts the finding counts per producing analyzer.
func (r Report) analyzerBar() *charts.Bar {
	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{Title: "Findings by analyzer"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithInitializationOpts(opts.Initialization{Width: chartWidth, Height: chartHeight}),
	)

	var (
		labels []string
		values []opts.BarData
	)

	for _, ac := range r.byAnalyzer() {
		labels = append(labels, ac.Analyzer)
		values = append(values, opts.BarData{Value: ac.Count})
	}

	bar.SetXAxis(labels).AddSeries("findings", values)

	return bar
}
