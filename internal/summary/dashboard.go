package summary

import (
	"fmt"
	"io"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
)

// echartsAssetsHost is left empty so pages load the library from the
// go-echarts default CDN.
var echartsAssetsHost = ""

// RenderDashboard writes an HTML page with one line chart per scalar tag
// matching prefix. Runs are drawn as separate series.
func (db *DB) RenderDashboard(w io.Writer, title, prefix string) error {
	tags, err := db.Tags(prefix)
	if err != nil {
		return err
	}
	page := components.NewPage()
	page.SetPageTitle(title)
	if echartsAssetsHost != "" {
		page.SetAssetsHost(echartsAssetsHost)
	}
	for _, tag := range tags {
		line, err := db.tagChart(tag)
		if err != nil {
			return err
		}
		page.AddCharts(line)
	}
	if err := page.Render(w); err != nil {
		return fmt.Errorf("render dashboard: %w", err)
	}
	return nil
}

func (db *DB) tagChart(tag string) (*charts.Line, error) {
	pts, err := db.Scalars(tag)
	if err != nil {
		return nil, err
	}
	var runs []string
	byRun := make(map[string][]opts.LineData)
	for _, p := range pts {
		if _, ok := byRun[p.RunID]; !ok {
			runs = append(runs, p.RunID)
		}
		byRun[p.RunID] = append(byRun[p.RunID], opts.LineData{Value: []interface{}{p.Step, p.Value}})
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "360px", AssetsHost: echartsAssetsHost}),
		charts.WithTitleOpts(opts.Title{Title: tag, Subtitle: strconv.Itoa(len(pts)) + " points"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithXAxisOpts(opts.XAxis{Type: "value", Name: "step", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Type: "value", Scale: opts.Bool(true)}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "inside"}),
	)
	for _, run := range runs {
		name := run
		if len(name) > 8 {
			name = name[:8]
		}
		line.AddSeries(name, byRun[run], charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}))
	}
	return line, nil
}
