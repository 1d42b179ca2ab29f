package monitor

import (
	"fmt"
	"io"
	"maps"
	"math"
	"slices"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/mmwave.tracker/internal/mmwave/l5tracks"
	sqlite "github.com/banshee-data/mmwave.tracker/internal/mmwave/storage/sqlite"
)

// AssetsHost is where rendered pages load the echarts scripts from.
var AssetsHost = "https://go-echarts.github.io/go-echarts-assets/assets/"

var statusOrder = []l5tracks.TrackStatus{l5tracks.TrackConfirmed, l5tracks.TrackCoasting}

// RenderTrackScatter writes an HTML scatter of one published track set, one
// series per status.
func RenderTrackScatter(w io.Writer, set l5tracks.TrackSet) error {
	byStatus := make(map[l5tracks.TrackStatus][]opts.ScatterData)
	maxAbs := 0.0
	for _, t := range set.Tracks() {
		x, y := t.Position.X, t.Position.Y
		maxAbs = math.Max(maxAbs, math.Max(math.Abs(x), math.Abs(y)))
		byStatus[t.Status] = append(byStatus[t.Status], opts.ScatterData{
			Name:  strconv.FormatUint(t.ID, 10),
			Value: []interface{}{x, y, t.ID},
		})
	}
	pad := axisPad(maxAbs)

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "mmWave Tracks", Theme: "dark", Width: "900px", Height: "900px", AssetsHost: AssetsHost}),
		charts.WithTitleOpts(opts.Title{Title: "Live Tracks", Subtitle: fmt.Sprintf("seq=%d count=%d", set.Seq(), set.Len())}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: -pad, Max: pad, Name: "X (m)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: 0, Max: pad, Name: "Y (m)", NameLocation: "middle", NameGap: 30}),
	)
	for _, st := range statusOrder {
		scatter.AddSeries(st.String(), byStatus[st], charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 12}))
	}
	return scatter.Render(w)
}

// RenderSessionPage writes an HTML page for a stored session: a scatter of
// every confirmed observation coloured by track and a bar chart of frames
// per track.
func RenderSessionPage(w io.Writer, session sqlite.Session, tracks []sqlite.TrackSummary, trails map[uint64][]sqlite.Observation) error {
	maxAbs := 0.0
	scatter := charts.NewScatter()
	ids := slices.Sorted(maps.Keys(trails))
	for _, id := range ids {
		pts := make([]opts.ScatterData, 0, len(trails[id]))
		for _, ob := range trails[id] {
			maxAbs = math.Max(maxAbs, math.Max(math.Abs(ob.X), math.Abs(ob.Y)))
			pts = append(pts, opts.ScatterData{Value: []interface{}{ob.X, ob.Y, ob.Seq}})
		}
		scatter.AddSeries(fmt.Sprintf("track %d", id), pts, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 5}))
	}
	pad := axisPad(maxAbs)
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Theme: "dark", Width: "900px", Height: "900px", AssetsHost: AssetsHost}),
		charts.WithTitleOpts(opts.Title{Title: "Trails", Subtitle: fmt.Sprintf("session=%s source=%s", session.ID, session.Source)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: -pad, Max: pad, Name: "X (m)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: 0, Max: pad, Name: "Y (m)", NameLocation: "middle", NameGap: 30}),
	)

	x := make([]string, 0, len(tracks))
	y := make([]opts.BarData, 0, len(tracks))
	for _, t := range tracks {
		x = append(x, strconv.FormatUint(t.TrackID, 10))
		y = append(y, opts.BarData{Value: t.Frames})
	}
	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Theme: "dark", Width: "900px", Height: "400px", AssetsHost: AssetsHost}),
		charts.WithTitleOpts(opts.Title{Title: "Frames per track"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(x).AddSeries("frames", y,
		charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
	)

	page := components.NewPage()
	page.SetAssetsHost(AssetsHost)
	page.AddCharts(scatter, bar)
	return page.Render(w)
}

func axisPad(maxAbs float64) float64 {
	pad := maxAbs * 1.05
	if pad == 0 {
		pad = 1.0
	}
	return pad
}
