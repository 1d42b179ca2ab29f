package monitor

import (
	"errors"
	"fmt"
	"image/color"
	"io"
	"maps"
	"slices"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	sqlite "github.com/banshee-data/mmwave.tracker/internal/mmwave/storage/sqlite"
)

// ErrNoTrails is returned when no trail has enough points to draw.
var ErrNoTrails = errors.New("no trails to plot")

// TrailPlotOptions controls the trail figure.
type TrailPlotOptions struct {
	Title string
	// Trails with fewer observations are left out.
	MinPoints int
	Width     vg.Length
	Height    vg.Length
}

func (o TrailPlotOptions) withDefaults() TrailPlotOptions {
	if o.Title == "" {
		o.Title = "Track trails"
	}
	if o.MinPoints <= 0 {
		o.MinPoints = 2
	}
	if o.Width <= 0 {
		o.Width = 8 * vg.Inch
	}
	if o.Height <= 0 {
		o.Height = 8 * vg.Inch
	}
	return o
}

// TrailPlot builds a top-down (X/Y) figure with one line per track and a
// marker at each trail's last position. It returns the plot and the number
// of trails drawn.
func TrailPlot(trails map[uint64][]sqlite.Observation, o TrailPlotOptions) (*plot.Plot, int, error) {
	o = o.withDefaults()

	p := plot.New()
	p.Title.Text = o.Title
	p.X.Label.Text = "X (m)"
	p.Y.Label.Text = "Y (m)"
	p.Add(plotter.NewGrid())

	ids := slices.Sorted(maps.Keys(trails))
	var drawable []uint64
	for _, id := range ids {
		if len(trails[id]) >= o.MinPoints {
			drawable = append(drawable, id)
		}
	}
	if len(drawable) == 0 {
		return nil, 0, ErrNoTrails
	}

	colors := generateColors(len(drawable))
	for i, id := range drawable {
		obs := trails[id]
		pts := make(plotter.XYs, len(obs))
		for j, ob := range obs {
			pts[j].X = ob.X
			pts[j].Y = ob.Y
		}

		line, err := plotter.NewLine(pts)
		if err != nil {
			return nil, 0, fmt.Errorf("track %d: %w", id, err)
		}
		line.Color = colors[i]
		line.Width = vg.Points(1.5)

		end, err := plotter.NewScatter(pts[len(pts)-1:])
		if err != nil {
			return nil, 0, fmt.Errorf("track %d: %w", id, err)
		}
		end.GlyphStyle.Color = colors[i]
		end.GlyphStyle.Radius = vg.Points(3)
		end.GlyphStyle.Shape = draw.CircleGlyph{}

		p.Add(line, end)
		p.Legend.Add(fmt.Sprintf("track %d", id), line)
	}

	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10

	return p, len(drawable), nil
}

// SaveTrailPlot writes the trail figure to path; the format follows the
// file extension (png, svg, pdf).
func SaveTrailPlot(path string, trails map[uint64][]sqlite.Observation, o TrailPlotOptions) (int, error) {
	o = o.withDefaults()
	p, n, err := TrailPlot(trails, o)
	if err != nil {
		return 0, err
	}
	if err := p.Save(o.Width, o.Height, path); err != nil {
		return 0, fmt.Errorf("save %s: %w", path, err)
	}
	return n, nil
}

// WriteTrailPNG renders the trail figure as PNG into w.
func WriteTrailPNG(w io.Writer, trails map[uint64][]sqlite.Observation, o TrailPlotOptions) (int, error) {
	o = o.withDefaults()
	p, n, err := TrailPlot(trails, o)
	if err != nil {
		return 0, err
	}
	wt, err := p.WriterTo(o.Width, o.Height, "png")
	if err != nil {
		return 0, err
	}
	if _, err := wt.WriteTo(w); err != nil {
		return 0, err
	}
	return n, nil
}

// generateColors spreads n hues evenly around the colour wheel.
func generateColors(n int) []color.Color {
	if n <= 0 {
		return nil
	}
	colors := make([]color.Color, n)
	for i := range colors {
		r, g, b := hslToRGB(float64(i)/float64(n), 0.7, 0.5)
		colors[i] = color.RGBA{R: r, G: g, B: b, A: 255}
	}
	return colors
}

func hslToRGB(h, s, l float64) (r, g, b uint8) {
	var q float64
	if l < 0.5 {
		q = l * (1 + s)
	} else {
		q = l + s - l*s
	}
	p := 2*l - q
	return uint8(hueToRGB(p, q, h+1.0/3.0) * 255),
		uint8(hueToRGB(p, q, h) * 255),
		uint8(hueToRGB(p, q, h-1.0/3.0) * 255)
}

func hueToRGB(p, q, t float64) float64 {
	switch {
	case t < 0:
		t += 1
	case t > 1:
		t -= 1
	}
	switch {
	case t < 1.0/6.0:
		return p + (q-p)*6*t
	case t < 1.0/2.0:
		return q
	case t < 2.0/3.0:
		return p + (q-p)*(2.0/3.0-t)*6
	}
	return p
}
