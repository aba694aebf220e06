package summary

import (
	"fmt"
	"image/color"
	"math"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// PlotScalars draws one line per tag against step and saves the figure to
// out. The format follows the file extension (png, svg, pdf).
func (db *DB) PlotScalars(tags []string, title, out string) error {
	if len(tags) == 0 {
		return fmt.Errorf("plot: no tags")
	}
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Step"
	p.Y.Label.Text = "Value"
	p.Add(plotter.NewGrid())

	colors := palette(len(tags))
	drawn := 0
	for i, tag := range tags {
		pts, err := db.Scalars(tag)
		if err != nil {
			return err
		}
		xys := make(plotter.XYs, 0, len(pts))
		for _, pt := range pts {
			if math.IsNaN(pt.Value) || math.IsInf(pt.Value, 0) {
				continue
			}
			xys = append(xys, plotter.XY{X: float64(pt.Step), Y: pt.Value})
		}
		if len(xys) == 0 {
			continue
		}
		line, err := plotter.NewLine(xys)
		if err != nil {
			return fmt.Errorf("plot %s: %w", tag, err)
		}
		line.Color = colors[i]
		line.Width = vg.Points(1)
		p.Add(line)
		p.Legend.Add(tag, line)
		drawn++
	}
	if drawn == 0 {
		return fmt.Errorf("plot: no data for %v", tags)
	}
	if err := p.Save(12*vg.Inch, 5*vg.Inch, out); err != nil {
		return fmt.Errorf("save plot: %w", err)
	}
	return nil
}

// palette spreads n hues around the color wheel.
func palette(n int) []color.Color {
	out := make([]color.Color, n)
	for i := range out {
		r, g, b := hslToRGB(float64(i)/float64(n), 0.7, 0.45)
		out[i] = color.RGBA{R: r, G: g, B: b, A: 255}
	}
	return out
}

func hslToRGB(h, s, l float64) (r, g, b uint8) {
	q := l + s - l*s
	if l < 0.5 {
		q = l * (1 + s)
	}
	p := 2*l - q
	conv := func(t float64) uint8 {
		if t < 0 {
			t++
		}
		if t > 1 {
			t--
		}
		var v float64
		switch {
		case t < 1.0/6:
			v = p + (q-p)*6*t
		case t < 0.5:
			v = q
		case t < 2.0/3:
			v = p + (q-p)*(2.0/3-t)*6
		default:
			v = p
		}
		return uint8(math.Round(v * 255))
	}
	return conv(h + 1.0/3), conv(h), conv(h - 1.0/3)
}
