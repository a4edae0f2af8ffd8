// Package chart renders a series as a PNG line chart.
package chart

import (
	"fmt"
	"image/color"
	"io"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"odwatch/internal/series"
)

const maxTickLabels = 12

// Size of the rendered image.
type Size struct {
	Width, Height vg.Length
}

var DefaultSize = Size{Width: 10 * vg.Inch, Height: 5 * vg.Inch}

// RenderPNG draws view as a line chart, one point per month in order, and
// writes the PNG to w. An empty series renders an empty titled chart.
func RenderPNG(w io.Writer, view series.View, size Size) error {
	p := plot.New()
	p.Title.Text = view.Indicator
	if p.Title.Text == "" {
		p.Title.Text = "No indicator selected"
	}
	p.Title.TextStyle.Font.Size = vg.Points(14)
	p.X.Label.Text = "Month"
	p.Y.Label.Text = "Total"
	p.Add(plotter.NewGrid())

	if len(view.Points) > 0 {
		points := make(plotter.XYs, len(view.Points))
		for i, pt := range view.Points {
			points[i].X = float64(i)
			points[i].Y = pt.Total
		}

		line, err := plotter.NewLine(points)
		if err != nil {
			return fmt.Errorf("build line: %w", err)
		}
		line.Color = color.RGBA{R: 178, G: 34, B: 34, A: 255}
		line.Width = vg.Points(2)

		dots, err := plotter.NewScatter(points)
		if err != nil {
			return fmt.Errorf("build markers: %w", err)
		}
		dots.GlyphStyle.Color = line.Color
		dots.GlyphStyle.Radius = vg.Points(2)

		p.Add(line, dots)
		p.X.Tick.Marker = monthTicks(view.Points)
	}

	wt, err := p.WriterTo(size.Width, size.Height, "png")
	if err != nil {
		return fmt.Errorf("render chart: %w", err)
	}
	if _, err := wt.WriteTo(w); err != nil {
		return fmt.Errorf("write chart: %w", err)
	}
	return nil
}

// monthTicks labels at most maxTickLabels evenly spaced points with their
// month key; the remaining points get unlabeled minor ticks.
func monthTicks(points []series.Point) plot.ConstantTicks {
	step := (len(points) + maxTickLabels - 1) / maxTickLabels
	if step < 1 {
		step = 1
	}
	ticks := make(plot.ConstantTicks, 0, len(points))
	for i, pt := range points {
		t := plot.Tick{Value: float64(i)}
		if i%step == 0 {
			t.Label = pt.MonthKey
		}
		ticks = append(ticks, t)
	}
	return ticks
}
