// Package plotting renders captured waveforms to PNG line plots.
package plotting

import (
	"errors"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// ErrEmpty is generated when asked to plot a zero-length waveform
var ErrEmpty = errors.New("cannot plot an empty waveform")

// Save plots y against sample index and writes a 6x3 inch PNG to filename
func Save(y []float64, title, filename string) error {
	if len(y) == 0 {
		return ErrEmpty
	}
	p, err := plot.New()
	if err != nil {
		return err
	}
	p.Title.Text = title
	p.X.Label.Text = "Sample"
	p.Y.Label.Text = "Value"
	pts := make(plotter.XYs, len(y))
	for i, v := range y {
		pts[i].X = float64(i)
		pts[i].Y = v
	}
	line, err := plotter.NewLine(pts)
	if err != nil {
		return err
	}
	p.Add(line)
	return p.Save(6*vg.Inch, 3*vg.Inch, filename)
}
