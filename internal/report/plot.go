// Package report renders quality-control figures for alignment runs.
package report

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"plexalign/internal/registration"
)

// PlotShifts writes a scatter plot of per-site shifts, one series per cycle,
// framed by the tolerated shift. The image format follows the extension of path.
func PlotShifts(path, plate string, shifts []registration.SiteShift, maxShift int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create output dir: %w", err)
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("%s: shift per site", plate)
	p.X.Label.Text = "x shift (px)"
	p.Y.Label.Text = "y shift (px)"
	p.Add(plotter.NewGrid())

	byCycle := map[int]plotter.XYs{}
	var flagged plotter.XYs
	for _, s := range shifts {
		pt := plotter.XY{X: float64(s.X), Y: float64(s.Y)}
		if s.ExceedsMaxShift {
			flagged = append(flagged, pt)
			continue
		}
		byCycle[s.Cycle] = append(byCycle[s.Cycle], pt)
	}
	cycles := make([]int, 0, len(byCycle))
	for c := range byCycle {
		cycles = append(cycles, c)
	}
	sort.Ints(cycles)

	for i, c := range cycles {
		sc, err := plotter.NewScatter(byCycle[c])
		if err != nil {
			return fmt.Errorf("cycle %d: %w", c, err)
		}
		sc.GlyphStyle.Color = plotutil.Color(i)
		sc.GlyphStyle.Shape = draw.CircleGlyph{}
		sc.GlyphStyle.Radius = vg.Points(3)
		p.Add(sc)
		p.Legend.Add(fmt.Sprintf("cycle %d", c), sc)
	}
	if len(flagged) > 0 {
		sc, err := plotter.NewScatter(flagged)
		if err != nil {
			return err
		}
		sc.GlyphStyle.Shape = draw.CrossGlyph{}
		sc.GlyphStyle.Radius = vg.Points(4)
		p.Add(sc)
		p.Legend.Add("exceeds tolerance", sc)
	}

	m := float64(maxShift)
	box, err := plotter.NewLine(plotter.XYs{{X: -m, Y: -m}, {X: m, Y: -m}, {X: m, Y: m}, {X: -m, Y: m}, {X: -m, Y: -m}})
	if err != nil {
		return err
	}
	box.Width = vg.Points(1)
	box.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
	p.Add(box)
	p.Legend.Add(fmt.Sprintf("tolerance %d px", maxShift), box)

	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10

	if err := p.Save(8*vg.Inch, 8*vg.Inch, path); err != nil {
		return fmt.Errorf("failed to save %s: %w", path, err)
	}
	return nil
}
