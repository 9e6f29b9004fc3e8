// Package segmentation splits clumped objects in binary masks along the
// watershed line between their two dominant distance-transform peaks.
package segmentation

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"plexalign/internal/morphology"
)

// ErrInvalidOptions is returned for negative or contradictory thresholds.
var ErrInvalidOptions = errors.New("invalid separation options")

// trimSize is the size below which fragments produced by a cut are dropped
// when trimming is enabled.
const trimSize = 10

// Options controls which objects count as clumps and which cuts are accepted.
type Options struct {
	// MinCutArea is the exclusive lower bound on the smaller piece of a cut.
	MinCutArea int
	// Objects with MinArea < area <= MaxArea are considered for cutting.
	MinArea int
	MaxArea int
	// Objects must be at most this circular and convex to be cut.
	MaxCircularity float64
	MaxConvexity   float64
	AllowTrimming  bool
	// MaxIterations bounds the number of passes. 0 selects 4*objects+16.
	MaxIterations int
	Logger        *slog.Logger
}

// Validate reports the first invalid field.
func (o Options) Validate() error {
	switch {
	case o.MinCutArea < 0 || o.MinArea < 0 || o.MaxArea < 0 || o.MaxIterations < 0:
		return fmt.Errorf("%w: negative threshold", ErrInvalidOptions)
	case o.MinArea > o.MaxArea:
		return fmt.Errorf("%w: min area %d above max area %d", ErrInvalidOptions, o.MinArea, o.MaxArea)
	case math.IsNaN(o.MaxCircularity) || o.MaxCircularity < 0:
		return fmt.Errorf("%w: max circularity %g", ErrInvalidOptions, o.MaxCircularity)
	case math.IsNaN(o.MaxConvexity) || o.MaxConvexity < 0:
		return fmt.Errorf("%w: max convexity %g", ErrInvalidOptions, o.MaxConvexity)
	}
	return nil
}

func (o Options) isCandidate(r morphology.Record) bool {
	// NaN circularity fails the comparison and never qualifies.
	return r.Area > o.MinArea && r.Area <= o.MaxArea &&
		r.Convexity <= o.MaxConvexity && r.Circularity <= o.MaxCircularity
}

// Stats summarises one separation run.
type Stats struct {
	InitialObjects int  `json:"initial_objects"`
	FinalObjects   int  `json:"final_objects"`
	Iterations     int  `json:"iterations"`
	Cuts           int  `json:"cuts"`
	Rejected       int  `json:"rejected"`
	RemovedPixels  int  `json:"removed_pixels"`
	Truncated      bool `json:"truncated"`
}

// SeparateClumpedObjects cuts clumps in mask until no object qualifies.
// Any non-zero pixel of mask is foreground. The result has the same shape,
// is relabeled with 8-connectivity, and is a subset of the input foreground.
func SeparateClumpedObjects(mask *morphology.Labels, opts Options) (*morphology.Labels, Stats, error) {
	var stats Stats
	if mask == nil || len(mask.Pix) != mask.Width*mask.Height {
		return nil, stats, fmt.Errorf("separate clumps: %w", morphology.ErrInvalidMaskType)
	}
	if err := opts.Validate(); err != nil {
		return nil, stats, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	result := binarize(mask)
	working := result.Clone()
	_, stats.InitialObjects = morphology.Label(result)

	limit := opts.MaxIterations
	if limit == 0 {
		limit = 4*stats.InitialObjects + 16
	}

	for {
		labels, _ := morphology.Label(working)
		var candidates []morphology.Record
		keep := map[int32]bool{}
		for _, r := range morphology.Measure(labels) {
			if opts.isCandidate(r) {
				candidates = append(candidates, r)
				keep[int32(r.Label)] = true
			}
		}
		if len(candidates) == 0 {
			break
		}
		if stats.Iterations >= limit {
			logger.Warn("clump separation stopped at iteration limit",
				"limit", limit, "remaining_candidates", len(candidates))
			stats.Truncated = true
			break
		}
		stats.Iterations++

		for i, v := range labels.Pix {
			if v != 0 && !keep[v] {
				working.Pix[i] = 0
			}
		}

		for _, r := range candidates {
			obj := morphology.ObjectMask(labels, int32(r.Label), r.Box, 1)
			line, ok := cutObject(obj, opts)
			if !ok {
				stats.Rejected++
				clearObject(working, labels, int32(r.Label), r.Box)
				continue
			}
			stats.Cuts++
			for _, p := range line {
				x, y := p.X+r.Box.X0-1, p.Y+r.Box.Y0-1
				working.Set(x, y, 0)
				if result.At(x, y) != 0 {
					result.Set(x, y, 0)
					stats.RemovedPixels++
				}
			}
		}
	}

	out, n := morphology.Label(result)
	stats.FinalObjects = n
	logger.Debug("clump separation finished",
		"initial", stats.InitialObjects, "final", n, "cuts", stats.Cuts,
		"rejected", stats.Rejected, "iterations", stats.Iterations)
	return out, stats, nil
}

func binarize(mask *morphology.Labels) *morphology.Labels {
	out := morphology.NewLabels(mask.Width, mask.Height)
	for i, v := range mask.Pix {
		if v != 0 {
			out.Pix[i] = 1
		}
	}
	return out
}

func clearObject(working, labels *morphology.Labels, id int32, box morphology.Box) {
	for y := box.Y0; y < box.Y1; y++ {
		for x := box.X0; x < box.X1; x++ {
			if labels.At(x, y) == id {
				working.Set(x, y, 0)
			}
		}
	}
}

type pixel struct{ X, Y int }

// cutObject finds the watershed cut of a single padded object. The returned
// pixels are in the object's local coordinates.
func cutObject(obj *morphology.Labels, opts Options) ([]pixel, bool) {
	cut, ok := watershedCut(obj)
	if !ok {
		return nil, false
	}
	return acceptCut(obj, cut, opts)
}

// peakMask thresholds the stretched distance map at its Otsu level.
func peakMask(dist []float64, width, height int) *morphology.Labels {
	scaled := stretch(dist)
	t := otsu(scaled)
	peaks := morphology.NewLabels(width, height)
	for i, v := range scaled {
		if v > t {
			peaks.Pix[i] = 1
		}
	}
	return peaks
}

// watershedCut floods the inverted distance map from the two largest peaks
// and returns the region 1 pixels that border region 2. A single peak is
// eroded until it splits; it fails when the peak vanishes instead.
func watershedCut(obj *morphology.Labels) (*morphology.Labels, bool) {
	dist := distanceTransform(obj)
	peaks := peakMask(dist, obj.Width, obj.Height)

	markers, n := morphology.Label(peaks)
	for n == 1 {
		peaks = morphology.Open(morphology.Erode(peaks))
		markers, n = morphology.Label(peaks)
	}
	if n < 2 {
		return nil, false
	}
	if n > 2 {
		markers = keepLargest(markers, n, 2)
	}

	surface := make([]float64, len(dist))
	for i, d := range dist {
		surface[i] = -d
	}
	regions := watershed(surface, markers, obj)

	cut := morphology.NewLabels(obj.Width, obj.Height)
	for y := 0; y < obj.Height; y++ {
		for x := 0; x < obj.Width; x++ {
			if regions.At(x, y) == 1 && touches(regions, x, y, 2) {
				cut.Set(x, y, 1)
			}
		}
	}
	return cut, true
}

// acceptCut applies trimming and the piece size checks to a candidate cut
// and returns its pixels. Trimmed fragments become part of the line.
func acceptCut(obj, cut *morphology.Labels, opts Options) ([]pixel, bool) {
	cut = cut.Clone()
	pieces, sizes, smallest := split(obj, cut)
	if opts.AllowTrimming && len(sizes)-1 > 2 && smallest < trimSize {
		trimFragments(cut, pieces, sizes)
		_, sizes, smallest = split(obj, cut)
	}

	if cut.Count() == 0 || len(sizes)-1 < 2 || smallest <= opts.MinCutArea {
		return nil, false
	}
	var line []pixel
	for i, v := range cut.Pix {
		if v != 0 {
			line = append(line, pixel{i % cut.Width, i / cut.Width})
		}
	}
	return line, true
}

// trimFragments adds every piece smaller than trimSize to cut.
func trimFragments(cut, pieces *morphology.Labels, sizes []int) {
	for i, v := range pieces.Pix {
		if v != 0 && sizes[v] < trimSize {
			cut.Pix[i] = 1
		}
	}
}

// split labels obj minus cut and returns the pieces, their sizes indexed by
// label, and the size of the smallest piece.
func split(obj, cut *morphology.Labels) (*morphology.Labels, []int, int) {
	rest := obj.Clone()
	for i, v := range cut.Pix {
		if v != 0 {
			rest.Pix[i] = 0
		}
	}
	pieces, n := morphology.Label(rest)
	sizes := morphology.Sizes(pieces, n)
	smallest := 0
	for id := 1; id <= n; id++ {
		if id == 1 || sizes[id] < smallest {
			smallest = sizes[id]
		}
	}
	return pieces, sizes, smallest
}

func touches(l *morphology.Labels, x, y int, id int32) bool {
	for dy := -1; dy <= 1; dy++ {
		for dx := -1; dx <= 1; dx++ {
			nx, ny := x+dx, y+dy
			if (dx != 0 || dy != 0) && nx >= 0 && nx < l.Width && ny >= 0 && ny < l.Height && l.At(nx, ny) == id {
				return true
			}
		}
	}
	return false
}

// keepLargest relabels the k largest components 1..k and clears the rest.
// Ties go to the lower label.
func keepLargest(l *morphology.Labels, n, k int) *morphology.Labels {
	sizes := morphology.Sizes(l, n)
	ids := make([]int, n)
	for i := range ids {
		ids[i] = i + 1
	}
	sort.SliceStable(ids, func(i, j int) bool { return sizes[ids[i]] > sizes[ids[j]] })
	remap := make([]int32, n+1)
	for rank, id := range ids[:k] {
		remap[id] = int32(rank + 1)
	}
	out := morphology.NewLabels(l.Width, l.Height)
	for i, v := range l.Pix {
		out.Pix[i] = remap[v]
	}
	return out
}
