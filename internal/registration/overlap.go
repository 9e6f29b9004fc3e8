package registration

// DefaultMaxToleratedShift is the crop ceiling applied when none is configured.
const DefaultMaxToleratedShift = 100

// Overhang is the number of pixels cropped from each side of every aligned
// image so that all cycles share the same field of view.
type Overhang struct {
	Top    int `json:"top" yaml:"top"`
	Bottom int `json:"bottom" yaml:"bottom"`
	Left   int `json:"left" yaml:"left"`
	Right  int `json:"right" yaml:"right"`
}

// CalculateOverlap derives the overhang from per-image shifts. Positive and
// negative shifts are handled separately on each axis; zero contributes to
// neither side.
func CalculateOverlap(yShifts, xShifts []int) Overhang {
	var o Overhang
	o.Top, o.Bottom = extremes(yShifts)
	o.Left, o.Right = extremes(xShifts)
	return o
}

// extremes returns |min negative| and max positive, each 0 when absent.
func extremes(values []int) (neg, pos int) {
	for _, v := range values {
		switch {
		case v > pos:
			pos = v
		case v < 0 && -v > neg:
			neg = -v
		}
	}
	return neg, pos
}

// Max is the elementwise maximum of two overhangs.
func (o Overhang) Max(other Overhang) Overhang {
	return Overhang{
		Top:    max(o.Top, other.Top),
		Bottom: max(o.Bottom, other.Bottom),
		Left:   max(o.Left, other.Left),
		Right:  max(o.Right, other.Right),
	}
}

// Clamp truncates every side to maxShift.
func (o Overhang) Clamp(maxShift int) Overhang {
	if maxShift < 0 {
		maxShift = 0
	}
	return Overhang{
		Top:    min(o.Top, maxShift),
		Bottom: min(o.Bottom, maxShift),
		Left:   min(o.Left, maxShift),
		Right:  min(o.Right, maxShift),
	}
}

// ReduceOverhangs folds per-batch overhangs into one.
func ReduceOverhangs(parts ...Overhang) Overhang {
	var out Overhang
	for _, p := range parts {
		out = out.Max(p)
	}
	return out
}
