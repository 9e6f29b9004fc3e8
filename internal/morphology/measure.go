package morphology

import (
	"math"
	"sort"
)

// Record holds the shape features of one labeled object.
type Record struct {
	Label       int     `json:"label"`
	Area        int     `json:"area"`
	Perimeter   float64 `json:"perimeter"`
	Circularity float64 `json:"circularity"`
	Convexity   float64 `json:"convexity"`
	Box         Box     `json:"box"`
}

// Measure computes one record per label present in l, sorted by label.
// Circularity is NaN for objects with zero perimeter.
func Measure(l *Labels) []Record {
	n := int(l.MaxLabel())
	if n == 0 {
		return nil
	}
	sizes := Sizes(l, n)
	boxes := BoundingBoxes(l, n)

	records := make([]Record, 0, n)
	for id := 1; id <= n; id++ {
		if sizes[id] == 0 {
			continue
		}
		obj := ObjectMask(l, int32(id), boxes[id], 1)
		rec := Record{
			Label:     id,
			Area:      sizes[id],
			Perimeter: Perimeter(obj),
			Convexity: float64(sizes[id]) / float64(ConvexArea(obj)),
			Box:       boxes[id],
		}
		rec.Circularity = Circularity(rec.Area, rec.Perimeter)
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Label < records[j].Label })
	return records
}

// Circularity is 4πA/P², NaN when P is zero.
func Circularity(area int, perimeter float64) float64 {
	if perimeter == 0 {
		return math.NaN()
	}
	return 4 * math.Pi * float64(area) / (perimeter * perimeter)
}

// ObjectMask crops the pixels of label id to box grown by pad on every side.
// The result is binary.
func ObjectMask(l *Labels, id int32, box Box, pad int) *Labels {
	out := NewLabels(box.Width()+2*pad, box.Height()+2*pad)
	for y := box.Y0; y < box.Y1; y++ {
		for x := box.X0; x < box.X1; x++ {
			if l.At(x, y) == id {
				out.Set(x-box.X0+pad, y-box.Y0+pad, 1)
			}
		}
	}
	return out
}

var perimeterKernel = [3][3]int{{10, 2, 10}, {2, 1, 2}, {10, 2, 10}}

// perimeterWeight maps a kernel response to the boundary length it contributes.
func perimeterWeight(code int) float64 {
	switch code {
	case 5, 7, 15, 17, 25, 27:
		return 1
	case 21, 33:
		return math.Sqrt2
	case 13, 23:
		return (1 + math.Sqrt2) / 2
	}
	return 0
}

// Perimeter estimates the boundary length of the foreground of mask from the
// local configuration of its inner border pixels.
func Perimeter(mask *Labels) float64 {
	eroded := Erode(mask)
	border := func(x, y int) int {
		if x < 0 || x >= mask.Width || y < 0 || y >= mask.Height {
			return 0
		}
		if mask.At(x, y) != 0 && eroded.At(x, y) == 0 {
			return 1
		}
		return 0
	}

	total := 0.0
	for y := 0; y < mask.Height; y++ {
		for x := 0; x < mask.Width; x++ {
			if border(x, y) == 0 {
				continue
			}
			code := 0
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					code += perimeterKernel[dy+1][dx+1] * border(x+dx, y+dy)
				}
			}
			total += perimeterWeight(code)
		}
	}
	return total
}

type vec struct{ X, Y float64 }

func turn(o, a, b vec) float64 {
	return (a.X-o.X)*(b.Y-o.Y) - (a.Y-o.Y)*(b.X-o.X)
}

// convexHull returns the hull of pts in counter-clockwise order.
func convexHull(pts []vec) []vec {
	if len(pts) < 3 {
		return pts
	}
	sort.Slice(pts, func(i, j int) bool {
		if pts[i].X != pts[j].X {
			return pts[i].X < pts[j].X
		}
		return pts[i].Y < pts[j].Y
	})
	hull := make([]vec, 0, 2*len(pts))
	for _, p := range pts {
		for len(hull) >= 2 && turn(hull[len(hull)-2], hull[len(hull)-1], p) <= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, p)
	}
	lower := len(hull) + 1
	for i := len(pts) - 2; i >= 0; i-- {
		p := pts[i]
		for len(hull) >= lower && turn(hull[len(hull)-2], hull[len(hull)-1], p) <= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, p)
	}
	return hull[:len(hull)-1]
}

// ConvexArea counts the pixels whose centres lie inside the convex hull of
// the pixel corners of the foreground of mask.
func ConvexArea(mask *Labels) int {
	var pts []vec
	for y := 0; y < mask.Height; y++ {
		first, last := -1, -1
		for x := 0; x < mask.Width; x++ {
			if mask.At(x, y) != 0 {
				if first < 0 {
					first = x
				}
				last = x
			}
		}
		if first < 0 {
			continue
		}
		fy := float64(y)
		pts = append(pts,
			vec{float64(first), fy}, vec{float64(first), fy + 1},
			vec{float64(last + 1), fy}, vec{float64(last + 1), fy + 1})
	}
	if len(pts) == 0 {
		return 0
	}
	hull := convexHull(pts)

	const eps = 1e-9
	area := 0
	for y := 0; y < mask.Height; y++ {
		yc := float64(y) + 0.5
		lo, hi := math.Inf(1), math.Inf(-1)
		for i := range hull {
			p, q := hull[i], hull[(i+1)%len(hull)]
			if p.Y == q.Y || yc < math.Min(p.Y, q.Y) || yc > math.Max(p.Y, q.Y) {
				continue
			}
			x := p.X + (yc-p.Y)*(q.X-p.X)/(q.Y-p.Y)
			lo, hi = math.Min(lo, x), math.Max(hi, x)
		}
		if lo > hi {
			continue
		}
		first := int(math.Ceil(lo - 0.5 - eps))
		last := int(math.Floor(hi - 0.5 + eps))
		if last >= first {
			area += last - first + 1
		}
	}
	return area
}
