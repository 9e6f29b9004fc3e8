package segmentation

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"plexalign/internal/morphology"
)

// far stands in for infinity so that the parabola intersections stay finite.
const far = 1e20

// distanceTransform returns, for every pixel of mask, the Euclidean distance
// to the nearest background pixel (0 on background). It uses the separable
// lower-envelope-of-parabolas algorithm of Felzenszwalb and Huttenlocher.
func distanceTransform(mask *morphology.Labels) []float64 {
	w, h := mask.Width, mask.Height
	d := make([]float64, w*h)
	for i, v := range mask.Pix {
		if v != 0 {
			d[i] = far
		}
	}

	n := max(w, h)
	f := make([]float64, n)
	out := make([]float64, n)
	v := make([]int, n)
	z := make([]float64, n+1)

	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			f[y] = d[y*w+x]
		}
		envelope(f[:h], out[:h], v, z)
		for y := 0; y < h; y++ {
			d[y*w+x] = out[y]
		}
	}
	for y := 0; y < h; y++ {
		envelope(d[y*w:(y+1)*w], out[:w], v, z)
		copy(d[y*w:(y+1)*w], out[:w])
	}

	for i := range d {
		d[i] = math.Sqrt(d[i])
	}
	return d
}

// envelope computes the 1D squared distance transform of f into out.
func envelope(f, out []float64, v []int, z []float64) {
	n := len(f)
	k := 0
	v[0] = 0
	z[0] = math.Inf(-1)
	z[1] = math.Inf(1)
	intersect := func(q, p int) float64 {
		return ((f[q] + float64(q*q)) - (f[p] + float64(p*p))) / float64(2*q-2*p)
	}
	for q := 1; q < n; q++ {
		s := intersect(q, v[k])
		// z[0] is -Inf, so k never drops below zero.
		for s <= z[k] {
			k--
			s = intersect(q, v[k])
		}
		k++
		v[k] = q
		z[k] = s
		z[k+1] = math.Inf(1)
	}
	k = 0
	for q := 0; q < n; q++ {
		for z[k+1] < float64(q) {
			k++
		}
		dq := float64(q - v[k])
		out[q] = dq*dq + f[v[k]]
	}
}

// stretch rescales values linearly onto 0..255.
func stretch(values []float64) []uint8 {
	out := make([]uint8, len(values))
	if len(values) == 0 {
		return out
	}
	lo, hi := floats.Min(values), floats.Max(values)
	if hi <= lo {
		return out
	}
	scale := 255 / (hi - lo)
	for i, v := range values {
		out[i] = uint8(math.Round((v - lo) * scale))
	}
	return out
}
