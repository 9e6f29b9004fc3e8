// Package registration estimates translational shifts between acquisition
// cycles and reduces them into a global crop margin shared by every site.
package registration

import (
	"fmt"
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"

	"plexalign/internal/imaging"
)

// Shift is the displacement that must be applied to a target image to bring
// it onto the reference. Positive Y moves the target down, positive X moves it
// right. Equivalently target(y, x) shows reference(y+Y, x+X).
type Shift struct {
	Y int `json:"y" yaml:"y"`
	X int `json:"x" yaml:"x"`
}

// Estimate is the full result of a phase correlation.
type Estimate struct {
	Shift Shift
	// SubY and SubX are the parabola-refined fractional offsets.
	SubY, SubX float64
	// Peak is the height of the correlation surface at the integer peak.
	Peak float64
}

// CalculateShift returns the integer shift that aligns target with reference.
func CalculateShift(target, reference *imaging.Image) (Shift, error) {
	est, err := EstimateShift(target, reference)
	if err != nil {
		return Shift{}, err
	}
	return est.Shift, nil
}

// EstimateShift runs phase correlation between target and reference.
func EstimateShift(target, reference *imaging.Image) (Estimate, error) {
	if err := imaging.CheckShape(target, reference); err != nil {
		return Estimate{}, fmt.Errorf("calculate shift: %w", err)
	}
	w, h := target.Width, target.Height

	ft := spectrum(target)
	fr := spectrum(reference)

	// R·conj(T) normalised to unit magnitude; its inverse peaks at the shift.
	cross := make([]complex128, len(ft))
	for i := range cross {
		c := fr[i] * cmplx.Conj(ft[i])
		if m := cmplx.Abs(c); m > 1e-12 {
			cross[i] = c / complex(m, 0)
		}
	}
	surface := inverse2D(cross, w, h)

	peakIdx := 0
	for i, v := range surface {
		if v > surface[peakIdx] {
			peakIdx = i
		}
	}
	py, px := peakIdx/w, peakIdx%w

	at := func(y, x int) float64 {
		y = ((y % h) + h) % h
		x = ((x % w) + w) % w
		return surface[y*w+x]
	}
	dy := refine(at(py-1, px), at(py, px), at(py+1, px))
	dx := refine(at(py, px-1), at(py, px), at(py, px+1))

	subY := wrap(float64(py)+dy, h)
	subX := wrap(float64(px)+dx, w)

	return Estimate{
		Shift: Shift{Y: int(math.Round(subY)), X: int(math.Round(subX))},
		SubY:  subY,
		SubX:  subX,
		Peak:  surface[peakIdx] / float64(w*h),
	}, nil
}

// spectrum is the 2D DFT of the mean-subtracted image.
func spectrum(img *imaging.Image) []complex128 {
	mean := img.Mean()
	data := make([]complex128, len(img.Pix))
	for i, v := range img.Pix {
		data[i] = complex(v-mean, 0)
	}
	transform2D(data, img.Width, img.Height, false)
	return data
}

func inverse2D(coeff []complex128, w, h int) []float64 {
	data := make([]complex128, len(coeff))
	copy(data, coeff)
	transform2D(data, w, h, true)
	out := make([]float64, len(data))
	for i, c := range data {
		out[i] = real(c)
	}
	return out
}

// transform2D applies the complex FFT row-wise then column-wise in place.
func transform2D(data []complex128, w, h int, inverse bool) {
	apply := func(fft *fourier.CmplxFFT, dst, seq []complex128) {
		if inverse {
			fft.Sequence(dst, seq)
		} else {
			fft.Coefficients(dst, seq)
		}
	}

	rowFFT := fourier.NewCmplxFFT(w)
	row := make([]complex128, w)
	for y := 0; y < h; y++ {
		apply(rowFFT, row, data[y*w:(y+1)*w])
		copy(data[y*w:(y+1)*w], row)
	}

	colFFT := fourier.NewCmplxFFT(h)
	col := make([]complex128, h)
	out := make([]complex128, h)
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			col[y] = data[y*w+x]
		}
		apply(colFFT, out, col)
		for y := 0; y < h; y++ {
			data[y*w+x] = out[y]
		}
	}
}

// refine fits a parabola through three samples and returns the vertex offset
// relative to the centre sample, bounded to half a pixel.
func refine(prev, centre, next float64) float64 {
	denom := prev - 2*centre + next
	if denom == 0 || math.IsNaN(denom) {
		return 0
	}
	off := 0.5 * (prev - next) / denom
	return math.Max(-0.5, math.Min(0.5, off))
}

// wrap maps a peak coordinate above n/2 onto the negative range.
func wrap(v float64, n int) float64 {
	if v > float64(n)/2 {
		return v - float64(n)
	}
	return v
}
