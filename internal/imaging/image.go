// Package imaging holds the single-plane pixel array shared by the
// registration and segmentation code, plus projection and cropping helpers.
package imaging

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

var (
	// ErrDimensionMismatch is returned when two images that must share a shape do not.
	ErrDimensionMismatch = errors.New("image dimensions do not match")
	// ErrEmptyStack is returned when a projection is requested over no planes.
	ErrEmptyStack = errors.New("empty image stack")
)

// Image is a 2D array of real-valued pixels stored row-major.
type Image struct {
	Width  int
	Height int
	Pix    []float64
}

// New allocates a zeroed image.
func New(width, height int) *Image {
	return &Image{Width: width, Height: height, Pix: make([]float64, width*height)}
}

// FromValues wraps row-major pixel values. The slice is not copied.
func FromValues(width, height int, pix []float64) (*Image, error) {
	if width <= 0 || height <= 0 || len(pix) != width*height {
		return nil, fmt.Errorf("%w: %dx%d with %d pixels", ErrDimensionMismatch, width, height, len(pix))
	}
	return &Image{Width: width, Height: height, Pix: pix}, nil
}

func (im *Image) At(x, y int) float64     { return im.Pix[y*im.Width+x] }
func (im *Image) Set(x, y int, v float64) { im.Pix[y*im.Width+x] = v }

// Clone returns a deep copy.
func (im *Image) Clone() *Image {
	out := New(im.Width, im.Height)
	copy(out.Pix, im.Pix)
	return out
}

// SameShape reports whether both images have identical width and height.
func (im *Image) SameShape(other *Image) bool {
	return other != nil && im.Width == other.Width && im.Height == other.Height
}

// CheckShape returns an error wrapping ErrDimensionMismatch unless a and b share a shape.
func CheckShape(a, b *Image) error {
	if a == nil || b == nil {
		return fmt.Errorf("%w: nil image", ErrDimensionMismatch)
	}
	if !a.SameShape(b) {
		return fmt.Errorf("%w: %dx%d vs %dx%d", ErrDimensionMismatch, a.Width, a.Height, b.Width, b.Height)
	}
	return nil
}

// Mean is the average pixel value.
func (im *Image) Mean() float64 {
	if len(im.Pix) == 0 {
		return 0
	}
	return stat.Mean(im.Pix, nil)
}

// Range returns the minimum and maximum pixel values.
func (im *Image) Range() (lo, hi float64) {
	if len(im.Pix) == 0 {
		return 0, 0
	}
	return floats.Min(im.Pix), floats.Max(im.Pix)
}

// Crop returns a copy of the rectangle [x0,x1) x [y0,y1).
func (im *Image) Crop(x0, y0, x1, y1 int) (*Image, error) {
	if x0 < 0 || y0 < 0 || x1 > im.Width || y1 > im.Height || x0 >= x1 || y0 >= y1 {
		return nil, fmt.Errorf("%w: crop [%d,%d)x[%d,%d) outside %dx%d",
			ErrDimensionMismatch, x0, x1, y0, y1, im.Width, im.Height)
	}
	out := New(x1-x0, y1-y0)
	for y := y0; y < y1; y++ {
		copy(out.Pix[(y-y0)*out.Width:(y-y0+1)*out.Width], im.Pix[y*im.Width+x0:y*im.Width+x1])
	}
	return out, nil
}

// MaxProjection collapses a z-stack into one plane by taking the brightest
// value at every position.
func MaxProjection(stack []*Image) (*Image, error) {
	if len(stack) == 0 {
		return nil, ErrEmptyStack
	}
	out := stack[0].Clone()
	for i, plane := range stack[1:] {
		if err := CheckShape(out, plane); err != nil {
			return nil, fmt.Errorf("z-plane %d: %w", i+1, err)
		}
		for j, v := range plane.Pix {
			if v > out.Pix[j] {
				out.Pix[j] = v
			}
		}
	}
	return out, nil
}

// FromImage converts any decoded image into luminance values. 16-bit and
// 8-bit grey images keep their raw intensities.
func FromImage(src image.Image) *Image {
	b := src.Bounds()
	out := New(b.Dx(), b.Dy())
	switch img := src.(type) {
	case *image.Gray16:
		for y := 0; y < out.Height; y++ {
			for x := 0; x < out.Width; x++ {
				out.Pix[y*out.Width+x] = float64(img.Gray16At(b.Min.X+x, b.Min.Y+y).Y)
			}
		}
	case *image.Gray:
		for y := 0; y < out.Height; y++ {
			for x := 0; x < out.Width; x++ {
				out.Pix[y*out.Width+x] = float64(img.GrayAt(b.Min.X+x, b.Min.Y+y).Y)
			}
		}
	default:
		for y := 0; y < out.Height; y++ {
			for x := 0; x < out.Width; x++ {
				g := color.Gray16Model.Convert(src.At(b.Min.X+x, b.Min.Y+y)).(color.Gray16)
				out.Pix[y*out.Width+x] = float64(g.Y)
			}
		}
	}
	return out
}

// ToGray16 rounds and clamps pixel values into a 16-bit grey image.
func (im *Image) ToGray16() *image.Gray16 {
	out := image.NewGray16(image.Rect(0, 0, im.Width, im.Height))
	for y := 0; y < im.Height; y++ {
		for x := 0; x < im.Width; x++ {
			v := math.Round(im.At(x, y))
			switch {
			case v < 0 || math.IsNaN(v):
				v = 0
			case v > math.MaxUint16:
				v = math.MaxUint16
			}
			out.SetGray16(x, y, color.Gray16{Y: uint16(v)})
		}
	}
	return out
}
