// Package morphology labels binary masks and measures the shape of each
// labeled object.
package morphology

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"

	"plexalign/internal/imaging"
)

// ErrInvalidMaskType is returned for inputs that cannot be read as an
// integer or boolean mask.
var ErrInvalidMaskType = errors.New("invalid mask type")

// Labels is a 2D label image stored row-major. Zero is background.
type Labels struct {
	Width  int
	Height int
	Pix    []int32
}

// NewLabels allocates an all-background label image.
func NewLabels(width, height int) *Labels {
	return &Labels{Width: width, Height: height, Pix: make([]int32, width*height)}
}

// FromValues builds a mask from row-major integer values. Negative values
// and size mismatches are rejected.
func FromValues(width, height int, values []int) (*Labels, error) {
	if width <= 0 || height <= 0 || len(values) != width*height {
		return nil, fmt.Errorf("%w: %dx%d with %d values", ErrInvalidMaskType, width, height, len(values))
	}
	out := NewLabels(width, height)
	for i, v := range values {
		if v < 0 || v > math.MaxInt32 {
			return nil, fmt.Errorf("%w: value %d at index %d", ErrInvalidMaskType, v, i)
		}
		out.Pix[i] = int32(v)
	}
	return out, nil
}

// FromBools builds a binary mask.
func FromBools(width, height int, values []bool) (*Labels, error) {
	if width <= 0 || height <= 0 || len(values) != width*height {
		return nil, fmt.Errorf("%w: %dx%d with %d values", ErrInvalidMaskType, width, height, len(values))
	}
	out := NewLabels(width, height)
	for i, v := range values {
		if v {
			out.Pix[i] = 1
		}
	}
	return out, nil
}

// FromImage reads an 8- or 16-bit grey image as a mask. Colour images are
// rejected.
func FromImage(src image.Image) (*Labels, error) {
	b := src.Bounds()
	out := NewLabels(b.Dx(), b.Dy())
	switch img := src.(type) {
	case *image.Gray16:
		for y := 0; y < out.Height; y++ {
			for x := 0; x < out.Width; x++ {
				out.Pix[y*out.Width+x] = int32(img.Gray16At(b.Min.X+x, b.Min.Y+y).Y)
			}
		}
	case *image.Gray:
		for y := 0; y < out.Height; y++ {
			for x := 0; x < out.Width; x++ {
				out.Pix[y*out.Width+x] = int32(img.GrayAt(b.Min.X+x, b.Min.Y+y).Y)
			}
		}
	case *image.Paletted:
		for y := 0; y < out.Height; y++ {
			for x := 0; x < out.Width; x++ {
				out.Pix[y*out.Width+x] = int32(img.ColorIndexAt(b.Min.X+x, b.Min.Y+y))
			}
		}
	default:
		return nil, fmt.Errorf("%w: %T", ErrInvalidMaskType, src)
	}
	return out, nil
}

// FromIntensity converts a decoded plane whose values must all be
// non-negative integers.
func FromIntensity(img *imaging.Image) (*Labels, error) {
	out := NewLabels(img.Width, img.Height)
	for i, v := range img.Pix {
		if v < 0 || v != math.Trunc(v) || v > math.MaxInt32 {
			return nil, fmt.Errorf("%w: non-integer value %g at index %d", ErrInvalidMaskType, v, i)
		}
		out.Pix[i] = int32(v)
	}
	return out, nil
}

func (l *Labels) At(x, y int) int32     { return l.Pix[y*l.Width+x] }
func (l *Labels) Set(x, y int, v int32) { l.Pix[y*l.Width+x] = v }

// Clone returns a deep copy.
func (l *Labels) Clone() *Labels {
	out := NewLabels(l.Width, l.Height)
	copy(out.Pix, l.Pix)
	return out
}

// Count is the number of foreground pixels.
func (l *Labels) Count() int {
	n := 0
	for _, v := range l.Pix {
		if v != 0 {
			n++
		}
	}
	return n
}

// MaxLabel is the largest label present.
func (l *Labels) MaxLabel() int32 {
	var m int32
	for _, v := range l.Pix {
		if v > m {
			m = v
		}
	}
	return m
}

// ToGray16 renders the labels as a 16-bit image. Labels above 65535 saturate.
func (l *Labels) ToGray16() *image.Gray16 {
	out := image.NewGray16(image.Rect(0, 0, l.Width, l.Height))
	for y := 0; y < l.Height; y++ {
		for x := 0; x < l.Width; x++ {
			v := l.At(x, y)
			if v > math.MaxUint16 {
				v = math.MaxUint16
			}
			out.SetGray16(x, y, color.Gray16{Y: uint16(v)})
		}
	}
	return out
}

type point struct{ X, Y int }

var neighbours8 = [8]point{{-1, -1}, {0, -1}, {1, -1}, {-1, 0}, {1, 0}, {-1, 1}, {0, 1}, {1, 1}}

// Label assigns consecutive ids, in raster order of first pixel, to the
// 8-connected components of the non-zero pixels of l.
func Label(l *Labels) (*Labels, int) {
	out := NewLabels(l.Width, l.Height)
	var next int32
	for idx, v := range l.Pix {
		if v == 0 || out.Pix[idx] != 0 {
			continue
		}
		next++
		fill(l, out, idx%l.Width, idx/l.Width, next)
	}
	return out, int(next)
}

// fill traces the 8-connected component starting at (x, y).
func fill(src, dst *Labels, x, y int, id int32) {
	stack := []point{{x, y}}
	dst.Set(x, y, id)
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, d := range neighbours8 {
			nx, ny := cur.X+d.X, cur.Y+d.Y
			if nx < 0 || nx >= src.Width || ny < 0 || ny >= src.Height {
				continue
			}
			idx := ny*src.Width + nx
			if src.Pix[idx] == 0 || dst.Pix[idx] != 0 {
				continue
			}
			dst.Pix[idx] = id
			stack = append(stack, point{nx, ny})
		}
	}
}

// Box is a half-open pixel rectangle [X0,X1) x [Y0,Y1).
type Box struct{ X0, Y0, X1, Y1 int }

func (b Box) Width() int  { return b.X1 - b.X0 }
func (b Box) Height() int { return b.Y1 - b.Y0 }

// BoundingBoxes returns the box of every label 1..n, indexed by label.
// Entry 0 is unused.
func BoundingBoxes(l *Labels, n int) []Box {
	boxes := make([]Box, n+1)
	seen := make([]bool, n+1)
	for y := 0; y < l.Height; y++ {
		for x := 0; x < l.Width; x++ {
			v := int(l.At(x, y))
			if v == 0 || v > n {
				continue
			}
			if !seen[v] {
				seen[v] = true
				boxes[v] = Box{x, y, x + 1, y + 1}
				continue
			}
			b := &boxes[v]
			b.X0, b.Y0 = min(b.X0, x), min(b.Y0, y)
			b.X1, b.Y1 = max(b.X1, x+1), max(b.Y1, y+1)
		}
	}
	return boxes
}

// Sizes returns the pixel count of every label 1..n, indexed by label.
func Sizes(l *Labels, n int) []int {
	sizes := make([]int, n+1)
	for _, v := range l.Pix {
		if v > 0 && int(v) <= n {
			sizes[v]++
		}
	}
	return sizes
}
