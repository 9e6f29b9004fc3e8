package registration

import (
	"errors"
	"math/rand/v2"
	"testing"

	"github.com/google/go-cmp/cmp"

	"plexalign/internal/imaging"
)

// texture returns a deterministic image with smooth blobs over noise.
func texture(w, h int, seed uint64) *imaging.Image {
	rng := rand.New(rand.NewPCG(seed, seed+1))
	img := imaging.New(w, h)
	for i := range img.Pix {
		img.Pix[i] = 100 + 20*rng.Float64()
	}
	for n := 0; n < 12; n++ {
		cx, cy, r := rng.IntN(w), rng.IntN(h), 3+rng.IntN(6)
		for y := cy - r; y <= cy+r; y++ {
			for x := cx - r; x <= cx+r; x++ {
				if (x-cx)*(x-cx)+(y-cy)*(y-cy) > r*r {
					continue
				}
				img.Set((x+w)%w, (y+h)%h, 1000)
			}
		}
	}
	return img
}

// translated returns target with target(y, x) == ref(y+s.Y, x+s.X), wrapping at the edges.
func translated(ref *imaging.Image, s Shift) *imaging.Image {
	w, h := ref.Width, ref.Height
	out := imaging.New(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			out.Set(x, y, ref.At(((x+s.X)%w+w)%w, ((y+s.Y)%h+h)%h))
		}
	}
	return out
}

func TestCalculateShiftIdentity(t *testing.T) {
	ref := texture(64, 48, 7)
	got, err := CalculateShift(ref, ref)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != (Shift{}) {
		t.Fatalf("expected zero shift for identical images, got %+v", got)
	}
}

func TestCalculateShiftTranslation(t *testing.T) {
	cases := []struct {
		name  string
		w, h  int
		shift Shift
	}{
		{"block", 128, 128, Shift{Y: 35, X: 25}},
		{"negative", 96, 80, Shift{Y: -12, X: 7}},
		{"non power of two", 120, 100, Shift{Y: 3, X: -30}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ref := texture(tc.w, tc.h, 42)
			target := translated(ref, tc.shift)

			est, err := EstimateShift(target, ref)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if est.Shift != tc.shift {
				t.Fatalf("expected %+v, got %+v (sub %.2f,%.2f)", tc.shift, est.Shift, est.SubY, est.SubX)
			}
			if est.Peak < 0.5 {
				t.Fatalf("expected a strong correlation peak, got %.3f", est.Peak)
			}
		})
	}
}

func TestCalculateShiftDimensionMismatch(t *testing.T) {
	_, err := CalculateShift(imaging.New(10, 10), imaging.New(10, 11))
	if !errors.Is(err, imaging.ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch, got %v", err)
	}
}

func TestShiftAndCropAlignsCycles(t *testing.T) {
	ref := texture(100, 90, 3)
	shifts := []Shift{{Y: 6, X: -4}, {Y: -9, X: 2}, {}}
	var ys, xs []int
	for _, s := range shifts {
		ys = append(ys, s.Y)
		xs = append(xs, s.X)
	}
	o := CalculateOverlap(ys, xs)

	want, err := ShiftAndCrop(ref, Shift{}, o)
	if err != nil {
		t.Fatalf("crop reference: %v", err)
	}
	if want.Width != 100-o.Left-o.Right || want.Height != 90-o.Top-o.Bottom {
		t.Fatalf("unexpected cropped size %dx%d for %+v", want.Width, want.Height, o)
	}
	for _, s := range shifts {
		got, err := ShiftAndCrop(translated(ref, s), s, o)
		if err != nil {
			t.Fatalf("shift %+v: %v", s, err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("shift %+v not aligned (-want +got):\n%s", s, diff)
		}
	}
}

func TestShiftAndCropRejectsShiftBeyondOverhang(t *testing.T) {
	_, err := ShiftAndCrop(imaging.New(20, 20), Shift{Y: 5}, Overhang{})
	if !errors.Is(err, imaging.ErrDimensionMismatch) {
		t.Fatalf("expected crop outside the image to fail, got %v", err)
	}
}
