package morphology

import (
	"errors"
	"image"
	"math"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"plexalign/internal/imaging"
)

// parse builds a mask from rows of '.' (background) and digits.
func parse(t *testing.T, rows ...string) *Labels {
	t.Helper()
	w := len(rows[0])
	values := make([]int, 0, w*len(rows))
	for _, r := range rows {
		if len(r) != w {
			t.Fatalf("ragged test mask row %q", r)
		}
		for _, c := range r {
			if c == '.' {
				values = append(values, 0)
				continue
			}
			values = append(values, int(c-'0'))
		}
	}
	l, err := FromValues(w, len(rows), values)
	if err != nil {
		t.Fatalf("build mask: %v", err)
	}
	return l
}

func TestLabelEightConnectivity(t *testing.T) {
	mask := parse(t,
		"1....",
		".1..1",
		"....1",
		"11...",
	)
	got, n := Label(mask)
	if n != 3 {
		t.Fatalf("expected 3 components, got %d", n)
	}
	want := parse(t,
		"1....",
		".1..2",
		"....2",
		"33...",
	)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected labels (-want +got):\n%s", diff)
	}
}

func TestMeasureSinglePixel(t *testing.T) {
	recs := Measure(parse(t, "...", ".1.", "..."))
	require.Len(t, recs, 1)
	require.Equal(t, 1, recs[0].Area)
	require.Zero(t, recs[0].Perimeter)
	require.True(t, math.IsNaN(recs[0].Circularity))
	require.InDelta(t, 1.0, recs[0].Convexity, 1e-12)
}

func TestMeasureSquare(t *testing.T) {
	l := NewLabels(14, 14)
	for y := 2; y < 12; y++ {
		for x := 2; x < 12; x++ {
			l.Set(x, y, 1)
		}
	}
	recs := Measure(l)
	require.Len(t, recs, 1)
	rec := recs[0]
	require.Equal(t, 100, rec.Area)
	require.InDelta(t, 36.0, rec.Perimeter, 1e-9)
	require.InDelta(t, 4*math.Pi*100/(36*36), rec.Circularity, 1e-9)
	require.InDelta(t, 1.0, rec.Convexity, 1e-12)
	require.Equal(t, Box{X0: 2, Y0: 2, X1: 12, Y1: 12}, rec.Box)
}

func TestMeasureConcaveObject(t *testing.T) {
	recs := Measure(parse(t,
		"11..",
		"11..",
		"1111",
		"1111",
	))
	require.Len(t, recs, 1)
	require.Equal(t, 12, recs[0].Area)
	require.InDelta(t, 12.0/15.0, recs[0].Convexity, 1e-12)
}

func TestMeasureSortedByLabel(t *testing.T) {
	recs := Measure(parse(t,
		"3.1",
		"3.1",
		"...",
	))
	require.Len(t, recs, 2)
	require.Equal(t, 1, recs[0].Label)
	require.Equal(t, 3, recs[1].Label)
}

func TestOpenRemovesSpur(t *testing.T) {
	mask := parse(t,
		".........",
		".11111...",
		".11111...",
		".1111111.",
		".11111...",
		".11111...",
		".........",
	)
	got := Open(mask)
	if got.At(7, 3) != 0 {
		t.Fatalf("expected opening to remove the tip of the spur")
	}
	if got.At(3, 3) == 0 {
		t.Fatalf("expected opening to keep the body")
	}
	if Erode(parse(t, "1")).Count() != 0 {
		t.Fatalf("expected erosion of a single pixel to be empty")
	}
}

func TestInvalidMasks(t *testing.T) {
	if _, err := FromValues(2, 1, []int{0, -1}); !errors.Is(err, ErrInvalidMaskType) {
		t.Fatalf("expected negative label to be rejected, got %v", err)
	}
	if _, err := FromValues(2, 2, []int{0}); !errors.Is(err, ErrInvalidMaskType) {
		t.Fatalf("expected size mismatch to be rejected, got %v", err)
	}
	if _, err := FromImage(image.NewRGBA(image.Rect(0, 0, 2, 2))); !errors.Is(err, ErrInvalidMaskType) {
		t.Fatalf("expected colour image to be rejected, got %v", err)
	}
	plane, _ := imaging.FromValues(2, 1, []float64{1, 0.5})
	if _, err := FromIntensity(plane); !errors.Is(err, ErrInvalidMaskType) {
		t.Fatalf("expected fractional value to be rejected, got %v", err)
	}
	if _, err := FromIntensity(plane); err == nil || !strings.Contains(err.Error(), "index 1") {
		t.Fatalf("expected error to name the offending index, got %v", err)
	}
}

func TestGray16RoundTrip(t *testing.T) {
	l := parse(t, "12", "0.")
	back, err := FromImage(l.ToGray16())
	if err != nil {
		t.Fatalf("from image: %v", err)
	}
	if diff := cmp.Diff(l, back); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}
