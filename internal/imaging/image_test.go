package imaging

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestMaxProjection(t *testing.T) {
	a, _ := FromValues(2, 2, []float64{1, 5, 3, 0})
	b, _ := FromValues(2, 2, []float64{4, 2, 3, 7})

	got, err := MaxProjection([]*Image{a, b})
	if err != nil {
		t.Fatalf("projection failed: %v", err)
	}
	if diff := cmp.Diff([]float64{4, 5, 3, 7}, got.Pix); diff != "" {
		t.Fatalf("unexpected projection (-want +got):\n%s", diff)
	}
	if a.Pix[0] != 1 {
		t.Fatalf("projection mutated its input")
	}
}

func TestMaxProjectionRejectsMismatchedPlanes(t *testing.T) {
	if _, err := MaxProjection(nil); !errors.Is(err, ErrEmptyStack) {
		t.Fatalf("expected ErrEmptyStack, got %v", err)
	}
	_, err := MaxProjection([]*Image{New(3, 3), New(3, 4)})
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch, got %v", err)
	}
}

func TestCrop(t *testing.T) {
	img := New(4, 3)
	for i := range img.Pix {
		img.Pix[i] = float64(i)
	}
	got, err := img.Crop(1, 1, 3, 3)
	if err != nil {
		t.Fatalf("crop failed: %v", err)
	}
	if diff := cmp.Diff([]float64{5, 6, 9, 10}, got.Pix); diff != "" {
		t.Fatalf("unexpected crop (-want +got):\n%s", diff)
	}
	if _, err := img.Crop(0, 0, 5, 1); !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("expected out-of-bounds crop to fail, got %v", err)
	}
}

func TestSaveAndLoadTIFF(t *testing.T) {
	img := New(5, 4)
	for i := range img.Pix {
		img.Pix[i] = float64(i * 1000)
	}
	path := filepath.Join(t.TempDir(), "nested", "plane.tif")
	if err := SaveTIFF(path, img.ToGray16()); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	back, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if diff := cmp.Diff(img, back); diff != "" {
		t.Fatalf("tiff round trip changed pixels (-want +got):\n%s", diff)
	}
}
