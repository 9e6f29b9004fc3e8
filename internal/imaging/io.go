package imaging

import (
	"fmt"
	"image"
	_ "image/png"
	"os"
	"path/filepath"

	"golang.org/x/image/tiff"
)

// Decode reads a TIFF or PNG file without converting its pixel model.
func Decode(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return img, nil
}

// Load decodes a TIFF or PNG file into a single plane.
func Load(path string) (*Image, error) {
	img, err := Decode(path)
	if err != nil {
		return nil, err
	}
	return FromImage(img), nil
}

// LoadStack loads every z-plane and returns their maximum-intensity projection.
func LoadStack(paths []string) (*Image, error) {
	if len(paths) == 0 {
		return nil, ErrEmptyStack
	}
	planes := make([]*Image, 0, len(paths))
	for _, p := range paths {
		plane, err := Load(p)
		if err != nil {
			return nil, err
		}
		planes = append(planes, plane)
	}
	if len(planes) == 1 {
		return planes[0], nil
	}
	return MaxProjection(planes)
}

// SaveTIFF writes img as a deflate-compressed TIFF, creating parent directories.
func SaveTIFF(path string, img image.Image) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := tiff.Encode(f, img, &tiff.Options{Compression: tiff.Deflate}); err != nil {
		f.Close()
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	return f.Close()
}
