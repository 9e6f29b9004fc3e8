package tasks

import (
	"fmt"

	"plexalign/internal/imaging"
	"plexalign/internal/morphology"
	"plexalign/internal/segmentation"
)

// SeparateMask reads a binary or labeled mask, splits its clumps and writes
// the relabeled result as a 16-bit TIFF.
func SeparateMask(input, output string, opts segmentation.Options) (segmentation.Stats, error) {
	img, err := imaging.Decode(input)
	if err != nil {
		return segmentation.Stats{}, err
	}
	mask, err := morphology.FromImage(img)
	if err != nil {
		return segmentation.Stats{}, fmt.Errorf("%s: %w", input, err)
	}
	labels, stats, err := segmentation.SeparateClumpedObjects(mask, opts)
	if err != nil {
		return stats, err
	}
	if err := imaging.SaveTIFF(output, labels.ToGray16()); err != nil {
		return stats, err
	}
	return stats, nil
}
