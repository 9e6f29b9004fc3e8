package registration

import (
	"fmt"

	"plexalign/internal/imaging"
)

// ShiftAndCrop moves img by shift and crops the global overhang so that the
// result covers the field of view shared by all cycles. The output size is
// (W-Left-Right) x (H-Top-Bottom) regardless of shift.
func ShiftAndCrop(img *imaging.Image, shift Shift, o Overhang) (*imaging.Image, error) {
	y0, y1 := o.Bottom-shift.Y, img.Height-o.Top-shift.Y
	x0, x1 := o.Right-shift.X, img.Width-o.Left-shift.X
	out, err := img.Crop(x0, y0, x1, y1)
	if err != nil {
		return nil, fmt.Errorf("shift (%d,%d) outside overhang %+v: %w", shift.Y, shift.X, o, err)
	}
	return out, nil
}
