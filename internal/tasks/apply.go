package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"plexalign/internal/imaging"
	"plexalign/internal/registration"
)

// ApplyRequest selects the images to align.
type ApplyRequest struct {
	Plate     string
	OutputDir string
	// Channels restricts the output; empty means every channel.
	Channels []string
}

// AlignedName is the output file name of one aligned image. It follows the
// default acquisition pattern so aligned output can be scanned again.
func AlignedName(plate string, site, cycle int, channel string) string {
	return fmt.Sprintf("%s_c%d_s%d_%s.tif", plate, cycle, site, channel)
}

// ApplyDescriptors shifts and crops every image of a plate according to the
// per-cycle descriptors and writes 16-bit TIFFs to OutputDir.
func ApplyDescriptors(ctx context.Context, layout *Layout, descriptors []*registration.Descriptor, req ApplyRequest, logger *slog.Logger) ([]string, error) {
	if logger == nil {
		logger = slog.Default()
	}
	channels := req.Channels
	if len(channels) == 0 {
		channels = layout.Channels(req.Plate)
	}

	var written []string
	for _, d := range descriptors {
		if d.Plate != req.Plate {
			continue
		}
		for _, site := range layout.Sites(req.Plate, "") {
			if err := ctx.Err(); err != nil {
				return written, err
			}
			rec, ok := d.ShiftForSite(site)
			if !ok {
				logger.Warn("no shift for site, skipping", "plate", d.Plate, "site", site, "cycle", d.Cycle)
				continue
			}
			if rec.ExceedsMaxShift {
				logger.Warn("shift exceeds tolerance, applying crop only", "plate", d.Plate, "site", site, "cycle", d.Cycle, "y", rec.Y, "x", rec.X)
			}
			for _, ch := range channels {
				files := layout.Stack(req.Plate, site, d.Cycle, ch)
				if len(files) == 0 {
					continue
				}
				img, err := imaging.LoadStack(files)
				if err != nil {
					return written, err
				}
				aligned, err := registration.ShiftAndCrop(img, rec.Effective(), d.Overhangs)
				if err != nil {
					return written, fmt.Errorf("site %d cycle %d: %w", site, d.Cycle, err)
				}
				out := filepath.Join(req.OutputDir, AlignedName(req.Plate, site, d.Cycle, ch))
				if err := imaging.SaveTIFF(out, aligned.ToGray16()); err != nil {
					return written, err
				}
				written = append(written, out)
			}
		}
	}
	return written, nil
}
