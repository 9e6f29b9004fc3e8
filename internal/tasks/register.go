package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"plexalign/internal/imaging"
	"plexalign/internal/registration"
)

// ErrReferenceMissing is returned when a site has no image in the reference cycle.
var ErrReferenceMissing = errors.New("reference cycle image missing")

// RegisterRequest selects the site to register.
type RegisterRequest struct {
	Plate          string
	Site           int
	ReferenceCycle int
	Channel        string
	MaxShift       int
}

// RegisterSite computes the shift of every cycle of one site against the
// reference cycle. The reference itself is recorded with no shift. Cycles
// without an image are logged and left out.
func RegisterSite(ctx context.Context, layout *Layout, req RegisterRequest, logger *slog.Logger) ([]registration.SiteShift, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if req.MaxShift <= 0 {
		req.MaxShift = registration.DefaultMaxToleratedShift
	}

	refFiles := layout.Stack(req.Plate, req.Site, req.ReferenceCycle, req.Channel)
	if len(refFiles) == 0 {
		return nil, fmt.Errorf("plate %s site %d cycle %d channel %s: %w",
			req.Plate, req.Site, req.ReferenceCycle, req.Channel, ErrReferenceMissing)
	}
	reference, err := imaging.LoadStack(refFiles)
	if err != nil {
		return nil, fmt.Errorf("load reference: %w", err)
	}

	var out []registration.SiteShift
	for _, cycle := range layout.Cycles(req.Plate, "") {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if cycle == req.ReferenceCycle {
			out = append(out, registration.SiteShift{Site: req.Site, Cycle: cycle})
			continue
		}
		files := layout.Stack(req.Plate, req.Site, cycle, req.Channel)
		if len(files) == 0 {
			logger.Warn("cycle image missing", "plate", req.Plate, "site", req.Site, "cycle", cycle, "channel", req.Channel)
			continue
		}
		target, err := imaging.LoadStack(files)
		if err != nil {
			return nil, fmt.Errorf("load cycle %d: %w", cycle, err)
		}
		est, err := registration.EstimateShift(target, reference)
		if err != nil {
			return nil, fmt.Errorf("cycle %d: %w", cycle, err)
		}
		rec := registration.SiteShift{
			Site:            req.Site,
			Cycle:           cycle,
			Y:               est.Shift.Y,
			X:               est.Shift.X,
			ExceedsMaxShift: est.Shift.Exceeds(req.MaxShift),
		}
		logger.Debug("shift estimated", "plate", req.Plate, "site", req.Site, "cycle", cycle,
			"y", rec.Y, "x", rec.X, "sub_y", est.SubY, "sub_x", est.SubX, "peak", est.Peak)
		out = append(out, rec)
	}
	return out, nil
}
