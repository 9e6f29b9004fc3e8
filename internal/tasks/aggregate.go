package tasks

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"plexalign/internal/registration"
	"plexalign/internal/report"
)

// AggregateRequest describes the reduction of one plate.
type AggregateRequest struct {
	Plate          string
	Sites          []int
	Cycles         []int
	ReferenceCycle int
	MaxShift       int
	Format         registration.Format
	OutputDir      string
	Plot           bool
}

// AggregateResult lists what the reduction produced.
type AggregateResult struct {
	Finalization *registration.Finalization
	Files        []string
	PlotPath     string
}

// Aggregate reduces the shifts of a plate into one descriptor per cycle and
// writes them to OutputDir.
func Aggregate(req AggregateRequest, shifts []registration.SiteShift, logger *slog.Logger) (AggregateResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if req.Format == "" {
		req.Format = registration.FormatYAML
	}

	c := registration.NewCollector(req.Plate, req.ReferenceCycle, req.MaxShift, logger)
	for _, s := range shifts {
		if err := c.Add(s); err != nil {
			return AggregateResult{}, err
		}
	}
	fin, err := c.Finalize(req.Sites, req.Cycles)
	if err != nil {
		return AggregateResult{}, err
	}

	res := AggregateResult{Finalization: fin}
	for _, d := range fin.Descriptors {
		path := filepath.Join(req.OutputDir, d.FileName(req.Format))
		if err := d.WriteFile(path); err != nil {
			return res, fmt.Errorf("cycle %d: %w", d.Cycle, err)
		}
		res.Files = append(res.Files, path)
	}

	if req.Plot && len(fin.Shifts) > 0 {
		res.PlotPath = filepath.Join(req.OutputDir, req.Plate+"_shifts.png")
		maxShift := req.MaxShift
		if maxShift <= 0 {
			maxShift = registration.DefaultMaxToleratedShift
		}
		if err := report.PlotShifts(res.PlotPath, req.Plate, fin.Shifts, maxShift); err != nil {
			logger.Warn("shift plot failed", "plate", req.Plate, "error", err)
			res.PlotPath = ""
		}
	}

	logger.Info("plate aggregated", "plate", req.Plate, "overhang", fin.Overhang,
		"descriptors", len(res.Files), "missing", len(fin.Missing))
	return res, nil
}
