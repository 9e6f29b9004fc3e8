package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"plexalign/internal/config"
	"plexalign/internal/registration"
	"plexalign/internal/segmentation"
	"plexalign/internal/storage"
	"plexalign/internal/tasks"
)

var (
	// ErrPlateIncomplete is returned by aggregate jobs while register jobs of
	// the same plate are still queued or running.
	ErrPlateIncomplete = errors.New("plate has unfinished register jobs")
	// ErrMissingOption is returned when a job lacks a required option.
	ErrMissingOption = errors.New("missing job option")
	// ErrNoDescriptors is returned by apply jobs for plates without descriptors.
	ErrNoDescriptors = errors.New("no alignment descriptors")
	// ErrNoAcquisitions is returned when a plate has no known images.
	ErrNoAcquisitions = errors.New("no acquisitions")
)

// router implements Processor and routes jobs to their concrete handlers.
type router struct {
	log   *slog.Logger
	store *storage.Store
	cfg   *config.Config

	scanFn      func(input, pattern string) (tasks.ScanResult, error)
	registerFn  func(ctx context.Context, layout *tasks.Layout, req tasks.RegisterRequest, logger *slog.Logger) ([]registration.SiteShift, error)
	aggregateFn func(req tasks.AggregateRequest, shifts []registration.SiteShift, logger *slog.Logger) (tasks.AggregateResult, error)
	applyFn     func(ctx context.Context, layout *tasks.Layout, descriptors []*registration.Descriptor, req tasks.ApplyRequest, logger *slog.Logger) ([]string, error)
	separateFn  func(input, output string, opts segmentation.Options) (segmentation.Stats, error)
}

func newRouter(logger *slog.Logger, store *storage.Store, cfg *config.Config) Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &router{
		log:         logger,
		store:       store,
		cfg:         cfg,
		scanFn:      tasks.Scan,
		registerFn:  tasks.RegisterSite,
		aggregateFn: tasks.Aggregate,
		applyFn:     tasks.ApplyDescriptors,
		separateFn:  tasks.SeparateMask,
	}
}

func (r *router) Process(ctx context.Context, job Job) Result {
	if err := ctx.Err(); err != nil {
		return Result{Job: job, Error: err}
	}
	switch job.Type {
	case JobScan:
		return r.handleScan(ctx, job)
	case JobRegister:
		return r.handleRegister(ctx, job)
	case JobAggregate:
		return r.handleAggregate(ctx, job)
	case JobApply:
		return r.handleApply(ctx, job)
	case JobSeparate:
		return r.handleSeparate(ctx, job)
	default:
		return Result{Job: job, Error: fmt.Errorf("unknown job type: %s", job.Type)}
	}
}

func (r *router) handleScan(ctx context.Context, job Job) Result {
	pattern := getString(job.Options, "pattern", r.cfg.Alignment.FilenamePattern)
	res, err := r.scanFn(job.InputPath, pattern)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	if err := r.store.RecordAcquisitions(toStored(res.Acquisitions)); err != nil {
		return Result{Job: job, Error: fmt.Errorf("record acquisitions: %w", err)}
	}

	layout := res.Layout()
	plates := map[string]any{}
	for _, plate := range layout.Plates() {
		plates[plate] = map[string]any{
			"sites":    len(layout.Sites(plate, "")),
			"cycles":   layout.Cycles(plate, ""),
			"channels": layout.Channels(plate),
		}
	}
	meta := map[string]any{
		"images":  len(res.Acquisitions),
		"skipped": len(res.Skipped),
		"plates":  plates,
	}
	return Result{Job: job, Meta: meta}
}

func (r *router) handleRegister(ctx context.Context, job Job) Result {
	plate := job.Plate()
	site, ok := getInt(job.Options, "site")
	if plate == "" || !ok {
		return Result{Job: job, Error: fmt.Errorf("register needs plate and site: %w", ErrMissingOption)}
	}
	layout, err := r.layout(job, plate)
	if err != nil {
		return Result{Job: job, Error: err}
	}

	req := tasks.RegisterRequest{
		Plate:          plate,
		Site:           site,
		ReferenceCycle: getIntDefault(job.Options, "reference_cycle", r.cfg.Alignment.ReferenceCycle),
		Channel:        getString(job.Options, "channel", r.cfg.Alignment.Channel),
		MaxShift:       getIntDefault(job.Options, "max_shift", r.cfg.Alignment.MaxToleratedShift),
	}
	shifts, err := r.registerFn(ctx, layout, req, r.log)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	if err := ctx.Err(); err != nil {
		return Result{Job: job, Error: err}
	}

	if err := r.store.ReplaceSiteShifts(job.ID, plate, site, shifts); err != nil {
		return Result{Job: job, Error: fmt.Errorf("record shifts: %w", err)}
	}

	flagged := 0
	records := make([]any, 0, len(shifts))
	for _, s := range shifts {
		if s.ExceedsMaxShift {
			flagged++
		}
		records = append(records, map[string]any{
			"cycle": s.Cycle, "y": s.Y, "x": s.X, "exceeds_max_shift": s.ExceedsMaxShift,
		})
	}
	meta := map[string]any{
		"plate":   plate,
		"site":    site,
		"shifts":  records,
		"flagged": flagged,
	}
	return Result{Job: job, Meta: meta}
}

func (r *router) handleAggregate(ctx context.Context, job Job) Result {
	plate := job.Plate()
	if plate == "" {
		return Result{Job: job, Error: fmt.Errorf("aggregate needs plate: %w", ErrMissingOption)}
	}
	if r.store == nil {
		return Result{Job: job, Error: errors.New("aggregate requires a job store")}
	}
	pending, err := r.store.PendingJobs(plate, string(JobRegister))
	if err != nil {
		return Result{Job: job, Error: err}
	}
	if pending > 0 {
		return Result{Job: job, Error: fmt.Errorf("plate %s: %d register jobs pending: %w", plate, pending, ErrPlateIncomplete)}
	}

	layout, err := r.layout(job, plate)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	shifts, err := r.store.SiteShifts(plate)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	format, err := registration.ParseFormat(getString(job.Options, "format", r.cfg.Alignment.DescriptorFormat))
	if err != nil {
		return Result{Job: job, Error: err}
	}

	res, err := r.aggregateFn(tasks.AggregateRequest{
		Plate:          plate,
		Sites:          layout.Sites(plate, ""),
		Cycles:         layout.Cycles(plate, ""),
		ReferenceCycle: getIntDefault(job.Options, "reference_cycle", r.cfg.Alignment.ReferenceCycle),
		MaxShift:       getIntDefault(job.Options, "max_shift", r.cfg.Alignment.MaxToleratedShift),
		Format:         format,
		OutputDir:      r.outputDir(job),
		Plot:           getBool(job.Options, "plot", r.cfg.Alignment.PlotShifts),
	}, shifts, r.log)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	if err := ctx.Err(); err != nil {
		return Result{Job: job, Error: err}
	}

	for i, d := range res.Finalization.Descriptors {
		if err := r.store.RecordDescriptor(res.Files[i], d); err != nil {
			return Result{Job: job, Error: fmt.Errorf("record descriptor: %w", err)}
		}
	}

	missing := make([]any, 0, len(res.Finalization.Missing))
	for _, k := range res.Finalization.Missing {
		missing = append(missing, k.String())
	}
	o := res.Finalization.Overhang
	files := make([]any, 0, len(res.Files))
	for _, f := range res.Files {
		files = append(files, f)
	}
	meta := map[string]any{
		"plate":    plate,
		"overhang": map[string]any{"top": o.Top, "bottom": o.Bottom, "left": o.Left, "right": o.Right},
		"files":    files,
		"missing":  missing,
	}
	if res.PlotPath != "" {
		meta["plot"] = res.PlotPath
	}
	return Result{Job: job, Meta: meta}
}

func (r *router) handleApply(ctx context.Context, job Job) Result {
	plate := job.Plate()
	if plate == "" {
		return Result{Job: job, Error: fmt.Errorf("apply needs plate: %w", ErrMissingOption)}
	}
	layout, err := r.layout(job, plate)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	descriptors, err := r.descriptors(job, plate)
	if err != nil {
		return Result{Job: job, Error: err}
	}

	outDir := r.outputDir(job)
	written, err := r.applyFn(ctx, layout, descriptors, tasks.ApplyRequest{
		Plate:     plate,
		OutputDir: outDir,
		Channels:  getStrings(job.Options, "channels"),
	}, r.log)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	meta := map[string]any{
		"plate":   plate,
		"images":  len(written),
		"cycles":  len(descriptors),
		"outputs": outDir,
	}
	return Result{Job: job, Meta: meta}
}

func (r *router) handleSeparate(ctx context.Context, job Job) Result {
	if job.InputPath == "" {
		return Result{Job: job, Error: fmt.Errorf("separate needs an input mask: %w", ErrMissingOption)}
	}
	output := job.Output
	if output == "" {
		base := strings.TrimSuffix(filepath.Base(job.InputPath), filepath.Ext(job.InputPath))
		output = filepath.Join(filepath.Dir(job.InputPath), base+"_labels.tif")
	}

	s := r.cfg.Segmentation
	opts := segmentation.Options{
		MinCutArea:     getIntDefault(job.Options, "min_cut_area", s.MinCutArea),
		MinArea:        getIntDefault(job.Options, "min_area", s.MinArea),
		MaxArea:        getIntDefault(job.Options, "max_area", s.MaxArea),
		MaxCircularity: getFloat64(job.Options, "max_circularity", s.MaxCircularity),
		MaxConvexity:   getFloat64(job.Options, "max_convexity", s.MaxConvexity),
		AllowTrimming:  getBool(job.Options, "allow_trimming", s.AllowTrimming),
		MaxIterations:  getIntDefault(job.Options, "max_iterations", s.MaxIterations),
		Logger:         r.log,
	}
	stats, err := r.separateFn(job.InputPath, output, opts)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	if err := r.store.RecordSegmentation(storage.SegmentationRecord{
		JobID:      job.ID,
		InputPath:  job.InputPath,
		OutputPath: output,
		Stats:      stats,
	}); err != nil {
		return Result{Job: job, Error: fmt.Errorf("record segmentation: %w", err)}
	}
	meta := map[string]any{
		"output":          output,
		"initial_objects": stats.InitialObjects,
		"final_objects":   stats.FinalObjects,
		"iterations":      stats.Iterations,
		"cuts":            stats.Cuts,
		"rejected":        stats.Rejected,
		"removed_pixels":  stats.RemovedPixels,
		"truncated":       stats.Truncated,
	}
	return Result{Job: job, Meta: meta}
}

// layout indexes the images of a plate. A job input directory is scanned
// afresh; otherwise the acquisitions recorded by earlier scans are used.
func (r *router) layout(job Job, plate string) (*tasks.Layout, error) {
	var acqs []tasks.Acquisition
	if job.InputPath != "" {
		pattern := getString(job.Options, "pattern", r.cfg.Alignment.FilenamePattern)
		res, err := r.scanFn(job.InputPath, pattern)
		if err != nil {
			return nil, err
		}
		acqs = res.Acquisitions
	} else if r.store != nil {
		stored, err := r.store.Acquisitions(plate)
		if err != nil {
			return nil, err
		}
		acqs = fromStored(stored)
	}
	layout := tasks.NewLayout(acqs)
	if len(layout.Acquisitions(plate)) == 0 {
		return nil, fmt.Errorf("plate %s: %w", plate, ErrNoAcquisitions)
	}
	return layout, nil
}

// descriptors loads the descriptors of a plate from descriptor_dir when set,
// else from the store.
func (r *router) descriptors(job Job, plate string) ([]*registration.Descriptor, error) {
	var out []*registration.Descriptor
	if dir := getString(job.Options, "descriptor_dir", ""); dir != "" {
		matches, err := filepath.Glob(filepath.Join(dir, plate+"_cycle*_alignment.*"))
		if err != nil {
			return nil, err
		}
		for _, m := range matches {
			d, err := registration.ReadDescriptorFile(m)
			if err != nil {
				return nil, err
			}
			out = append(out, d)
		}
	} else if r.store != nil {
		var err error
		if out, err = r.store.Descriptors(plate); err != nil {
			return nil, err
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("plate %s: %w", plate, ErrNoDescriptors)
	}
	return out, nil
}

func (r *router) outputDir(job Job) string {
	if job.Output != "" {
		return job.Output
	}
	return r.cfg.Paths.DefaultOutput
}

func toStored(acqs []tasks.Acquisition) []storage.Acquisition {
	out := make([]storage.Acquisition, len(acqs))
	for i, a := range acqs {
		out[i] = storage.Acquisition(a)
	}
	return out
}

func fromStored(acqs []storage.Acquisition) []tasks.Acquisition {
	out := make([]tasks.Acquisition, len(acqs))
	for i, a := range acqs {
		out[i] = tasks.Acquisition(a)
	}
	return out
}
