package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"

	"github.com/spf13/cobra"

	"plexalign/internal/config"
	"plexalign/internal/pipeline"
	"plexalign/internal/storage"
)

// Version is stamped at build time with -ldflags "-X plexalign/internal/cli.Version=...".
var Version = "dev"

// NewRootCmd creates the root Cobra command
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store, pipe pipelineClient) *cobra.Command {
	return NewRoot(pipe, cfg, log, store).Command()
}

// Command builds the command tree around r.
func (r *Root) Command() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "plexalign",
		Short: "plexalign aligns multiplexed microscopy cycles and separates clumped nuclei",
		Long: `plexalign registers every imaging cycle of a multiplexed experiment against a
reference cycle, writes per-cycle alignment descriptors, applies them to crop
all cycles to their common field of view, and splits clumped objects in
segmentation masks.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newScanCmd(r))
	rootCmd.AddCommand(newRegisterCmd(r))
	rootCmd.AddCommand(newAggregateCmd(r))
	rootCmd.AddCommand(newAlignCmd(r))
	rootCmd.AddCommand(newApplyCmd(r))
	rootCmd.AddCommand(newSeparateCmd(r))
	rootCmd.AddCommand(newServeCmd(r))
	rootCmd.AddCommand(newSubmitCmd(r))
	rootCmd.AddCommand(newWatchCmd(r))
	rootCmd.AddCommand(newConfigCmd(r))
	rootCmd.AddCommand(newVersionCmd(r))

	return rootCmd
}

func printMeta(w io.Writer, meta map[string]any) {
	if len(meta) == 0 {
		return
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(meta)
}

func newScanCmd(root *Root) *cobra.Command {
	var pattern string

	cmd := &cobra.Command{
		Use:   "scan <input_directory>",
		Short: "Index the plates, sites and cycles of an acquisition directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := root.enqueueAndWait(cmd.Context(), pipeline.Job{
				ID:        newID("scan"),
				Type:      pipeline.JobScan,
				InputPath: args[0],
				Options:   map[string]any{"pattern": pattern, "source": "cli"},
			})
			if err != nil {
				return err
			}
			printMeta(cmd.OutOrStdout(), res.Meta)
			return nil
		},
	}

	cmd.Flags().StringVar(&pattern, "pattern", root.cfg.Alignment.FilenamePattern, "file name pattern with plate, site, cycle and channel groups")
	return cmd
}

// alignmentFlags are shared by register, aggregate and align.
type alignmentFlags struct {
	plate          string
	referenceCycle int
	channel        string
	maxShift       int
	pattern        string
}

func (f *alignmentFlags) bind(cmd *cobra.Command, cfg *config.Config) {
	cmd.Flags().StringVar(&f.plate, "plate", "", "plate to process")
	cmd.Flags().IntVar(&f.referenceCycle, "reference-cycle", cfg.Alignment.ReferenceCycle, "cycle every other cycle is registered against")
	cmd.Flags().StringVar(&f.channel, "channel", cfg.Alignment.Channel, "channel used for registration")
	cmd.Flags().IntVar(&f.maxShift, "max-shift", cfg.Alignment.MaxToleratedShift, "largest tolerated shift in pixels along either axis")
	cmd.Flags().StringVar(&f.pattern, "pattern", cfg.Alignment.FilenamePattern, "file name pattern")
}

func (f *alignmentFlags) options(plate string) map[string]any {
	return map[string]any{
		"plate":           plate,
		"reference_cycle": f.referenceCycle,
		"channel":         f.channel,
		"max_shift":       f.maxShift,
		"pattern":         f.pattern,
		"source":          "cli",
	}
}

// registerJobs builds one register job per site of plate.
func registerJobs(input, plate string, sites []int, f *alignmentFlags) []pipeline.Job {
	jobs := make([]pipeline.Job, 0, len(sites))
	for _, site := range sites {
		opts := f.options(plate)
		opts["site"] = site
		jobs = append(jobs, pipeline.Job{
			ID:        newID("register"),
			Type:      pipeline.JobRegister,
			InputPath: input,
			Options:   opts,
		})
	}
	return jobs
}

func newRegisterCmd(root *Root) *cobra.Command {
	var (
		flags alignmentFlags
		site  int
	)

	cmd := &cobra.Command{
		Use:   "register <input_directory>",
		Short: "Compute the shift of every cycle of a site against the reference cycle",
		Long: `Compute per-cycle shifts for one site, or for every site of the plate when
--site is omitted. Shifts are stored for a later aggregate run.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if flags.plate == "" {
				return errors.New("--plate is required")
			}
			sites := []int{site}
			if site < 0 {
				scan, err := root.scanFn(args[0], flags.pattern)
				if err != nil {
					return err
				}
				sites = scan.Layout().Sites(flags.plate, flags.channel)
				if len(sites) == 0 {
					return fmt.Errorf("plate %s has no %s images under %s", flags.plate, flags.channel, args[0])
				}
			}
			results, err := root.enqueueAll(cmd.Context(), registerJobs(args[0], flags.plate, sites, &flags))
			for _, res := range results {
				printMeta(cmd.OutOrStdout(), res.Meta)
			}
			return err
		},
	}

	flags.bind(cmd, root.cfg)
	cmd.Flags().IntVar(&site, "site", -1, "site to register; all sites when negative")
	return cmd
}

// aggregateFlags are shared by aggregate and align.
type aggregateFlags struct {
	output string
	format string
	plot   bool
}

func (f *aggregateFlags) bind(cmd *cobra.Command, cfg *config.Config) {
	cmd.Flags().StringVarP(&f.output, "output", "o", cfg.Paths.DefaultOutput, "directory for alignment descriptors")
	cmd.Flags().StringVar(&f.format, "format", cfg.Alignment.DescriptorFormat, "descriptor format (yaml|json)")
	cmd.Flags().BoolVar(&f.plot, "plot", cfg.Alignment.PlotShifts, "render a shift scatter plot per plate")
}

func (f *aggregateFlags) job(input, plate string, a *alignmentFlags) pipeline.Job {
	opts := a.options(plate)
	opts["format"] = f.format
	opts["plot"] = f.plot
	return pipeline.Job{
		ID:        newID("aggregate"),
		Type:      pipeline.JobAggregate,
		InputPath: input,
		Output:    f.output,
		Options:   opts,
	}
}

func newAggregateCmd(root *Root) *cobra.Command {
	var (
		flags aggregateFlags
		align alignmentFlags
	)

	cmd := &cobra.Command{
		Use:   "aggregate <input_directory>",
		Short: "Reduce stored site shifts into per-cycle alignment descriptors",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if align.plate == "" {
				return errors.New("--plate is required")
			}
			res, err := root.enqueueAndWait(cmd.Context(), flags.job(args[0], align.plate, &align))
			if err != nil {
				return err
			}
			printMeta(cmd.OutOrStdout(), res.Meta)
			return nil
		},
	}

	align.bind(cmd, root.cfg)
	flags.bind(cmd, root.cfg)
	return cmd
}

func newAlignCmd(root *Root) *cobra.Command {
	var (
		align    alignmentFlags
		agg      aggregateFlags
		apply    bool
		alignDir string
	)

	cmd := &cobra.Command{
		Use:   "align <input_directory>",
		Short: "Register every site, then aggregate (and optionally apply) per plate",
		Long: `Run the whole alignment for one plate, or for every plate found under the
input directory: register all sites, write one descriptor per cycle, and with
--apply write shifted and cropped images.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input := args[0]
			scan, err := root.scanFn(input, align.pattern)
			if err != nil {
				return err
			}
			layout := scan.Layout()
			plates := layout.Plates()
			if align.plate != "" {
				plates = []string{align.plate}
			}
			if len(plates) == 0 {
				return fmt.Errorf("no acquisitions found under %s", input)
			}

			out := cmd.OutOrStdout()
			for _, plate := range plates {
				sites := layout.Sites(plate, align.channel)
				if len(sites) == 0 {
					return fmt.Errorf("plate %s has no %s images", plate, align.channel)
				}
				root.log.Info("aligning plate", "plate", plate, "sites", len(sites))
				if _, err := root.enqueueAll(cmd.Context(), registerJobs(input, plate, sites, &align)); err != nil {
					return err
				}
				res, err := root.enqueueAndWait(cmd.Context(), agg.job(input, plate, &align))
				if err != nil {
					return err
				}
				printMeta(out, res.Meta)

				if !apply {
					continue
				}
				dir := alignDir
				if dir == "" {
					dir = filepath.Join(agg.output, "aligned")
				}
				res, err = root.enqueueAndWait(cmd.Context(), pipeline.Job{
					ID:        newID("apply"),
					Type:      pipeline.JobApply,
					InputPath: input,
					Output:    dir,
					Options:   map[string]any{"plate": plate, "pattern": align.pattern, "source": "cli"},
				})
				if err != nil {
					return err
				}
				printMeta(out, res.Meta)
			}
			return nil
		},
	}

	align.bind(cmd, root.cfg)
	agg.bind(cmd, root.cfg)
	cmd.Flags().BoolVar(&apply, "apply", false, "write aligned images after aggregation")
	cmd.Flags().StringVar(&alignDir, "aligned-dir", "", "directory for aligned images (default <output>/aligned)")
	return cmd
}

func newApplyCmd(root *Root) *cobra.Command {
	var (
		plate       string
		output      string
		descriptors string
		channels    []string
		pattern     string
	)

	cmd := &cobra.Command{
		Use:   "apply <input_directory>",
		Short: "Shift and crop every image of a plate using its alignment descriptors",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if plate == "" {
				return errors.New("--plate is required")
			}
			opts := map[string]any{"plate": plate, "pattern": pattern, "source": "cli"}
			if descriptors != "" {
				opts["descriptor_dir"] = descriptors
			}
			if len(channels) > 0 {
				opts["channels"] = channels
			}
			res, err := root.enqueueAndWait(cmd.Context(), pipeline.Job{
				ID:        newID("apply"),
				Type:      pipeline.JobApply,
				InputPath: args[0],
				Output:    output,
				Options:   opts,
			})
			if err != nil {
				return err
			}
			printMeta(cmd.OutOrStdout(), res.Meta)
			return nil
		},
	}

	cmd.Flags().StringVar(&plate, "plate", "", "plate to apply")
	cmd.Flags().StringVarP(&output, "output", "o", filepath.Join(root.cfg.Paths.DefaultOutput, "aligned"), "directory for aligned images")
	cmd.Flags().StringVar(&descriptors, "descriptors", "", "read descriptors from this directory instead of the job store")
	cmd.Flags().StringSliceVar(&channels, "channel", nil, "channels to write (default all)")
	cmd.Flags().StringVar(&pattern, "pattern", root.cfg.Alignment.FilenamePattern, "file name pattern")
	return cmd
}

func newSeparateCmd(root *Root) *cobra.Command {
	s := root.cfg.Segmentation
	var (
		minCutArea     int
		minArea        int
		maxArea        int
		maxCircularity float64
		maxConvexity   float64
		allowTrimming  bool
		maxIterations  int
	)

	cmd := &cobra.Command{
		Use:   "separate <mask> [output]",
		Short: "Split clumped objects in a segmentation mask",
		Long: `Cut clumped objects in a binary or labeled mask along the watershed line
between their two strongest distance peaks. The relabeled result is written
as a 16-bit TIFF, by default next to the input as <name>_labels.tif.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			job := pipeline.Job{
				ID:        newID("separate"),
				Type:      pipeline.JobSeparate,
				InputPath: args[0],
				Options: map[string]any{
					"min_cut_area":    minCutArea,
					"min_area":        minArea,
					"max_area":        maxArea,
					"max_circularity": maxCircularity,
					"max_convexity":   maxConvexity,
					"allow_trimming":  allowTrimming,
					"max_iterations":  maxIterations,
					"source":          "cli",
				},
			}
			if len(args) > 1 {
				job.Output = args[1]
			}
			res, err := root.enqueueAndWait(cmd.Context(), job)
			if err != nil {
				return err
			}
			printMeta(cmd.OutOrStdout(), res.Meta)
			return nil
		},
	}

	cmd.Flags().IntVar(&minCutArea, "min-cut-area", s.MinCutArea, "smallest accepted piece of a cut (exclusive)")
	cmd.Flags().IntVar(&minArea, "min-area", s.MinArea, "objects at or below this area are never cut")
	cmd.Flags().IntVar(&maxArea, "max-area", s.MaxArea, "objects above this area are never cut")
	cmd.Flags().Float64Var(&maxCircularity, "max-circularity", s.MaxCircularity, "objects more circular than this are never cut")
	cmd.Flags().Float64Var(&maxConvexity, "max-convexity", s.MaxConvexity, "objects more convex than this are never cut")
	cmd.Flags().BoolVar(&allowTrimming, "allow-trimming", s.AllowTrimming, "drop tiny fragments produced by a cut")
	cmd.Flags().IntVar(&maxIterations, "max-iterations", s.MaxIterations, "pass limit (0 derives it from the object count)")
	return cmd
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("plexalign %s (%s)\n", Version, runtime.Version())
		},
	}
}
