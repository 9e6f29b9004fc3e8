package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	defaultConfigPath = "~/.config/plexalign/config.json"
	defaultParallel   = 4

	// DefaultFilenamePattern parses names like plate1_c02_s0013_dapi_z01.tif.
	DefaultFilenamePattern = `^(?P<plate>[A-Za-z0-9-]+)_c(?P<cycle>\d+)_s(?P<site>\d+)_(?P<channel>[A-Za-z0-9-]+)(?:_z(?P<zplane>\d+))?\.(?:tif|tiff|png)$`
)

// Config holds user-editable settings for the pipeline.
type Config struct {
	Processing   Processing   `json:"processing"`
	Logging      Logging      `json:"logging"`
	Paths        Paths        `json:"paths"`
	Alignment    Alignment    `json:"alignment"`
	Segmentation Segmentation `json:"segmentation"`
	Server       Server       `json:"server"`
}

// Processing captures execution preferences.
type Processing struct {
	ParallelJobs int    `json:"parallel_jobs"`
	TempDir      string `json:"temp_dir"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Format     string `json:"format"`      // text, json
	FileOutput bool   `json:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir"`     // Directory for log files
}

// Paths configures default input/output locations.
type Paths struct {
	DefaultInput  string `json:"default_input"`
	DefaultOutput string `json:"default_output"`
	DatabasePath  string `json:"database_path"`
}

// Alignment controls cross-cycle registration.
type Alignment struct {
	ReferenceCycle    int    `json:"reference_cycle"`
	Channel           string `json:"channel"`
	MaxToleratedShift int    `json:"max_tolerated_shift"`
	DescriptorFormat  string `json:"descriptor_format"` // yaml, json
	FilenamePattern   string `json:"filename_pattern"`
	PlotShifts        bool   `json:"plot_shifts"`
}

// Segmentation holds the clump separation thresholds.
type Segmentation struct {
	MinCutArea     int     `json:"min_cut_area"`
	MinArea        int     `json:"min_area"`
	MaxArea        int     `json:"max_area"`
	MaxCircularity float64 `json:"max_circularity"`
	MaxConvexity   float64 `json:"max_convexity"`
	AllowTrimming  bool    `json:"allow_trimming"`
	MaxIterations  int     `json:"max_iterations"` // 0 derives the bound from the object count
}

// Server configures the long-running service mode.
type Server struct {
	HTTPAddr   string   `json:"http_addr"`
	GRPCAddr   string   `json:"grpc_addr"`
	WatchPaths []string `json:"watch_paths"`
	// ExpectedCycles is the number of cycles a watched site needs before
	// it is registered.
	ExpectedCycles int `json:"expected_cycles"`
	// SettleSeconds is how long a watched site must stay unchanged before
	// it is registered.
	SettleSeconds int `json:"settle_seconds"`
}

// Path returns the config file location honouring PLEXALIGN_CONFIG.
func Path() (string, error) {
	configPath := os.Getenv("PLEXALIGN_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}
	return expandUser(configPath)
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	cfg := Default()

	expanded, err := Path()
	if err != nil {
		return nil, err
	}

	f, err := os.Open(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", expanded, err)
	}

	return cfg, nil
}

// Save writes cfg as indented JSON, creating the parent directory.
func (c *Config) Save(path string) error {
	expanded, err := expandUser(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(expanded, append(data, '\n'), 0o644)
}

// Validate checks value ranges and reports every problem found.
func (c *Config) Validate() error {
	var errs []error
	if c.Processing.ParallelJobs < 1 {
		errs = append(errs, fmt.Errorf("processing.parallel_jobs must be at least 1, got %d", c.Processing.ParallelJobs))
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level))
	}
	if c.Alignment.MaxToleratedShift < 0 {
		errs = append(errs, fmt.Errorf("alignment.max_tolerated_shift must not be negative"))
	}
	switch strings.ToLower(c.Alignment.DescriptorFormat) {
	case "yaml", "yml", "json":
	default:
		errs = append(errs, fmt.Errorf("alignment.descriptor_format %q is not yaml or json", c.Alignment.DescriptorFormat))
	}
	if c.Alignment.Channel == "" {
		errs = append(errs, errors.New("alignment.channel is required"))
	}
	s := c.Segmentation
	if s.MinCutArea < 0 || s.MinArea < 0 || s.MaxArea < 0 || s.MaxIterations < 0 {
		errs = append(errs, errors.New("segmentation areas and max_iterations must not be negative"))
	}
	if s.MinArea > s.MaxArea {
		errs = append(errs, fmt.Errorf("segmentation.min_area %d exceeds max_area %d", s.MinArea, s.MaxArea))
	}
	if s.MaxCircularity < 0 || s.MaxConvexity < 0 {
		errs = append(errs, errors.New("segmentation circularity and convexity limits must not be negative"))
	}
	if len(c.Server.WatchPaths) > 0 && c.Server.ExpectedCycles < 1 {
		errs = append(errs, errors.New("server.expected_cycles must be at least 1 when watch_paths are set"))
	}
	if c.Server.SettleSeconds < 0 {
		errs = append(errs, errors.New("server.settle_seconds must not be negative"))
	}
	return errors.Join(errs...)
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Processing: Processing{
			ParallelJobs: defaultParallel,
			TempDir:      os.TempDir(),
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
		},
		Paths: Paths{
			DefaultInput:  ".",
			DefaultOutput: "./output",
			DatabasePath:  filepath.Join(os.TempDir(), "plexalign.db"),
		},
		Alignment: Alignment{
			ReferenceCycle:    1,
			Channel:           "dapi",
			MaxToleratedShift: 100,
			DescriptorFormat:  "yaml",
			FilenamePattern:   DefaultFilenamePattern,
			PlotShifts:        true,
		},
		Segmentation: Segmentation{
			MinCutArea:     2000,
			MinArea:        1000,
			MaxArea:        100000,
			MaxCircularity: 0.75,
			MaxConvexity:   0.92,
			AllowTrimming:  true,
		},
		Server: Server{
			HTTPAddr:      ":8080",
			GRPCAddr:      ":9090",
			SettleSeconds: 5,
		},
	}
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
