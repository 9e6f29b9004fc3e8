package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestLoadFallsBackToDefaults(t *testing.T) {
	t.Setenv("PLEXALIGN_CONFIG", filepath.Join(t.TempDir(), "missing.json"))
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if diff := cmp.Diff(Default(), cfg); diff != "" {
		t.Fatalf("expected defaults (-want +got):\n%s", diff)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{"alignment": {"reference_cycle": 3, "descriptor_format": "json"}, "segmentation": {"min_area": 50}}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("PLEXALIGN_CONFIG", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Alignment.ReferenceCycle != 3 || cfg.Alignment.DescriptorFormat != "json" {
		t.Fatalf("alignment overrides not applied: %+v", cfg.Alignment)
	}
	if cfg.Segmentation.MinArea != 50 || cfg.Segmentation.MaxArea != 100000 {
		t.Fatalf("expected partial override to keep other defaults: %+v", cfg.Segmentation)
	}
	if cfg.Alignment.Channel != "dapi" {
		t.Fatalf("expected default channel to survive, got %q", cfg.Alignment.Channel)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")
	cfg := Default()
	cfg.Server.WatchPaths = []string{"/data/incoming"}
	if err := cfg.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}
	t.Setenv("PLEXALIGN_CONFIG", path)
	back, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if diff := cmp.Diff(cfg, back); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.Processing.ParallelJobs = 0
	cfg.Alignment.DescriptorFormat = "xml"
	cfg.Segmentation.MinArea = 10
	cfg.Segmentation.MaxArea = 5
	cfg.Server.WatchPaths = []string{"/data/incoming"}
	cfg.Server.SettleSeconds = -1

	err := cfg.Validate()
	if err == nil {
		t.Fatalf("expected validation errors")
	}
	for _, want := range []string{"parallel_jobs", "descriptor_format", "min_area", "expected_cycles", "settle_seconds"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in %v", want, err)
		}
	}
}
