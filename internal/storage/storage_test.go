package storage

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"plexalign/internal/registration"
	"plexalign/internal/segmentation"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "plexalign.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestJobLifecycle(t *testing.T) {
	s := openStore(t)
	if err := s.RecordJobQueued(JobRecord{ID: "j1", JobType: "register", Status: "queued", Plate: "P1"}); err != nil {
		t.Fatalf("queue: %v", err)
	}
	if n, err := s.PendingJobs("P1", "register"); err != nil || n != 1 {
		t.Fatalf("expected one pending job, got %d (%v)", n, err)
	}
	if err := s.RecordJobStart("j1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.RecordJobResult("j1", "completed", map[string]any{"sites": 1}, ""); err != nil {
		t.Fatalf("result: %v", err)
	}
	if n, _ := s.PendingJobs("P1", "register"); n != 0 {
		t.Fatalf("expected no pending jobs, got %d", n)
	}

	rec, err := s.Job("j1")
	if err != nil {
		t.Fatalf("job: %v", err)
	}
	if rec.Status != "completed" || rec.Plate != "P1" || rec.StartedAt == nil || rec.CompletedAt == nil {
		t.Fatalf("unexpected record %+v", rec)
	}
	meta, err := s.JobMeta("j1")
	if err != nil {
		t.Fatalf("meta: %v", err)
	}
	if meta["sites"] != float64(1) {
		t.Fatalf("unexpected meta %v", meta)
	}
	if _, err := s.Job("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	recent, err := s.RecentJobs(10)
	if err != nil || len(recent) != 1 {
		t.Fatalf("expected one recent job, got %d (%v)", len(recent), err)
	}
}

func TestShiftsAndDescriptors(t *testing.T) {
	s := openStore(t)
	if err := s.ReplaceSiteShifts("j1", "P1", 2, []registration.SiteShift{
		{Site: 2, Cycle: 1, Y: 4, X: -1},
		{Site: 2, Cycle: 2, Y: 7, X: 3},
	}); err != nil {
		t.Fatalf("record shifts: %v", err)
	}
	if err := s.ReplaceSiteShifts("j1", "P1", 1, []registration.SiteShift{
		{Site: 1, Cycle: 1, Y: 120, X: 0, ExceedsMaxShift: true},
		{Site: 1, Cycle: 0},
	}); err != nil {
		t.Fatalf("record shifts: %v", err)
	}
	// re-registering a site replaces every row of it, including cycles
	// that are no longer present
	if err := s.ReplaceSiteShifts("j2", "P1", 2, []registration.SiteShift{{Site: 2, Cycle: 1, Y: 5, X: -1}}); err != nil {
		t.Fatalf("replace shifts: %v", err)
	}
	got, err := s.SiteShifts("P1")
	if err != nil {
		t.Fatalf("shifts: %v", err)
	}
	want := []registration.SiteShift{
		{Site: 1, Cycle: 0},
		{Site: 1, Cycle: 1, Y: 120, X: 0, ExceedsMaxShift: true},
		{Site: 2, Cycle: 1, Y: 5, X: -1},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected shifts (-want +got):\n%s", diff)
	}

	d := &registration.Descriptor{
		Plate: "P1", Cycle: 1, ReferenceCycle: 0, MaxToleratedShift: 100,
		Overhangs: registration.Overhang{Bottom: 5, Left: 1},
		Shifts:    want[1:],
	}
	if err := s.RecordDescriptor("/out/P1_cycle01_alignment.yaml", d); err != nil {
		t.Fatalf("record descriptor: %v", err)
	}
	back, err := s.Descriptor("P1", 1)
	if err != nil {
		t.Fatalf("descriptor: %v", err)
	}
	if diff := cmp.Diff(d, back); diff != "" {
		t.Fatalf("descriptor mismatch (-want +got):\n%s", diff)
	}
	if _, err := s.Descriptor("P1", 7); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	all, err := s.Descriptors("P1")
	if err != nil || len(all) != 1 {
		t.Fatalf("expected one descriptor, got %d (%v)", len(all), err)
	}
}

func TestAcquisitionsAndSegmentations(t *testing.T) {
	s := openStore(t)
	acqs := []Acquisition{
		{Plate: "P1", Site: 1, Cycle: 2, Channel: "dapi", Path: "/d/P1_c2_s1_dapi.tif"},
		{Plate: "P1", Site: 1, Cycle: 1, Channel: "dapi", Path: "/d/P1_c1_s1_dapi.tif"},
		{Plate: "P2", Site: 1, Cycle: 1, Channel: "dapi", Path: "/d/P2_c1_s1_dapi.tif"},
	}
	if err := s.RecordAcquisitions(acqs); err != nil {
		t.Fatalf("record: %v", err)
	}
	got, err := s.Acquisitions("P1")
	if err != nil {
		t.Fatalf("acquisitions: %v", err)
	}
	if diff := cmp.Diff([]Acquisition{acqs[1], acqs[0]}, got); diff != "" {
		t.Fatalf("unexpected acquisitions (-want +got):\n%s", diff)
	}

	stats := segmentation.Stats{InitialObjects: 3, FinalObjects: 4, Cuts: 1, Iterations: 1, RemovedPixels: 7}
	if err := s.RecordSegmentation(SegmentationRecord{JobID: "s1", InputPath: "in.tif", OutputPath: "out.tif", Stats: stats}); err != nil {
		t.Fatalf("record segmentation: %v", err)
	}
	segs, err := s.RecentSegmentations(5)
	if err != nil || len(segs) != 1 {
		t.Fatalf("expected one segmentation, got %d (%v)", len(segs), err)
	}
	if diff := cmp.Diff(stats, segs[0].Stats); diff != "" {
		t.Fatalf("stats mismatch (-want +got):\n%s", diff)
	}
}

func TestNilStoreIsNoop(t *testing.T) {
	var s *Store
	if err := s.RecordJobQueued(JobRecord{ID: "x"}); err != nil {
		t.Fatalf("nil store should ignore writes: %v", err)
	}
	if err := s.ReplaceSiteShifts("j", "P", 0, []registration.SiteShift{{}}); err != nil {
		t.Fatalf("nil store should ignore writes: %v", err)
	}
	if _, err := s.RecentJobs(1); err == nil {
		t.Fatalf("nil store reads should fail")
	}
}
