package tasks

import (
	"context"
	"errors"
	"image"
	"image/color"
	"io"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"plexalign/internal/config"
	"plexalign/internal/imaging"
	"plexalign/internal/morphology"
	"plexalign/internal/registration"
	"plexalign/internal/segmentation"
)

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func touch(t *testing.T, dir string, names ...string) {
	t.Helper()
	for _, n := range names {
		p := filepath.Join(dir, n)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(p, nil, 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
}

func TestScanParsesAcquisitions(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir,
		"P1_c1_s1_dapi.tif",
		"P1_c2_s1_dapi_z1.tif",
		"P1_c2_s1_dapi_z0.tif",
		"P1_c1_s2_cy3.png",
		"sub/P2_c1_s7_dapi.tiff",
		"overview.tif",
	)
	res, err := Scan(dir, config.DefaultFilenamePattern)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if diff := cmp.Diff([]string{filepath.Join(dir, "overview.tif")}, res.Skipped); diff != "" {
		t.Fatalf("unexpected skipped files (-want +got):\n%s", diff)
	}

	l := res.Layout()
	if diff := cmp.Diff([]string{"P1", "P2"}, l.Plates()); diff != "" {
		t.Fatalf("unexpected plates (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{1, 2}, l.Sites("P1", "")); diff != "" {
		t.Fatalf("unexpected sites (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{1}, l.Sites("P1", "dapi")); diff != "" {
		t.Fatalf("unexpected dapi sites (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{1, 2}, l.Cycles("P1", "")); diff != "" {
		t.Fatalf("unexpected cycles (-want +got):\n%s", diff)
	}
	wantStack := []string{filepath.Join(dir, "P1_c2_s1_dapi_z0.tif"), filepath.Join(dir, "P1_c2_s1_dapi_z1.tif")}
	if diff := cmp.Diff(wantStack, l.Stack("P1", 1, 2, "dapi")); diff != "" {
		t.Fatalf("unexpected z-stack (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"cy3", "dapi"}, l.Channels("P1")); diff != "" {
		t.Fatalf("unexpected channels (-want +got):\n%s", diff)
	}
}

func TestCompilePatternRequiresGroups(t *testing.T) {
	if _, err := CompilePattern(`^(?P<plate>\w+)_(?P<site>\d+)\.tif$`); !errors.Is(err, ErrInvalidPattern) {
		t.Fatalf("expected ErrInvalidPattern, got %v", err)
	}
	if _, err := CompilePattern(`([`); !errors.Is(err, ErrInvalidPattern) {
		t.Fatalf("expected ErrInvalidPattern for bad syntax, got %v", err)
	}
}

// integerTexture returns an image with integer intensities so it survives a
// 16-bit round trip unchanged.
func integerTexture(w, h int, seed uint64) *imaging.Image {
	rng := rand.New(rand.NewPCG(seed, seed*3+1))
	img := imaging.New(w, h)
	for i := range img.Pix {
		img.Pix[i] = float64(100 + rng.IntN(40))
	}
	for n := 0; n < 10; n++ {
		cx, cy, r := rng.IntN(w), rng.IntN(h), 3+rng.IntN(5)
		for y := cy - r; y <= cy+r; y++ {
			for x := cx - r; x <= cx+r; x++ {
				if (x-cx)*(x-cx)+(y-cy)*(y-cy) <= r*r {
					img.Set((x+w)%w, (y+h)%h, 2000)
				}
			}
		}
	}
	return img
}

func translate(ref *imaging.Image, s registration.Shift) *imaging.Image {
	w, h := ref.Width, ref.Height
	out := imaging.New(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			out.Set(x, y, ref.At(((x+s.X)%w+w)%w, ((y+s.Y)%h+h)%h))
		}
	}
	return out
}

func writeExperiment(t *testing.T, dir string, shifts map[int]map[int]registration.Shift) {
	t.Helper()
	for site, perCycle := range shifts {
		ref := integerTexture(96, 80, uint64(site))
		for cycle, s := range perCycle {
			name := filepath.Join(dir, AlignedName("P1", site, cycle, "dapi"))
			if err := imaging.SaveTIFF(name, translate(ref, s).ToGray16()); err != nil {
				t.Fatalf("write %s: %v", name, err)
			}
		}
	}
}

func TestRegisterAggregateApply(t *testing.T) {
	in := t.TempDir()
	shifts := map[int]map[int]registration.Shift{
		1: {1: {}, 2: {Y: 6, X: -3}, 3: {Y: -2, X: 5}},
		2: {1: {}, 2: {Y: 4, X: 0}, 3: {Y: -7, X: 2}},
	}
	writeExperiment(t, in, shifts)

	res, err := Scan(in, config.DefaultFilenamePattern)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	layout := res.Layout()

	var all []registration.SiteShift
	for _, site := range layout.Sites("P1", "dapi") {
		got, err := RegisterSite(context.Background(), layout, RegisterRequest{
			Plate: "P1", Site: site, ReferenceCycle: 1, Channel: "dapi", MaxShift: 100,
		}, quietLogger())
		if err != nil {
			t.Fatalf("register site %d: %v", site, err)
		}
		for _, rec := range got {
			want := shifts[site][rec.Cycle]
			if rec.Y != want.Y || rec.X != want.X || rec.ExceedsMaxShift {
				t.Fatalf("site %d cycle %d: expected %+v, got %+v", site, rec.Cycle, want, rec)
			}
		}
		all = append(all, got...)
	}
	if len(all) != 6 {
		t.Fatalf("expected 6 shift records, got %d", len(all))
	}

	out := t.TempDir()
	agg, err := Aggregate(AggregateRequest{
		Plate: "P1", Sites: layout.Sites("P1", ""), Cycles: layout.Cycles("P1", ""),
		ReferenceCycle: 1, MaxShift: 100, Format: registration.FormatJSON, OutputDir: out,
	}, all, quietLogger())
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	wantOverhang := registration.Overhang{Top: 7, Bottom: 6, Left: 3, Right: 5}
	if agg.Finalization.Overhang != wantOverhang {
		t.Fatalf("expected overhang %+v, got %+v", wantOverhang, agg.Finalization.Overhang)
	}
	if len(agg.Files) != 3 || len(agg.Finalization.Missing) != 0 {
		t.Fatalf("expected three descriptors and no missing entries, got %+v", agg)
	}

	var descriptors []*registration.Descriptor
	for _, f := range agg.Files {
		d, err := registration.ReadDescriptorFile(f)
		if err != nil {
			t.Fatalf("read %s: %v", f, err)
		}
		descriptors = append(descriptors, d)
	}

	aligned := t.TempDir()
	written, err := ApplyDescriptors(context.Background(), layout, descriptors, ApplyRequest{Plate: "P1", OutputDir: aligned}, quietLogger())
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(written) != 6 {
		t.Fatalf("expected 6 aligned images, got %d", len(written))
	}
	for site := range shifts {
		base, err := imaging.Load(filepath.Join(aligned, AlignedName("P1", site, 1, "dapi")))
		if err != nil {
			t.Fatalf("load reference output: %v", err)
		}
		if base.Width != 96-8 || base.Height != 80-13 {
			t.Fatalf("unexpected aligned size %dx%d", base.Width, base.Height)
		}
		for _, cycle := range []int{2, 3} {
			got, err := imaging.Load(filepath.Join(aligned, AlignedName("P1", site, cycle, "dapi")))
			if err != nil {
				t.Fatalf("load aligned: %v", err)
			}
			if diff := cmp.Diff(base, got); diff != "" {
				t.Fatalf("site %d cycle %d not aligned with reference", site, cycle)
			}
		}
	}
}

func TestRegisterSiteRequiresReference(t *testing.T) {
	layout := NewLayout([]Acquisition{{Plate: "P1", Site: 1, Cycle: 2, Channel: "dapi", Path: "x.tif"}})
	_, err := RegisterSite(context.Background(), layout, RegisterRequest{Plate: "P1", Site: 1, ReferenceCycle: 1, Channel: "dapi"}, quietLogger())
	if !errors.Is(err, ErrReferenceMissing) {
		t.Fatalf("expected ErrReferenceMissing, got %v", err)
	}
}

func TestSeparateMask(t *testing.T) {
	mask := image.NewGray(image.Rect(0, 0, 110, 60))
	set := func(x, y int) { mask.SetGray(x, y, color.Gray{Y: 255}) }
	for y := 0; y < 60; y++ {
		for x := 0; x < 110; x++ {
			inA := (x-30)*(x-30)+(y-30)*(y-30) <= 400
			inB := (x-74)*(x-74)+(y-30)*(y-30) <= 400
			inBar := x >= 30 && x <= 74 && y >= 27 && y <= 32
			if inA || inB || inBar {
				set(x, y)
			}
		}
	}
	dir := t.TempDir()
	in := filepath.Join(dir, "mask.tif")
	if err := imaging.SaveTIFF(in, mask); err != nil {
		t.Fatalf("write mask: %v", err)
	}
	out := filepath.Join(dir, "labels", "mask_labels.tif")
	stats, err := SeparateMask(in, out, segmentation.Options{
		MinCutArea: 100, MinArea: 100, MaxArea: 10000,
		MaxCircularity: 0.8, MaxConvexity: 0.9, AllowTrimming: true,
		Logger: quietLogger(),
	})
	if err != nil {
		t.Fatalf("separate: %v", err)
	}
	if stats.FinalObjects != 2 {
		t.Fatalf("expected two objects, got %+v", stats)
	}
	img, err := imaging.Decode(out)
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	labels, err := morphology.FromImage(img)
	if err != nil {
		t.Fatalf("labels: %v", err)
	}
	if labels.MaxLabel() != 2 {
		t.Fatalf("expected labels 1 and 2 in output, got max %d", labels.MaxLabel())
	}
}

func TestSeparateMaskRejectsColourImages(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "rgb.tif")
	if err := imaging.SaveTIFF(in, image.NewRGBA(image.Rect(0, 0, 4, 4))); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, err := SeparateMask(in, filepath.Join(dir, "out.tif"), segmentation.Options{MaxArea: 10})
	if !errors.Is(err, morphology.ErrInvalidMaskType) {
		t.Fatalf("expected ErrInvalidMaskType, got %v", err)
	}
}

func writeFile(t *testing.T, path string, data string) string {
	t.Helper()
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestWatcherWaitsForSettledSites(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWatcher(nil, config.DefaultFilenamePattern, "dapi", 2, time.Second, quietLogger())
	if err != nil {
		t.Fatalf("watcher: %v", err)
	}
	defer w.Stop()
	t0 := time.Now()

	w.observe(writeFile(t, filepath.Join(dir, "P1_c1_s3_dapi.tif"), "c1"), t0)
	w.observe(writeFile(t, filepath.Join(dir, "P1_c2_s3_cy5.tif"), "c2"), t0)
	if w.observe(filepath.Join(dir, "notes.tif"), t0) {
		t.Fatalf("unmatched files must be ignored")
	}
	if got := w.flush(t0.Add(5 * time.Second)); len(got) != 0 {
		t.Fatalf("other channels must not complete a site: %+v", got)
	}

	// The last cycle is created empty and written later.
	last := writeFile(t, filepath.Join(dir, "P1_c2_s3_dapi.tif"), "")
	w.observe(last, t0.Add(6*time.Second))
	if got := w.flush(t0.Add(8 * time.Second)); len(got) != 0 {
		t.Fatalf("site reported while a file is empty: %+v", got)
	}
	writeFile(t, last, "pixels")
	w.observe(last, t0.Add(9*time.Second))
	if got := w.flush(t0.Add(9*time.Second + 500*time.Millisecond)); len(got) != 0 {
		t.Fatalf("site reported before settling: %+v", got)
	}

	got := w.flush(t0.Add(11 * time.Second))
	if len(got) != 1 {
		t.Fatalf("expected one ready site, got %+v", got)
	}
	if got[0].Plate != "P1" || got[0].Site != 3 || len(got[0].Acquisitions) != 3 {
		t.Fatalf("unexpected ready event %+v", got[0])
	}
	if again := w.flush(t0.Add(20 * time.Second)); len(again) != 0 {
		t.Fatalf("unchanged site must be reported once, got %+v", again)
	}
}

func TestWatcherHoldsGrowingFiles(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWatcher(nil, config.DefaultFilenamePattern, "dapi", 1, time.Second, quietLogger())
	if err != nil {
		t.Fatalf("watcher: %v", err)
	}
	defer w.Stop()
	t0 := time.Now()

	p := writeFile(t, filepath.Join(dir, "P1_c1_s1_dapi.tif"), "part")
	w.observe(p, t0)
	// Grows without a write event reaching the watcher.
	writeFile(t, p, "partial frame")
	if got := w.flush(t0.Add(2 * time.Second)); len(got) != 0 {
		t.Fatalf("site reported while its file changed size: %+v", got)
	}
	if got := w.flush(t0.Add(4 * time.Second)); len(got) != 1 {
		t.Fatalf("expected the site once the size held, got %+v", got)
	}
}

func TestWatcherReportsAgainForLatePlanes(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWatcher(nil, config.DefaultFilenamePattern, "dapi", 2, time.Second, quietLogger())
	if err != nil {
		t.Fatalf("watcher: %v", err)
	}
	defer w.Stop()
	t0 := time.Now()

	w.observe(writeFile(t, filepath.Join(dir, "P1_c1_s1_dapi_z1.tif"), "a"), t0)
	w.observe(writeFile(t, filepath.Join(dir, "P1_c2_s1_dapi_z1.tif"), "b"), t0)
	first := w.flush(t0.Add(2 * time.Second))
	if len(first) != 1 || len(first[0].Acquisitions) != 2 {
		t.Fatalf("expected the first plane stack, got %+v", first)
	}

	w.observe(writeFile(t, filepath.Join(dir, "P1_c2_s1_dapi_z2.tif"), "c"), t0.Add(3*time.Second))
	second := w.flush(t0.Add(5 * time.Second))
	if len(second) != 1 {
		t.Fatalf("expected the site again after a new plane, got %+v", second)
	}
	var planes []int
	for _, a := range second[0].Acquisitions {
		planes = append(planes, a.Cycle*10+a.ZPlane)
	}
	if diff := cmp.Diff([]int{11, 21, 22}, planes); diff != "" {
		t.Fatalf("acquisitions mismatch (-want +got):\n%s", diff)
	}
}
