package main

import (
	"context"
	"flag"
	"fmt"
	"image"
	"image/color"
	"log"
	"math/rand/v2"
	"os"
	"path/filepath"
	"time"

	"plexalign/internal/config"
	"plexalign/internal/imaging"
	"plexalign/internal/logging"
	"plexalign/internal/pipeline"
	"plexalign/internal/storage"
	"plexalign/internal/tasks"
)

// shift applied to every site of a cycle: target(y,x) = ref(y+dy, x+dx).
var cycleShifts = map[int][2]int{1: {0, 0}, 2: {5, -3}, 3: {-4, 6}}

func main() {
	keep := flag.Bool("keep", false, "keep the generated experiment directory")
	sites := flag.Int("sites", 3, "number of sites to generate")
	flag.Parse()

	fmt.Println("🔍 Testing plexalign end to end on a synthetic plate")

	dir, err := os.MkdirTemp("", "plexalign-smoke-")
	if err != nil {
		log.Fatal("Failed to create work directory:", err)
	}
	if !*keep {
		defer os.RemoveAll(dir)
	}
	input := filepath.Join(dir, "input")
	output := filepath.Join(dir, "output")

	if err := generatePlate(input, *sites); err != nil {
		log.Fatal("Failed to generate plate:", err)
	}
	mask := filepath.Join(dir, "clump.tif")
	if err := imaging.SaveTIFF(mask, dumbbell()); err != nil {
		log.Fatal("Failed to write mask:", err)
	}
	fmt.Printf("✅ Generated %d sites x %d cycles under %s\n", *sites, len(cycleShifts), input)

	cfg := config.Default()
	cfg.Paths.DefaultOutput = output
	cfg.Segmentation.MinCutArea = 100
	cfg.Segmentation.MinArea = 100
	cfg.Segmentation.MaxCircularity = 0.8
	cfg.Segmentation.MaxConvexity = 0.9

	store, err := storage.New(filepath.Join(dir, "smoke.db"))
	if err != nil {
		log.Fatal("Failed to create storage:", err)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	logger := logging.New("warn", "text")
	pipe := pipeline.New(ctx, 2, logger, store, cfg)
	defer pipe.Stop()

	run := func(step string, jobs ...pipeline.Job) []pipeline.Result {
		results, err := submitAll(ctx, pipe, jobs)
		if err != nil {
			log.Fatalf("❌ %s failed: %v", step, err)
		}
		fmt.Printf("✅ %s: %d job(s)\n", step, len(jobs))
		return results
	}

	res := run("scan", pipeline.Job{ID: "smoke-scan", Type: pipeline.JobScan, InputPath: input})
	fmt.Printf("   Images: %v\n", res[0].Meta["images"])

	var register []pipeline.Job
	for site := 1; site <= *sites; site++ {
		register = append(register, pipeline.Job{
			ID:        fmt.Sprintf("smoke-register-%d", site),
			Type:      pipeline.JobRegister,
			InputPath: input,
			Options:   map[string]any{"plate": "SMOKE", "site": site},
		})
	}
	run("register", register...)

	res = run("aggregate", pipeline.Job{
		ID:        "smoke-aggregate",
		Type:      pipeline.JobAggregate,
		InputPath: input,
		Output:    output,
		Options:   map[string]any{"plate": "SMOKE"},
	})
	fmt.Printf("   Overhang: %v\n", res[0].Meta["overhang"])
	fmt.Printf("   Missing: %v\n", res[0].Meta["missing"])

	res = run("apply", pipeline.Job{
		ID:        "smoke-apply",
		Type:      pipeline.JobApply,
		InputPath: input,
		Output:    filepath.Join(output, "aligned"),
		Options:   map[string]any{"plate": "SMOKE"},
	})
	fmt.Printf("   Aligned images: %v\n", res[0].Meta["images"])

	res = run("separate", pipeline.Job{ID: "smoke-separate", Type: pipeline.JobSeparate, InputPath: mask})
	fmt.Printf("   Objects: %v -> %v\n", res[0].Meta["initial_objects"], res[0].Meta["final_objects"])

	shifts, err := store.SiteShifts("SMOKE")
	if err != nil {
		log.Fatal("Failed to read shifts:", err)
	}
	bad := 0
	for _, s := range shifts {
		want := cycleShifts[s.Cycle]
		if s.Y != want[0] || s.X != want[1] {
			fmt.Printf("❌ site %d cycle %d: got (%d,%d), want (%d,%d)\n", s.Site, s.Cycle, s.Y, s.X, want[0], want[1])
			bad++
		}
	}
	if bad > 0 {
		os.Exit(1)
	}
	fmt.Printf("🎯 All %d recovered shifts match\n", len(shifts))
	if *keep {
		fmt.Printf("📁 Output kept in %s\n", dir)
	}
}

func submitAll(ctx context.Context, pipe *pipeline.Pipeline, jobs []pipeline.Job) ([]pipeline.Result, error) {
	resCh, unsubscribe := pipe.Subscribe()
	defer unsubscribe()

	index := make(map[string]int, len(jobs))
	for i, job := range jobs {
		index[job.ID] = i
		if err := pipe.Submit(job); err != nil {
			return nil, err
		}
	}
	results := make([]pipeline.Result, len(jobs))
	for pending := len(jobs); pending > 0; {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case res := <-resCh:
			i, ok := index[res.Job.ID]
			if !ok {
				continue
			}
			if res.Error != nil {
				return nil, fmt.Errorf("%s: %w", res.Job.ID, res.Error)
			}
			results[i] = res
			pending--
		}
	}
	return results, nil
}

func generatePlate(dir string, sites int) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	const w, h = 128, 96
	for site := 1; site <= sites; site++ {
		ref := texture(w, h, uint64(site))
		for cycle, s := range cycleShifts {
			for _, channel := range []string{"dapi", "cy3"} {
				out := imaging.New(w, h)
				for y := 0; y < h; y++ {
					for x := 0; x < w; x++ {
						out.Set(x, y, ref.At(((x+s[1])%w+w)%w, ((y+s[0])%h+h)%h))
					}
				}
				name := filepath.Join(dir, tasks.AlignedName("SMOKE", site, cycle, channel))
				if err := imaging.SaveTIFF(name, out.ToGray16()); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func texture(w, h int, seed uint64) *imaging.Image {
	rng := rand.New(rand.NewPCG(seed, seed*7+3))
	img := imaging.New(w, h)
	for i := range img.Pix {
		img.Pix[i] = float64(200 + rng.IntN(50))
	}
	for n := 0; n < 14; n++ {
		cx, cy, r := rng.IntN(w), rng.IntN(h), 3+rng.IntN(6)
		for y := cy - r; y <= cy+r; y++ {
			for x := cx - r; x <= cx+r; x++ {
				if (x-cx)*(x-cx)+(y-cy)*(y-cy) <= r*r {
					img.Set((x+w)%w, (y+h)%h, 4000)
				}
			}
		}
	}
	return img
}

// dumbbell is two discs joined by a narrow bar.
func dumbbell() *image.Gray {
	img := image.NewGray(image.Rect(0, 0, 110, 60))
	for y := 0; y < 60; y++ {
		for x := 0; x < 110; x++ {
			inA := (x-30)*(x-30)+(y-30)*(y-30) <= 400
			inB := (x-74)*(x-74)+(y-30)*(y-30) <= 400
			inBar := x >= 30 && x <= 74 && y >= 27 && y <= 32
			if inA || inB || inBar {
				img.SetGray(x, y, color.Gray{Y: 255})
			}
		}
	}
	return img
}
