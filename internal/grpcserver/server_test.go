package grpcserver

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"plexalign/internal/pipeline"
	"plexalign/internal/storage"
)

type fakeQueue struct {
	mu      sync.Mutex
	jobs    []pipeline.Job
	err     error
	results chan pipeline.Result
}

func (q *fakeQueue) Submit(job pipeline.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *fakeQueue) Subscribe() (<-chan pipeline.Result, func()) { return q.results, func() {} }

func startServer(t *testing.T) (*Client, *fakeQueue, *storage.Store) {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "grpc.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	q := &fakeQueue{results: make(chan pipeline.Result, 4)}
	srv := New(q, store, slog.New(slog.NewTextHandler(io.Discard, nil)))
	lis := bufconn.Listen(1 << 20)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	client, err := Dial("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client, q, store
}

func TestSubmitAndStatus(t *testing.T) {
	client, q, store := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Healthy(ctx); err != nil {
		t.Fatalf("health: %v", err)
	}

	id, err := client.Submit(ctx, "apply", "/data/P1", "/out", map[string]any{"plate": "P1", "channels": []string{"dapi", "cy3"}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	q.mu.Lock()
	if len(q.jobs) != 1 || q.jobs[0].ID != id || q.jobs[0].Type != pipeline.JobApply {
		t.Fatalf("unexpected queued jobs %+v", q.jobs)
	}
	if q.jobs[0].Plate() != "P1" || q.jobs[0].InputPath != "/data/P1" {
		t.Fatalf("job fields lost in transit: %+v", q.jobs[0])
	}
	q.mu.Unlock()

	if err := store.RecordJobQueued(storage.JobRecord{ID: id, JobType: "apply", Status: "queued", Plate: "P1"}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := store.RecordJobResult(id, "completed", map[string]any{"images": 6}, ""); err != nil {
		t.Fatalf("result: %v", err)
	}
	got, err := client.Status(ctx, id)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	job, _ := got["job"].(map[string]any)
	meta, _ := got["meta"].(map[string]any)
	if job["status"] != "completed" || meta["images"] != float64(6) {
		t.Fatalf("unexpected status %v", got)
	}

	_, err = client.Status(ctx, "missing")
	if status.Code(err) != codes.NotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestSubmitErrors(t *testing.T) {
	client, q, _ := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Submit(ctx, "stack", "", "", nil); status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
	q.mu.Lock()
	q.err = pipeline.ErrQueueFull
	q.mu.Unlock()
	if _, err := client.Submit(ctx, "scan", "/data", "", nil); status.Code(err) != codes.ResourceExhausted {
		t.Fatalf("expected ResourceExhausted, got %v", err)
	}
}

func TestWatchStreamsResults(t *testing.T) {
	client, q, _ := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	q.results <- pipeline.Result{
		Job:  pipeline.Job{ID: "scan-1", Type: pipeline.JobScan},
		Meta: map[string]any{"cycles": []int{1, 2, 3}},
	}
	errStop := errors.New("stop")
	var got map[string]any
	err := client.Watch(ctx, func(ev map[string]any) error {
		got = ev
		return errStop
	})
	if !errors.Is(err, errStop) {
		t.Fatalf("expected watch to end with the callback error, got %v", err)
	}
	meta, _ := got["meta"].(map[string]any)
	cycles, _ := meta["cycles"].([]any)
	if got["id"] != "scan-1" || len(cycles) != 3 {
		t.Fatalf("unexpected event %v", got)
	}
}
