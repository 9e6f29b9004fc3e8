package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"

	"plexalign/internal/pipeline"
	"plexalign/internal/registration"
	"plexalign/internal/storage"
)

type fakeQueue struct {
	mu      sync.Mutex
	jobs    []pipeline.Job
	err     error
	results chan pipeline.Result
}

func newFakeQueue() *fakeQueue { return &fakeQueue{results: make(chan pipeline.Result, 16)} }

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

func newTestServer(t *testing.T) (*Server, *storage.Store, *fakeQueue) {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "server.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	q := newFakeQueue()
	return NewServer(":0", store, q, nil, slog.New(slog.NewTextHandler(io.Discard, nil))), store, q
}

func TestHealth(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("unexpected health response %d %q", rec.Code, rec.Body.String())
	}
}

func TestSubmitJob(t *testing.T) {
	s, _, q := newTestServer(t)
	h := s.Handler()

	body := `{"type": "register", "options": {"plate": "P1", "site": 4}}`
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/jobs", strings.NewReader(body)))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(q.jobs) != 1 || q.jobs[0].ID != resp["id"] || q.jobs[0].Type != pipeline.JobRegister {
		t.Fatalf("unexpected queued jobs %+v (response %v)", q.jobs, resp)
	}
	if q.jobs[0].Plate() != "P1" {
		t.Fatalf("expected plate option to survive, got %+v", q.jobs[0].Options)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/jobs", strings.NewReader(`{"type": "timelapse"}`)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown type, got %d", rec.Code)
	}

	q.err = pipeline.ErrQueueFull
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/jobs", strings.NewReader(`{"type": "scan", "input": "/data"}`)))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when the queue is full, got %d", rec.Code)
	}
}

func TestJobLookup(t *testing.T) {
	s, store, _ := newTestServer(t)
	if err := store.RecordJobQueued(storage.JobRecord{ID: "j1", JobType: "scan", Status: "queued"}); err != nil {
		t.Fatalf("queue: %v", err)
	}
	if err := store.RecordJobResult("j1", "completed", map[string]any{"images": 12}, ""); err != nil {
		t.Fatalf("result: %v", err)
	}
	h := s.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/jobs/j1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Job  storage.JobRecord `json:"job"`
		Meta map[string]any    `json:"meta"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Job.Status != "completed" || body.Meta["images"] != float64(12) {
		t.Fatalf("unexpected job body %+v", body)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/jobs/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/jobs", nil))
	var recent []storage.JobRecord
	if err := json.NewDecoder(rec.Body).Decode(&recent); err != nil || len(recent) != 1 {
		t.Fatalf("expected one recent job, got %v (%v)", recent, err)
	}
}

func TestPlateEndpoints(t *testing.T) {
	s, store, _ := newTestServer(t)
	shifts := []registration.SiteShift{{Site: 1, Cycle: 1}, {Site: 1, Cycle: 2, Y: -5, X: 8}}
	if err := store.ReplaceSiteShifts("reg", "P1", 1, shifts); err != nil {
		t.Fatalf("record shifts: %v", err)
	}
	d := &registration.Descriptor{
		Plate: "P1", Cycle: 2, ReferenceCycle: 1,
		Overhangs:         registration.Overhang{Top: 5, Right: 8},
		Shifts:            shifts[1:],
		MaxToleratedShift: 100,
	}
	if err := store.RecordDescriptor("/out/P1_cycle02_alignment.yaml", d); err != nil {
		t.Fatalf("record descriptor: %v", err)
	}
	h := s.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/plates/P1/shifts", nil))
	var gotShifts []registration.SiteShift
	if err := json.NewDecoder(rec.Body).Decode(&gotShifts); err != nil {
		t.Fatalf("decode shifts: %v", err)
	}
	if diff := cmp.Diff(shifts, gotShifts); diff != "" {
		t.Fatalf("unexpected shifts (-want +got):\n%s", diff)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/plates/P1/descriptors/2?format=yaml", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	got, err := registration.DecodeDescriptor(rec.Body, registration.FormatYAML)
	if err != nil {
		t.Fatalf("decode yaml: %v", err)
	}
	if diff := cmp.Diff(d, got); diff != "" {
		t.Fatalf("unexpected descriptor (-want +got):\n%s", diff)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/plates/P1/descriptors/7", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for a missing cycle, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/plates/P9/descriptors", nil))
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("expected an empty list for an unknown plate, got %s", rec.Body.String())
	}
}

func TestJobStream(t *testing.T) {
	s, _, q := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, "GET", ts.URL+"/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer resp.Body.Close()

	q.results <- pipeline.Result{
		Job:   pipeline.Job{ID: "sep-1", Type: pipeline.JobSeparate},
		Error: errors.New("bad mask"),
	}
	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	if err != nil {
		t.Fatalf("read event: %v", err)
	}
	var ev Event
	if err := json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &ev); err != nil {
		t.Fatalf("decode event %q: %v", line, err)
	}
	if ev.ID != "sep-1" || ev.Error != "bad mask" {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestWebSocketReceivesResults(t *testing.T) {
	s, _, q := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.run(ctx)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// The client registers with the hub asynchronously; publish until one
	// event arrives.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				select {
				case q.results <- pipeline.Result{Job: pipeline.Job{ID: "agg-1", Type: pipeline.JobAggregate, Options: map[string]any{"plate": "P1"}}}:
				default:
				}
			}
		}
	}()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ev Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.ID != "agg-1" || ev.Plate != "P1" || ev.Type != "aggregate" {
		t.Fatalf("unexpected event %+v", ev)
	}
}
