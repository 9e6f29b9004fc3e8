package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"plexalign/internal/pipeline"
	"plexalign/internal/registration"
	"plexalign/internal/storage"
	"plexalign/internal/tasks"
)

// JobQueue is the part of the pipeline the HTTP front needs.
type JobQueue interface {
	Submit(job pipeline.Job) error
	Subscribe() (<-chan pipeline.Result, func())
}

// Server exposes the job queue, job history and alignment results over HTTP.
type Server struct {
	addr    string
	store   *storage.Store
	queue   JobQueue
	watcher *tasks.Watcher
	hub     *hub
	log     *slog.Logger
	server  *http.Server
}

// NewServer creates a server. watcher may be nil; when set, every site it
// reports complete is recorded and queued for registration.
func NewServer(addr string, store *storage.Store, queue JobQueue, watcher *tasks.Watcher, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		addr:    addr,
		store:   store,
		queue:   queue,
		watcher: watcher,
		hub:     newHub(log),
		log:     log,
	}
}

// Start begins the server and monitoring services. It returns once ctx is
// cancelled and the listener has shut down.
func (s *Server) Start(ctx context.Context) error {
	if s.watcher != nil {
		if err := s.watcher.Start(); err != nil {
			s.log.Error("failed to start watcher", "error", err)
			return err
		}
	}
	s.run(ctx)

	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.log.Info("shutting down http server")
		if s.watcher != nil {
			s.watcher.Stop()
		}
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("http server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// run starts the background loops: the websocket hub, result forwarding and
// the watcher consumer.
func (s *Server) run(ctx context.Context) {
	go s.hub.run(ctx)
	go s.forwardResults(ctx)
	if s.watcher != nil {
		go s.consumeWatcher(ctx)
	}
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/jobs", s.handleJobs).Methods("GET")
	r.HandleFunc("/jobs", s.handleSubmit).Methods("POST")
	r.HandleFunc("/jobs/{id}", s.handleJob).Methods("GET")
	r.HandleFunc("/stream", s.handleJobStream).Methods("GET")
	r.HandleFunc("/ws", s.handleWebSocket).Methods("GET")
	r.HandleFunc("/plates/{plate}/shifts", s.handleShifts).Methods("GET")
	r.HandleFunc("/plates/{plate}/descriptors", s.handleDescriptors).Methods("GET")
	r.HandleFunc("/plates/{plate}/descriptors/{cycle:[0-9]+}", s.handleDescriptor).Methods("GET")
	return r
}

// SubmitRequest is the body of POST /jobs.
type SubmitRequest struct {
	Type    string         `json:"type"`
	Input   string         `json:"input"`
	Output  string         `json:"output"`
	Options map[string]any `json:"options"`
}

// Event is the wire form of a finished job on /stream and /ws.
type Event struct {
	ID    string         `json:"id"`
	Type  string         `json:"type"`
	Plate string         `json:"plate,omitempty"`
	Error string         `json:"error,omitempty"`
	Meta  map[string]any `json:"meta,omitempty"`
}

func newEvent(res pipeline.Result) Event {
	ev := Event{ID: res.Job.ID, Type: string(res.Job.Type), Plate: res.Job.Plate(), Meta: res.Meta}
	if res.Error != nil {
		ev.Error = res.Error.Error()
	}
	return ev
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = n
	}
	recs, err := s.store.RecentJobs(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if recs == nil {
		recs = []storage.JobRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	jt, ok := pipeline.ParseJobType(req.Type)
	if !ok {
		writeError(w, http.StatusBadRequest, errors.New("unknown job type: "+req.Type))
		return
	}
	job := pipeline.Job{
		ID:        uuid.NewString(),
		Type:      jt,
		InputPath: req.Input,
		Output:    req.Output,
		Options:   req.Options,
	}
	if err := s.queue.Submit(job); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, pipeline.ErrQueueFull) || errors.Is(err, pipeline.ErrStopped) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": job.ID})
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rec, err := s.store.Job(id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	body := map[string]any{"job": rec}
	if meta, err := s.store.JobMeta(id); err == nil {
		body["meta"] = meta
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	flusher.Flush()
	resCh, unsubscribe := s.queue.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-r.Context().Done():
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			payload, _ := json.Marshal(newEvent(res))
			_, _ = w.Write([]byte("data: " + string(payload) + "\n\n"))
			flusher.Flush()
		}
	}
}

func (s *Server) handleShifts(w http.ResponseWriter, r *http.Request) {
	shifts, err := s.store.SiteShifts(mux.Vars(r)["plate"])
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if shifts == nil {
		shifts = []registration.SiteShift{}
	}
	writeJSON(w, http.StatusOK, shifts)
}

func (s *Server) handleDescriptors(w http.ResponseWriter, r *http.Request) {
	descriptors, err := s.store.Descriptors(mux.Vars(r)["plate"])
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if descriptors == nil {
		descriptors = []*registration.Descriptor{}
	}
	writeJSON(w, http.StatusOK, descriptors)
}

// handleDescriptor serves one descriptor as JSON, or as YAML with ?format=yaml.
func (s *Server) handleDescriptor(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	cycle, _ := strconv.Atoi(vars["cycle"])
	d, err := s.store.Descriptor(vars["plate"], cycle)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	format := registration.FormatJSON
	if v := r.URL.Query().Get("format"); v != "" {
		if format, err = registration.ParseFormat(v); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	if format == registration.FormatYAML {
		w.Header().Set("Content-Type", "application/yaml")
	} else {
		w.Header().Set("Content-Type", "application/json")
	}
	if err := d.Encode(w, format); err != nil {
		s.log.Warn("encode descriptor", "plate", d.Plate, "cycle", d.Cycle, "error", err)
	}
}

// consumeWatcher turns complete sites into register jobs.
func (s *Server) consumeWatcher(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ready, ok := <-s.watcher.Ready:
			if !ok {
				return
			}
			acqs := make([]storage.Acquisition, len(ready.Acquisitions))
			for i, a := range ready.Acquisitions {
				acqs[i] = storage.Acquisition(a)
			}
			if err := s.store.RecordAcquisitions(acqs); err != nil {
				s.log.Error("failed to record acquisitions", "plate", ready.Plate, "site", ready.Site, "error", err)
				continue
			}
			job := pipeline.Job{
				ID:      uuid.NewString(),
				Type:    pipeline.JobRegister,
				Options: map[string]any{"plate": ready.Plate, "site": ready.Site},
			}
			if err := s.queue.Submit(job); err != nil {
				s.log.Error("failed to queue register job", "plate", ready.Plate, "site", ready.Site, "error", err)
				continue
			}
			s.log.Info("site complete, registration queued", "plate", ready.Plate, "site", ready.Site, "job", job.ID)
		}
	}
}
