package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"log/slog"

	"plexalign/internal/config"
	"plexalign/internal/logging"
	"plexalign/internal/storage"
)

// JobType enumerates supported processing categories.
type JobType string

const (
	JobScan      JobType = "scan"
	JobRegister  JobType = "register"
	JobAggregate JobType = "aggregate"
	JobApply     JobType = "apply"
	JobSeparate  JobType = "separate"
)

// ParseJobType maps a name to a known JobType.
func ParseJobType(s string) (JobType, bool) {
	switch t := JobType(s); t {
	case JobScan, JobRegister, JobAggregate, JobApply, JobSeparate:
		return t, true
	}
	return "", false
}

var (
	// ErrQueueFull is returned by Submit when every queue slot is taken.
	ErrQueueFull = errors.New("job queue is full")
	// ErrStopped is returned by Submit after Stop.
	ErrStopped = errors.New("pipeline stopped")
)

// subscriberBuffer is the result buffer of each subscription.
const subscriberBuffer = 64

// broadcastTimeout bounds how long a finished job waits on slow subscribers.
var broadcastTimeout = 2 * time.Second

// Job represents a single processing request.
type Job struct {
	ID        string
	Type      JobType
	InputPath string
	Output    string
	Options   map[string]any
}

// Plate returns the plate option of the job, if any.
func (j Job) Plate() string {
	plate, _ := j.Options["plate"].(string)
	return plate
}

// Result captures the outcome of a Job.
type Result struct {
	Job   Job
	Error error
	Meta  map[string]any
}

// Processor executes a job and returns a Result.
type Processor interface {
	Process(ctx context.Context, job Job) Result
}

// Pipeline orchestrates job dispatch across workers.
type Pipeline struct {
	processor Processor
	log       *slog.Logger
	jobs      chan Job
	wg        sync.WaitGroup
	cancel    context.CancelFunc
	startOnce sync.Once
	stopOnce  sync.Once
	store     *storage.Store
	mu        sync.Mutex
	stopped   bool
	subs      map[int]chan Result
	nextSubID int
}

// New creates a new Pipeline with the given concurrency, routing jobs to the
// alignment and segmentation tasks.
func New(ctx context.Context, concurrency int, logger *slog.Logger, store *storage.Store, cfg *config.Config) *Pipeline {
	if cfg == nil {
		cfg = config.Default()
	}
	return newPipeline(ctx, concurrency, logger, store, newRouter(logger, store, cfg))
}

func newPipeline(ctx context.Context, concurrency int, logger *slog.Logger, store *storage.Store, proc Processor) *Pipeline {
	if concurrency < 1 {
		concurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &Pipeline{
		log:    logger,
		jobs:   make(chan Job, concurrency*2),
		cancel: cancel,
		store:  store,
		subs:   make(map[int]chan Result),
	}

	// Start worker pool
	p.startOnce.Do(func() {
		p.processor = proc
		for i := 0; i < concurrency; i++ {
			p.wg.Add(1)
			go p.worker(ctx, i)
		}
	})

	return p
}

// Submit adds a job to the processing queue. The job is recorded as queued
// before it is handed to a worker so plate barriers see it immediately.
func (p *Pipeline) Submit(job Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrStopped
	}

	// Record the job before a worker can pick it up
	if p.store != nil {
		optsJSON, _ := json.Marshal(job.Options)
		if err := p.store.RecordJobQueued(storage.JobRecord{
			ID:          job.ID,
			JobType:     string(job.Type),
			Status:      "queued",
			Plate:       job.Plate(),
			InputPath:   job.InputPath,
			OutputPath:  job.Output,
			OptionsJSON: string(optsJSON),
		}); err != nil {
			p.log.Warn("failed to record queued job", "job", job.ID, "error", err)
		}
	}

	// Never block the caller on a full queue
	select {
	case p.jobs <- job:
		return nil
	default:
		if p.store != nil {
			_ = p.store.RecordJobResult(job.ID, "failed", nil, ErrQueueFull.Error())
		}
		return ErrQueueFull
	}
}

// Stop rejects further submissions, lets workers drain the queue and waits
// for them to exit.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		// Refuse new jobs and let workers drain what is queued
		p.mu.Lock()
		p.stopped = true
		close(p.jobs)
		p.mu.Unlock()

		p.wg.Wait()
		p.cancel()

		// Release subscribers still waiting for results
		p.mu.Lock()
		for id, ch := range p.subs {
			close(ch)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	})
}

func (p *Pipeline) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			p.run(ctx, job)
		}
	}
}

func (p *Pipeline) run(ctx context.Context, job Job) {
	start := time.Now()

	// Enhanced job start logging
	logging.LogJobStart(p.log, string(job.Type), job.ID, job.InputPath, job.Output, job.Options)

	if p.store != nil {
		_ = p.store.RecordJobStart(job.ID)
	}

	// Process the job
	res := p.processor.Process(ctx, job)
	res.Job = job
	duration := time.Since(start)

	// Log and persist the outcome
	status := "completed"
	if res.Error != nil {
		status = "failed"
		logging.LogJobError(p.log, string(job.Type), job.ID, duration, res.Error, map[string]any{
			"input":   job.InputPath,
			"output":  job.Output,
			"options": job.Options,
		})
	} else {
		logging.LogJobComplete(p.log, string(job.Type), job.ID, duration, res.Meta)
	}
	if p.store != nil {
		if err := p.store.RecordJobResult(job.ID, status, res.Meta, errString(res.Error)); err != nil {
			p.log.Warn("failed to record job result", "job", job.ID, "error", err)
		}
	}

	// Notify subscribers once the status is stored
	p.broadcast(res)
}

// Subscribe returns a channel for receiving job results and an unsubscribe function.
func (p *Pipeline) Subscribe() (<-chan Result, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	ch := make(chan Result, subscriberBuffer)
	p.subs[id] = ch
	unsub := func() {
		p.mu.Lock()
		if c, ok := p.subs[id]; ok {
			close(c)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	}
	return ch, unsub
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// broadcast delivers res to every subscriber. Full buffers are waited on
// for at most broadcastTimeout in total before results are dropped.
func (p *Pipeline) broadcast(res Result) {
	p.mu.Lock()
	defer p.mu.Unlock()

	timer := time.NewTimer(broadcastTimeout)
	defer timer.Stop()
	expired := false
	for id, ch := range p.subs {
		select {
		case ch <- res:
			continue
		default:
		}
		if !expired {
			select {
			case ch <- res:
				continue
			case <-timer.C:
				expired = true
			}
		}
		p.log.Warn("result channel full, dropping result", "subscriber", id, "job", res.Job.ID)
	}
}
