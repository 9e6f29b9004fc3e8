package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"plexalign/internal/config"
	"plexalign/internal/grpcserver"
	"plexalign/internal/pipeline"
	"plexalign/internal/storage"
	"plexalign/internal/tasks"
)

type pipelineClient interface {
	Submit(job pipeline.Job) error
	Subscribe() (<-chan pipeline.Result, func())
}

// remoteClient is the part of the gRPC client used by submit and watch.
type remoteClient interface {
	Submit(ctx context.Context, jobType, input, output string, options map[string]any) (string, error)
	Status(ctx context.Context, id string) (map[string]any, error)
	Watch(ctx context.Context, fn func(event map[string]any) error) error
	Close() error
}

type serverFunc func(ctx context.Context, root *Root, opts serveOptions) error

type scanFunc func(input, pattern string) (tasks.ScanResult, error)

type dialFunc func(addr string) (remoteClient, error)

func defaultDial(addr string) (remoteClient, error) {
	return grpcserver.Dial(addr)
}

// Root wires CLI commands to the pipeline.
type Root struct {
	pipeline pipelineClient
	cfg      *config.Config
	log      *slog.Logger
	store    *storage.Store
	serveFn  serverFunc
	scanFn   scanFunc
	dialFn   dialFunc
}

// NewRoot constructs the shared state of every command.
func NewRoot(pl pipelineClient, cfg *config.Config, logger *slog.Logger, store *storage.Store) *Root {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Root{
		pipeline: pl,
		cfg:      cfg,
		log:      logger,
		store:    store,
		serveFn:  defaultServe,
		scanFn:   tasks.Scan,
		dialFn:   defaultDial,
	}
}

const queueRetryDelay = 50 * time.Millisecond

// resultPollInterval is how often enqueueAll checks the job store for
// results it did not receive from the pipeline.
var resultPollInterval = time.Second

func newID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

func (r *Root) enqueueAndWait(ctx context.Context, job pipeline.Job) (pipeline.Result, error) {
	results, err := r.enqueueAll(ctx, []pipeline.Job{job})
	return results[0], err
}

// enqueueAll submits jobs and waits until every one of them has finished.
// A full queue is retried while earlier jobs drain. Results normally arrive
// on the pipeline subscription; the job store is polled as well so a result
// dropped by a slow subscription is still seen. Results are returned in
// submission order; the error joins every job failure.
func (r *Root) enqueueAll(ctx context.Context, jobs []pipeline.Job) ([]pipeline.Result, error) {
	resCh, unsubscribe := r.pipeline.Subscribe()
	defer unsubscribe()

	index := make(map[string]int, len(jobs))
	for i, job := range jobs {
		index[job.ID] = i
	}

	accepted := make(chan int, len(jobs))
	submitErr := make(chan error, 1)
	go func() {
		for i, job := range jobs {
			for {
				err := r.enqueue(ctx, job)
				if errors.Is(err, pipeline.ErrQueueFull) {
					select {
					case <-ctx.Done():
						submitErr <- ctx.Err()
						return
					case <-time.After(queueRetryDelay):
						continue
					}
				}
				if err != nil {
					submitErr <- err
					return
				}
				accepted <- i
				break
			}
		}
		submitErr <- nil
	}()

	var poll <-chan time.Time
	if r.store != nil {
		ticker := time.NewTicker(resultPollInterval)
		defer ticker.Stop()
		poll = ticker.C
	}

	results := make([]pipeline.Result, len(jobs))
	done := make([]bool, len(jobs))
	inQueue := make([]bool, len(jobs))
	var errs []error
	finish := func(i int, res pipeline.Result) {
		if done[i] {
			return
		}
		done[i] = true
		results[i] = res
		if res.Error != nil {
			errs = append(errs, fmt.Errorf("%s %s: %w", res.Job.Type, res.Job.ID, res.Error))
		}
	}

	for countPending(done) > 0 {
		select {
		case <-ctx.Done():
			return results, ctx.Err()
		case err := <-submitErr:
			if err != nil {
				return results, err
			}
		case i := <-accepted:
			inQueue[i] = true
		case res, ok := <-resCh:
			if !ok {
				return results, fmt.Errorf("pipeline stopped before completion")
			}
			if i, mine := index[res.Job.ID]; mine {
				finish(i, res)
			}
		case <-poll:
			for i, job := range jobs {
				if !inQueue[i] || done[i] {
					continue
				}
				if res, ok := r.storedResult(job); ok {
					r.log.Debug("job result read from store", "job", job.ID)
					finish(i, res)
				}
			}
		}
	}
	return results, errors.Join(errs...)
}

func countPending(done []bool) int {
	n := 0
	for _, d := range done {
		if !d {
			n++
		}
	}
	return n
}

// storedResult rebuilds the result of a finished job from the job store.
func (r *Root) storedResult(job pipeline.Job) (pipeline.Result, bool) {
	rec, err := r.store.Job(job.ID)
	if err != nil {
		return pipeline.Result{}, false
	}
	res := pipeline.Result{Job: job}
	switch rec.Status {
	case "completed":
	case "failed":
		res.Error = errors.New(rec.Error)
	default:
		return pipeline.Result{}, false
	}
	if meta, err := r.store.JobMeta(job.ID); err == nil {
		res.Meta = meta
	}
	return res, true
}

func (r *Root) enqueue(ctx context.Context, job pipeline.Job) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if err := r.pipeline.Submit(job); err != nil {
		return err
	}

	r.log.Info("job queued", "type", job.Type, "id", job.ID, "input", job.InputPath)
	return nil
}
