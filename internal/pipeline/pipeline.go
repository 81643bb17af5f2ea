package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"log/slog"

	"geoseg/internal/config"
	"geoseg/internal/logging"
	"geoseg/internal/storage"

	"github.com/google/uuid"
)

// JobType enumerates supported processing categories.
type JobType string

const (
	JobBuild    JobType = "build"
	JobPredict  JobType = "predict"
	JobEvaluate JobType = "evaluate"
	JobIndices  JobType = "indices"
	JobPrepare  JobType = "prepare"
)

// JobTypes lists every type the router accepts.
func JobTypes() []JobType {
	return []JobType{JobBuild, JobPredict, JobEvaluate, JobIndices, JobPrepare}
}

// Job represents a single processing request.
type Job struct {
	ID        string         `json:"id"`
	Type      JobType        `json:"type"`
	InputPath string         `json:"input,omitempty"`
	Output    string         `json:"output,omitempty"`
	Options   map[string]any `json:"options,omitempty"`
}

// Result captures the outcome of a Job.
type Result struct {
	Job   Job
	Error error
	Meta  map[string]any
}

// Event is the serialisable form of a Result sent to stream subscribers.
type Event struct {
	Job    Job            `json:"job"`
	Status string         `json:"status"`
	Error  string         `json:"error,omitempty"`
	Meta   map[string]any `json:"meta,omitempty"`
}

// Event converts the result for streaming.
func (r Result) Event() Event {
	ev := Event{Job: r.Job, Status: "completed", Meta: r.Meta}
	if r.Error != nil {
		ev.Status = "failed"
		ev.Error = r.Error.Error()
	}
	return ev
}

// ErrQueueFull is returned by Submit when no worker can take the job.
var ErrQueueFull = errors.New("job queue is full")

// ErrStopped is returned by Submit after Stop.
var ErrStopped = errors.New("pipeline stopped")

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

// New creates a Pipeline whose workers route jobs using cfg.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, store *storage.Store) *Pipeline {
	return NewWithProcessor(ctx, cfg.Processing, logger, store, newRouter(cfg, logger, store))
}

// NewWithProcessor creates a Pipeline around an arbitrary processor.
func NewWithProcessor(ctx context.Context, pc config.Processing, logger *slog.Logger, store *storage.Store, proc Processor) *Pipeline {
	concurrency := pc.ParallelJobs
	if concurrency < 1 {
		concurrency = 1
	}
	queue := pc.QueueSize
	if queue < 1 {
		queue = concurrency * 2
	}
	if logger == nil {
		logger = logging.Discard()
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &Pipeline{
		processor: proc,
		log:       logger,
		jobs:      make(chan Job, queue),
		cancel:    cancel,
		store:     store,
		subs:      make(map[int]chan Result),
	}

	p.startOnce.Do(func() {
		for i := 0; i < concurrency; i++ {
			p.wg.Add(1)
			go p.worker(ctx, i)
		}
	})

	return p
}

// NewJob returns a job with a fresh ID.
func NewJob(t JobType, input, output string, opts map[string]any) Job {
	return Job{ID: uuid.NewString(), Type: t, InputPath: input, Output: output, Options: opts}
}

// Submit adds a job to the processing queue, assigning an ID if it has none.
func (p *Pipeline) Submit(job Job) (Job, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return job, ErrStopped
	}

	if p.store != nil {
		optsJSON, _ := json.Marshal(job.Options)
		if err := p.store.RecordJobQueued(storage.JobRecord{
			ID:          job.ID,
			JobType:     string(job.Type),
			Status:      "queued",
			InputPath:   job.InputPath,
			OutputPath:  job.Output,
			OptionsJSON: string(optsJSON),
		}); err != nil {
			p.log.Warn("failed to record queued job", "job", job.ID, "error", err)
		}
	}

	select {
	case p.jobs <- job:
	default:
		_ = p.store.RecordJobResult(job.ID, "rejected", nil, ErrQueueFull.Error())
		return job, ErrQueueFull
	}
	return job, nil
}

// Stop signals workers to exit and waits for completion.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopped = true
		close(p.jobs)
		p.mu.Unlock()
		p.wg.Wait()
		p.cancel()
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
	logging.LogJobStart(p.log, string(job.Type), job.ID, job.InputPath, job.Output, job.Options)

	if p.store != nil {
		_ = p.store.RecordJobStart(job.ID)
	}
	res := p.processor.Process(ctx, job)
	res.Job = job
	duration := time.Since(start)

	status := "completed"
	if res.Error != nil {
		status = "failed"
		logging.LogJobError(p.log, string(job.Type), job.ID, duration, res.Error, map[string]any{
			"input":  job.InputPath,
			"output": job.Output,
		})
	} else {
		logging.LogJobComplete(p.log, string(job.Type), job.ID, duration, res.Meta)
	}
	if p.store != nil {
		if err := p.store.RecordJobResult(job.ID, status, res.Meta, errString(res.Error)); err != nil {
			p.log.Warn("failed to record job result", "job", job.ID, "error", err)
		}
	}

	p.broadcast(res)
}

// Subscribe returns a channel for receiving job results and an unsubscribe function.
func (p *Pipeline) Subscribe() (<-chan Result, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	ch := make(chan Result, 8)
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

func (p *Pipeline) broadcast(res Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.subs {
		select {
		case ch <- res:
		default:
			p.log.Warn("result channel full", "subscriber", id, "job", res.Job.ID)
		}
	}
}
