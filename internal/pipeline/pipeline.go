package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"focusstack/internal/focus"
	"focusstack/internal/imaging"
	"focusstack/internal/logging"
	"focusstack/internal/storage"
)

// JobType enumerates supported processing categories.
type JobType string

const (
	JobStack     JobType = "stack"
	JobAlign     JobType = "align"
	JobSharpness JobType = "sharpness"
)

// ParseJobType accepts the names of the supported job types.
func ParseJobType(s string) (JobType, bool) {
	switch t := JobType(s); t {
	case JobStack, JobAlign, JobSharpness:
		return t, true
	}
	return "", false
}

// Job represents a single processing request. Inputs lists frames in stack
// order; when empty, InputPath names a directory whose images are used.
type Job struct {
	ID        string
	Type      JobType
	Inputs    []string
	InputPath string
	Output    string
	Options   map[string]any
}

// NewID returns a fresh job identifier.
func NewID() string {
	return uuid.NewString()
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

// Settings carry the stacking defaults every job starts from.
type Settings struct {
	Codec        imaging.Codec
	Options      focus.Options
	Capabilities focus.Capabilities
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
	subs      map[int]chan Result
	nextSubID int
	stopped   bool
}

// New creates a new Pipeline with the given concurrency running the
// built-in stack, align and sharpness handlers.
func New(ctx context.Context, concurrency int, logger *slog.Logger, store *storage.Store, settings Settings) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return NewWithProcessor(ctx, concurrency, logger, store, newRouter(logger, store, settings))
}

// NewWithProcessor is New with an explicit Processor.
func NewWithProcessor(ctx context.Context, concurrency int, logger *slog.Logger, store *storage.Store, proc Processor) *Pipeline {
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

	p.startOnce.Do(func() {
		p.processor = proc
		for i := 0; i < concurrency; i++ {
			p.wg.Add(1)
			go p.worker(ctx, i)
		}
	})

	return p
}

// Submit adds a job to the processing queue. A job without an ID gets one.
func (p *Pipeline) Submit(job Job) (Job, error) {
	if job.ID == "" {
		job.ID = NewID()
	}
	if _, ok := ParseJobType(string(job.Type)); !ok {
		return job, errors.New("unknown job type: " + string(job.Type))
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return job, errors.New("pipeline is stopped")
	}

	if p.store != nil {
		optsJSON, _ := json.Marshal(job.Options)
		if err := p.store.RecordJobQueued(storage.JobRecord{
			ID:          job.ID,
			JobType:     string(job.Type),
			Status:      "queued",
			InputPath:   inputLabel(job),
			OutputPath:  job.Output,
			OptionsJSON: string(optsJSON),
		}); err != nil {
			p.log.Warn("failed to record queued job", "id", job.ID, "error", err)
		}
	}

	select {
	case p.jobs <- job:
	default:
		err := errors.New("job queue is full")
		if p.store != nil {
			_ = p.store.RecordJobResult(job.ID, "rejected", nil, err.Error())
		}
		return job, err
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

		p.cancel()
		p.wg.Wait()
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
	logging.LogJobStart(p.log, string(job.Type), job.ID, len(job.Inputs), job.Output, job.Options)

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
			"input":   inputLabel(job),
			"output":  job.Output,
			"options": job.Options,
		})
	} else {
		logging.LogJobComplete(p.log, string(job.Type), job.ID, duration, res.Meta)
	}
	if p.store != nil {
		if err := p.store.RecordJobResult(job.ID, status, res.Meta, errString(res.Error)); err != nil {
			p.log.Warn("failed to record job result", "id", job.ID, "error", err)
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
	if p.stopped {
		close(ch)
		return ch, func() {}
	}
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

func inputLabel(job Job) string {
	if job.InputPath != "" {
		return job.InputPath
	}
	if len(job.Inputs) > 0 {
		return job.Inputs[0]
	}
	return ""
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
