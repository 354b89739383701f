package postcall

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

var (
	ErrQueueFull = errors.New("post-call queue full")
	ErrShutdown  = errors.New("post-call processor shut down")
)

// JobTimeout bounds one pipeline run.
const JobTimeout = 3 * time.Minute

// Processor runs jobs on a fixed set of workers fed by a bounded queue, so a
// slow analysis never holds up the call that produced it.
type Processor struct {
	pipeline *Pipeline
	log      *slog.Logger
	jobs     chan Job
	wg       sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
}

// NewProcessor starts workers goroutines.
func NewProcessor(p *Pipeline, workers, queue int) *Processor {
	if workers <= 0 {
		workers = 1
	}
	if queue <= 0 {
		queue = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	proc := &Processor{
		pipeline: p,
		log:      p.logger(),
		jobs:     make(chan Job, queue),
		ctx:      ctx,
		cancel:   cancel,
	}
	for i := 0; i < workers; i++ {
		proc.wg.Add(1)
		go proc.worker(i)
	}
	return proc
}

// Submit enqueues job without blocking.
func (p *Processor) Submit(job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrShutdown
	}
	select {
	case p.jobs <- job:
		return nil
	default:
		p.pipeline.Metrics.PostCallFailed("queue_full")
		return ErrQueueFull
	}
}

func (p *Processor) worker(id int) {
	defer p.wg.Done()
	for job := range p.jobs {
		p.run(id, job)
	}
}

func (p *Processor) run(id int, job Job) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("recovered from panic in post-call worker", "call_sid", job.CallSID, "panic", r)
		}
	}()
	ctx, cancel := context.WithTimeout(p.ctx, JobTimeout)
	defer cancel()
	start := time.Now()
	if _, err := p.pipeline.Run(ctx, job); err != nil {
		p.pipeline.Metrics.PostCallFailed("pipeline")
		p.log.Error("post-call processing failed", "call_sid", job.CallSID, "worker", id, "error", err)
		return
	}
	p.log.Debug("post-call job done", "call_sid", job.CallSID, "worker", id, "elapsed", time.Since(start))
}

// Shutdown stops accepting jobs and waits for queued ones. When ctx expires
// first, in-flight jobs are cancelled.
func (p *Processor) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.jobs)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}
