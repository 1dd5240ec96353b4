package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"virtualfit/pkg/job"
	"virtualfit/pkg/messaging"
)

var (
	// ErrQueueFull is returned when every worker is busy and the backlog is at capacity
	ErrQueueFull = errors.New("job queue is full")

	// ErrStopped is returned for jobs dispatched after Stop
	ErrStopped = errors.New("worker pool stopped")
)

// Dispatcher hands an accepted job to whatever will process it.
type Dispatcher interface {
	Dispatch(ctx context.Context, jobID string) error
}

// Handler processes one job
type Handler func(ctx context.Context, jobID string) error

// Pool runs jobs on a fixed number of goroutines with a bounded backlog
type Pool struct {
	handler     Handler
	concurrency int
	jobs        chan string
	logger      *slog.Logger

	mu      sync.RWMutex
	started bool
	stopped bool
	wg      sync.WaitGroup
}

// NewPool creates a pool; call Start before dispatching
func NewPool(concurrency, queueSize int, handler Handler, logger *slog.Logger) *Pool {
	if concurrency < 1 {
		concurrency = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		handler:     handler,
		concurrency: concurrency,
		jobs:        make(chan string, queueSize),
		logger:      logger,
	}
}

// Start launches the workers
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.stopped {
		return
	}
	p.started = true

	p.logger.Info("starting worker pool", "concurrency", p.concurrency, "queue_size", cap(p.jobs))
	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go p.loop(i)
	}
}

func (p *Pool) loop(n int) {
	defer p.wg.Done()
	for id := range p.jobs {
		p.run(n, id)
	}
}

func (p *Pool) run(n int, id string) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("worker recovered from panic", "worker", n, "job_id", id, "panic", r)
		}
	}()

	if err := p.handler(context.Background(), id); err != nil {
		p.logger.Warn("job finished with error", "worker", n, "job_id", id, "error", err)
		return
	}
	p.logger.Debug("job finished", "worker", n, "job_id", id)
}

// Dispatch enqueues a job without blocking. It fails with ErrQueueFull
// when the backlog is at capacity.
func (p *Pool) Dispatch(ctx context.Context, jobID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrStopped
	}

	select {
	case p.jobs <- jobID:
		return nil
	default:
		return ErrQueueFull
	}
}

// Pending returns the number of queued jobs not yet picked up
func (p *Pool) Pending() int {
	return len(p.jobs)
}

// Stop stops accepting jobs and waits until queued and in-flight jobs finish.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.jobs)
	started := p.started
	p.mu.Unlock()

	if !started {
		// nobody will drain the backlog
		for range p.jobs {
		}
	}
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

// QueueWorker feeds jobs consumed from a message queue into a handler
type QueueWorker struct {
	consumer  Consumer
	queueName string
	workers   int
	handler   Handler
	logger    *slog.Logger
}

// Consumer is the message-queue side of a QueueWorker
type Consumer interface {
	DeclareQueue(name string) error
	ConsumeMessages(queueName string, workers int, handler func(messaging.JobMessage) error) error
}

// NewQueueWorker creates a new queue worker
func NewQueueWorker(c Consumer, queueName string, workers int, handler Handler, logger *slog.Logger) *QueueWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &QueueWorker{
		consumer:  c,
		queueName: queueName,
		workers:   workers,
		handler:   handler,
		logger:    logger,
	}
}

// Start declares the queue and begins consuming
func (w *QueueWorker) Start() error {
	w.logger.Info("starting queue worker", "queue", w.queueName, "workers", w.workers)

	if err := w.consumer.DeclareQueue(w.queueName); err != nil {
		return fmt.Errorf("failed to declare job queue: %w", err)
	}

	return w.consumer.ConsumeMessages(w.queueName, w.workers, w.Handle)
}

// Handle runs one consumed message. Only failures that left the job
// untouched are returned, so the broker redelivers those and nothing else.
func (w *QueueWorker) Handle(msg messaging.JobMessage) error {
	logger := w.logger.With("job_id", msg.JobID)
	if msg.RequestID != "" {
		logger = logger.With("request_id", msg.RequestID)
	}
	logger.Info("processing job from queue")

	err := w.handler(context.Background(), msg.JobID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, job.ErrNotFound), errors.Is(err, job.ErrInvalidTransition):
		logger.Warn("skipping job", "error", err)
		return nil
	case Retryable(err):
		return err
	}
	logger.Warn("job failed", "error", err)
	return nil
}

// Retryable reports whether err says it is worth redelivering.
func Retryable(err error) bool {
	var r interface{ Retryable() bool }
	return errors.As(err, &r) && r.Retryable()
}
