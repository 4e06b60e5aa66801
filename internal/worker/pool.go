// Package worker runs background tasks on a fixed set of goroutines fed by a bounded queue.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrPoolClosed is returned by Submit after Shutdown has started.
var ErrPoolClosed = errors.New("worker pool is shutting down")

// Task is one unit of background work.
type Task struct {
	// Name identifies the task in logs, e.g. "process_asset".
	Name string
	// Key is the entity the task works on, e.g. an asset id.
	Key string
	Run func(ctx context.Context) error
}

// Pool executes submitted tasks on a fixed number of workers
type Pool struct {
	logger  *slog.Logger
	workers int
	timeout time.Duration

	ch   chan Task
	wg   sync.WaitGroup
	once sync.Once

	// base is cancelled when a shutdown deadline expires so running tasks can stop
	base   context.Context
	cancel context.CancelFunc

	// mu guards closing ch; submitters hold it shared
	mu        sync.RWMutex
	closed    bool
	quit      chan struct{}
	closeOnce sync.Once
}

type Option func(*Pool)

func WithWorkers(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.workers = n
		}
	}
}

func WithQueueSize(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.ch = make(chan Task, n)
		}
	}
}

func WithTaskTimeout(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// New creates a pool and starts its workers.
func New(logger *slog.Logger, opts ...Option) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	base, cancel := context.WithCancel(context.Background())
	p := &Pool{
		logger:  logger,
		workers: 4,
		timeout: 15 * time.Minute,
		ch:      make(chan Task, 256),
		base:    base,
		cancel:  cancel,
		quit:    make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	p.start()
	return p
}

func (p *Pool) start() {
	p.once.Do(func() {
		for i := 0; i < p.workers; i++ {
			p.wg.Add(1)
			go func(workerID int) {
				defer p.wg.Done()
				p.logger.Debug("worker started", "worker_id", workerID)

				for task := range p.ch {
					p.execute(workerID, task)
				}

				p.logger.Debug("worker stopped", "worker_id", workerID)
			}(i + 1)
		}
	})
}

func (p *Pool) execute(workerID int, task Task) {
	ctx, cancel := context.WithTimeout(p.base, p.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("task panicked", "worker_id", workerID, "task", task.Name, "key", task.Key, "panic", r)
		}
	}()

	start := time.Now()
	if err := task.Run(ctx); err != nil {
		p.logger.Error("task failed", "worker_id", workerID, "task", task.Name, "key", task.Key,
			"duration", time.Since(start), "error", err)
		return
	}
	p.logger.Debug("task finished", "worker_id", workerID, "task", task.Name, "key", task.Key,
		"duration", time.Since(start))
}

// Submit queues a task. When the queue is full it blocks until a slot frees
// up, ctx is done or Shutdown starts.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	if task.Run == nil {
		return errors.New("task has no Run function")
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.logger.Warn("cannot submit: pool is shutting down", "task", task.Name, "key", task.Key)
		return ErrPoolClosed
	}

	select {
	case p.ch <- task:
		p.logger.Debug("task queued", "task", task.Name, "key", task.Key)
		return nil
	default:
	}

	p.logger.Warn("queue full, applying backpressure", "task", task.Name, "key", task.Key)
	select {
	case p.ch <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.quit:
		return ErrPoolClosed
	}
}

// Shutdown stops accepting tasks and waits for queued and running tasks to
// finish. If ctx expires first, running tasks have their context cancelled.
func (p *Pool) Shutdown(ctx context.Context) error {
	first := false
	p.closeOnce.Do(func() {
		first = true
		// release submitters blocked on a full queue before taking the lock
		close(p.quit)
	})
	if !first {
		return nil
	}

	p.mu.Lock()
	p.closed = true
	close(p.ch)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() { defer close(done); p.wg.Wait() }()

	select {
	case <-done:
		p.cancel()
		p.logger.Info("worker pool drained")
		return nil
	case <-ctx.Done():
		p.cancel()
		p.logger.Warn("worker pool shutdown interrupted, cancelling running tasks")
		<-done
		return ctx.Err()
	}
}
