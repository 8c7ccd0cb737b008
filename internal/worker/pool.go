// Package worker provides the bounded pool that runs background conversion pipelines.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/book-expert/logger"
)

var (
	// ErrPoolFull indicates that the submission queue is at capacity.
	ErrPoolFull = errors.New("worker queue is full")
	// ErrPoolClosed indicates that the pool no longer accepts tasks.
	ErrPoolClosed = errors.New("worker pool is shut down")
	// ErrInvalidPoolSize indicates a non-positive worker count or queue size.
	ErrInvalidPoolSize = errors.New("worker count and queue size must be positive")
)

// Task is a unit of background work. The context is canceled when the pool is
// forced to stop; tasks still queued at that point run with a canceled context so
// they can release their resources.
type Task func(ctx context.Context)

// Pool runs tasks on a fixed number of goroutines fed by a bounded queue.
type Pool struct {
	tasks  chan Task
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
	log    *logger.Logger
}

// NewPool starts workers goroutines sharing a queue of queueSize pending tasks.
func NewPool(workers, queueSize int, log *logger.Logger) (*Pool, error) {
	if workers < 1 || queueSize < 1 {
		return nil, fmt.Errorf("%w: workers=%d queue=%d", ErrInvalidPoolSize, workers, queueSize)
	}

	ctx, cancel := context.WithCancel(context.Background())
	pool := &Pool{
		tasks:  make(chan Task, queueSize),
		ctx:    ctx,
		cancel: cancel,
		log:    log,
	}

	for i := range workers {
		pool.wg.Add(1)

		go pool.run(i)
	}

	log.Info("Worker pool started with %d workers and queue size %d", workers, queueSize)

	return pool, nil
}

// Submit enqueues a task without blocking.
func (p *Pool) Submit(task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.tasks <- task:
		return nil
	default:
		return ErrPoolFull
	}
}

// Shutdown stops accepting tasks and waits for queued and running tasks to finish.
// When ctx expires first, the task context is canceled and Shutdown waits for the
// workers to drain the queue before returning ctx's error.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()

		return nil
	}

	p.closed = true
	close(p.tasks)
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
		p.log.Warn("Worker pool shutdown deadline reached, canceling running tasks")
		p.cancel()
		<-done

		return fmt.Errorf("worker pool shutdown: %w", ctx.Err())
	}
}

func (p *Pool) run(index int) {
	defer p.wg.Done()

	for task := range p.tasks {
		p.execute(index, task)
	}
}

func (p *Pool) execute(index int, task Task) {
	defer func() {
		if recovered := recover(); recovered != nil {
			p.log.Error("Worker %d recovered from panic in task: %v", index, recovered)
		}
	}()

	task(p.ctx)
}
