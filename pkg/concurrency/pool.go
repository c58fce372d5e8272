// Package concurrency holds the bounded worker pool used for outbound
// publish calls and the per-key in-flight guard.
package concurrency

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"repricer/internal/core"

	"github.com/alitto/pond"
)

// ErrPoolStopped is returned by Submit after Stop
var ErrPoolStopped = errors.New("worker pool stopped")

// ErrPoolFull is returned by a non-blocking Submit when the queue is full
var ErrPoolFull = errors.New("worker pool full")

// PoolConfig holds configuration for a worker pool
type PoolConfig struct {
	Name        string
	MaxWorkers  int
	MaxCapacity int // queued tasks beyond the running ones
	IdleTimeout time.Duration
	NonBlocking bool // Submit fails with ErrPoolFull instead of waiting
}

// PoolStats is a point-in-time view of the pool
type PoolStats struct {
	Name      string `json:"name"`
	Running   int    `json:"running"`
	Idle      int    `json:"idle"`
	Waiting   uint64 `json:"waiting"`
	Submitted uint64 `json:"submitted"`
	Completed uint64 `json:"completed"`
	Panicked  uint64 `json:"panicked"`
}

// WorkerPool runs tasks on at most MaxWorkers goroutines
type WorkerPool struct {
	pool   *pond.WorkerPool
	config PoolConfig
	logger core.ILogger
}

// NewWorkerPool creates a new worker pool
func NewWorkerPool(cfg PoolConfig, logger core.ILogger) *WorkerPool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 8
	}
	if cfg.MaxCapacity <= 0 {
		cfg.MaxCapacity = cfg.MaxWorkers * 16
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = time.Minute
	}

	log := logger.WithFields(map[string]interface{}{
		"component": "worker_pool",
		"pool":      cfg.Name,
	})

	return &WorkerPool{
		pool: pond.New(
			cfg.MaxWorkers,
			cfg.MaxCapacity,
			pond.IdleTimeout(cfg.IdleTimeout),
			pond.Strategy(pond.Balanced()),
			pond.PanicHandler(func(p interface{}) {
				log.Error("Task panicked", "panic", p)
			}),
		),
		config: cfg,
		logger: log,
	}
}

// Submit queues a task, blocking while the queue is full unless the pool
// is non-blocking
func (wp *WorkerPool) Submit(task func()) error {
	if wp.pool.Stopped() {
		return fmt.Errorf("%s: %w", wp.config.Name, ErrPoolStopped)
	}
	if !wp.config.NonBlocking {
		wp.pool.Submit(task)
		return nil
	}
	if !wp.pool.TrySubmit(task) {
		return fmt.Errorf("%s: %w (capacity %d)", wp.config.Name, ErrPoolFull, wp.config.MaxCapacity)
	}
	return nil
}

// RunAll runs every task and returns once all submitted tasks finished.
// At most MaxWorkers tasks run at the same time. A submit failure stops
// further submissions and is returned after the submitted tasks drain.
func (wp *WorkerPool) RunAll(tasks []func()) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	for i, task := range tasks {
		wg.Add(1)
		err := wp.Submit(func() {
			defer wg.Done()
			task()
		})
		if err != nil {
			wg.Done()
			return fmt.Errorf("task %d of %d: %w", i+1, len(tasks), err)
		}
	}
	return nil
}

// MaxWorkers returns the configured concurrency bound
func (wp *WorkerPool) MaxWorkers() int {
	return wp.config.MaxWorkers
}

// Stopped reports whether Stop was called
func (wp *WorkerPool) Stopped() bool {
	return wp.pool.Stopped()
}

// Stop waits for queued tasks and releases the workers
func (wp *WorkerPool) Stop() {
	if wp.pool.Stopped() {
		return
	}
	wp.pool.StopAndWait()
	wp.logger.Debug("Worker pool stopped", "completed", wp.pool.CompletedTasks())
}

// Stats returns pool counters
func (wp *WorkerPool) Stats() PoolStats {
	return PoolStats{
		Name:      wp.config.Name,
		Running:   wp.pool.RunningWorkers(),
		Idle:      wp.pool.IdleWorkers(),
		Waiting:   wp.pool.WaitingTasks(),
		Submitted: wp.pool.SubmittedTasks(),
		Completed: wp.pool.CompletedTasks(),
		Panicked:  wp.pool.FailedTasks(),
	}
}
