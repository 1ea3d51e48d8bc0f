// Package workers provides the bounded goroutine pool that carries blocking
// I/O for plugin stages (simulated vendor calls, stage initialization).
package workers

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task represents a unit of work to be processed
type Task interface {
	Execute(ctx context.Context) error
}

// TaskFunc is a function that can be used as a Task
type TaskFunc func(ctx context.Context) error

func (f TaskFunc) Execute(ctx context.Context) error { return f(ctx) }

// Pool manages a pool of worker goroutines
type Pool struct {
	logger *zap.Logger
	config *PoolConfig

	// Worker management
	taskQueue chan Task
	wg        sync.WaitGroup

	// State
	mu      sync.RWMutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc

	// Metrics
	metrics *PoolMetrics
}

// PoolConfig configures the worker pool
type PoolConfig struct {
	Name            string        // Pool name for logging
	NumWorkers      int           // Number of worker goroutines
	QueueSize       int           // Size of the task queue
	TaskTimeout     time.Duration // Upper bound for a single task
	ShutdownTimeout time.Duration // Timeout for graceful shutdown
}

// DefaultPoolConfig returns sensible defaults
func DefaultPoolConfig(name string) *PoolConfig {
	return &PoolConfig{
		Name:            name,
		NumWorkers:      runtime.NumCPU() * 2, // I/O bound
		QueueSize:       256,
		TaskTimeout:     30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

// PoolMetrics tracks pool activity
type PoolMetrics struct {
	TasksSubmitted atomic.Int64
	TasksCompleted atomic.Int64
	TasksFailed    atomic.Int64
	PanicRecovered atomic.Int64
}

// PoolStats is a point-in-time copy of PoolMetrics.
type PoolStats struct {
	Name           string `json:"name"`
	Workers        int    `json:"workers"`
	QueueLength    int    `json:"queue_length"`
	TasksSubmitted int64  `json:"tasks_submitted"`
	TasksCompleted int64  `json:"tasks_completed"`
	TasksFailed    int64  `json:"tasks_failed"`
	PanicRecovered int64  `json:"panic_recovered"`
}

// Errors
var (
	ErrPoolStopped     = errors.New("pool is stopped")
	ErrQueueFull       = errors.New("task queue is full")
	ErrShutdownTimeout = errors.New("shutdown timed out")
)

// PanicError wraps a value recovered from a panicking task.
type PanicError struct {
	Recovered any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("task panicked: %v", e.Recovered)
}

// NewPool creates a new worker pool. Call Start before submitting.
func NewPool(logger *zap.Logger, config *PoolConfig) *Pool {
	if config == nil {
		config = DefaultPoolConfig("default")
	}
	if config.NumWorkers < 1 {
		config.NumWorkers = 1
	}

	return &Pool{
		logger:    logger.Named("workers").With(zap.String("pool", config.Name)),
		config:    config,
		taskQueue: make(chan Task, config.QueueSize),
		metrics:   &PoolMetrics{},
	}
}

// Start launches the workers. It is a no-op if the pool is running.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.running = true

	p.logger.Info("Starting worker pool",
		zap.Int("workers", p.config.NumWorkers),
		zap.Int("queueSize", p.config.QueueSize),
	)

	for i := 0; i < p.config.NumWorkers; i++ {
		p.wg.Add(1)
		go p.worker(p.ctx, i)
	}
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case task := <-p.taskQueue:
			p.executeTask(ctx, id, task)
		}
	}
}

// executeTask executes a single task with timeout and panic recovery
func (p *Pool) executeTask(ctx context.Context, id int, task Task) {
	if p.config.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.TaskTimeout)
		defer cancel()
	}

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				p.metrics.PanicRecovered.Add(1)
				p.logger.Error("Worker recovered from panic",
					zap.Int("workerId", id),
					zap.Any("panic", r),
				)
				err = &PanicError{Recovered: r}
			}
		}()
		return task.Execute(ctx)
	}()

	if err != nil {
		p.metrics.TasksFailed.Add(1)
		p.logger.Debug("Task failed", zap.Int("workerId", id), zap.Error(err))
		return
	}
	p.metrics.TasksCompleted.Add(1)
}

// Submit queues a task without waiting for it.
func (p *Pool) Submit(task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.running {
		return ErrPoolStopped
	}

	select {
	case p.taskQueue <- task:
		p.metrics.TasksSubmitted.Add(1)
		return nil
	default:
		return ErrQueueFull
	}
}

// Do runs fn on a worker and waits for it. fn sees a context cancelled when
// either ctx or the pool is done. If ctx ends first Do returns ctx.Err()
// without waiting further.
func (p *Pool) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	done := make(chan error, 1)
	task := TaskFunc(func(poolCtx context.Context) error {
		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		stop := context.AfterFunc(poolCtx, cancel)
		defer stop()

		err := func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = &PanicError{Recovered: r}
					done <- err
					panic(r)
				}
			}()
			return fn(runCtx)
		}()
		done <- err
		return err
	})

	if err := p.Submit(task); err != nil {
		return err
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop cancels running tasks and waits for workers to exit.
func (p *Pool) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.cancel()
	p.mu.Unlock()

	p.logger.Info("Stopping worker pool")

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(p.config.ShutdownTimeout):
		p.logger.Warn("Worker pool shutdown timed out",
			zap.Duration("timeout", p.config.ShutdownTimeout),
		)
		return ErrShutdownTimeout
	}
}

// IsRunning returns whether the pool is running
func (p *Pool) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// Stats returns current pool statistics
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Name:           p.config.Name,
		Workers:        p.config.NumWorkers,
		QueueLength:    len(p.taskQueue),
		TasksSubmitted: p.metrics.TasksSubmitted.Load(),
		TasksCompleted: p.metrics.TasksCompleted.Load(),
		TasksFailed:    p.metrics.TasksFailed.Load(),
		PanicRecovered: p.metrics.PanicRecovered.Load(),
	}
}
