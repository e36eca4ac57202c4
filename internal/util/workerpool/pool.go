package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrPoolStopped is returned for work offered after Stop
var ErrPoolStopped = errors.New("worker pool stopped")

// Task represents a unit of work to be executed
type Task struct {
	ID      string
	Fn      func(context.Context) error
	Context context.Context

	result chan error
}

// WorkerPool runs tasks on a fixed number of goroutines. At most MaxWorkers
// tasks run at once; further submitters wait for a free worker.
type WorkerPool struct {
	name       string
	maxWorkers int
	taskQueue  chan Task
	logger     *zap.Logger
	wg         sync.WaitGroup
	stopOnce   sync.Once
	stopChan   chan struct{}

	activeWorkers  atomic.Int32
	peakWorkers    atomic.Int32
	waiting        atomic.Int32
	totalTasks     atomic.Uint64
	completedTasks atomic.Uint64
	failedTasks    atomic.Uint64
	rejectedTasks  atomic.Uint64
}

// Config holds worker pool configuration
type Config struct {
	Name       string
	MaxWorkers int
	Logger     *zap.Logger
}

// NewWorkerPool creates a pool and starts its workers
func NewWorkerPool(cfg *Config) *WorkerPool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 10
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	pool := &WorkerPool{
		name:       cfg.Name,
		maxWorkers: cfg.MaxWorkers,
		taskQueue:  make(chan Task),
		logger:     cfg.Logger,
		stopChan:   make(chan struct{}),
	}

	for i := 0; i < pool.maxWorkers; i++ {
		pool.wg.Add(1)
		go pool.worker(i)
	}

	pool.logger.Info("Worker pool started",
		zap.String("name", pool.name),
		zap.Int("max_workers", pool.maxWorkers))

	return pool
}

func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopChan:
			return
		case task := <-p.taskQueue:
			p.executeTask(id, task)
		}
	}
}

func (p *WorkerPool) executeTask(workerID int, task Task) {
	active := p.activeWorkers.Add(1)
	defer p.activeWorkers.Add(-1)
	for {
		peak := p.peakWorkers.Load()
		if active <= peak || p.peakWorkers.CompareAndSwap(peak, active) {
			break
		}
	}

	start := time.Now()
	err := p.safeExecute(task)
	duration := time.Since(start)

	if err != nil {
		p.failedTasks.Add(1)
		p.logger.Debug("Task failed",
			zap.String("pool", p.name),
			zap.Int("worker_id", workerID),
			zap.String("task_id", task.ID),
			zap.Duration("duration", duration),
			zap.Error(err))
	} else {
		p.completedTasks.Add(1)
		p.logger.Debug("Task completed",
			zap.String("pool", p.name),
			zap.Int("worker_id", workerID),
			zap.String("task_id", task.ID),
			zap.Duration("duration", duration))
	}

	if task.result != nil {
		task.result <- err
	}
}

// safeExecute executes a task with panic recovery
func (p *WorkerPool) safeExecute(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
			p.logger.Error("Task panic recovered",
				zap.String("pool", p.name),
				zap.String("task_id", task.ID),
				zap.Any("panic", r))
		}
	}()

	if task.Context == nil {
		task.Context = context.Background()
	}

	return task.Fn(task.Context)
}

// Submit hands task to a worker, blocking until one is free, ctx ends or the
// pool stops
func (p *WorkerPool) Submit(ctx context.Context, task Task) error {
	select {
	case <-p.stopChan:
		p.rejectedTasks.Add(1)
		return fmt.Errorf("%s: %w", p.name, ErrPoolStopped)
	default:
	}

	p.waiting.Add(1)
	defer p.waiting.Add(-1)

	select {
	case <-p.stopChan:
		p.rejectedTasks.Add(1)
		return fmt.Errorf("%s: %w", p.name, ErrPoolStopped)
	case <-ctx.Done():
		p.rejectedTasks.Add(1)
		return ctx.Err()
	case p.taskQueue <- task:
		p.totalTasks.Add(1)
		return nil
	}
}

// Do runs fn on a worker and returns its error. fn receives ctx and is
// expected to return promptly once ctx ends.
func (p *WorkerPool) Do(ctx context.Context, id string, fn func(context.Context) error) error {
	result := make(chan error, 1)
	if err := p.Submit(ctx, Task{ID: id, Fn: fn, Context: ctx, result: result}); err != nil {
		return err
	}
	return <-result
}

// Stop refuses new work and waits for running tasks to finish
func (p *WorkerPool) Stop(timeout time.Duration) error {
	var err error
	p.stopOnce.Do(func() {
		p.logger.Info("Stopping worker pool", zap.String("name", p.name))
		close(p.stopChan)

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			p.logger.Info("Worker pool stopped gracefully", zap.String("name", p.name))
		case <-time.After(timeout):
			err = fmt.Errorf("worker pool '%s' stop timeout after %v", p.name, timeout)
			p.logger.Warn("Worker pool stop timeout", zap.String("name", p.name))
		}
	})
	return err
}

// Stats returns current worker pool statistics
func (p *WorkerPool) Stats() Stats {
	return Stats{
		Name:           p.name,
		MaxWorkers:     p.maxWorkers,
		ActiveWorkers:  int(p.activeWorkers.Load()),
		PeakWorkers:    int(p.peakWorkers.Load()),
		Waiting:        int(p.waiting.Load()),
		TotalTasks:     p.totalTasks.Load(),
		CompletedTasks: p.completedTasks.Load(),
		FailedTasks:    p.failedTasks.Load(),
		RejectedTasks:  p.rejectedTasks.Load(),
	}
}

// Stats represents worker pool statistics
type Stats struct {
	Name           string
	MaxWorkers     int
	ActiveWorkers  int
	PeakWorkers    int
	Waiting        int
	TotalTasks     uint64
	CompletedTasks uint64
	FailedTasks    uint64
	RejectedTasks  uint64
}

// WorkerUtilization returns the worker utilization as a percentage
func (s Stats) WorkerUtilization() float64 {
	if s.MaxWorkers == 0 {
		return 0
	}
	return (float64(s.ActiveWorkers) / float64(s.MaxWorkers)) * 100.0
}
