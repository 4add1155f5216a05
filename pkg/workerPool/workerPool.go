package workerpool

import (
	"context"
	"errors"
	"runtime"
	"sync"
)

var (
	ErrPoolClosed = errors.New("workerpool: pool is closed")
	ErrQueueFull  = errors.New("workerpool: global buffer is full")
)

type WorkerPool struct {
	config    Config
	taskQueue chan Task

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

type Config struct {
	WorkerCount  int
	GlobalBuffer int
}

type Task struct {
	run func()
}

func NewWorkerPool(config Config) *WorkerPool {
	if config.WorkerCount < 1 {
		numberOfCPUs := runtime.NumCPU()
		config.WorkerCount = numberOfCPUs * 3
	}

	if config.GlobalBuffer < 1 {
		config.GlobalBuffer = 1024
	}

	wp := &WorkerPool{
		config:    config,
		taskQueue: make(chan Task, config.GlobalBuffer),
	}

	wp.wg.Add(config.WorkerCount)
	for i := 0; i < config.WorkerCount; i++ {
		go wp.worker()
	}

	return wp
}

func (wp *WorkerPool) worker() {
	defer wp.wg.Done()
	for t := range wp.taskQueue {
		t.run()
	}
}

// Submit queues job, waiting for a free slot until ctx ends.
func (wp *WorkerPool) Submit(ctx context.Context, job func()) error {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	if wp.closed {
		return ErrPoolClosed
	}

	select {
	case wp.taskQueue <- Task{run: job}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySubmit queues job only if the global buffer has room.
func (wp *WorkerPool) TrySubmit(job func()) error {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	if wp.closed {
		return ErrPoolClosed
	}

	select {
	case wp.taskQueue <- Task{run: job}:
		return nil
	default:
		return ErrQueueFull
	}
}

// Workers returns the number of worker goroutines.
func (wp *WorkerPool) Workers() int {
	return wp.config.WorkerCount
}

// Close stops accepting tasks, lets queued tasks finish and waits for the
// workers to exit. Safe to call more than once.
func (wp *WorkerPool) Close() {
	wp.mu.Lock()
	if wp.closed {
		wp.mu.Unlock()
		return
	}
	wp.closed = true
	close(wp.taskQueue)
	wp.mu.Unlock()

	wp.wg.Wait()
}
