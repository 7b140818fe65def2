// Package workerpool runs jobs on a fixed set of goroutines. Jobs are grouped
// in rooms; a room collects the results of its own jobs only.
package workerpool

import (
	"context"
	"errors"
	"runtime"
	"sync"
)

var (
	ErrPoolClosed = errors.New("worker pool is closed")
	ErrBufferFull = errors.New("worker pool buffer is full")
)

type WorkerPool struct {
	config    Config
	taskQueue chan Task
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
	workers   sync.WaitGroup
}

type Config struct {
	WorkerCount  int
	GlobalBuffer int
}

// Room is a group of jobs whose results are collected together.
type Room struct {
	wp         *WorkerPool
	resultChan chan error
	wg         sync.WaitGroup
}

type Task struct {
	ctx  context.Context
	run  func(context.Context) error
	room *Room
}

func NewWorkerPool(config Config) *WorkerPool {
	if config.WorkerCount < 1 {
		config.WorkerCount = runtime.NumCPU() * 3
	}
	if config.GlobalBuffer < 1 {
		config.GlobalBuffer = 10000
	}

	wp := &WorkerPool{
		config:    config,
		taskQueue: make(chan Task, config.GlobalBuffer),
	}
	wp.workers.Add(config.WorkerCount)
	for i := 0; i < config.WorkerCount; i++ {
		go wp.worker()
	}
	return wp
}

func (wp *WorkerPool) worker() {
	defer wp.workers.Done()
	for t := range wp.taskQueue {
		err := t.ctx.Err()
		if err == nil {
			err = t.run(t.ctx)
		}
		t.room.resultChan <- err
		t.room.wg.Done()
	}
}

// Close stops accepting jobs and waits for the queued ones to finish.
func (wp *WorkerPool) Close() {
	wp.closeOnce.Do(func() {
		wp.mu.Lock()
		wp.closed = true
		close(wp.taskQueue)
		wp.mu.Unlock()
		wp.workers.Wait()
	})
}

// CreateRoom returns a room that buffers up to size results. Workers block
// on a full room, so size should cover every job submitted before Collect.
func (wp *WorkerPool) CreateRoom(size int) *Room {
	if size < 1 {
		size = 1
	}
	return &Room{wp: wp, resultChan: make(chan error, size)}
}

// Submit queues job, blocking while the global buffer is full or until ctx
// is done. The job receives ctx; a job whose ctx is done before it starts is
// not run and reports ctx.Err().
func (ro *Room) Submit(ctx context.Context, job func(context.Context) error) error {
	ro.wp.mu.RLock()
	defer ro.wp.mu.RUnlock()
	if ro.wp.closed {
		return ErrPoolClosed
	}

	ro.wg.Add(1)
	select {
	case ro.wp.taskQueue <- Task{ctx: ctx, run: job, room: ro}:
		return nil
	case <-ctx.Done():
		ro.wg.Done()
		return ctx.Err()
	}
}

// TrySubmit is Submit without blocking. It fails with ErrBufferFull if the
// global queue or the room's result buffer is full.
func (ro *Room) TrySubmit(ctx context.Context, job func(context.Context) error) error {
	ro.wp.mu.RLock()
	defer ro.wp.mu.RUnlock()
	if ro.wp.closed {
		return ErrPoolClosed
	}
	if len(ro.resultChan) == cap(ro.resultChan) {
		return ErrBufferFull
	}

	ro.wg.Add(1)
	select {
	case ro.wp.taskQueue <- Task{ctx: ctx, run: job, room: ro}:
		return nil
	default:
		ro.wg.Done()
		return ErrBufferFull
	}
}

// Collect waits for every submitted job and returns their non-nil errors. The
// room can not be used afterwards.
func (ro *Room) Collect() []error {
	go func() {
		ro.wg.Wait()
		close(ro.resultChan)
	}()

	var errs []error
	for err := range ro.resultChan {
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}
