// Package worker provides the fixed-size background pool that executes
// pipeline runs and savepoint triggers off the caller's path.
package worker

import (
	"log/slog"
	"sync"
)

// Pool bounds concurrent background tasks with a semaphore. Submit never
// blocks the caller: an excess task parks in its own goroutine until a
// worker slot frees up.
type Pool struct {
	sem    chan struct{}
	wg     sync.WaitGroup
	logger *slog.Logger
}

func NewPool(size int, logger *slog.Logger) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{
		sem:    make(chan struct{}, size),
		logger: logger,
	}
}

// Submit schedules a task. A panicking task is logged and never takes
// down the process.
func (p *Pool) Submit(name string, task func()) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.sem <- struct{}{}
		defer func() { <-p.sem }()
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("background task panicked", "task", name, "panic", r)
			}
		}()
		task()
	}()
}

// Wait blocks until every submitted task has finished. Called on
// shutdown after producers have stopped.
func (p *Pool) Wait() {
	p.wg.Wait()
}
