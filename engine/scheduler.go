package engine

import (
	"context"
	"sync"
)

// Task is a handle to submitted work.
type Task interface {
	// Cancel requests cooperative cancellation.
	Cancel()
	// Done is closed when the work has returned.
	Done() <-chan struct{}
}

// Scheduler runs units of work in the background. Submit must not run fn
// on the calling goroutine.
type Scheduler interface {
	Submit(ctx context.Context, fn func(ctx context.Context)) Task
}

// GoScheduler runs each unit of work on its own goroutine.
type GoScheduler struct {
	wg sync.WaitGroup
}

type goTask struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (t *goTask) Cancel()               { t.cancel() }
func (t *goTask) Done() <-chan struct{} { return t.done }

// Submit starts fn on a new goroutine with a cancellable child of ctx.
func (s *GoScheduler) Submit(ctx context.Context, fn func(ctx context.Context)) Task {
	ctx, cancel := context.WithCancel(ctx)
	t := &goTask{cancel: cancel, done: make(chan struct{})}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(t.done)
		defer cancel()
		fn(ctx)
	}()
	return t
}

// Wait blocks until every submitted unit of work has returned.
func (s *GoScheduler) Wait() {
	s.wg.Wait()
}
