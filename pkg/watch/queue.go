package watch

import (
	"context"
	"sync"
	"time"
)

// Queue debounces triggers for a single task. Once the triggers settle, a running build is
// canceled and awaited before the next one starts so two builds of the same task never overlap.
type Queue struct {
	run      func(context.Context) error
	onError  func(error)
	debounce time.Duration
	parent   context.Context

	lock   sync.Mutex
	timer  *time.Timer
	cancel context.CancelFunc
	done   chan struct{}
}

// NewQueue creates a queue whose builds run below ctx. onError may be nil.
func NewQueue(ctx context.Context, debounce time.Duration, run func(context.Context) error, onError func(error)) *Queue {
	if onError == nil {
		onError = func(error) {}
	}

	return &Queue{
		run:      run,
		onError:  onError,
		debounce: debounce,
		parent:   ctx,
	}
}

// Trigger schedules a build after the debounce interval, pushing back any pending one
func (q *Queue) Trigger() {
	q.lock.Lock()
	defer q.lock.Unlock()

	if q.parent.Err() != nil {
		return
	}

	if q.timer != nil {
		q.timer.Stop()
	}
	q.timer = time.AfterFunc(q.debounce, q.fire)
}

func (q *Queue) fire() {
	q.lock.Lock()
	if q.parent.Err() != nil {
		q.lock.Unlock()
		return
	}

	if q.cancel != nil {
		q.cancel()
	}

	previous := q.done
	ctx, cancel := context.WithCancel(q.parent)
	done := make(chan struct{})
	q.cancel = cancel
	q.done = done
	q.lock.Unlock()

	go func() {
		defer close(done)
		defer cancel()

		if previous != nil {
			<-previous
		}

		if ctx.Err() != nil {
			// superseded while waiting
			return
		}

		if err := q.run(ctx); err != nil && ctx.Err() == nil {
			q.onError(err)
		}
	}()
}

// Wait blocks until the latest build (if any) has finished
func (q *Queue) Wait() {
	q.lock.Lock()
	done := q.done
	q.lock.Unlock()

	if done != nil {
		<-done
	}
}

// Stop drops pending triggers, cancels the running build and waits for it
func (q *Queue) Stop() {
	q.lock.Lock()
	if q.timer != nil {
		q.timer.Stop()
	}
	if q.cancel != nil {
		q.cancel()
	}
	done := q.done
	q.lock.Unlock()

	if done != nil {
		<-done
	}
}
