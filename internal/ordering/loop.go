package ordering

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrLoopStopped is returned by calls made on, or pending in, a stopped loop
var ErrLoopStopped = errors.New("loop stopped")

// Loop runs tasks one at a time, in the order they were posted. Everything a
// session owns is touched only from tasks on its loop.
type Loop struct {
	mu       sync.Mutex
	queue    []func()
	wake     chan struct{}
	stopped  bool
	stopping chan struct{}
	done     chan struct{}
	logger   *slog.Logger
	// OnPanic receives values recovered from panicking tasks
	OnPanic func(recovered any)
}

// NewLoop creates an idle loop; call Run to start executing tasks
func NewLoop(logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		wake:     make(chan struct{}, 1),
		stopping: make(chan struct{}),
		done:     make(chan struct{}),
		logger:   logger,
	}
}

// Post appends a task. It is safe to call from any goroutine.
func (l *Loop) Post(task func()) {
	l.post(task)
}

func (l *Loop) post(task func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, task)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Run executes tasks until ctx is cancelled or Stop is called
func (l *Loop) Run(ctx context.Context) {
	defer close(l.done)
	for {
		if l.RunPending() == 0 {
			select {
			case <-ctx.Done():
				l.Stop()
				return
			case <-l.wake:
			}
		}
		if l.isStopped() {
			return
		}
	}
}

// RunPending executes queued tasks, including ones they post, until the
// queue is empty. It returns how many tasks ran.
func (l *Loop) RunPending() int {
	ran := 0
	for {
		l.mu.Lock()
		if len(l.queue) == 0 || l.stopped {
			l.mu.Unlock()
			return ran
		}
		task := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.mu.Unlock()

		l.execute(task)
		ran++
	}
}

func (l *Loop) execute(task func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("task panicked", "error", fmt.Sprint(r))
			if l.OnPanic != nil {
				l.OnPanic(r)
			}
		}
	}()
	task()
}

// Stop discards pending tasks and rejects new ones
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.stopped {
		l.stopped = true
		close(l.stopping)
	}
	l.queue = nil
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Done is closed when Run returns
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

func (l *Loop) isStopped() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopped
}

// Pending returns the number of queued tasks
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Call runs fn on the loop and waits for the result
func (l *Loop) Call(ctx context.Context, fn func() (any, error)) (any, error) {
	return l.Await(ctx, func(resolve Resolver) {
		resolve(fn())
	})
}

// Await starts fn on the loop and waits until it calls resolve. fn may hand
// resolve to later tasks or other goroutines. Once the loop is stopped a
// call that has not been resolved fails with ErrLoopStopped.
func (l *Loop) Await(ctx context.Context, fn func(resolve Resolver)) (any, error) {
	type result struct {
		value any
		err   error
	}
	ch := make(chan result, 1)
	var once sync.Once
	posted := l.post(func() {
		fn(func(v any, err error) {
			once.Do(func() { ch <- result{v, err} })
		})
	})
	if !posted {
		return nil, ErrLoopStopped
	}

	select {
	case r := <-ch:
		return r.value, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.stopping:
		select {
		case r := <-ch:
			return r.value, r.err
		default:
			return nil, ErrLoopStopped
		}
	}
}

// Resolver completes a pending call with a value or an error
type Resolver func(value any, err error)
