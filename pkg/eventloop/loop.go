package eventloop

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"
)

// ErrStopped is returned when work is posted to a loop that has exited.
var ErrStopped = errors.New("event loop stopped")

// Loop runs posted closures one at a time, in order, on a single goroutine.
// Closures must not call Do or Flush on the same loop.
type Loop struct {
	queue chan func()
	done  chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}

	logger *zap.SugaredLogger
}

func New(size int, logger *zap.SugaredLogger) *Loop {
	if size <= 0 {
		size = 256
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Loop{
		queue:  make(chan func(), size),
		done:   make(chan struct{}),
		stop:   make(chan struct{}),
		logger: logger,
	}
}

// Start runs the loop in a new goroutine until ctx is done or Stop is called.
func (l *Loop) Start(ctx context.Context) {
	l.startOnce.Do(func() {
		go l.run(ctx)
	})
}

func (l *Loop) run(ctx context.Context) {
	defer close(l.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stop:
			return
		case fn := <-l.queue:
			l.execute(fn)
		}
	}
}

func (l *Loop) execute(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Errorw("event handler panicked",
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
		}
	}()
	fn()
}

// Post enqueues fn. It reports false if the loop has stopped.
func (l *Loop) Post(fn func()) bool {
	select {
	case <-l.done:
		return false
	case <-l.stop:
		return false
	default:
	}
	select {
	case l.queue <- fn:
		return true
	case <-l.done:
		return false
	case <-l.stop:
		return false
	}
}

// Do runs fn on the loop and waits for it to finish.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrStopped
	}
	select {
	case <-finished:
		return nil
	case <-l.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush waits until everything posted before the call has run.
func (l *Loop) Flush(ctx context.Context) error {
	return l.Do(ctx, func() {})
}

// Stop terminates the loop. Pending closures are dropped.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() {
		close(l.stop)
	})
}

// Done is closed once the loop goroutine exits.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}
