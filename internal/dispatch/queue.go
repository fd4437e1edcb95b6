// Package dispatch provides the single designated execution context on which
// every presentation call and every terminal completion runs.
//
// A Queue owns one goroutine. Work submitted from that goroutine runs inline
// on the caller's stack; work submitted from anywhere else is enqueued and
// runs later, in submission order. Whether a caller is "on" the queue is
// carried by the context the queue hands to each task, so code running inside
// a task passes its context along to keep the inline path.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"sync"
)

// ErrClosed is returned when work is submitted after Close
var ErrClosed = errors.New("dispatch: queue closed")

type queueKey struct{}

type task struct {
	ctx context.Context
	fn  func(context.Context)
}

// Queue is a serial task queue bound to one goroutine
type Queue struct {
	tasks     chan task
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
	logger    *slog.Logger
}

// NewQueue starts a queue with the given buffer size
func NewQueue(logger *slog.Logger, size int) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	if size <= 0 {
		size = 64
	}

	q := &Queue{
		tasks:   make(chan task, size),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		logger:  logger.With(slog.String("component", "dispatch")),
	}
	go q.run()
	return q
}

// OnQueue reports whether ctx belongs to a task currently running on q
func (q *Queue) OnQueue(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	owner, _ := ctx.Value(queueKey{}).(*Queue)
	return owner == q
}

// Detach returns ctx without the queue marker. Work handed from a task to
// another goroutine must use it, or that goroutine would run dispatched work
// inline off the queue.
func Detach(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	if ctx.Value(queueKey{}) == nil {
		return ctx
	}
	return context.WithValue(ctx, queueKey{}, (*Queue)(nil))
}

// Dispatch runs fn inline when ctx is already on the queue, otherwise enqueues
// it. Exactly one of the two happens. Cancellation of ctx does not prevent an
// enqueued fn from running.
func (q *Queue) Dispatch(ctx context.Context, fn func(context.Context)) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if q.OnQueue(ctx) {
		q.exec(ctx, fn)
		return nil
	}

	select {
	case <-q.done:
		return ErrClosed
	default:
	}

	select {
	case q.tasks <- task{ctx: ctx, fn: fn}:
		return nil
	case <-q.done:
		return ErrClosed
	}
}

// Call runs fn on the queue and waits for its result. Inline when already on
// the queue.
func Call[T any](ctx context.Context, q *Queue, fn func(context.Context) T) (T, error) {
	var zero T
	if q.OnQueue(ctx) {
		return fn(ctx), nil
	}

	result := make(chan T, 1)
	if err := q.Dispatch(ctx, func(qctx context.Context) {
		result <- fn(qctx)
	}); err != nil {
		return zero, err
	}

	select {
	case v := <-result:
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-q.stopped:
		select {
		case v := <-result:
			return v, nil
		default:
			return zero, ErrClosed
		}
	}
}

// Close stops accepting work, drains what is already queued and waits for
// the queue goroutine to exit. Must not be called from a task.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		close(q.done)
	})
	<-q.stopped
}

func (q *Queue) run() {
	defer close(q.stopped)
	for {
		select {
		case t := <-q.tasks:
			q.exec(q.bind(t.ctx), t.fn)
		case <-q.done:
			for {
				select {
				case t := <-q.tasks:
					q.exec(q.bind(t.ctx), t.fn)
				default:
					return
				}
			}
		}
	}
}

// bind detaches the task from its submitter's cancellation and marks it as
// running on q.
func (q *Queue) bind(ctx context.Context) context.Context {
	return context.WithValue(context.WithoutCancel(ctx), queueKey{}, q)
}

func (q *Queue) exec(ctx context.Context, fn func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.ErrorContext(ctx, "dispatched task panicked",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()
	fn(ctx)
}
