// Package jobs turns deferred work into explicit, observable tasks. Engines hand work to a
// Dispatcher instead of starting goroutines themselves.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Kind names a unit of deferred work.
type Kind string

const (
	KindTriggerExecution Kind = "trigger.execute"
	KindFlowWalk         Kind = "flow.walk"
	KindDripRun          Kind = "drip.process"
)

// ErrNoHandler is returned when a job kind has no registered handler.
var ErrNoHandler = errors.New("no handler for job kind")

// Job identifies the work to do: the kind and the id of the entity it acts on.
type Job struct {
	Kind Kind
	ID   string
}

func (j Job) String() string {
	return fmt.Sprintf("%s(%s)", j.Kind, j.ID)
}

// Handler performs a job.
type Handler func(ctx context.Context, id string) error

// Dispatcher accepts jobs for execution.
type Dispatcher interface {
	Dispatch(ctx context.Context, job Job) (*Handle, error)
}

// Handle observes a dispatched job.
type Handle struct {
	Job  Job
	done chan struct{}
	err  error
}

func newHandle(job Job) *Handle {
	return &Handle{Job: job, done: make(chan struct{})}
}

// Completed returns a handle that is already finished with err.
func Completed(job Job, err error) *Handle {
	h := newHandle(job)
	h.finish(err)

	return h
}

func (h *Handle) finish(err error) {
	h.err = err
	close(h.done)
}

// Done is closed once the job finished.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the job finished or ctx is done.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitAll waits for every handle and joins their errors.
func WaitAll(ctx context.Context, handles ...*Handle) error {
	var errs []error

	for _, h := range handles {
		if h == nil {
			continue
		}

		if err := h.Wait(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", h.Job, err))
		}
	}

	return errors.Join(errs...)
}

// Local runs jobs on goroutines of the current process.
type Local struct {
	logger   *slog.Logger
	inline   bool
	mu       sync.RWMutex
	handlers map[Kind]Handler
	wg       sync.WaitGroup
}

type LocalOption func(*Local)

// Inline runs jobs synchronously inside Dispatch.
func Inline() LocalOption {
	return func(l *Local) {
		l.inline = true
	}
}

func NewLocal(logger *slog.Logger, opts ...LocalOption) *Local {
	l := &Local{
		logger:   logger.With("module", "jobs"),
		handlers: map[Kind]Handler{},
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// Register sets the handler of kind.
func (l *Local) Register(kind Kind, handler Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.handlers[kind] = handler
}

// Dispatch starts the job. The job runs detached from ctx cancellation but keeps its values.
func (l *Local) Dispatch(ctx context.Context, job Job) (*Handle, error) {
	l.mu.RLock()
	handler, ok := l.handlers[job.Kind]
	l.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoHandler, job.Kind)
	}

	h := newHandle(job)
	jobCtx := context.WithoutCancel(ctx)

	if l.inline {
		h.finish(l.run(jobCtx, handler, job))

		return h, nil
	}

	l.wg.Add(1)

	go func() {
		defer l.wg.Done()

		h.finish(l.run(jobCtx, handler, job))
	}()

	return h, nil
}

func (l *Local) run(ctx context.Context, handler Handler, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", job, r)
		}

		if err != nil {
			l.logger.ErrorContext(ctx, "job failed", "job", job.String(), "error", err)
		}
	}()

	return handler(ctx, job.ID)
}

// Wait blocks until every dispatched job finished.
func (l *Local) Wait() {
	l.wg.Wait()
}
