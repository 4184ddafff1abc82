// Package dispatch provides the shared background execution context that
// every sandbox operation runs on.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/aurakai/oracledrive/internal/domain"
)

// ErrStopped is returned for jobs submitted after Run has exited.
var ErrStopped = errors.New("dispatcher stopped")

type job struct {
	ctx  context.Context
	fn   func(ctx context.Context) error
	done chan error
}

// Dispatcher runs jobs one at a time on a single goroutine. Callers submit
// with Do and block until their job finishes.
type Dispatcher struct {
	jobs     chan job
	quit     chan struct{}
	quitOnce sync.Once
	stopped  chan struct{}
	logger   *zap.Logger
}

// New creates a dispatcher with a queue of the given depth.
func New(queue int, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		jobs:    make(chan job, queue),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
		logger:  logger,
	}
}

// Run processes jobs until ctx is cancelled or Stop is called. Jobs still
// queued at that point fail with ErrStopped.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Debug("dispatcher started")
	defer close(d.stopped)

	for {
		select {
		case <-ctx.Done():
			d.drain()
			d.logger.Debug("dispatcher stopped")
			return nil
		case <-d.quit:
			d.drain()
			d.logger.Debug("dispatcher stopped")
			return nil
		case j := <-d.jobs:
			j.done <- d.execute(j)
		}
	}
}

// Stop asks Run to exit and waits until it has, or until ctx is done.
// A job already running finishes first.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.quitOnce.Do(func() { close(d.quit) })
	select {
	case <-d.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do submits fn and waits for it to complete.
func (d *Dispatcher) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	j := job{ctx: ctx, fn: fn, done: make(chan error, 1)}

	select {
	case d.jobs <- j:
	case <-ctx.Done():
		return ctx.Err()
	case <-d.stopped:
		return ErrStopped
	}

	select {
	case err := <-j.done:
		return err
	case <-d.stopped:
		// Run may have finished this job just before stopping.
		select {
		case err := <-j.done:
			return err
		default:
			return ErrStopped
		}
	}
}

func (d *Dispatcher) execute(j job) (err error) {
	if err := j.ctx.Err(); err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("job panicked", zap.Any("panic", r))
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return j.fn(j.ctx)
}

func (d *Dispatcher) drain() {
	for {
		select {
		case j := <-d.jobs:
			j.done <- ErrStopped
		default:
			return
		}
	}
}

// Inline runs jobs on the caller's goroutine. Used by tests and one-shot
// commands that have nothing else running.
type Inline struct{}

// Do runs fn immediately.
func (Inline) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx)
}

var _ domain.Executor = (*Dispatcher)(nil)
var _ domain.Executor = Inline{}
