// Package deferred runs blocking work off the event loop on a bounded set
// of workers.
package deferred

import (
	"context"
	"fmt"
	"sync"

	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/logging"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// DefaultWorkers is used when a pool is created with no positive worker
// count.
const DefaultWorkers = 4

// Func is a unit of deferred work.
type Func func(context.Context) error

// Pool runs submitted work with at most a fixed number of concurrent
// workers.
type Pool struct {
	log   logging.Logger
	ctx   context.Context
	sem   *semaphore.Weighted
	group errgroup.Group
}

func New(ctx context.Context, log logging.Logger, workers int) *Pool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Pool{
		log: log,
		ctx: ctx,
		sem: semaphore.NewWeighted(int64(workers)),
	}
}

// Submit schedules fn and returns a Handle to observe its completion. A
// panic in fn is recovered and reported as the Handle's error.
func (p *Pool) Submit(name string, fn Func) *Handle {
	h := &Handle{name: name, done: make(chan struct{})}
	log := p.log.WithField(logging.SubComponentField, name)

	p.group.Go(func() error {
		if err := p.sem.Acquire(p.ctx, 1); err != nil {
			h.finish(errors.Wrap(err, "worker unavailable"))
			return h.Err()
		}
		defer p.sem.Release(1)

		log.Debug("running")
		err := run(p.ctx, fn)
		if err != nil {
			log.WithError(err).Warn("deferred work failed")
		} else {
			log.Debug("completed")
		}
		h.finish(err)
		return err
	})
	return h
}

func run(ctx context.Context, fn Func) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic: %s", fmt.Sprint(r))
		}
	}()
	return fn(ctx)
}

// Wait blocks until all submitted work has finished and returns the first
// error reported by any of it.
func (p *Pool) Wait() error {
	return p.group.Wait()
}

// Handle is the caller's view of submitted work.
type Handle struct {
	name string
	once sync.Once
	done chan struct{}
	err  error
}

func (h *Handle) finish(err error) {
	h.once.Do(func() {
		h.err = err
		close(h.done)
	})
}

func (h *Handle) Name() string {
	return h.name
}

// Done is closed when the work has finished.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the work has finished and returns its error.
func (h *Handle) Wait() error {
	<-h.done
	return h.err
}

// Err returns the work's error, or nil if it has not finished.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}
