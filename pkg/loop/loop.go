// Package loop provides the single goroutine on which all agent state is
// read and mutated.
package loop

import (
	"context"
	"fmt"
	"sync"

	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/logging"

	"github.com/pkg/errors"
)

const maxQueued = 256

// ErrStopped is returned to callers posting to a loop that is no longer
// running.
var ErrStopped = errors.New("event loop stopped")

// Loop serializes functions onto one goroutine. Functions run on the loop
// must not block on I/O and must never call Do themselves.
type Loop struct {
	log   logging.Logger
	fns   chan func()
	done  chan struct{}
	start sync.Once
	stop  sync.Once
}

func New(log logging.Logger) *Loop {
	return &Loop{
		log:  log,
		fns:  make(chan func(), maxQueued),
		done: make(chan struct{}),
	}
}

// Run processes posted functions in arrival order until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	started := false
	l.start.Do(func() { started = true })
	if !started {
		return errors.New("event loop already run")
	}

	l.log.Debug("starting")
	defer l.log.Debug("finished")
	defer l.stop.Do(func() { close(l.done) })

	for {
		select {
		case <-ctx.Done():
			return nil
		case fn := <-l.fns:
			l.call(fn)
		}
	}
}

func (l *Loop) call(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.WithField("panic", fmt.Sprintf("%v", r)).Error("recovered from panic on event loop")
		}
	}()
	fn()
}

// Post queues fn to run on the loop and returns immediately. It reports
// false when the loop has stopped.
func (l *Loop) Post(fn func()) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.fns <- fn:
		return true
	case <-l.done:
		return false
	}
}

// Do runs fn on the loop and waits for it to return.
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
		// fn may have been the last function run.
		select {
		case <-finished:
			return nil
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stopped is closed once Run has returned.
func (l *Loop) Stopped() <-chan struct{} {
	return l.done
}
