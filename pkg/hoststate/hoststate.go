// Package hoststate tracks whether the host is idle. The Tracker is owned
// by the agent's event loop and is not safe for concurrent use.
package hoststate

import (
	"context"
	"time"

	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/logging"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/marker"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/metric"

	"github.com/pkg/errors"
)

// Snapshot is the persisted host state.
type Snapshot struct {
	State     marker.HostState
	UpdatedAt time.Time
}

// Persister stores host state snapshots.
type Persister interface {
	SaveHostState(ctx context.Context, s Snapshot) error
}

// Transition is one observed change of state.
type Transition struct {
	From marker.HostState
	To   marker.HostState
	At   time.Time
}

type Tracker struct {
	log     logging.Logger
	persist Persister
	now     func() time.Time

	state     marker.HostState
	updatedAt time.Time
	context   map[string]interface{}
	history   []Transition
}

func New(log logging.Logger, persist Persister) *Tracker {
	return &Tracker{
		log:     log,
		persist: persist,
		now:     time.Now,
		state:   marker.HostStateUnknown,
		context: map[string]interface{}{},
	}
}

// Restore resumes from a snapshot saved by an earlier run without
// recording a transition.
func (t *Tracker) Restore(s Snapshot) {
	t.state = s.State
	t.updatedAt = s.UpdatedAt
}

// UseClock replaces the tracker's time source.
func (t *Tracker) UseClock(now func() time.Time) {
	t.now = now
}

func (t *Tracker) Current() marker.HostState {
	return t.state
}

func (t *Tracker) UpdatedAt() time.Time {
	return t.updatedAt
}

func (t *Tracker) Snapshot() Snapshot {
	return Snapshot{State: t.state, UpdatedAt: t.updatedAt}
}

// TransitionTo moves the host to state, merges kv into the context and then
// calls each of done with the tracker. The new state holds even when it
// could not be persisted.
func (t *Tracker) TransitionTo(ctx context.Context, state marker.HostState, kv map[string]interface{}, done ...func(*Tracker)) error {
	at := t.now()
	t.log.WithFields(map[string]interface{}{
		"from": t.state,
		"to":   state,
	}).Info("transitioning host state")

	t.history = append(t.history, Transition{From: t.state, To: state, At: at})
	t.state = state
	t.updatedAt = at
	for k, v := range kv {
		t.context[k] = v
	}

	var err error
	if t.persist != nil {
		if err = t.persist.SaveHostState(ctx, t.Snapshot()); err != nil {
			err = errors.WithMessage(err, "unable to persist host state")
			t.log.WithError(err).Warn("host state not persisted")
		}
	}

	for _, fn := range done {
		fn(t)
	}
	return err
}

// CompareAndTransition transitions only when expect holds for the current
// snapshot and reports whether it did.
func (t *Tracker) CompareAndTransition(ctx context.Context, expect func(Snapshot) bool, state marker.HostState, kv map[string]interface{}) (bool, error) {
	if !expect(t.Snapshot()) {
		return false, nil
	}
	return true, t.TransitionTo(ctx, state, kv)
}

// Value returns a context value.
func (t *Tracker) Value(key string) interface{} {
	return t.context[key]
}

// Context returns a copy of the transient context.
func (t *Tracker) Context() map[string]interface{} {
	out := make(map[string]interface{}, len(t.context))
	for k, v := range t.context {
		out[k] = v
	}
	return out
}

// Metric returns the in-flight metric, if one is attached.
func (t *Tracker) Metric() *metric.Metric {
	m, _ := t.context[marker.ContextMetric].(*metric.Metric)
	return m
}

// TakeMetric detaches and returns the in-flight metric.
func (t *Tracker) TakeMetric() *metric.Metric {
	m := t.Metric()
	delete(t.context, marker.ContextMetric)
	return m
}

// History returns the transitions observed by this tracker, oldest first.
func (t *Tracker) History() []Transition {
	return append([]Transition(nil), t.history...)
}

// StaleFor reports whether the state has gone unchanged for at least d.
func (t *Tracker) StaleFor(d time.Duration) bool {
	return t.now().Sub(t.updatedAt) >= d
}

// ReadyOrStale is a CompareAndTransition predicate accepting a ready host or
// one whose state has not changed for longer than expiry.
func ReadyOrStale(now time.Time, expiry time.Duration) func(Snapshot) bool {
	return func(s Snapshot) bool {
		return s.State == marker.HostStateReady || now.Sub(s.UpdatedAt) > expiry
	}
}
