// Package event records domain events surfaced upstream by the Status task.
package event

import (
	"context"
	"time"

	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/logging"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/marker"
)

type Event struct {
	ID              int64
	Timestamp       time.Time
	Source          string
	Message         string
	Severity        marker.Severity
	Tags            []marker.Tag
	CustomerVisible bool
}

// Info is the shape reported to the orchestrator.
type Info struct {
	Timestamp       string   `json:"timestamp"`
	Source          string   `json:"source"`
	Message         string   `json:"message"`
	Severity        string   `json:"severity"`
	Tags            []string `json:"tags"`
	CustomerVisible bool     `json:"customer_visible"`
}

func (e *Event) Info() Info {
	tags := e.Tags
	if tags == nil {
		tags = []marker.Tag{}
	}
	return Info{
		Timestamp:       e.Timestamp.Format(marker.StatusTimeFormat),
		Source:          e.Source,
		Message:         e.Message,
		Severity:        e.Severity,
		Tags:            tags,
		CustomerVisible: e.CustomerVisible,
	}
}

// Repository persists events.
type Repository interface {
	AppendEvent(ctx context.Context, e *Event) error
	// EventsBetween returns events with from <= timestamp <= to, oldest
	// first.
	EventsBetween(ctx context.Context, from, to time.Time) ([]*Event, error)
}

// Sink accepts domain events. Storing never fails the caller.
type Sink interface {
	Store(ctx context.Context, source, message string, severity marker.Severity, tags []marker.Tag, customerVisible bool)
}

var _ Sink = (*Recorder)(nil)

// Recorder is the Sink backed by a Repository.
type Recorder struct {
	log  logging.Logger
	repo Repository
	now  func() time.Time
}

func NewRecorder(log logging.Logger, repo Repository) *Recorder {
	return &Recorder{log: log, repo: repo, now: time.Now}
}

// Store records an event. Events without a source or message are dropped
// and an empty severity is recorded as debug.
func (r *Recorder) Store(ctx context.Context, source, message string, severity marker.Severity, tags []marker.Tag, customerVisible bool) {
	if source == "" || message == "" {
		return
	}
	if severity == "" {
		severity = marker.SeverityDebug
	}
	if tags == nil {
		tags = []marker.Tag{}
	}
	e := &Event{
		Timestamp:       r.now(),
		Source:          source,
		Message:         message,
		Severity:        severity,
		Tags:            tags,
		CustomerVisible: customerVisible,
	}
	if err := r.repo.AppendEvent(ctx, e); err != nil {
		r.log.WithError(err).WithField("source", source).Error("unable to store event")
	}
}

// Since returns the events recorded between from and now.
func (r *Recorder) Since(ctx context.Context, from, now time.Time) ([]*Event, error) {
	return r.repo.EventsBetween(ctx, from, now)
}
