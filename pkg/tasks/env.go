package tasks

import (
	"context"
	"io"
	"sync/atomic"
	"time"

	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/appserver"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/command"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/config"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/deferred"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/deployment"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/event"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/hoststate"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/logging"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/loop"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/marker"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/metric"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/platform"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/publication"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/version"
)

// EventLog stores events and reads them back for Status.
type EventLog interface {
	event.Sink
	Since(ctx context.Context, from, now time.Time) ([]*event.Event, error)
}

// ConfigSyncer fetches configuration bundles off the loop and applies them
// on it.
type ConfigSyncer interface {
	Fetch(ctx context.Context, cfg *version.Version) (*config.Bundle, error)
	Apply(ctx context.Context, cfg *version.Version, b *config.Bundle) error
}

// Uploader publishes a file to a pre-signed S3 URL.
type Uploader interface {
	Put(ctx context.Context, url string, body io.Reader, contentType string) (time.Duration, error)
}

// InstanceInfo describes the instance for emitted metrics.
type InstanceInfo interface {
	InstanceType(ctx context.Context) (string, error)
}

// Env is the agent state tasks run against. Everything but the stores and
// the deferred pool belongs to the event loop, where tasks are run.
type Env struct {
	Log      logging.Logger
	Config   *config.Config
	Loop     *loop.Loop
	Pool     *deferred.Pool
	State    *hoststate.Tracker
	Versions *version.Versions

	Deployments *deployment.Manager
	// Build creates the deployable application for a version.
	Build platform.Builder
	// Server runs the deployed application's own hooks.
	Server platform.Server
	// AppServer is the service fronting the application.
	AppServer appserver.Controller

	Events       EventLog
	Metrics      *metric.Recorder
	Publications publication.Repository
	Bundle       *config.Holder
	Syncer       ConfigSyncer
	Instance     InstanceInfo
	Uploader     Uploader
	Runner       command.Runner
	Proc         command.Proc

	// Now is the clock, time.Now unless a test replaces it.
	Now func() time.Time

	lastStatus   time.Time
	selfUpdating atomic.Bool

	instanceType  string
	resolvingType bool
}

func (e *Env) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Init marks the start of the window reported by the first Status call.
func (e *Env) Init() {
	e.lastStatus = e.now()
}

// WarmInstanceType starts looking up the instance type on the pool unless
// it is cached or already being looked up. It runs on the loop and returns
// the lookup's handle, or nil when none was started.
func (e *Env) WarmInstanceType() *deferred.Handle {
	if e.Instance == nil || e.instanceType != "" || e.resolvingType {
		return nil
	}
	e.resolvingType = true
	return e.submit("resolve instance type", func(ctx context.Context) error {
		it, err := e.Instance.InstanceType(ctx)
		if err != nil {
			e.Log.WithError(err).Warn("unable to determine instance type")
		}
		return e.Loop.Do(ctx, func() {
			e.resolvingType = false
			if err == nil {
				e.instanceType = it
			}
		})
	})
}

// InstanceType is the cached instance type, empty until a lookup started
// by WarmInstanceType succeeds. It runs on the loop.
func (e *Env) InstanceType() string {
	return e.instanceType
}

// PublishFile queues filename for upload through SendFileToS3. Missing and
// already queued files are ignored.
func (e *Env) PublishFile(ctx context.Context, filename string, del bool) (*publication.Publication, error) {
	return publication.Register(ctx, e.Publications, filename, del, e.now())
}

// ReturnToReady moves the host back to ready and saves the in-flight
// metric. It must run on the loop.
func (e *Env) ReturnToReady(ctx context.Context) {
	_ = e.State.TransitionTo(ctx, marker.HostStateReady, nil, func(t *hoststate.Tracker) {
		e.Metrics.Finish(ctx, t.TakeMetric())
	})
}

// submit runs fn on the deferred pool under the task's name.
func (e *Env) submit(name string, fn deferred.Func) *deferred.Handle {
	return e.Pool.Submit(name, fn)
}
