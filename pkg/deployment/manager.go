package deployment

import (
	"context"
	"fmt"
	"time"

	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/deferred"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/event"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/hoststate"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/internal/logfields"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/logging"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/loop"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/marker"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/metric"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/platform"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/version"
)

const (
	// MetricUpdateApplication times a deployment from request to cleanup.
	MetricUpdateApplication = "UpdateApplication"
	// MetricHealthcheck times a deployment's first successful health check.
	MetricHealthcheck = "Healthcheck"

	timingFirstHealthcheck = "FirstELBHealthcheckSuccess"
)

// Manager starts deployments and keeps track of them until they finish and
// are confirmed healthy. All methods must be called on the event loop.
type Manager struct {
	log      logging.Logger
	loop     *loop.Loop
	pool     *deferred.Pool
	state    *hoststate.Tracker
	versions *version.Versions
	events   event.Sink
	metrics  *metric.Recorder
	now      func() time.Time

	active  map[string]*Deployment
	pending map[string]time.Time
}

// Deps are the collaborators a Manager works through.
type Deps struct {
	Loop     *loop.Loop
	Pool     *deferred.Pool
	State    *hoststate.Tracker
	Versions *version.Versions
	Events   event.Sink
	Metrics  *metric.Recorder
}

func NewManager(log logging.Logger, deps Deps) *Manager {
	return &Manager{
		log:      log,
		loop:     deps.Loop,
		pool:     deps.Pool,
		state:    deps.State,
		versions: deps.Versions,
		events:   deps.Events,
		metrics:  deps.Metrics,
		now:      time.Now,
		active:   map[string]*Deployment{},
		pending:  map[string]time.Time{},
	}
}

// ShouldDeploy is false exactly when app is nil or its version is already
// deployed.
func (m *Manager) ShouldDeploy(app platform.Application) bool {
	if app == nil || app.Version() == nil {
		return false
	}
	return !app.Version().Deployed
}

// Deploy starts deploying app and returns the worker's Handle. A nil
// Handle means nothing was started.
//
// The host moves to updating_application unless it is starting up or a
// caller already moved it there.
func (m *Manager) Deploy(ctx context.Context, app platform.Application) *deferred.Handle {
	if !m.ShouldDeploy(app) {
		if app != nil && app.Version() != nil {
			m.log.WithField("version", app.Version().VersionID).Info("application version is already deployed")
		}
		return nil
	}
	v := app.Version()
	if _, ok := m.active[v.VersionID]; ok {
		m.log.WithField("version", v.VersionID).Warn("application version is already being deployed")
		return nil
	}

	switch m.state.Current() {
	case marker.HostStateStarting, marker.HostStateUpdatingApplication:
	default:
		_ = m.state.TransitionTo(ctx, marker.HostStateUpdatingApplication, map[string]interface{}{
			marker.ContextMetric: m.metrics.Create(MetricUpdateApplication),
		})
	}

	d := newDeployment(m.log.WithField(logging.SubComponentField, "deployment"), app, m.state.Current())
	m.active[v.VersionID] = d
	return m.run(ctx, d, m.state.Metric())
}

func (m *Manager) run(ctx context.Context, d *Deployment, inflight *metric.Metric) *deferred.Handle {
	v := d.app.Version()
	m.events.Store(ctx, d.source, fmt.Sprintf("Starting application version %s deployment", v.VersionID), marker.SeverityInfo, d.tags, false)

	return m.pool.Submit("deploy "+v.VersionID, func(ctx context.Context) error {
		if inflight != nil {
			ctx = metric.NewContext(ctx, inflight)
		}
		err := d.advance(ctx)
		return m.loop.Do(ctx, func() {
			m.finish(ctx, d, err)
		})
	})
}

// finish records the outcome of d.
func (m *Manager) finish(ctx context.Context, d *Deployment, err error) {
	v := d.app.Version()
	log := m.log.WithFields(logfields.Deployment(d.app.Name(), v.VersionID, d.State()))

	if err == nil {
		m.events.Store(ctx, d.source, fmt.Sprintf("Application version %s deployment complete, pending healthcheck", v.VersionID), marker.SeverityInfo, d.tags, false)
		if err := m.versions.MarkDeployed(ctx, v); err != nil {
			log.WithError(err).Error("unable to mark version deployed")
		}
		m.CompleteDeployment(ctx, v.VersionID)
		return
	}

	de := asDeployError(err)
	log.WithError(err).WithField("output", de.Output).Warn("deployment failed")
	m.events.Store(ctx, d.source, de.Message, marker.SeverityWarn, []marker.Tag{marker.TagDeployment, marker.TagError}, true)
	if err := m.versions.MarkFailed(ctx, v, de.Diagnostic()); err != nil {
		log.WithError(err).Error("unable to record deployment failure")
	}
	m.CleanupDeployment(ctx, v.VersionID)
}

// DeploymentStatus reports the state of an active deployment, or
// pending_healthcheck for a deployed version not yet confirmed healthy.
func (m *Manager) DeploymentStatus(versionID string) (marker.DeploymentState, bool) {
	if d, ok := m.active[versionID]; ok {
		return d.State(), true
	}
	if _, ok := m.pending[versionID]; ok {
		return marker.DeploymentPendingHealthcheck, true
	}
	return "", false
}

// CleanupDeployment forgets the active deployment of versionID and returns
// the host to ready, finishing any in-flight metric. Unknown versions are
// ignored.
func (m *Manager) CleanupDeployment(ctx context.Context, versionID string) bool {
	if _, ok := m.active[versionID]; !ok {
		return false
	}
	delete(m.active, versionID)
	_ = m.state.TransitionTo(ctx, marker.HostStateReady, nil, func(t *hoststate.Tracker) {
		m.metrics.Finish(ctx, t.TakeMetric())
	})
	return true
}

// CompleteDeployment cleans up a successful deployment and starts waiting
// for its first health check.
func (m *Manager) CompleteDeployment(ctx context.Context, versionID string) {
	if !m.CleanupDeployment(ctx, versionID) {
		return
	}
	m.pending[versionID] = m.now()
}

// HealthcheckSuccess closes out the pending health check of versionID and
// reports how long it took.
func (m *Manager) HealthcheckSuccess(ctx context.Context, versionID string) bool {
	since, ok := m.pending[versionID]
	if !ok {
		return false
	}
	delete(m.pending, versionID)
	elapsed := m.now().Sub(since)

	msg := fmt.Sprintf("First successful healthcheck since application version %s was deployed: %dms", versionID, elapsed.Milliseconds())
	m.events.Store(ctx, eventSource(m.state.Current()), msg, marker.SeverityInfo, []marker.Tag{marker.TagMilestone, marker.TagHealthcheck}, false)

	hc := m.metrics.Create(MetricHealthcheck)
	hc.SetTiming(timingFirstHealthcheck, elapsed)
	m.metrics.Finish(ctx, hc)
	return true
}

// Active is the number of deployments in progress.
func (m *Manager) Active() int {
	return len(m.active)
}
