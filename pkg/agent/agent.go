// Package agent assembles the host manager and runs it: the event loop,
// start up of the host and the task endpoint.
package agent

import (
	"context"
	"sync"

	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/appserver"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/command"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/config"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/deferred"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/deployment"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/event"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/health"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/hoststate"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/logging"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/loop"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/marker"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/metric"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/platform"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/platform/custom"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/protocol"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/server"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/store"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/tasks"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/version"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/workgroup"

	"github.com/pkg/errors"
)

// Identity is the instance as seen through its metadata.
type Identity interface {
	protocol.KeySource
	tasks.InstanceInfo
	ConfigurationInfo(ctx context.Context) (*version.Info, error)
}

// Deps are the agent's connections to the host and to AWS.
type Deps struct {
	Store     store.Store
	Identity  Identity
	Fetcher   config.Fetcher
	Uploader  tasks.Uploader
	AppServer appserver.Controller
	Runner    command.Runner
	Proc      command.Proc
}

type Agent struct {
	log  logging.Logger
	cfg  *config.Config
	deps Deps

	loop     *loop.Loop
	state    *hoststate.Tracker
	versions *version.Versions
	events   *event.Recorder
	metrics  *metric.Recorder
	bundle   *config.Holder
	syncer   *config.Syncer
	app      *custom.Server
	prober   *health.Prober

	// set up by Run
	pool        *deferred.Pool
	deployments *deployment.Manager
	env         *tasks.Env
	server      *server.Server

	started     chan struct{}
	startedOnce sync.Once
}

func New(log logging.Logger, cfg *config.Config, deps Deps) (*Agent, error) {
	switch {
	case cfg == nil:
		return nil, errors.New("configuration is nil")
	case deps.Store == nil:
		return nil, errors.New("record store is nil")
	case deps.Identity == nil:
		return nil, errors.New("identity provider is nil")
	}
	events := event.NewRecorder(log.WithField(logging.SubComponentField, "events"), deps.Store)
	versions := version.New(deps.Store)
	bundle := config.NewHolder()
	return &Agent{
		log:      log,
		cfg:      cfg,
		deps:     deps,
		loop:     loop.New(log.WithField(logging.SubComponentField, "loop")),
		state:    hoststate.New(log.WithField(logging.SubComponentField, "hoststate"), deps.Store),
		versions: versions,
		events:   events,
		metrics:  metric.NewRecorder(log.WithField(logging.SubComponentField, "metrics"), deps.Store),
		bundle:   bundle,
		syncer:   config.NewSyncer(log.WithField(logging.SubComponentField, "config"), deps.Fetcher, bundle, versions),
		app:      custom.NewServer(log.WithField(logging.SubComponentField, "application"), deps.Runner, events, appOptions(cfg)),
		prober:   health.New(log.WithField(logging.SubComponentField, "health"), cfg.Application.HealthcheckBase),
		started:  make(chan struct{}),
	}, nil
}

func appOptions(cfg *config.Config) custom.Options {
	return custom.Options{
		ScriptDir:  cfg.Application.ScriptDir,
		StagingDir: cfg.Application.StagingDir,
	}
}

// wire creates the parts that live only as long as ctx.
func (a *Agent) wire(ctx context.Context) {
	a.pool = deferred.New(ctx, a.log.WithField(logging.SubComponentField, "deferred"), a.cfg.Workers)
	a.deployments = deployment.NewManager(a.log.WithField(logging.SubComponentField, "deployments"), deployment.Deps{
		Loop:     a.loop,
		Pool:     a.pool,
		State:    a.state,
		Versions: a.versions,
		Events:   a.events,
		Metrics:  a.metrics,
	})
	a.env = &tasks.Env{
		Log:          a.log.WithField(logging.SubComponentField, "tasks"),
		Config:       a.cfg,
		Loop:         a.loop,
		Pool:         a.pool,
		State:        a.state,
		Versions:     a.versions,
		Deployments:  a.deployments,
		Build:        a.build,
		Server:       a.app,
		AppServer:    a.deps.AppServer,
		Events:       a.events,
		Metrics:      a.metrics,
		Publications: a.deps.Store,
		Bundle:       a.bundle,
		Syncer:       a.syncer,
		Instance:     a.deps.Identity,
		Uploader:     a.deps.Uploader,
		Runner:       a.deps.Runner,
		Proc:         a.deps.Proc,
	}
	disp := tasks.NewDispatcher(a.log.WithField(logging.SubComponentField, "dispatch"), a.env, nil)
	codec := protocol.NewCodec(a.log.WithField(logging.SubComponentField, "protocol"), a.deps.Identity)
	a.server = server.New(a.log.WithField(logging.SubComponentField, "server"), codec, a.loop, disp, a, a.events, a.cfg.APIVersions)
}

// build creates the deployable application for v.
func (a *Agent) build(v *version.Version) platform.Application {
	return custom.New(a.log.WithField(logging.SubComponentField, "application"), a.deps.Runner, a.events, appOptions(a.cfg), v, a.environment)
}

func (a *Agent) environment() map[string]string {
	return a.bundle.Bundle().EnvironmentProperties()
}

// Started is closed once the host has been started up and tasks are being
// accepted.
func (a *Agent) Started() <-chan struct{} {
	return a.started
}

// Run starts the host and serves tasks until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	a.log.Debug("starting")
	defer a.log.Debug("finished")

	group := workgroup.WithContext(ctx)
	a.wire(group.Context())

	group.Work(a.loop.Run)
	group.Work(func(ctx context.Context) error {
		if err := a.Startup(ctx); err != nil {
			return errors.WithMessage(err, "unable to start host")
		}
		a.startedOnce.Do(func() { close(a.started) })
		return a.server.ListenAndServe(ctx, a.cfg.Listen)
	})

	err := group.Wait()
	a.log.Info("waiting on deferred work to finish")
	if perr := a.pool.Wait(); perr != nil {
		a.log.WithError(perr).Debug("deferred work ended with error")
	}
	return err
}

// Startup resumes from the saved host state, brings the configuration up
// to date and makes sure the last application version is deployed and
// running. It must not be called on the loop.
func (a *Agent) Startup(ctx context.Context) error {
	snap, ok, err := a.deps.Store.LoadHostState(ctx)
	if err != nil {
		return errors.WithMessage(err, "unable to load host state")
	}
	var (
		cfgVersion *version.Version
		lerr       error
	)
	if err := a.loop.Do(ctx, func() {
		if ok {
			a.log.WithField("state", snap.State).Info("resuming from saved host state")
			a.state.Restore(snap)
		}
		_ = a.state.TransitionTo(ctx, marker.HostStateStarting, nil)
		a.env.Init()
		a.env.WarmInstanceType()
		cfgVersion, lerr = a.versions.Last(ctx, version.Configuration)
	}); err != nil {
		return err
	}
	if lerr != nil {
		a.log.WithError(lerr).Warn("unable to read configuration version")
	}

	a.syncConfiguration(ctx, cfgVersion)

	return a.loop.Do(ctx, func() {
		a.startApplication(ctx)
		if a.cfg.LogFile != "" {
			if _, err := a.env.PublishFile(ctx, a.cfg.LogFile, false); err != nil {
				a.log.WithError(err).Warn("unable to publish log file")
			}
		}
	})
}

// syncConfiguration fetches and applies the last configuration version, or
// the one named in user data on first start. Failures leave the default
// configuration in effect.
func (a *Agent) syncConfiguration(ctx context.Context, cfgVersion *version.Version) {
	if cfgVersion == nil {
		info, err := a.deps.Identity.ConfigurationInfo(ctx)
		if err != nil {
			a.log.WithError(err).Warn("no initial configuration version")
			return
		}
		var serr error
		if err := a.loop.Do(ctx, func() {
			cfgVersion, serr = a.versions.Store(ctx, version.Configuration, info)
		}); err != nil || serr != nil {
			a.log.WithError(errors.Wrap(firstError(err, serr), "unable to store configuration version")).Warn("configuration not updated")
			return
		}
	}

	b, err := a.syncer.Fetch(ctx, cfgVersion)
	if err != nil {
		a.log.WithError(err).Warn("configuration not updated")
		return
	}
	var aerr error
	if err := a.loop.Do(ctx, func() {
		aerr = a.syncer.Apply(ctx, cfgVersion, b)
	}); err != nil || aerr != nil {
		a.log.WithError(firstError(err, aerr)).Warn("configuration not applied")
	}
}

// startApplication deploys the last application version when it is not
// deployed, otherwise starts it. It runs on the loop.
func (a *Agent) startApplication(ctx context.Context) {
	v, err := a.versions.Last(ctx, version.Application)
	if err != nil {
		a.log.WithError(err).Error("unable to read application version")
	}
	if v != nil {
		if app := a.build(v); a.deployments.ShouldDeploy(app) {
			if a.deployments.Deploy(ctx, app) != nil {
				return
			}
		}
	}

	a.env.ReturnToReady(ctx)
	if v == nil {
		a.log.Info("no application version to start")
		return
	}
	env := a.environment()
	a.pool.Submit("start application", func(ctx context.Context) error {
		if err := a.app.UpdateConfig(ctx, env); err != nil {
			return err
		}
		return a.app.Start(ctx)
	})
}

// Check probes the application and, when it is healthy, closes out the
// pending health check of the last deployed version.
func (a *Agent) Check(ctx context.Context) error {
	if err := a.prober.Probe(ctx, a.bundle.Bundle().HealthcheckURL()); err != nil {
		return err
	}
	return a.loop.Do(ctx, func() {
		v, err := a.versions.Last(ctx, version.Application)
		if err != nil || v == nil {
			return
		}
		a.deployments.HealthcheckSuccess(ctx, v.VersionID)
	})
}

func firstError(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
