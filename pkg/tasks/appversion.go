package tasks

import (
	"context"
	"time"

	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/deployment"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/hoststate"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/marker"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/version"

	"github.com/pkg/errors"
)

// StateExpiration is how long the host may sit in a busy state before a new
// application version is deployed regardless.
const StateExpiration = 60 * time.Second

type updateAppVersion struct {
	env    *Env
	params Parameters
}

func newUpdateAppVersion(env *Env, params Parameters) Task {
	return &updateAppVersion{env: env, params: params}
}

func (u *updateAppVersion) Run(ctx context.Context) (Result, error) {
	raw := u.params.String(marker.ParamVersionURL)
	if raw == "" {
		return Result{}, errors.New("Missing application version URL")
	}
	requested, err := version.ParseURL(raw, u.params.Flat())
	if err != nil {
		return Result{}, err
	}

	log := u.env.Log.WithFields(map[string]interface{}{
		"state":     u.env.State.Current(),
		"updatedAt": u.env.State.UpdatedAt(),
		"requested": requested.VersionID,
	})
	current, err := u.env.Versions.Last(ctx, version.Application)
	if err != nil {
		return Result{}, err
	}
	if current != nil && current.VersionID == requested.VersionID {
		log.Info("requested version is the current version, not deploying")
		return OK(current.ToInfo()), nil
	}

	now := u.env.now()
	stale := u.env.State.Current() != marker.HostStateReady
	ok, _ := u.env.State.CompareAndTransition(ctx, hoststate.ReadyOrStale(now, StateExpiration),
		marker.HostStateUpdatingApplication,
		map[string]interface{}{marker.ContextMetric: u.env.Metrics.Create(deployment.MetricUpdateApplication)})
	if !ok {
		log.Warn("host is busy")
		return Result{}, ErrNotReady
	}
	if stale {
		log.Warn("allowing application deployment because of state timeout")
	}

	v, err := u.env.Versions.Store(ctx, version.Application, requested)
	if err != nil {
		u.env.ReturnToReady(ctx)
		return Result{}, err
	}
	log.Info("deploying version")
	res := OK(v.ToInfo())
	res.Work = u.env.Deployments.Deploy(ctx, u.env.Build(v))
	if res.Work == nil {
		u.env.ReturnToReady(ctx)
	}
	return res, nil
}
