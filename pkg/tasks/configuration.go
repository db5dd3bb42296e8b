package tasks

import (
	"context"
	"fmt"

	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/config"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/marker"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/version"

	"github.com/pkg/errors"
)

const (
	updateConfigurationName = "UpdateConfiguration"

	// MetricUpdateConfiguration times a configuration update.
	MetricUpdateConfiguration = "UpdateConfiguration"
)

type updateConfiguration struct {
	env    *Env
	params Parameters
}

func newUpdateConfiguration(env *Env, params Parameters) Task {
	return &updateConfiguration{env: env, params: params}
}

func (u *updateConfiguration) Run(ctx context.Context) (Result, error) {
	cfg, err := u.env.Versions.FromURL(ctx, version.Configuration, u.params.String(marker.ParamConfigURL), u.params.Flat())
	if err != nil {
		return Result{}, err
	}
	if cfg == nil {
		return Result{}, errors.New("Missing configuration URL")
	}

	_ = u.env.State.TransitionTo(ctx, marker.HostStateUpdatingConfiguration, map[string]interface{}{
		marker.ContextMetric: u.env.Metrics.Create(MetricUpdateConfiguration),
	})

	work := u.env.submit(updateConfigurationName, func(ctx context.Context) error {
		defer func() {
			if err := u.env.Loop.Do(ctx, func() { u.env.ReturnToReady(ctx) }); err != nil {
				u.env.Log.WithError(err).Error("unable to return host to ready")
			}
		}()
		if err := u.sync(ctx, cfg); err != nil {
			msg := fmt.Sprintf("Failed to update config from %s: %s", cfg.URL(), err)
			u.env.Log.Warn(msg)
			u.env.Events.Store(ctx, updateConfigurationName, msg, marker.SeverityWarn, []marker.Tag{marker.TagConfiguration, marker.TagUpdate}, true)
			return err
		}
		return nil
	})
	return Deferred(work), nil
}

// sync fetches and applies cfg, then hands the new environment to the
// application when the change requires it.
func (u *updateConfiguration) sync(ctx context.Context, cfg *version.Version) error {
	u.env.Log.WithField("url", cfg.URL()).Info("retrieving configuration")
	b, err := u.env.Syncer.Fetch(ctx, cfg)
	if err != nil {
		return err
	}
	var applyErr error
	if err := u.env.Loop.Do(ctx, func() { applyErr = u.env.Syncer.Apply(ctx, cfg, b) }); err != nil {
		return err
	}
	if applyErr != nil {
		return applyErr
	}
	u.env.Log.Info("configuration updated")
	u.env.Events.Store(ctx, updateConfigurationName, "Configuration updated", marker.SeverityInfo, []marker.Tag{marker.TagConfiguration, marker.TagUpdate}, false)

	if b.ChangeSeverity() != marker.ChangeSeverityMedium {
		return nil
	}
	return u.reconfigure(ctx, b)
}

func (u *updateConfiguration) reconfigure(ctx context.Context, b *config.Bundle) error {
	env := b.EnvironmentProperties()
	u.env.Log.WithField("properties", len(env)).Info("passing configuration to the application")
	if u.env.Server != nil {
		if err := u.env.Server.UpdateConfig(ctx, env); err != nil {
			return errors.WithMessage(err, "unable to configure application")
		}
	}
	if err := u.env.AppServer.SetEnvironment(ctx, env); err != nil {
		return errors.WithMessage(err, "unable to update application server environment")
	}
	u.env.Log.Info("restarting application server")
	return errors.WithMessage(u.env.AppServer.Restart(ctx), "unable to restart application server")
}
