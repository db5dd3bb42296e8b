package tasks

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/command"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/marker"

	"github.com/pkg/errors"
)

const (
	restartAppServerName = "RestartAppServer"
	selfUpdateName       = "SelfUpdate"
	systemUpdateName     = "SystemUpdate"
	unmanageName         = "Unmanage"
)

type restartAppServer struct {
	env *Env
}

func newRestartAppServer(env *Env, _ Parameters) Task {
	return &restartAppServer{env: env}
}

func (r *restartAppServer) Run(context.Context) (Result, error) {
	work := r.env.submit(restartAppServerName, func(ctx context.Context) error {
		tags := []marker.Tag{marker.TagAppServer}
		if err := r.env.AppServer.Restart(ctx); err != nil {
			r.env.Events.Store(ctx, restartAppServerName, "Application server restart failed: "+err.Error(), marker.SeverityWarn, tags, true)
			return err
		}
		r.env.Events.Store(ctx, restartAppServerName, "Application server restarted", marker.SeverityInfo, tags, false)
		return nil
	})
	return Deferred(work), nil
}

// selfUpdate replaces the agent and exits so the supervisor restarts it.
// Only one self update runs at a time.
type selfUpdate struct {
	env    *Env
	params Parameters
}

func newSelfUpdate(env *Env, params Parameters) Task {
	return &selfUpdate{env: env, params: params}
}

func (s *selfUpdate) Run(ctx context.Context) (Result, error) {
	url := s.params.String(marker.ParamHostManagerURL)
	if url == "" {
		return Result{}, errors.New("Missing Host Manager URL")
	}
	digest := s.params.String(marker.ParamDigest)
	if digest == "" {
		return Result{}, errors.New("Missing Host Manager digest")
	}
	if !s.env.selfUpdating.CompareAndSwap(false, true) {
		s.env.Log.Warn("self update already in progress")
		return Deferred(nil), nil
	}

	cfg := s.env.Config.SelfUpdate
	data := selfUpdateData{
		Dir:     cfg.Dir,
		URL:     url,
		Digest:  digest,
		Install: cfg.Install,
	}
	work := s.env.submit(selfUpdateName, func(ctx context.Context) error {
		if err := writeScript(cfg.Script, selfUpdateScript, data); err != nil {
			s.env.selfUpdating.Store(false)
			return errors.Wrap(err, "unable to write self update script")
		}
		tags := []marker.Tag{marker.TagHostManager, marker.TagUpdate}
		out, err := s.env.Runner.Run(ctx, cfg.Script)
		if err != nil {
			s.env.Log.WithError(err).WithField("output", command.Tail(out)).Error("self update failed")
			s.env.Events.Store(ctx, selfUpdateName, fmt.Sprintf("Self-update failed with exit status: %d", exitStatus(err)), marker.SeverityWarn, tags, true)
			s.env.selfUpdating.Store(false)
			return err
		}
		s.env.Log.WithField("output", command.Tail(out)).Info("self update complete")
		s.env.Events.Store(ctx, selfUpdateName, "Self-update completed", marker.SeverityInfo, tags, true)
		return s.env.Proc.Exit()
	})
	return Deferred(work), nil
}

func exitStatus(err error) int {
	var exit *exec.ExitError
	if errors.As(err, &exit) {
		return exit.ExitCode()
	}
	return -1
}

type systemUpdate struct {
	env *Env
}

func newSystemUpdate(env *Env, _ Parameters) Task {
	return &systemUpdate{env: env}
}

func (s *systemUpdate) Run(context.Context) (Result, error) {
	work := s.env.submit(systemUpdateName, func(ctx context.Context) error {
		tags := []marker.Tag{marker.TagSystem, marker.TagUpdate}
		out, err := s.env.Runner.Run(ctx, "/usr/bin/yum", "-y", "update")
		if err != nil {
			s.env.Log.WithError(err).WithField("output", command.Tail(out)).Error("system update failed")
			s.env.Events.Store(ctx, systemUpdateName, "System update failed", marker.SeverityWarn, tags, true)
			return err
		}
		s.env.Log.WithField("output", command.Tail(out)).Info("system update complete")
		s.env.Events.Store(ctx, systemUpdateName, "System update succeeded", marker.SeverityInfo, tags, true)
		return nil
	})
	return Deferred(work), nil
}

// unmanage removes the agent from the host. It runs detached so it
// outlives the agent, and its log marks that it has run.
type unmanage struct {
	env *Env
}

func newUnmanage(env *Env, _ Parameters) Task {
	return &unmanage{env: env}
}

func (u *unmanage) Run(context.Context) (Result, error) {
	cfg := u.env.Config
	data := unmanageData{
		AppUnit:  cfg.AppServer.Unit,
		Database: cfg.Database,
		Scripts:  cfg.Application.ScriptDir,
		Staging:  cfg.Application.StagingDir,
		Script:   cfg.Unmanage.Script,
	}
	work := u.env.submit(unmanageName, func(ctx context.Context) error {
		if _, err := os.Stat(cfg.Unmanage.Log); err == nil {
			return errors.New("Unmanage task has already been run")
		}
		if err := writeScript(cfg.Unmanage.Script, unmanageScript, data); err != nil {
			return errors.Wrap(err, "unable to write unmanage script")
		}
		sh := fmt.Sprintf("/bin/sleep 2; %s >> %s 2>&1", cfg.Unmanage.Script, cfg.Unmanage.Log)
		if err := u.env.Runner.Detach("/bin/sh", "-c", sh); err != nil {
			return errors.WithMessage(err, "unable to start unmanage")
		}
		u.env.Events.Store(ctx, unmanageName, "Unmanaging host", marker.SeverityInfo, []marker.Tag{marker.TagHostManager}, false)
		return nil
	})
	return Deferred(work), nil
}
