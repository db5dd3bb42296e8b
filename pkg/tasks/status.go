package tasks

import (
	"context"
	"time"

	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/event"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/marker"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/publication"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/version"

	"github.com/pkg/errors"
)

// status reports what happened since the previous Status call.
type status struct {
	env    *Env
	params Parameters
}

func newStatus(env *Env, params Parameters) Task {
	return &status{env: env, params: params}
}

func (s *status) Run(ctx context.Context) (Result, error) {
	now := s.env.now()
	filter := s.params.Strings(marker.ParamFilter)
	wants := func(section string) bool {
		if filter == nil {
			return true
		}
		for _, f := range filter {
			if f == section {
				return true
			}
		}
		return false
	}

	results := map[string]interface{}{}
	if wants(marker.StatusEvents) {
		evs, err := s.events(ctx, now)
		if err != nil {
			return Result{}, err
		}
		results[marker.StatusEvents] = evs
	}
	if wants(marker.StatusPublications) {
		pubs, err := s.publications(ctx)
		if err != nil {
			return Result{}, err
		}
		results[marker.StatusPublications] = pubs
	}
	if wants(marker.StatusMetrics) {
		ms, err := s.metrics(ctx)
		if err != nil {
			return Result{}, err
		}
		results[marker.StatusMetrics] = ms
	}
	if wants(marker.StatusVersions) {
		vs, err := s.versions(ctx)
		if err != nil {
			return Result{}, err
		}
		results[marker.StatusVersions] = vs
	}

	if !s.params.Bool(marker.ParamReadOnly) {
		s.env.lastStatus = now
	}
	return OK(results), nil
}

func (s *status) events(ctx context.Context, now time.Time) ([]event.Info, error) {
	evs, err := s.env.Events.Since(ctx, s.env.lastStatus, now)
	if err != nil {
		return nil, errors.WithMessage(err, "unable to read events")
	}
	out := make([]event.Info, 0, len(evs))
	for _, e := range evs {
		out = append(out, e.Info())
	}
	return out, nil
}

// publications are only reported when the configuration enables log
// publication.
func (s *status) publications(ctx context.Context) ([]publication.Info, error) {
	out := []publication.Info{}
	if !s.env.Bundle.Bundle().LogPublication() {
		return out, nil
	}
	pending, err := s.env.Publications.PublicationsByState(ctx, marker.PublicationPending)
	if err != nil {
		return nil, errors.WithMessage(err, "unable to read publications")
	}
	for _, p := range pending {
		out = append(out, p.Info())
	}
	return out, nil
}

func (s *status) metrics(ctx context.Context) ([]map[string]interface{}, error) {
	props := map[string]string{
		marker.MetricPropertyContainer: s.env.Config.ContainerType,
	}
	if s.env.Instance != nil {
		s.env.WarmInstanceType()
		props[marker.MetricPropertyInstance] = s.env.InstanceType()
	}
	out, err := s.env.Metrics.EmitPending(ctx, props)
	if err != nil {
		return nil, errors.WithMessage(err, "unable to emit metrics")
	}
	return out, nil
}

func (s *status) versions(ctx context.Context) (map[string]interface{}, error) {
	var app interface{} = map[string]interface{}{}
	last, err := s.env.Versions.Last(ctx, version.Application)
	if err != nil {
		return nil, errors.WithMessage(err, "unable to read application version")
	}
	if last != nil {
		app = last.ToInfo()
	}
	return map[string]interface{}{
		"application": app,
		"hostmanager": map[string]string{"version": s.env.Config.AgentVersion},
	}, nil
}
