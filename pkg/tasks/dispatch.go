package tasks

import (
	"context"

	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/internal/logfields"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/logging"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/protocol"
)

// UnsupportedAPI is the error reported for an API version outside the
// allow list.
const UnsupportedAPI = "Unsupported API version"

// Dispatcher runs tasks by name. It must be used on the event loop.
type Dispatcher struct {
	log      logging.Logger
	env      *Env
	registry Registry
}

func NewDispatcher(log logging.Logger, env *Env, registry Registry) *Dispatcher {
	if registry == nil {
		registry = DefaultRegistry()
	}
	return &Dispatcher{log: log, env: env, registry: registry}
}

// Execute resolves, creates and runs the named task. Failures of any kind
// become error results.
func (d *Dispatcher) Execute(ctx context.Context, name string, params Parameters) Result {
	log := d.log.WithFields(logfields.Task(name))
	factory, err := d.registry.Lookup(name)
	if err != nil {
		log.WithError(err).Warn("rejecting task")
		return Failed(err.Error())
	}
	if params == nil {
		params = Parameters{}
	}
	log.Debug("running task")
	res, err := factory(d.env, params).Run(ctx)
	if err != nil {
		log.WithError(err).Warn("task failed")
		return Failed(err.Error())
	}
	log.WithField("status", res.Kind).Debug("task finished")
	return res
}

// Handle runs the request's task and builds the response body. Requests
// naming an unsupported API version are answered without running anything.
func (d *Dispatcher) Handle(ctx context.Context, p protocol.Payload) (map[string]interface{}, Result) {
	out := map[string]interface{}{
		"api_versions": d.env.Config.APIVersions,
	}
	var res Result
	if p.APIVersion != "" && !d.env.Config.SupportsAPI(p.APIVersion) {
		d.log.WithField("api-version", p.APIVersion).Warn("unsupported api version")
		res = Failed(UnsupportedAPI)
	} else {
		res = d.Execute(ctx, p.Name, Parameters(p.Parameters))
	}
	for k, v := range res.Response() {
		out[k] = v
	}
	return out, res
}
