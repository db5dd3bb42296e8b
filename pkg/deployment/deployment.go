package deployment

import (
	"context"
	"sync"

	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/internal/logfields"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/logging"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/marker"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/platform"

	"github.com/pkg/errors"
)

// Deployment is a single application version making its way through the
// deployment phases.
type Deployment struct {
	log logging.Logger
	app platform.Application

	// source and tags are fixed at creation for every event about the
	// deployment.
	source string
	tags   []marker.Tag

	mu    sync.Mutex
	state marker.DeploymentState
}

func newDeployment(log logging.Logger, app platform.Application, hostState marker.HostState) *Deployment {
	return &Deployment{
		log:    log,
		app:    app,
		source: eventSource(hostState),
		tags:   []marker.Tag{marker.TagMilestone, marker.TagDeployment, app.Name()},
		state:  marker.DeploymentPending,
	}
}

func eventSource(hostState marker.HostState) string {
	return "DeploymentManager." + hostState
}

// Version is the application version being deployed.
func (d *Deployment) Version() string {
	return d.app.Version().VersionID
}

func (d *Deployment) Application() platform.Application {
	return d.app
}

func (d *Deployment) State() marker.DeploymentState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Deployment) transition(to marker.DeploymentState) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := validTransition(d.state, to); err != nil {
		return err
	}
	d.log.WithFields(logfields.Deployment(d.app.Name(), d.Version(), to)).Debug("deployment state")
	d.state = to
	return nil
}

// advance runs the phases in order. The first failing phase moves the
// deployment to error and its failure is returned as a DeployError.
func (d *Deployment) advance(ctx context.Context) error {
	phases := map[marker.DeploymentState]func(context.Context) error{
		marker.DeploymentPreDeploy:  d.app.PreDeploy,
		marker.DeploymentDeploying:  d.app.Deploy,
		marker.DeploymentPostDeploy: d.app.PostDeploy,
	}
	for {
		next, err := calculateNext(d.State())
		if err != nil {
			return err
		}
		if err := d.transition(next); err != nil {
			return err
		}
		phase, ok := phases[next]
		if !ok {
			return nil
		}
		if err := runPhase(ctx, phase); err != nil {
			if terr := d.transition(marker.DeploymentError); terr != nil {
				d.log.WithError(terr).Error("unable to record deployment failure")
			}
			return asDeployError(err)
		}
	}
}

func runPhase(ctx context.Context, phase func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("deployment phase panicked: %v", r)
		}
	}()
	return phase(ctx)
}

func asDeployError(err error) *platform.DeployError {
	var de *platform.DeployError
	if errors.As(err, &de) {
		return de
	}
	return &platform.DeployError{Message: err.Error(), Err: err}
}
