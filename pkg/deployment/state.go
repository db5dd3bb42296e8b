package deployment

import (
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/marker"

	"github.com/pkg/errors"
)

var nextLinear = map[marker.DeploymentState]marker.DeploymentState{
	marker.DeploymentPending:    marker.DeploymentPreDeploy,
	marker.DeploymentPreDeploy:  marker.DeploymentDeploying,
	marker.DeploymentDeploying:  marker.DeploymentPostDeploy,
	marker.DeploymentPostDeploy: marker.DeploymentDeployed,
}

func calculateNext(state marker.DeploymentState) (marker.DeploymentState, error) {
	next, ok := nextLinear[state]
	if !ok {
		return marker.DeploymentError, errors.Errorf("no next state from %q", state)
	}
	return next, nil
}

// Working reports whether state runs one of the Deployable's phases.
func Working(state marker.DeploymentState) bool {
	switch state {
	case marker.DeploymentPreDeploy, marker.DeploymentDeploying, marker.DeploymentPostDeploy:
		return true
	}
	return false
}

// Terminal reports whether a deployment in state has finished.
func Terminal(state marker.DeploymentState) bool {
	return state == marker.DeploymentDeployed || state == marker.DeploymentError
}

// validTransition permits the linear progression and failure from a
// working state. Everything else is rejected.
func validTransition(from, to marker.DeploymentState) error {
	if to == marker.DeploymentError {
		if Working(from) {
			return nil
		}
		return errors.Errorf("cannot fail from %q", from)
	}
	next, err := calculateNext(from)
	if err != nil {
		return err
	}
	if next != to {
		return errors.Errorf("invalid transition from %q to %q", from, to)
	}
	return nil
}
