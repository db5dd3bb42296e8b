// Package platform defines the capabilities the agent drives to deploy and
// run an application.
package platform

import (
	"context"

	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/version"
)

// Deployable is deployed in three phases, always in order. A phase failing
// ends the deployment.
type Deployable interface {
	PreDeploy(ctx context.Context) error
	Deploy(ctx context.Context) error
	PostDeploy(ctx context.Context) error
}

// Application is a Deployable for one application version.
type Application interface {
	Deployable

	Version() *version.Version
	// Name identifies the kind of application in event tags.
	Name() string
}

// Server runs the deployed application.
type Server interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Restart(ctx context.Context) error
	// UpdateConfig passes environment properties to the application.
	UpdateConfig(ctx context.Context, env map[string]string) error
}

// Builder creates the Application for a version.
type Builder func(v *version.Version) Application

// DeployError is a failed deployment phase. Output holds the tail of the
// failing command's output.
type DeployError struct {
	Message string
	Output  string
	Err     error
}

func (e *DeployError) Error() string {
	return e.Message
}

func (e *DeployError) Cause() error  { return e.Err }
func (e *DeployError) Unwrap() error { return e.Err }

// Diagnostic is what is recorded against the version: the command output,
// or the message when there was none.
func (e *DeployError) Diagnostic() string {
	if e.Output != "" {
		return e.Output
	}
	return e.Message
}
