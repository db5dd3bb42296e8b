// Package fakeapp provides a scriptable platform.Application for tests.
package fakeapp

import (
	"context"
	"sync"

	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/marker"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/platform"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/version"
)

const Name = "FakeApplication"

var _ platform.Application = (*App)(nil)

// App records the phases it was asked to run. A phase listed in Fail
// returns that error instead.
type App struct {
	V    *version.Version
	Fail map[marker.DeploymentState]error
	// Gate, when set, is received from before PreDeploy returns.
	Gate chan struct{}

	mu    sync.Mutex
	calls []marker.DeploymentState
}

func New(v *version.Version) *App {
	return &App{V: v, Fail: map[marker.DeploymentState]error{}}
}

// Failing returns an App whose phase fails with err.
func Failing(v *version.Version, phase marker.DeploymentState, err error) *App {
	a := New(v)
	a.Fail[phase] = err
	return a
}

func (a *App) Version() *version.Version { return a.V }
func (a *App) Name() string              { return Name }

func (a *App) PreDeploy(context.Context) error {
	if a.Gate != nil {
		<-a.Gate
	}
	return a.phase(marker.DeploymentPreDeploy)
}

func (a *App) Deploy(context.Context) error {
	return a.phase(marker.DeploymentDeploying)
}

func (a *App) PostDeploy(context.Context) error {
	return a.phase(marker.DeploymentPostDeploy)
}

func (a *App) phase(state marker.DeploymentState) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, state)
	return a.Fail[state]
}

// Calls returns the phases run so far, in order.
func (a *App) Calls() []marker.DeploymentState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]marker.DeploymentState(nil), a.calls...)
}

// Version builds an application version as a task would have stored it.
func Version(id string) *version.Info {
	return &version.Info{
		Bucket:      "elasticbeanstalk-us-east-1",
		Key:         "app.zip",
		VersionID:   id,
		QueryParams: "versionId=" + id,
		Digest:      "d41d8cd98f00b204e9800998ecf8427e",
	}
}
