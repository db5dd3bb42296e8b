// Package tasks resolves and runs the commands an orchestrator sends to the
// agent.
package tasks

import (
	"context"
	"sort"

	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/deferred"

	"github.com/pkg/errors"
)

var (
	// ErrUnknownTask is returned for a name that is not registered.
	ErrUnknownTask = errors.New("unknown task")
	// ErrNotReady is returned when the host is busy with another update.
	ErrNotReady = errors.New("Hostmanager not in ready state.")
)

// Kind is the outcome reported for a task.
type Kind string

const (
	KindOK       Kind = "ok"
	KindDeferred Kind = "deferred"
	KindError    Kind = "error"
)

// Result is what a task reports to the caller. A deferred task's Work runs
// after the response has been sent and its outcome is only visible through
// events.
type Result struct {
	Kind    Kind
	Payload interface{}
	Work    *deferred.Handle
}

func OK(payload interface{}) Result {
	return Result{Kind: KindOK, Payload: payload}
}

func Deferred(work *deferred.Handle) Result {
	return Result{Kind: KindDeferred, Work: work}
}

func Failed(payload interface{}) Result {
	return Result{Kind: KindError, Payload: payload}
}

// Response renders the result as sent back in the task response.
func (r Result) Response() map[string]interface{} {
	out := map[string]interface{}{"status": string(r.Kind)}
	switch r.Kind {
	case KindError:
		if r.Payload != nil {
			out["error"] = r.Payload
		}
	default:
		if r.Payload != nil {
			out["result"] = r.Payload
		}
	}
	return out
}

// Task is a single command instance.
type Task interface {
	Run(ctx context.Context) (Result, error)
}

// Factory creates a task bound to its parameters.
type Factory func(env *Env, params Parameters) Task

// Registry maps task names to their factories. Only registered names can
// ever be run.
type Registry map[string]Factory

// DefaultRegistry holds every task the agent understands.
func DefaultRegistry() Registry {
	return Registry{
		"Status":              newStatus,
		"UpdateAppVersion":    newUpdateAppVersion,
		"UpdateConfiguration": newUpdateConfiguration,
		"RestartAppServer":    newRestartAppServer,
		"SelfUpdate":          newSelfUpdate,
		"SystemUpdate":        newSystemUpdate,
		"SendFileToS3":        newSendFileToS3,
		"Unmanage":            newUnmanage,
	}
}

// Lookup resolves name exactly.
func (r Registry) Lookup(name string) (Factory, error) {
	f, ok := r[name]
	if !ok || f == nil {
		return nil, errors.Wrapf(ErrUnknownTask, "%q", name)
	}
	return f, nil
}

// Names lists the registered tasks in order.
func (r Registry) Names() []string {
	names := make([]string, 0, len(r))
	for name := range r {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
