// Package workgroup runs the agent's long-lived workers together.
package workgroup

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Group runs workers sharing one context. The context is cancelled when
// any worker returns an error.
type Group struct {
	ctx   context.Context
	group *errgroup.Group
}

func WithContext(ctx context.Context) *Group {
	group, ctx := errgroup.WithContext(ctx)
	return &Group{ctx: ctx, group: group}
}

// Context is cancelled once a worker fails or the parent is done.
func (g *Group) Context() context.Context {
	return g.ctx
}

func (g *Group) Work(fn func(context.Context) error) {
	g.group.Go(func() error {
		return fn(g.ctx)
	})
}

func (g *Group) Wait() error {
	return g.group.Wait()
}
