// Package store persists agent records: events, metrics, artifact versions,
// file publications and host state.
package store

import (
	"context"

	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/event"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/hoststate"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/metric"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/publication"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/version"
)

// Store is the record store used by the agent. Implementations are safe for
// concurrent use.
type Store interface {
	event.Repository
	metric.Repository
	version.Repository
	publication.Repository
	hoststate.Persister

	// LoadHostState returns the last saved host state, if any.
	LoadHostState(ctx context.Context) (hoststate.Snapshot, bool, error)
	Close() error
}

var (
	_ Store = (*Memory)(nil)
	_ Store = (*SQLite)(nil)
)
