package store

import (
	"context"
	"sync"
	"time"

	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/event"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/hoststate"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/marker"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/metric"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/publication"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/version"

	"github.com/pkg/errors"
)

// Memory is a Store held in process memory. Records handed out are copies.
type Memory struct {
	mu           sync.Mutex
	events       []event.Event
	metrics      []metric.Record
	versions     []version.Version
	publications []publication.Publication
	host         *hoststate.Snapshot
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Close() error {
	return nil
}

func (m *Memory) AppendEvent(_ context.Context, e *event.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.ID = int64(len(m.events) + 1)
	cp := *e
	cp.Tags = append([]marker.Tag(nil), e.Tags...)
	m.events = append(m.events, cp)
	return nil
}

func (m *Memory) EventsBetween(_ context.Context, from, to time.Time) ([]*event.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*event.Event
	for _, e := range m.events {
		if e.Timestamp.Before(from) || e.Timestamp.After(to) {
			continue
		}
		cp := e
		cp.Tags = append([]marker.Tag(nil), e.Tags...)
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Memory) SaveMetric(_ context.Context, r metric.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.metrics {
		if m.metrics[i].ID == r.ID {
			m.metrics[i] = r
			return nil
		}
	}
	m.metrics = append(m.metrics, r)
	return nil
}

func (m *Memory) UnemittedMetrics(context.Context) ([]metric.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []metric.Record
	for _, r := range m.metrics {
		if !r.Emitted {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *Memory) LastVersion(_ context.Context, typ version.Type) (*version.Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.versions) - 1; i >= 0; i-- {
		if m.versions[i].Type == typ {
			cp := m.versions[i]
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *Memory) InsertVersion(_ context.Context, v *version.Version) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v.ID = int64(len(m.versions) + 1)
	m.versions = append(m.versions, *v)
	return nil
}

func (m *Memory) UpdateVersion(_ context.Context, v *version.Version) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v.ID < 1 || int(v.ID) > len(m.versions) {
		return errors.Errorf("no version with id %d", v.ID)
	}
	row := &m.versions[v.ID-1]
	row.Deployed = v.Deployed
	row.Timestamp = v.Timestamp
	row.Error = v.Error
	return nil
}

func (m *Memory) FindPublication(_ context.Context, filename string) (*publication.Publication, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.publications {
		if p.Filename == filename {
			cp := p
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *Memory) InsertPublication(_ context.Context, p *publication.Publication) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.ID = int64(len(m.publications) + 1)
	m.publications = append(m.publications, *p)
	return nil
}

func (m *Memory) PublicationsByState(_ context.Context, state marker.PublicationState) ([]*publication.Publication, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*publication.Publication
	for _, p := range m.publications {
		if p.State == state {
			cp := p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *Memory) UpdatePublication(_ context.Context, p *publication.Publication) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID < 1 || int(p.ID) > len(m.publications) {
		return errors.Errorf("no publication with id %d", p.ID)
	}
	row := &m.publications[p.ID-1]
	row.State = p.State
	row.Delete = p.Delete
	return nil
}

func (m *Memory) SaveHostState(_ context.Context, s hoststate.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.host = &s
	return nil
}

func (m *Memory) LoadHostState(context.Context) (hoststate.Snapshot, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.host == nil {
		return hoststate.Snapshot{}, false, nil
	}
	return *m.host, true, nil
}
