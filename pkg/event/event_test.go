package event

import (
	"context"
	"testing"
	"time"

	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/internal/testoutput"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/marker"

	"gotest.tools/assert"
)

type sliceRepo struct {
	events []*Event
}

func (s *sliceRepo) AppendEvent(_ context.Context, e *Event) error {
	e.ID = int64(len(s.events) + 1)
	s.events = append(s.events, e)
	return nil
}

func (s *sliceRepo) EventsBetween(_ context.Context, from, to time.Time) ([]*Event, error) {
	var out []*Event
	for _, e := range s.events {
		if !e.Timestamp.Before(from) && !e.Timestamp.After(to) {
			out = append(out, e)
		}
	}
	return out, nil
}

func TestStoreDropsIncomplete(t *testing.T) {
	repo := &sliceRepo{}
	r := NewRecorder(testoutput.Logger(t, "event"), repo)
	ctx := context.Background()

	r.Store(ctx, "", "message", marker.SeverityInfo, nil, true)
	r.Store(ctx, "source", "", marker.SeverityInfo, nil, true)
	assert.Equal(t, len(repo.events), 0)

	r.Store(ctx, "source", "message", "", nil, false)
	assert.Equal(t, len(repo.events), 1)
	e := repo.events[0]
	assert.Equal(t, e.Severity, marker.SeverityDebug)
	assert.DeepEqual(t, e.Tags, []marker.Tag{})
	assert.Assert(t, !e.CustomerVisible)
}

func TestInfo(t *testing.T) {
	ts := time.Date(2011, 9, 1, 12, 30, 0, 0, time.UTC)
	e := &Event{
		Timestamp: ts,
		Source:    "UpdateAppVersion",
		Message:   "deployed",
		Severity:  marker.SeverityInfo,
		Tags:      []marker.Tag{marker.TagMilestone, marker.TagDeployment},
	}
	info := e.Info()
	assert.Equal(t, info.Timestamp, "2011-09-01T12:30:00 +0000")
	assert.DeepEqual(t, info.Tags, []string{"milestone", "deployment"})
}

func TestSince(t *testing.T) {
	repo := &sliceRepo{}
	r := NewRecorder(testoutput.Logger(t, "event"), repo)
	base := time.Date(2011, 9, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		at := base.Add(time.Duration(i) * time.Minute)
		r.now = func() time.Time { return at }
		r.Store(context.Background(), "s", "m", marker.SeverityInfo, nil, true)
	}
	events, err := r.Since(context.Background(), base.Add(2*time.Minute), base.Add(3*time.Minute))
	assert.NilError(t, err)
	assert.Equal(t, len(events), 2)
}
