package store

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/event"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/hoststate"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/marker"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/metric"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/publication"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/version"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stores(t *testing.T) map[string]Store {
	lite, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { lite.Close() })
	return map[string]Store{
		"memory": NewMemory(),
		"sqlite": lite,
	}
}

var base = time.Date(2011, 9, 1, 12, 0, 0, 0, time.UTC)

func TestEvents(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i := 0; i < 4; i++ {
				e := &event.Event{
					Timestamp:       base.Add(time.Duration(i) * time.Second),
					Source:          "test",
					Message:         "message",
					Severity:        marker.SeverityInfo,
					Tags:            []marker.Tag{marker.TagMilestone},
					CustomerVisible: i%2 == 0,
				}
				require.NoError(t, s.AppendEvent(ctx, e))
				assert.NotZero(t, e.ID)
			}

			got, err := s.EventsBetween(ctx, base.Add(time.Second), base.Add(2*time.Second))
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.True(t, got[0].Timestamp.Equal(base.Add(time.Second)))
			assert.Equal(t, []marker.Tag{marker.TagMilestone}, got[0].Tags)
			assert.False(t, got[0].CustomerVisible)
			assert.True(t, got[1].CustomerVisible)
		})
	}
}

func TestMetrics(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rec := metric.Record{
				ID:            "m-1",
				OperationName: "Deploy",
				Timestamp:     base,
				StartTime:     base,
				Counters:      map[string]float64{"AppDownloadRate": 2048},
				Timings:       map[string]float64{},
				Properties:    map[string]string{},
			}
			require.NoError(t, s.SaveMetric(ctx, rec))

			pending, err := s.UnemittedMetrics(ctx)
			require.NoError(t, err)
			require.Len(t, pending, 1)
			assert.Equal(t, 2048.0, pending[0].Counters["AppDownloadRate"])
			assert.True(t, pending[0].EndTime.IsZero())

			rec.EndTime = base.Add(time.Minute)
			rec.Emitted = true
			require.NoError(t, s.SaveMetric(ctx, rec))

			pending, err = s.UnemittedMetrics(ctx)
			require.NoError(t, err)
			assert.Len(t, pending, 0)
		})
	}
}

func TestVersions(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			vs := version.New(s)

			last, err := vs.Last(ctx, version.Application)
			require.NoError(t, err)
			assert.Nil(t, last)

			first, err := vs.Store(ctx, version.Application, &version.Info{Bucket: "b", Key: "k", VersionID: "v1", Digest: "d"})
			require.NoError(t, err)
			again, err := vs.Store(ctx, version.Application, &version.Info{Bucket: "b", Key: "k", VersionID: "v1"})
			require.NoError(t, err)
			assert.Equal(t, first.ID, again.ID)
			assert.Equal(t, "d", again.Digest)

			second, err := vs.Store(ctx, version.Application, &version.Info{VersionID: "v2"})
			require.NoError(t, err)
			assert.NotEqual(t, first.ID, second.ID)
			assert.Equal(t, "b", second.Bucket)

			require.NoError(t, vs.MarkDeployed(ctx, second))
			last, err = vs.Last(ctx, version.Application)
			require.NoError(t, err)
			assert.True(t, last.Deployed)
			assert.Equal(t, "v2", last.VersionID)

			cfg, err := vs.Last(ctx, version.Configuration)
			require.NoError(t, err)
			assert.Nil(t, cfg)

			assert.Error(t, s.UpdateVersion(ctx, &version.Version{ID: 99}))
		})
	}
}

func TestPublications(t *testing.T) {
	dir, err := ioutil.TempDir("", "store")
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	file := filepath.Join(dir, "access.log")
	require.NoError(t, ioutil.WriteFile(file, []byte("GET /"), 0644))

	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			p, err := publication.Register(ctx, s, file, true, base)
			require.NoError(t, err)
			require.NotNil(t, p)

			found, err := s.FindPublication(ctx, file)
			require.NoError(t, err)
			assert.Equal(t, p.ID, found.ID)
			assert.True(t, found.Delete)

			pending, err := s.PublicationsByState(ctx, marker.PublicationPending)
			require.NoError(t, err)
			assert.Len(t, pending, 1)

			require.NoError(t, publication.SetState(ctx, s, found, marker.PublicationError))
			pending, err = s.PublicationsByState(ctx, marker.PublicationPending)
			require.NoError(t, err)
			assert.Len(t, pending, 0)

			failed, err := s.PublicationsByState(ctx, marker.PublicationError)
			require.NoError(t, err)
			require.Len(t, failed, 1)
			assert.False(t, failed[0].Delete)
		})
	}
}

func TestHostState(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, ok, err := s.LoadHostState(ctx)
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, s.SaveHostState(ctx, hoststate.Snapshot{State: marker.HostStateStarting, UpdatedAt: base}))
			require.NoError(t, s.SaveHostState(ctx, hoststate.Snapshot{State: marker.HostStateReady, UpdatedAt: base.Add(time.Second)}))

			snap, ok, err := s.LoadHostState(ctx)
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, marker.HostStateReady, snap.State)
			assert.True(t, snap.UpdatedAt.Equal(base.Add(time.Second)))
		})
	}
}

func TestSQLiteReopen(t *testing.T) {
	dir, err := ioutil.TempDir("", "store")
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "hostmanager.db")

	s, err := OpenSQLite(path)
	require.NoError(t, err)
	_, err = version.New(s).Store(context.Background(), version.Configuration, &version.Info{Bucket: "b", VersionID: "c1"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = OpenSQLite(path)
	require.NoError(t, err)
	defer s.Close()
	last, err := s.LastVersion(context.Background(), version.Configuration)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, "c1", last.VersionID)
}
