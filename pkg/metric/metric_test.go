package metric

import (
	"context"
	"testing"
	"time"

	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/internal/testoutput"

	"gotest.tools/assert"
)

type mapRepo struct {
	records map[string]Record
	order   []string
}

func (m *mapRepo) SaveMetric(_ context.Context, r Record) error {
	if m.records == nil {
		m.records = map[string]Record{}
	}
	if _, ok := m.records[r.ID]; !ok {
		m.order = append(m.order, r.ID)
	}
	m.records[r.ID] = r
	return nil
}

func (m *mapRepo) UnemittedMetrics(context.Context) ([]Record, error) {
	var out []Record
	for _, id := range m.order {
		if r := m.records[id]; !r.Emitted {
			out = append(out, r)
		}
	}
	return out, nil
}

func TestCreate(t *testing.T) {
	r := NewRecorder(testoutput.Logger(t, "metric"), &mapRepo{})
	assert.Assert(t, r.Create("") == nil)
	m := r.Create("UpdateApplication")
	assert.Equal(t, m.Name(), "UpdateApplication")
	assert.Assert(t, m.Record().ID != "")
}

func TestEmitShape(t *testing.T) {
	start := time.Date(2011, 9, 1, 10, 0, 0, 0, time.UTC)
	r := NewRecorder(testoutput.Logger(t, "metric"), &mapRepo{})
	r.now = func() time.Time { return start }
	m := r.Create("Deploy")
	m.SetCounter("AppDownloadRate", 1024)
	m.SetTiming("AppDownloadTime", 1500*time.Millisecond)
	m.End(start.Add(time.Minute))

	out := m.Record().Emit()
	assert.Equal(t, out["OperationName"], "Deploy")
	assert.Equal(t, out["StartTime"], "2011-09-01T10:00:00 +0000")
	assert.Equal(t, out["EndTime"], "2011-09-01T10:01:00 +0000")
	assert.Equal(t, out["timestamp"], "2011-09-01T10:00:00 +0000")
	assert.DeepEqual(t, out["Timings"], map[string]float64{"AppDownloadTime": 1500})
	assert.DeepEqual(t, out["Counters"], map[string]float64{"AppDownloadRate": 1024})
}

func TestEmitPending(t *testing.T) {
	repo := &mapRepo{}
	r := NewRecorder(testoutput.Logger(t, "metric"), repo)
	ctx := context.Background()

	r.Finish(ctx, r.Create("One"))
	r.Finish(ctx, r.Create("Two"))
	r.Finish(ctx, nil)

	emitted, err := r.EmitPending(ctx, map[string]string{"InstanceType": "m1.small"})
	assert.NilError(t, err)
	assert.Equal(t, len(emitted), 2)
	assert.DeepEqual(t, emitted[0]["Properties"], map[string]string{"InstanceType": "m1.small"})

	again, err := r.EmitPending(ctx, nil)
	assert.NilError(t, err)
	assert.Equal(t, len(again), 0)
}

func TestRecordIsCopy(t *testing.T) {
	r := NewRecorder(testoutput.Logger(t, "metric"), &mapRepo{})
	m := r.Create("Copy")
	rec := m.Record()
	rec.Counters["x"] = 1
	_, ok := m.Record().Counters["x"]
	assert.Assert(t, !ok)
}

func TestContext(t *testing.T) {
	assert.Assert(t, FromContext(context.Background()) == nil)
	r := NewRecorder(testoutput.Logger(t, "metric"), &mapRepo{})
	m := r.Create("Ctx")
	assert.Equal(t, FromContext(NewContext(context.Background(), m)), m)
}
