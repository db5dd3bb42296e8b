// Package metric records timed operations reported upstream by the Status
// task.
package metric

import (
	"context"
	"sync"
	"time"

	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/logging"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/marker"

	"github.com/google/uuid"
)

// Metric is a single operation being measured. It may be updated from
// deferred workers while held in host state context.
type Metric struct {
	mu  sync.Mutex
	rec Record
}

// Record is the persisted form of a Metric.
type Record struct {
	ID            string
	OperationName string
	Timestamp     time.Time
	StartTime     time.Time
	EndTime       time.Time
	Counters      map[string]float64
	Timings       map[string]float64
	Properties    map[string]string
	Emitted       bool
}

func newMetric(name string, now time.Time) *Metric {
	return &Metric{rec: Record{
		ID:            uuid.New().String(),
		OperationName: name,
		Timestamp:     now,
		StartTime:     now,
		Counters:      map[string]float64{},
		Timings:       map[string]float64{},
		Properties:    map[string]string{},
	}}
}

func (m *Metric) Name() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rec.OperationName
}

func (m *Metric) SetCounter(name string, value float64) {
	m.mu.Lock()
	m.rec.Counters[name] = value
	m.mu.Unlock()
}

// SetTiming records d in milliseconds.
func (m *Metric) SetTiming(name string, d time.Duration) {
	m.mu.Lock()
	m.rec.Timings[name] = float64(d) / float64(time.Millisecond)
	m.mu.Unlock()
}

func (m *Metric) SetProperty(name, value string) {
	m.mu.Lock()
	m.rec.Properties[name] = value
	m.mu.Unlock()
}

// End sets the end time.
func (m *Metric) End(at time.Time) {
	m.mu.Lock()
	m.rec.EndTime = at
	m.mu.Unlock()
}

// Record returns a copy of the metric's current values.
func (m *Metric) Record() Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rec.copy()
}

func (r Record) copy() Record {
	out := r
	out.Counters = make(map[string]float64, len(r.Counters))
	for k, v := range r.Counters {
		out.Counters[k] = v
	}
	out.Timings = make(map[string]float64, len(r.Timings))
	for k, v := range r.Timings {
		out.Timings[k] = v
	}
	out.Properties = make(map[string]string, len(r.Properties))
	for k, v := range r.Properties {
		out.Properties[k] = v
	}
	return out
}

// Emit renders the record as reported by the Status task.
func (r Record) Emit() map[string]interface{} {
	end := ""
	if !r.EndTime.IsZero() {
		end = r.EndTime.Format(marker.StatusTimeFormat)
	}
	return map[string]interface{}{
		"OperationName": r.OperationName,
		"StartTime":     r.StartTime.Format(marker.StatusTimeFormat),
		"EndTime":       end,
		"Counters":      r.Counters,
		"Timings":       r.Timings,
		"Properties":    r.Properties,
		"timestamp":     r.Timestamp.Format(marker.StatusTimeFormat),
	}
}

type Repository interface {
	SaveMetric(ctx context.Context, r Record) error
	UnemittedMetrics(ctx context.Context) ([]Record, error)
}

// Recorder creates and persists metrics.
type Recorder struct {
	log  logging.Logger
	repo Repository
	now  func() time.Time
}

func NewRecorder(log logging.Logger, repo Repository) *Recorder {
	return &Recorder{log: log, repo: repo, now: time.Now}
}

// Create starts a metric for operation. An empty operation name yields nil.
func (r *Recorder) Create(operation string) *Metric {
	if operation == "" {
		return nil
	}
	return newMetric(operation, r.now())
}

// Finish ends m now and saves it. A nil metric is ignored.
func (r *Recorder) Finish(ctx context.Context, m *Metric) {
	if m == nil {
		return
	}
	m.End(r.now())
	if err := r.repo.SaveMetric(ctx, m.Record()); err != nil {
		r.log.WithError(err).WithField("metric", m.Name()).Error("unable to save metric")
	}
}

// EmitPending decorates every metric not yet reported with props, marks it
// emitted and returns the rendered metrics.
func (r *Recorder) EmitPending(ctx context.Context, props map[string]string) ([]map[string]interface{}, error) {
	pending, err := r.repo.UnemittedMetrics(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]interface{}, 0, len(pending))
	for _, rec := range pending {
		if rec.Properties == nil {
			rec.Properties = map[string]string{}
		}
		for k, v := range props {
			rec.Properties[k] = v
		}
		rec.Emitted = true
		if err := r.repo.SaveMetric(ctx, rec); err != nil {
			return out, err
		}
		out = append(out, rec.Emit())
	}
	return out, nil
}

type ctxKey struct{}

// NewContext returns ctx carrying m.
func NewContext(ctx context.Context, m *Metric) context.Context {
	return context.WithValue(ctx, ctxKey{}, m)
}

// FromContext returns the metric carried by ctx, if any.
func FromContext(ctx context.Context) *Metric {
	m, _ := ctx.Value(ctxKey{}).(*Metric)
	return m
}
