package server

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/config"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/internal/testoutput"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/loop"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/marker"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/protocol"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/tasks"

	"github.com/pkg/errors"
	"gotest.tools/assert"
)

type keys string

func (k keys) Material(context.Context) (string, error) { return string(k), nil }

type echo struct{ params tasks.Parameters }

func (e echo) Run(context.Context) (tasks.Result, error) {
	return tasks.OK(e.params.String("message")), nil
}

type fixedHealth struct{ err error }

func (f fixedHealth) Check(context.Context) error { return f.err }

type eventSink struct {
	mu       sync.Mutex
	messages []string
	severity []marker.Severity
}

func (s *eventSink) Store(_ context.Context, source, message string, severity marker.Severity, tags []marker.Tag, _ bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, source+": "+message)
	s.severity = append(s.severity, severity)
}

var testIV = []byte("fedcba9876543210")

type harness struct {
	t      *testing.T
	codec  *protocol.Codec
	events *eventSink
	srv    *httptest.Server
}

func newHarness(t *testing.T, health Healthchecker) *harness {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	l := loop.New(testoutput.Logger(t, "loop"))
	go l.Run(ctx)

	cfg := config.Default()
	env := &tasks.Env{Log: testoutput.Logger(t, "tasks"), Config: cfg}
	registry := tasks.Registry{
		"Echo": func(_ *tasks.Env, params tasks.Parameters) tasks.Task { return echo{params} },
	}
	disp := tasks.NewDispatcher(testoutput.Logger(t, "dispatch"), env, registry)
	codec := protocol.NewCodec(testoutput.Logger(t, "protocol"), keys("i-0abc1234r-0def5678"))
	events := &eventSink{}

	s := New(testoutput.Logger(t, "server"), codec, l, disp, health, events, cfg.APIVersions)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &harness{t: t, codec: codec, events: events, srv: srv}
}

func (h *harness) post(raw string) *http.Response {
	resp, err := http.PostForm(h.srv.URL+"/tasks", url.Values{RequestField: {raw}})
	assert.NilError(h.t, err)
	h.t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (h *harness) open(resp *http.Response) ([]byte, map[string]interface{}) {
	var buf strings.Builder
	_, err := io.Copy(&buf, resp.Body)
	assert.NilError(h.t, err)
	var out map[string]interface{}
	iv, err := h.codec.ParseResponse(context.Background(), []byte(buf.String()), &out)
	assert.NilError(h.t, err)
	return iv, out
}

func TestTaskRoundTrip(t *testing.T) {
	h := newHarness(t, fixedHealth{})
	raw, err := h.codec.SealRequest(context.Background(), time.Now().UTC(), testIV, protocol.Payload{
		APIVersion: "2011-08-29",
		Name:       "Echo",
		Parameters: map[string]interface{}{"message": "hello"},
	})
	assert.NilError(t, err)

	resp := h.post(string(raw))
	assert.Equal(t, resp.StatusCode, http.StatusOK)
	assert.Assert(t, strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json"))

	iv, out := h.open(resp)
	assert.DeepEqual(t, iv, testIV)
	assert.Equal(t, out["status"], "ok")
	assert.Equal(t, out["result"], "hello")
	assert.DeepEqual(t, out["api_versions"], []interface{}{"2011-08-29"})
}

func TestUnknownTask(t *testing.T) {
	h := newHarness(t, fixedHealth{})
	raw, err := h.codec.SealRequest(context.Background(), time.Now().UTC(), testIV, protocol.Payload{Name: "Reboot"})
	assert.NilError(t, err)

	resp := h.post(string(raw))
	assert.Equal(t, resp.StatusCode, http.StatusOK)
	_, out := h.open(resp)
	assert.Equal(t, out["status"], "error")
	assert.Assert(t, strings.Contains(out["error"].(string), "Reboot"))
}

func TestUnsupportedAPIVersion(t *testing.T) {
	h := newHarness(t, fixedHealth{})
	raw, err := h.codec.SealRequest(context.Background(), time.Now().UTC(), testIV, protocol.Payload{APIVersion: "1999-01-01", Name: "Echo"})
	assert.NilError(t, err)

	_, out := h.open(h.post(string(raw)))
	assert.Equal(t, out["status"], "error")
	assert.Equal(t, out["error"], tasks.UnsupportedAPI)
}

func TestStaleRequestRejected(t *testing.T) {
	h := newHarness(t, fixedHealth{})
	at := time.Now().UTC().Add(-2 * protocol.ReplayWindow)
	raw, err := h.codec.SealRequest(context.Background(), at, testIV, protocol.Payload{Name: "Echo"})
	assert.NilError(t, err)

	resp := h.post(string(raw))
	assert.Equal(t, resp.StatusCode, http.StatusBadRequest)
	iv, out := h.open(resp)
	assert.DeepEqual(t, iv, testIV)
	assert.Equal(t, out["status"], "error")
}

func TestMalformedRequest(t *testing.T) {
	h := newHarness(t, fixedHealth{})
	for _, raw := range []string{"", "not json", `{"timestamp":"x","iv":"%%%","payload":""}`} {
		resp := h.post(raw)
		assert.Equal(t, resp.StatusCode, http.StatusBadRequest, raw)
		iv, out := h.open(resp)
		assert.Equal(t, len(iv), ivSize)
		assert.Equal(t, out["status"], "error")
	}
}

func TestTasksRequiresPost(t *testing.T) {
	h := newHarness(t, fixedHealth{})
	resp, err := http.Get(h.srv.URL + "/tasks")
	assert.NilError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, resp.StatusCode, http.StatusMethodNotAllowed)
}

func TestHealthcheck(t *testing.T) {
	h := newHarness(t, fixedHealth{})
	resp, err := http.Get(h.srv.URL + "/healthcheck")
	assert.NilError(t, err)
	defer resp.Body.Close()

	var buf strings.Builder
	_, err = io.Copy(&buf, resp.Body)
	assert.NilError(t, err)
	assert.Equal(t, resp.StatusCode, http.StatusOK)
	assert.Assert(t, strings.Contains(buf.String(), "<healthcheck><status>OK</status></healthcheck>"))
	assert.Equal(t, len(h.events.messages), 0)
}

func TestHealthcheckFailure(t *testing.T) {
	h := newHarness(t, fixedHealth{err: errors.New("Received HTTP Response Code: 503")})
	resp, err := http.Get(h.srv.URL + "/healthcheck")
	assert.NilError(t, err)
	defer resp.Body.Close()

	var buf strings.Builder
	_, err = io.Copy(&buf, resp.Body)
	assert.NilError(t, err)
	assert.Equal(t, resp.StatusCode, http.StatusInternalServerError)
	assert.Assert(t, strings.Contains(buf.String(), "<status>FAILED</status>"))
	assert.Assert(t, strings.Contains(buf.String(), "<reason>Received HTTP Response Code: 503</reason>"))
	assert.DeepEqual(t, h.events.messages, []string{"healthcheck: ELB healthcheck failed: Received HTTP Response Code: 503"})
	assert.DeepEqual(t, h.events.severity, []marker.Severity{marker.SeverityCritical})
}
