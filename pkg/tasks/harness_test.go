package tasks

import (
	"context"
	"io"
	"io/ioutil"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/config"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/deferred"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/deployment"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/event"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/hoststate"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/internal/fakeapp"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/internal/testoutput"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/loop"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/marker"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/metric"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/platform"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/store"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/version"

	"gotest.tools/assert"
)

type fakeAppServer struct {
	mu       sync.Mutex
	restarts int
	env      map[string]string
	err      error
}

func (f *fakeAppServer) Start(context.Context) error { return nil }
func (f *fakeAppServer) Stop(context.Context) error  { return nil }

func (f *fakeAppServer) Restart(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarts++
	return f.err
}

func (f *fakeAppServer) SetEnvironment(_ context.Context, env map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.env = env
	return nil
}

type fakeServer struct {
	mu  sync.Mutex
	env map[string]string
}

func (f *fakeServer) Start(context.Context) error   { return nil }
func (f *fakeServer) Stop(context.Context) error    { return nil }
func (f *fakeServer) Restart(context.Context) error { return nil }

func (f *fakeServer) UpdateConfig(_ context.Context, env map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.env = env
	return nil
}

type fakeSyncer struct {
	bundle  *config.Bundle
	err     error
	applied []*version.Version
}

func (f *fakeSyncer) Fetch(context.Context, *version.Version) (*config.Bundle, error) {
	return f.bundle, f.err
}

// Apply runs on the loop and needs no locking.
func (f *fakeSyncer) Apply(_ context.Context, cfg *version.Version, _ *config.Bundle) error {
	f.applied = append(f.applied, cfg)
	return nil
}

type fakeUploader struct {
	mu   sync.Mutex
	body []byte
	url  string
	err  error
}

func (f *fakeUploader) Put(_ context.Context, url string, body io.Reader, _ string) (time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	data, err := ioutil.ReadAll(body)
	f.body, f.url = data, url
	return 1500 * time.Millisecond, err
}

type ran struct {
	name string
	args []string
}

type fakeRunner struct {
	mu       sync.Mutex
	runs     []ran
	detached []ran
	gate     chan struct{}
	err      error
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, ran{name, args})
	return []byte("output"), f.err
}

func (f *fakeRunner) Detach(name string, args ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detached = append(f.detached, ran{name, args})
	return nil
}

type fakeProc struct {
	mu     sync.Mutex
	exited bool
}

func (f *fakeProc) Exit() error {
	f.mu.Lock()
	f.exited = true
	f.mu.Unlock()
	return nil
}

func (f *fakeProc) Exited() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exited
}

type fakeInstance struct{}

func (fakeInstance) InstanceType(context.Context) (string, error) { return "t1.micro", nil }

// blockingInstance answers only once release is closed.
type blockingInstance struct {
	release chan struct{}
	calls   atomic.Int32
}

func (b *blockingInstance) InstanceType(ctx context.Context) (string, error) {
	b.calls.Add(1)
	select {
	case <-b.release:
		return "m5.large", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

type harness struct {
	t     *testing.T
	ctx   context.Context
	now   time.Time
	store *store.Memory
	env   *Env
	disp  *Dispatcher

	appServer *fakeAppServer
	server    *fakeServer
	syncer    *fakeSyncer
	uploader  *fakeUploader
	runner    *fakeRunner
	proc      *fakeProc
	// fail makes built applications fail in that phase.
	fail marker.DeploymentState
}

func newHarness(t *testing.T) *harness {
	ctx, cancel := context.WithCancel(context.Background())
	l := loop.New(testoutput.Logger(t, "loop"))
	go l.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-l.Stopped()
	})

	dir := t.TempDir()
	cfg := config.Default()
	cfg.Database = filepath.Join(dir, "hostmanager.db")
	cfg.SelfUpdate.Dir = filepath.Join(dir, "update")
	cfg.SelfUpdate.Script = filepath.Join(dir, "self-update.sh")
	cfg.Unmanage.Script = filepath.Join(dir, "unmanage.sh")
	cfg.Unmanage.Log = filepath.Join(dir, "unmanage.log")

	mem := store.NewMemory()
	h := &harness{
		t:         t,
		ctx:       ctx,
		now:       time.Now().Truncate(time.Second),
		store:     mem,
		appServer: &fakeAppServer{},
		server:    &fakeServer{},
		syncer:    &fakeSyncer{bundle: config.DefaultBundle()},
		uploader:  &fakeUploader{},
		runner:    &fakeRunner{},
		proc:      &fakeProc{},
	}
	clock := func() time.Time { return h.now }

	state := hoststate.New(testoutput.Logger(t, "hoststate"), mem)
	state.UseClock(clock)
	versions := version.New(mem)
	events := event.NewRecorder(testoutput.Logger(t, "event"), mem)
	metrics := metric.NewRecorder(testoutput.Logger(t, "metric"), mem)
	pool := deferred.New(ctx, testoutput.Logger(t, "deferred"), 2)

	h.env = &Env{
		Log:      testoutput.Logger(t, "tasks"),
		Config:   cfg,
		Loop:     l,
		Pool:     pool,
		State:    state,
		Versions: versions,
		Deployments: deployment.NewManager(testoutput.Logger(t, "deployment"), deployment.Deps{
			Loop:     l,
			Pool:     pool,
			State:    state,
			Versions: versions,
			Events:   events,
			Metrics:  metrics,
		}),
		Build: func(v *version.Version) platform.Application {
			if h.fail != "" {
				return fakeapp.Failing(v, h.fail, &platform.DeployError{Message: "deploy failed", Output: "exit 1"})
			}
			return fakeapp.New(v)
		},
		Server:       h.server,
		AppServer:    h.appServer,
		Events:       events,
		Metrics:      metrics,
		Publications: mem,
		Bundle:       config.NewHolder(),
		Syncer:       h.syncer,
		Instance:     fakeInstance{},
		Uploader:     h.uploader,
		Runner:       h.runner,
		Proc:         h.proc,
		Now:          clock,
	}
	h.disp = NewDispatcher(testoutput.Logger(t, "dispatch"), h.env, nil)
	var warm *deferred.Handle
	h.on(func() {
		h.env.Init()
		warm = h.env.WarmInstanceType()
		assert.NilError(t, state.TransitionTo(ctx, marker.HostStateReady, nil))
	})
	assert.NilError(t, warm.Wait())
	return h
}

// on runs fn on the event loop.
func (h *harness) on(fn func()) {
	h.t.Helper()
	assert.NilError(h.t, h.env.Loop.Do(h.ctx, fn))
}

func (h *harness) execute(name string, params Parameters) Result {
	var res Result
	h.on(func() {
		res = h.disp.Execute(h.ctx, name, params)
	})
	return res
}

func (h *harness) wait(res Result) error {
	h.t.Helper()
	assert.Assert(h.t, res.Work != nil)
	return res.Work.Wait()
}

func (h *harness) events() []*event.Event {
	evs, err := h.store.EventsBetween(h.ctx, time.Time{}, time.Now().Add(24*365*time.Hour))
	assert.NilError(h.t, err)
	return evs
}

func (h *harness) lastEvent() *event.Event {
	evs := h.events()
	assert.Assert(h.t, len(evs) > 0)
	return evs[len(evs)-1]
}

func (h *harness) hostState() marker.HostState {
	var s marker.HostState
	h.on(func() { s = h.env.State.Current() })
	return s
}

func versionURL(id string) string {
	return "https://elasticbeanstalk-us-east-1.s3.amazonaws.com/app.zip?versionId=" + id + "&Signature=sig"
}
