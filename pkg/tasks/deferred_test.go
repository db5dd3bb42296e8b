package tasks

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/config"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/marker"

	"github.com/pkg/errors"
	"gotest.tools/assert"
)

func configURL(id string) string {
	return "https://elasticbeanstalk-us-east-1.s3.amazonaws.com/config?versionId=" + id
}

func TestUpdateConfiguration(t *testing.T) {
	h := newHarness(t)
	b, err := config.ParseBundle([]byte(`{
		"application": {"Environment Properties": {"PARAM1": "one"}},
		"elasticbeanstalk": {"HostManager": {"Change Severity": "medium"}}
	}`))
	assert.NilError(t, err)
	h.syncer.bundle = b

	res := h.execute("UpdateConfiguration", Parameters{marker.ParamConfigURL: configURL("c1"), marker.ParamCipherKey: "k", marker.ParamCipherIV: "i"})
	assert.Equal(t, res.Kind, KindDeferred)
	assert.NilError(t, h.wait(res))

	assert.Equal(t, len(h.syncer.applied), 1)
	assert.Equal(t, h.syncer.applied[0].VersionID, "c1")
	assert.Equal(t, h.syncer.applied[0].CipherKey, "k")
	assert.DeepEqual(t, h.appServer.env, map[string]string{"PARAM1": "one"})
	assert.DeepEqual(t, h.server.env, map[string]string{"PARAM1": "one"})
	assert.Equal(t, h.appServer.restarts, 1)

	h.on(func() {
		history := h.env.State.History()
		assert.Equal(t, history[len(history)-2].To, marker.HostStateUpdatingConfiguration)
		assert.Equal(t, history[len(history)-1].To, marker.HostStateReady)
		assert.Assert(t, h.env.State.Metric() == nil)
	})
	metrics, err := h.store.UnemittedMetrics(h.ctx)
	assert.NilError(t, err)
	assert.Equal(t, len(metrics), 1)
	assert.Equal(t, metrics[0].OperationName, MetricUpdateConfiguration)

	ev := h.lastEvent()
	assert.Equal(t, ev.Message, "Configuration updated")
	assert.DeepEqual(t, ev.Tags, []marker.Tag{marker.TagConfiguration, marker.TagUpdate})
}

func TestUpdateConfigurationLowSeverity(t *testing.T) {
	h := newHarness(t)
	res := h.execute("UpdateConfiguration", Parameters{marker.ParamConfigURL: configURL("c2")})
	assert.NilError(t, h.wait(res))
	assert.Equal(t, h.appServer.restarts, 0)
	assert.Equal(t, h.hostState(), marker.HostStateReady)
}

func TestUpdateConfigurationFailure(t *testing.T) {
	h := newHarness(t)
	h.syncer.err = errors.New("access denied")

	res := h.execute("UpdateConfiguration", Parameters{marker.ParamConfigURL: configURL("c3")})
	assert.Assert(t, h.wait(res) != nil)
	assert.Equal(t, h.hostState(), marker.HostStateReady)

	ev := h.lastEvent()
	assert.Equal(t, ev.Severity, marker.SeverityWarn)
	assert.Assert(t, strings.Contains(ev.Message, "access denied"))
	assert.Assert(t, ev.CustomerVisible)
}

func TestUpdateConfigurationMissingURL(t *testing.T) {
	h := newHarness(t)
	res := h.execute("UpdateConfiguration", nil)
	assert.Equal(t, res.Kind, KindError)
	assert.Equal(t, h.hostState(), marker.HostStateReady)
}

func TestRestartAppServer(t *testing.T) {
	h := newHarness(t)
	res := h.execute("RestartAppServer", nil)
	assert.Equal(t, res.Kind, KindDeferred)
	assert.NilError(t, h.wait(res))
	assert.Equal(t, h.appServer.restarts, 1)
	assert.Equal(t, h.lastEvent().Message, "Application server restarted")

	h.appServer.err = errors.New("unit failed")
	assert.Assert(t, h.wait(h.execute("RestartAppServer", nil)) != nil)
	assert.Equal(t, h.lastEvent().Severity, marker.SeverityWarn)
}

func publishable(t *testing.T, h *harness, del bool) string {
	file := filepath.Join(t.TempDir(), "access.log")
	assert.NilError(t, os.WriteFile(file, []byte("GET /"), 0644))
	p, err := h.env.PublishFile(h.ctx, file, del)
	assert.NilError(t, err)
	assert.Assert(t, p != nil)
	return file
}

func TestSendFileToS3(t *testing.T) {
	h := newHarness(t)
	file := publishable(t, h, true)

	res := h.execute("SendFileToS3", Parameters{marker.ParamS3URL: "https://logs.s3.amazonaws.com/access.log", marker.ParamFilename: file})
	assert.Equal(t, res.Kind, KindDeferred)
	assert.NilError(t, h.wait(res))

	assert.Equal(t, string(h.uploader.body), "GET /")
	p, err := h.store.FindPublication(h.ctx, file)
	assert.NilError(t, err)
	assert.Equal(t, p.State, marker.PublicationComplete)
	_, err = os.Stat(file)
	assert.Assert(t, os.IsNotExist(err))
	assert.Assert(t, strings.HasPrefix(h.lastEvent().Message, "Published "+file+" in 1.500"))
}

func TestSendFileToS3UploadFails(t *testing.T) {
	h := newHarness(t)
	file := publishable(t, h, true)
	h.uploader.err = errors.New("403 Forbidden")

	res := h.execute("SendFileToS3", Parameters{marker.ParamS3URL: "https://logs.s3.amazonaws.com/access.log", marker.ParamFilename: file})
	assert.Assert(t, h.wait(res) != nil)

	p, err := h.store.FindPublication(h.ctx, file)
	assert.NilError(t, err)
	assert.Equal(t, p.State, marker.PublicationError)
	assert.Assert(t, !p.Delete)
	_, err = os.Stat(file)
	assert.NilError(t, err)
	assert.Equal(t, h.lastEvent().Severity, marker.SeverityWarn)
}

func TestSendFileToS3MissingFile(t *testing.T) {
	h := newHarness(t)
	file := publishable(t, h, false)
	assert.NilError(t, os.Remove(file))

	res := h.execute("SendFileToS3", Parameters{marker.ParamS3URL: "https://logs.s3.amazonaws.com/x", marker.ParamFilename: file})
	assert.Equal(t, res.Kind, KindError)
	p, err := h.store.FindPublication(h.ctx, file)
	assert.NilError(t, err)
	assert.Equal(t, p.State, marker.PublicationError)

	res = h.execute("SendFileToS3", Parameters{marker.ParamFilename: file})
	assert.Equal(t, res.Kind, KindError)
	assert.Equal(t, res.Payload, "Missing publication URL")
}

func TestSendFileToS3NotPending(t *testing.T) {
	h := newHarness(t)
	file := filepath.Join(t.TempDir(), "unregistered.log")
	assert.NilError(t, os.WriteFile(file, []byte("x"), 0644))

	res := h.execute("SendFileToS3", Parameters{marker.ParamS3URL: "https://logs.s3.amazonaws.com/x", marker.ParamFilename: file})
	assert.NilError(t, h.wait(res))
	assert.Assert(t, h.uploader.body == nil)
}

func TestSelfUpdate(t *testing.T) {
	h := newHarness(t)
	res := h.execute("SelfUpdate", Parameters{marker.ParamHostManagerURL: "https://example.com/hm.tbz"})
	assert.Equal(t, res.Kind, KindError)
	assert.Equal(t, res.Payload, "Missing Host Manager digest")

	params := Parameters{marker.ParamHostManagerURL: "https://example.com/hm.tbz", marker.ParamDigest: "abc"}
	res = h.execute("SelfUpdate", params)
	assert.Equal(t, res.Kind, KindDeferred)
	assert.NilError(t, h.wait(res))
	assert.Assert(t, h.proc.Exited())
	assert.Equal(t, h.runner.runs[0].name, h.env.Config.SelfUpdate.Script)

	script, err := os.ReadFile(h.env.Config.SelfUpdate.Script)
	assert.NilError(t, err)
	assert.Assert(t, strings.Contains(string(script), "'https://example.com/hm.tbz'"))
	assert.Assert(t, strings.Contains(string(script), "hostmanager.tbz)= abc"))
	assert.Assert(t, strings.Contains(string(script), "--tries=10"))
}

func TestSelfUpdateSingleFlight(t *testing.T) {
	h := newHarness(t)
	h.runner.gate = make(chan struct{})
	h.runner.err = errors.New("exit status 1")
	params := Parameters{marker.ParamHostManagerURL: "https://example.com/hm.tbz", marker.ParamDigest: "abc"}

	first := h.execute("SelfUpdate", params)
	second := h.execute("SelfUpdate", params)
	assert.Equal(t, second.Kind, KindDeferred)
	assert.Assert(t, second.Work == nil)

	close(h.runner.gate)
	assert.Assert(t, h.wait(first) != nil)
	assert.Assert(t, !h.proc.Exited())
	assert.Equal(t, h.lastEvent().Severity, marker.SeverityWarn)

	// A failed update may be retried.
	third := h.execute("SelfUpdate", params)
	assert.Assert(t, third.Work != nil)
	assert.Assert(t, h.wait(third) != nil)
}

func TestSystemUpdate(t *testing.T) {
	h := newHarness(t)
	res := h.execute("SystemUpdate", nil)
	assert.NilError(t, h.wait(res))
	assert.DeepEqual(t, h.runner.runs[0].args, []string{"-y", "update"})
	assert.Equal(t, h.lastEvent().Message, "System update succeeded")
	assert.DeepEqual(t, h.lastEvent().Tags, []marker.Tag{marker.TagSystem, marker.TagUpdate})
}

func TestUnmanage(t *testing.T) {
	h := newHarness(t)
	res := h.execute("Unmanage", nil)
	assert.Equal(t, res.Kind, KindDeferred)
	assert.NilError(t, h.wait(res))
	assert.Equal(t, len(h.runner.detached), 1)
	d := h.runner.detached[0]
	assert.Equal(t, d.name, "/bin/sh")
	assert.Equal(t, d.args[1], "/bin/sleep 2; "+h.env.Config.Unmanage.Script+" >> "+h.env.Config.Unmanage.Log+" 2>&1")
	assert.Equal(t, h.lastEvent().Message, "Unmanaging host")

	info, err := os.Stat(h.env.Config.Unmanage.Script)
	assert.NilError(t, err)
	assert.Equal(t, info.Mode().Perm(), os.FileMode(scriptMode))

	assert.NilError(t, os.WriteFile(h.env.Config.Unmanage.Log, nil, 0644))
	res = h.execute("Unmanage", nil)
	assert.Equal(t, res.Kind, KindDeferred)
	assert.ErrorContains(t, h.wait(res), "Unmanage task has already been run")
	assert.Equal(t, len(h.runner.detached), 1)
}

// Script write failures surface from the deferred work.
func TestSystemScriptsWrittenOffLoop(t *testing.T) {
	h := newHarness(t)
	blocked := filepath.Join(t.TempDir(), "missing", "dir")
	assert.NilError(t, os.WriteFile(filepath.Dir(blocked), nil, 0644))
	h.env.Config.SelfUpdate.Script = filepath.Join(blocked, "self-update.sh")
	h.env.Config.Unmanage.Script = filepath.Join(blocked, "unmanage.sh")

	params := Parameters{marker.ParamHostManagerURL: "https://example.com/hm.tbz", marker.ParamDigest: "abc"}
	res := h.execute("SelfUpdate", params)
	assert.Equal(t, res.Kind, KindDeferred)
	assert.ErrorContains(t, h.wait(res), "unable to write self update script")
	assert.Equal(t, len(h.runner.runs), 0)

	// The flag is cleared so a later update can run.
	res = h.execute("SelfUpdate", params)
	assert.Assert(t, res.Work != nil)
	assert.Assert(t, h.wait(res) != nil)

	res = h.execute("Unmanage", nil)
	assert.Equal(t, res.Kind, KindDeferred)
	assert.ErrorContains(t, h.wait(res), "unable to write unmanage script")
	assert.Equal(t, len(h.runner.detached), 0)
}
