// Package custom deploys an application that carries its own lifecycle
// hooks. The archive is expected to hold a beanstalk directory with
// deploy.sh, startup.sh, shutdown.sh and optionally config.sh.
package custom

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/command"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/event"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/logging"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/marker"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/metric"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/platform"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/version"

	"github.com/pkg/errors"
)

const (
	// Name tags events about custom applications.
	Name = "CustomApplication"

	archiveName  = "application.zip"
	unpackedName = "application"
	hooksName    = "beanstalk"
	scriptMode   = 0755

	timingDownload  = "AppDownloadTime"
	counterDownload = "AppDownloadRate"
)

var (
	_ platform.Application = (*Application)(nil)
	_ platform.Server      = (*Server)(nil)

	ratePattern = regexp.MustCompile(`[0-9]+(\.[0-9]+)?`)
)

// Options locate the application's files.
type Options struct {
	// ScriptDir receives the generated phase scripts.
	ScriptDir string
	// StagingDir is where the archive is downloaded and unpacked.
	StagingDir string
}

func (o Options) archive() string {
	return filepath.Join(o.StagingDir, archiveName)
}

func (o Options) unpacked() string {
	return filepath.Join(o.StagingDir, unpackedName)
}

func (o Options) hooks() string {
	return filepath.Join(o.unpacked(), hooksName)
}

// Application deploys one version of a custom application.
type Application struct {
	log     logging.Logger
	run     command.Runner
	opts    Options
	version *version.Version
	server  *Server
	env     func() map[string]string
}

// New creates the Application for v. env supplies the environment
// properties in effect when the application is configured.
func New(log logging.Logger, run command.Runner, events event.Sink, opts Options, v *version.Version, env func() map[string]string) *Application {
	return &Application{
		log:     log,
		run:     run,
		opts:    opts,
		version: v,
		server:  NewServer(log, run, events, opts),
		env:     env,
	}
}

func (a *Application) Version() *version.Version {
	return a.version
}

func (a *Application) Name() string {
	return Name
}

func (a *Application) data() scriptData {
	return scriptData{
		Staging:  a.opts.StagingDir,
		Hooks:    a.opts.hooks(),
		URL:      a.version.URL(),
		Version:  a.version.VersionID,
		Digest:   a.version.Digest,
		Archive:  a.opts.archive(),
		Unpacked: a.opts.unpacked(),
	}
}

// PreDeploy downloads the archive and verifies its digest.
func (a *Application) PreDeploy(ctx context.Context) error {
	a.log.WithField("version", a.version.VersionID).Info("starting pre-deployment")
	out, err := a.runScript(ctx, preDeployScript, "pre-deployment")
	if err != nil {
		return err
	}
	a.recordDownload(ctx, out)
	return nil
}

// Deploy unpacks the archive and runs its deploy hook.
func (a *Application) Deploy(ctx context.Context) error {
	a.log.WithField("version", a.version.VersionID).Info("starting deployment")
	if _, err := a.runScript(ctx, deployScript, "deployment"); err != nil {
		return err
	}
	a.log.Info("application successfully deployed")
	return nil
}

// PostDeploy reconfigures and restarts the application, since the deployed
// hooks may have changed.
func (a *Application) PostDeploy(ctx context.Context) error {
	var env map[string]string
	if a.env != nil {
		env = a.env()
	}
	if err := a.server.UpdateConfig(ctx, env); err != nil {
		return &platform.DeployError{Message: "Failed to configure application version " + a.version.VersionID, Err: err}
	}
	if err := a.server.Restart(ctx); err != nil {
		return &platform.DeployError{Message: "Failed to restart application version " + a.version.VersionID, Err: err}
	}
	return nil
}

func (a *Application) runScript(ctx context.Context, tmpl *template.Template, phase string) ([]byte, error) {
	path := filepath.Join(a.opts.ScriptDir, tmpl.Name()+".sh")
	if err := writeScript(path, tmpl, a.data()); err != nil {
		return nil, &platform.DeployError{Message: "Failed to create application " + phase + " script", Err: err}
	}
	out, err := a.run.Run(ctx, path)
	if err != nil {
		return out, &platform.DeployError{
			Message: "Failed application version " + a.version.VersionID + " " + phase + ": " + err.Error(),
			Output:  command.Tail(out),
			Err:     err,
		}
	}
	return out, nil
}

func writeScript(path string, tmpl *template.Template, data scriptData) error {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return err
	}
	if err := os.WriteFile(path, buf.Bytes(), scriptMode); err != nil {
		return err
	}
	return os.Chmod(path, scriptMode)
}

type downloadStats struct {
	Time string `json:"AppDownloadTime"`
	Rate string `json:"AppDownloadRate"`
}

// recordDownload reads the download statistics the pre-deploy script prints
// last into the in-flight metric.
func (a *Application) recordDownload(ctx context.Context, out []byte) {
	m := metric.FromContext(ctx)
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	var stats downloadStats
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &stats); err != nil {
		a.log.WithError(err).Warn("no download statistics in pre-deployment output")
		return
	}
	if secs, err := strconv.ParseFloat(strings.TrimSpace(stats.Time), 64); err == nil {
		d := time.Duration(secs * float64(time.Second))
		a.log.WithField("ms", d.Milliseconds()).Debug("application download time")
		if m != nil {
			m.SetTiming(timingDownload, d)
		}
	}
	if rate, ok := downloadRate(stats.Rate); ok {
		a.log.WithField("kbps", rate).Debug("application download rate")
		if m != nil {
			m.SetCounter(counterDownload, rate)
		}
	}
}

// downloadRate converts a wget rate such as "1.5 MB/s" to KB/s.
func downloadRate(s string) (float64, bool) {
	n := ratePattern.FindString(s)
	if n == "" {
		return 0, false
	}
	rate, err := strconv.ParseFloat(n, 64)
	if err != nil {
		return 0, false
	}
	if strings.Contains(s, "MB") {
		rate *= 1024
	}
	return rate, true
}

// Server runs the hooks of the deployed application.
type Server struct {
	log    logging.Logger
	run    command.Runner
	events event.Sink
	opts   Options
}

func NewServer(log logging.Logger, run command.Runner, events event.Sink, opts Options) *Server {
	return &Server{log: log, run: run, events: events, opts: opts}
}

// ErrNoHook is returned when the deployed application lacks a hook.
var ErrNoHook = errors.New("application has no such hook")

func (s *Server) hook(name string) (string, error) {
	path := filepath.Join(s.opts.hooks(), name)
	if _, err := os.Stat(path); err != nil {
		return "", errors.Wrap(ErrNoHook, name)
	}
	return path, nil
}

// Start runs the startup hook. A missing hook is an error but not an event.
func (s *Server) Start(ctx context.Context) error {
	s.log.Info("starting application servers")
	path, err := s.hook("startup.sh")
	if err != nil {
		return err
	}
	if err := s.lifecycle(ctx, path); err != nil {
		s.events.Store(ctx, Name, "Application servers failed to start", marker.SeverityCritical, []marker.Tag{marker.TagAppServer}, true)
		return err
	}
	s.events.Store(ctx, Name, "Application servers startup complete", marker.SeverityInfo, []marker.Tag{marker.TagMilestone, marker.TagAppServer}, true)
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	s.log.Info("stopping application servers")
	path, err := s.hook("shutdown.sh")
	if err != nil {
		return err
	}
	if err := s.lifecycle(ctx, path); err != nil {
		s.events.Store(ctx, Name, "Application servers failed to stop", marker.SeverityCritical, []marker.Tag{marker.TagAppServer}, true)
		return err
	}
	s.events.Store(ctx, Name, "Application servers stopped", marker.SeverityInfo, []marker.Tag{marker.TagAppServer}, true)
	return nil
}

func (s *Server) Restart(ctx context.Context) error {
	// A server that is not running fails to stop.
	if err := s.Stop(ctx); err != nil {
		s.log.WithError(err).Warn("stop failed, starting anyway")
	}
	return s.Start(ctx)
}

func (s *Server) lifecycle(ctx context.Context, path string) error {
	out, err := s.run.Run(ctx, path)
	if err != nil {
		return err
	}
	if bytes.Contains(out, []byte("FAILED")) {
		return errors.Errorf("%s reported failure: %s", filepath.Base(path), command.Tail(out))
	}
	return nil
}

// UpdateConfig runs the config hook with the environment as KEY=VALUE
// arguments. Applications without the hook are left alone.
func (s *Server) UpdateConfig(ctx context.Context, env map[string]string) error {
	path, err := s.hook("config.sh")
	if err != nil {
		s.log.Debug("no config hook")
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	args := make([]string, 0, len(keys))
	for _, k := range keys {
		args = append(args, k+"="+env[k])
	}
	out, err := s.run.Run(ctx, path, args...)
	if err != nil {
		return err
	}
	s.log.WithField("output", command.Tail(out)).Debug("application config updated")
	return nil
}
