// Package appserver controls the systemd unit running the managed
// application server.
package appserver

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/logging"

	systemd "github.com/coreos/go-systemd/v22/dbus"
	"github.com/coreos/go-systemd/v22/unit"
	dbus "github.com/godbus/dbus/v5"
	"github.com/pkg/errors"
)

const (
	DefaultSocket  = "/run/systemd/private"
	DefaultRuntime = "/run/systemd/system"

	jobMode     = "replace"
	jobDone     = "done"
	dropInName  = "50-hostmanager-environment.conf"
	dirMode     = 0750
	dropInPerms = 0640
)

// Controller manages the application server.
type Controller interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Restart(ctx context.Context) error
	// SetEnvironment replaces the environment the server is started with.
	// It takes effect on the next start.
	SetEnvironment(ctx context.Context, env map[string]string) error
}

var _ Controller = (*Systemd)(nil)

// Systemd controls a unit over systemd's private socket.
type Systemd struct {
	log        logging.Logger
	unit       string
	socket     string
	runtimeDir string
}

func NewSystemd(log logging.Logger, unitName, socket, runtimeDir string) *Systemd {
	if socket == "" {
		socket = DefaultSocket
	}
	if runtimeDir == "" {
		runtimeDir = DefaultRuntime
	}
	return &Systemd{log: log, unit: unitName, socket: socket, runtimeDir: runtimeDir}
}

func (s *Systemd) Start(ctx context.Context) error {
	return s.job(ctx, "start", func(conn *systemd.Conn, ch chan<- string) (int, error) {
		return conn.StartUnitContext(ctx, s.unit, jobMode, ch)
	})
}

func (s *Systemd) Stop(ctx context.Context) error {
	return s.job(ctx, "stop", func(conn *systemd.Conn, ch chan<- string) (int, error) {
		return conn.StopUnitContext(ctx, s.unit, jobMode, ch)
	})
}

func (s *Systemd) Restart(ctx context.Context) error {
	return s.job(ctx, "restart", func(conn *systemd.Conn, ch chan<- string) (int, error) {
		return conn.RestartUnitContext(ctx, s.unit, jobMode, ch)
	})
}

func (s *Systemd) job(ctx context.Context, verb string, fn func(*systemd.Conn, chan<- string) (int, error)) error {
	conn, err := s.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	log := s.log.WithField("unit", s.unit)
	log.Infof("requesting %s", verb)
	ch := make(chan string, 1)
	if _, err := fn(conn, ch); err != nil {
		return errors.Wrapf(err, "unable to %s %s", verb, s.unit)
	}
	select {
	case result := <-ch:
		if result != jobDone {
			return errors.Errorf("%s of %s finished with result %q", verb, s.unit, result)
		}
		log.Debugf("%s done", verb)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Systemd) SetEnvironment(ctx context.Context, env map[string]string) error {
	if err := s.writeDropIn(env); err != nil {
		return err
	}
	conn, err := s.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := conn.ReloadContext(ctx); err != nil {
		return errors.Wrap(err, "unable to execute daemon-reload")
	}
	return nil
}

func (s *Systemd) dropInPath() string {
	return filepath.Join(s.runtimeDir, s.unit+".d", dropInName)
}

func (s *Systemd) writeDropIn(env map[string]string) error {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	options := make([]*unit.UnitOption, 0, len(keys))
	for _, k := range keys {
		options = append(options, unit.NewUnitOption("Service", "Environment", environmentValue(k, env[k])))
	}

	path := s.dropInPath()
	if err := os.MkdirAll(filepath.Dir(path), dirMode); err != nil {
		return errors.Wrap(err, "unable to create drop in dir")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, dropInPerms)
	if err != nil {
		return errors.Wrap(err, "unable to create drop in unit")
	}
	_, err = io.Copy(f, unit.Serialize(options))
	if err != nil {
		f.Close()
		os.Remove(f.Name())
		return errors.Wrap(err, "unable to write drop in unit")
	}
	return f.Close()
}

func environmentValue(k, v string) string {
	kv := k + "=" + v
	if strings.ContainsAny(kv, " \t\"\\") {
		return strconv.Quote(kv)
	}
	return kv
}

func (s *Systemd) connect(ctx context.Context) (*systemd.Conn, error) {
	dialer := func() (*dbus.Conn, error) {
		conn, err := dbus.Dial("unix:path="+s.socket, dbus.WithContext(ctx))
		if err != nil {
			return nil, errors.Wrap(err, "unable to connect to systemd socket")
		}
		// Authenticate with the user's authority.
		methods := []dbus.Auth{dbus.AuthExternal(strconv.Itoa(os.Getuid()))}
		err = conn.Auth(methods)
		if err != nil {
			conn.Close()
			return nil, errors.Wrap(err, "unable to authenticate with systemd")
		}
		return conn, nil
	}
	return systemd.NewConnection(dialer)
}
