// Package command runs host commands on behalf of deferred tasks.
package command

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"syscall"

	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/logging"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// TailSize is how much trailing output is kept for diagnostics.
const TailSize = 512

// Runner executes commands.
type Runner interface {
	// Run executes the command to completion and returns its combined
	// stdout and stderr.
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
	// Detach starts the command in its own session without waiting for it.
	Detach(name string, args ...string) error
}

// Error is a command that could not be run or exited unsuccessfully.
type Error struct {
	Cmd    string
	Output []byte
	Err    error
}

func (e *Error) Error() string {
	return e.Cmd + ": " + e.Err.Error()
}

func (e *Error) Cause() error  { return e.Err }
func (e *Error) Unwrap() error { return e.Err }

// Tail returns the last TailSize bytes of output.
func Tail(output []byte) string {
	if len(output) > TailSize {
		output = output[len(output)-TailSize:]
	}
	return string(output)
}

type Exec struct {
	log logging.Logger
}

func New(log logging.Logger) *Exec {
	return &Exec{log: log}
}

func (e *Exec) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	log := e.log.WithFields(logrus.Fields{"cmd": cmd.String()})
	if logging.Debuggable {
		log.Debug("executing")
	}

	if err := cmd.Run(); err != nil {
		log.WithError(err).WithField("output", Tail(buf.Bytes())).Warn("command failed")
		return buf.Bytes(), &Error{Cmd: cmd.String(), Output: buf.Bytes(), Err: err}
	}
	if logging.Debuggable {
		log.WithField("output", Tail(buf.Bytes())).Debug("command completed successfully")
	}
	return buf.Bytes(), nil
}

func (e *Exec) Detach(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return errors.Wrapf(err, "unable to start %s", cmd.String())
	}
	e.log.WithFields(logrus.Fields{"cmd": cmd.String(), "pid": cmd.Process.Pid}).Info("detached command")
	return cmd.Process.Release()
}

// Proc controls the agent's own process.
type Proc interface {
	Exit() error
}

// OSProc terminates the running process so its supervisor restarts it.
type OSProc struct{}

func (*OSProc) Exit() error {
	p, err := os.FindProcess(os.Getpid())
	if err != nil {
		return err
	}
	return p.Signal(syscall.SIGTERM)
}
