package logging

import (
	"io"
	"io/ioutil"

	"github.com/sirupsen/logrus"
)

// splitHook directs matched levels to its configured output.
type splitHook struct {
	output io.Writer
	levels []logrus.Level
}

func (hook *splitHook) Fire(entry *logrus.Entry) error {
	line, err := entry.String()
	if err != nil {
		return err
	}
	_, err = hook.output.Write([]byte(line))
	return err
}

func (hook *splitHook) Levels() []logrus.Level {
	return hook.levels
}

// Split sends errors and worse to stderr and everything else to stdout.
func Split(stdout, stderr io.Writer) Setter {
	return func(r *logrus.Logger) error {
		r.SetOutput(ioutil.Discard)
		r.AddHook(&splitHook{stdout, []logrus.Level{
			logrus.WarnLevel, logrus.InfoLevel, logrus.DebugLevel, logrus.TraceLevel}})
		r.AddHook(&splitHook{stderr, []logrus.Level{
			logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel}})
		return nil
	}
}
