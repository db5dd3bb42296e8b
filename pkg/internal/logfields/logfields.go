package logfields

import (
	"github.com/sirupsen/logrus"
)

func Version(kind, id string) logrus.Fields {
	return logrus.Fields{
		"version-type": kind,
		"version":      id,
	}
}

func Deployment(app, version, state string) logrus.Fields {
	return logrus.Fields{
		"application": app,
		"version":     version,
		"deployment":  state,
	}
}

func Task(name string) logrus.Fields {
	return logrus.Fields{
		"task": name,
	}
}
