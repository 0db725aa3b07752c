// Package logrus adapts github.com/sirupsen/logrus to pokeshell.Logger.
package logrus

import (
	"os"

	"github.com/pokechat/pokeshell"
	"github.com/sirupsen/logrus"
)

type Logger struct{ E *logrus.Entry }

var _ pokeshell.Logger = Logger{}

// New returns a JSON logrus logger on stderr at the given level.
func New(level string) Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.JSONFormatter{})
	if lvl, err := logrus.ParseLevel(level); err == nil {
		l.SetLevel(lvl)
	}
	return Logger{E: logrus.NewEntry(l).WithField("logger", "pokeshell")}
}

func (l Logger) Debug(msg string, f pokeshell.Fields) {
	l.E.WithFields(logrus.Fields(f)).Debug(msg)
}
func (l Logger) Info(msg string, f pokeshell.Fields) { l.E.WithFields(logrus.Fields(f)).Info(msg) }
func (l Logger) Warn(msg string, f pokeshell.Fields) { l.E.WithFields(logrus.Fields(f)).Warn(msg) }
func (l Logger) Error(msg string, f pokeshell.Fields) {
	l.E.WithFields(logrus.Fields(f)).Error(msg)
}
