package rtc

import (
	"github.com/pion/logging"
	"github.com/sirupsen/logrus"
)

var (
	_ logging.LoggerFactory = LoggerFactory{}
	_ logging.LeveledLogger = leveledLogger{}
)

// LoggerFactory routes pion's internal logs into logrus.
type LoggerFactory struct {
	Entry *logrus.Entry
}

func (f LoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	e := f.Entry
	if e == nil {
		e = logrus.NewEntry(logrus.StandardLogger())
	}

	return leveledLogger{e.WithField("scope", scope)}
}

type leveledLogger struct {
	entry *logrus.Entry
}

func (l leveledLogger) Trace(msg string)                          { l.entry.Trace(msg) }
func (l leveledLogger) Tracef(format string, args ...interface{}) { l.entry.Tracef(format, args...) }
func (l leveledLogger) Debug(msg string)                          { l.entry.Debug(msg) }
func (l leveledLogger) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }
func (l leveledLogger) Info(msg string)                           { l.entry.Info(msg) }
func (l leveledLogger) Infof(format string, args ...interface{})  { l.entry.Infof(format, args...) }
func (l leveledLogger) Warn(msg string)                           { l.entry.Warn(msg) }
func (l leveledLogger) Warnf(format string, args ...interface{})  { l.entry.Warnf(format, args...) }
func (l leveledLogger) Error(msg string)                          { l.entry.Error(msg) }
func (l leveledLogger) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }
