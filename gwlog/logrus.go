package gwlog

import "github.com/sirupsen/logrus"

// LogrusLogger is an adapter for Logrus implementing the Logger interface.
type LogrusLogger struct {
	entry logrus.FieldLogger
}

// NewLogrusLogger returns a new Logger wrapping Logrus.
func NewLogrusLogger(entry logrus.FieldLogger) *LogrusLogger {
	return &LogrusLogger{entry: entry}
}

// NewDefault returns a LogrusLogger at the given level, logging text to
// stderr, matching dex's default CLI wiring.
func NewDefault(level logrus.Level) *LogrusLogger {
	l := logrus.New()
	l.SetLevel(level)
	return NewLogrusLogger(l)
}

func (l *LogrusLogger) Debug(args ...interface{}) { l.entry.Debug(args...) }
func (l *LogrusLogger) Info(args ...interface{})  { l.entry.Info(args...) }
func (l *LogrusLogger) Warn(args ...interface{})  { l.entry.Warn(args...) }
func (l *LogrusLogger) Error(args ...interface{}) { l.entry.Error(args...) }

func (l *LogrusLogger) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }
func (l *LogrusLogger) Infof(format string, args ...interface{})  { l.entry.Infof(format, args...) }
func (l *LogrusLogger) Warnf(format string, args ...interface{})  { l.entry.Warnf(format, args...) }
func (l *LogrusLogger) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }

func (l *LogrusLogger) WithField(key string, value interface{}) Logger {
	return &LogrusLogger{entry: l.entry.WithField(key, value)}
}

// ParseLevel maps the gateway's loglevel config string onto a logrus.Level,
// returning an error for unrecognized values. runServe calls it after
// config.Validate, which checks loglevel against its own list of names.
func ParseLevel(s string) (logrus.Level, error) {
	return logrus.ParseLevel(s)
}
