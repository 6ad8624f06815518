// Package logging provides the proxy's level-masked, timestamped,
// line-serialized log sink (§2 component A). It wraps
// github.com/sirupsen/logrus the way the teacher's logging.DefaultLog
// does, so call sites depend on a narrow interface rather than on
// logrus directly.
package logging

import (
	"io"
	"sync"

	"github.com/sirupsen/logrus"
)

// Logger is the narrow logging interface the rest of the module depends
// on.
type Logger interface {
	Debug(args ...interface{})
	Debugf(format string, args ...interface{})
	Info(args ...interface{})
	Infof(format string, args ...interface{})
	Warn(args ...interface{})
	Warnf(format string, args ...interface{})
	Error(args ...interface{})
	Errorf(format string, args ...interface{})
}

// DefaultLog is a Logger backed directly by logrus, mirroring the
// teacher's logging.DefaultLog.
type DefaultLog struct {
	once sync.Once
	l    *logrus.Logger
}

func (d *DefaultLog) logger() *logrus.Logger {
	d.once.Do(func() {
		if d.l == nil {
			d.l = logrus.New()
		}
	})
	return d.l
}

// SetOutput redirects the log sink. Within one process, logrus
// serializes writes under its own mutex, so concurrent goroutines do
// not interleave lines. No lock is taken across processes: re-exec'd
// ForkPerConn/Scoreboard workers each hold their own logger, and their
// writes to a shared file are not serialized against each other.
func (d *DefaultLog) SetOutput(w io.Writer) { d.logger().SetOutput(w) }

// SetLevel sets the minimum logrus level that will be emitted.
func (d *DefaultLog) SetLevel(level logrus.Level) { d.logger().SetLevel(level) }

// SetFormatter sets the logrus formatter (timestamped text by default).
func (d *DefaultLog) SetFormatter(f logrus.Formatter) { d.logger().SetFormatter(f) }

func (d *DefaultLog) Debug(args ...interface{})                 { d.logger().Debug(args...) }
func (d *DefaultLog) Debugf(format string, args ...interface{}) { d.logger().Debugf(format, args...) }
func (d *DefaultLog) Info(args ...interface{})                  { d.logger().Info(args...) }
func (d *DefaultLog) Infof(format string, args ...interface{})  { d.logger().Infof(format, args...) }
func (d *DefaultLog) Warn(args ...interface{})                  { d.logger().Warn(args...) }
func (d *DefaultLog) Warnf(format string, args ...interface{})  { d.logger().Warnf(format, args...) }
func (d *DefaultLog) Error(args ...interface{})                 { d.logger().Error(args...) }
func (d *DefaultLog) Errorf(format string, args ...interface{}) { d.logger().Errorf(format, args...) }
