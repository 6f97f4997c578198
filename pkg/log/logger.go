// Package log provides a logger interface so that callers outside the
// storage and domain packages (which take a logrus.FieldLogger directly for
// structured per-field logging) don't need to depend on logrus themselves
// for the handful of printf-style startup/shutdown lines cmd/veilmsg-relay
// emits.
package log

// Logger serves as an adapter interface for logger libraries
// so that its callers do not depend on any of them directly.
type Logger interface {
	Debug(args ...interface{})
	Info(args ...interface{})
	Warn(args ...interface{})
	Error(args ...interface{})

	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}
