// Package gwlog provides a logger interface for logger libraries so that
// the rest of the gateway does not depend on any of them directly, matching
// dex's pkg/log split between an adapter interface and a Logrus-backed
// default implementation.
package gwlog

// Logger serves as an adapter interface for logger libraries.
type Logger interface {
	Debug(args ...interface{})
	Info(args ...interface{})
	Warn(args ...interface{})
	Error(args ...interface{})

	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})

	// WithField returns a Logger annotated with a structured key/value
	// pair, carried on every subsequent call. Used to bind per-request
	// context (auth_uri, user, token jti) the way the authorization
	// evaluator's original Python implementation binds them onto its
	// request-scoped logger.
	WithField(key string, value interface{}) Logger
}
