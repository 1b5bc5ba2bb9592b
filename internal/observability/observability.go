// Package observability adapts the runtime's minimal logging interface to
// a concrete structured logger, so callers that want nothing get nothing
// (the zero value is silent) and callers that want structured diagnostic
// events get one (logrus).
package observability

import (
	"github.com/sirupsen/logrus"
)

// Logger is the logging surface accepted throughout fleetrpc. It is
// intentionally narrow: four severities, no caller-supplied format state,
// so any logging library can be adapted to it in a few lines.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
	Error(op string, err error, fields map[string]any)
}

// noop implements Logger by discarding everything, for callers that want an
// explicit silent Logger value. The runtime itself treats a nil Logger as
// silent and does not substitute noop.
type noop struct{}

// Noop returns a Logger that discards all events.
func Noop() Logger { return noop{} }

func (noop) Debugf(string, ...any)                    {}
func (noop) Infof(string, ...any)                     {}
func (noop) Warnf(string, ...any)                     {}
func (noop) Errorf(string, ...any)                    {}
func (noop) Error(string, error, map[string]any) {}

// Logrus adapts a *logrus.Logger (or *logrus.Entry-producing logger) to the
// runtime's Logger interface.
type Logrus struct {
	entry *logrus.Entry
}

// NewLogrus wraps l, tagging every event with component="fleetrpc".
func NewLogrus(l *logrus.Logger) *Logrus {
	if l == nil {
		l = logrus.StandardLogger()
	}
	return &Logrus{entry: l.WithField("component", "fleetrpc")}
}

func (l *Logrus) Debugf(format string, args ...any) { l.entry.Debugf(format, args...) }
func (l *Logrus) Infof(format string, args ...any)  { l.entry.Infof(format, args...) }
func (l *Logrus) Warnf(format string, args ...any)  { l.entry.Warnf(format, args...) }
func (l *Logrus) Errorf(format string, args ...any) { l.entry.Errorf(format, args...) }

// Error logs a structured failure: the operation that failed, the error
// itself, and any contextual fields (connection id, endpoint, subscription
// id, ...).
func (l *Logrus) Error(op string, err error, fields map[string]any) {
	entry := l.entry.WithField("op", op)
	for k, v := range fields {
		entry = entry.WithField(k, v)
	}
	entry.WithError(err).Error("fleetrpc operation failed")
}
