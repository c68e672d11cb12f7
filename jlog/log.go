// Package jlog gives the runtime a single logrus logger whose entries carry
// the log tags attached to the context with cockroachdb/logtags.
package jlog

import (
	"context"
	"os"
	"sync/atomic"

	"github.com/cockroachdb/logtags"
	"github.com/sirupsen/logrus"
)

// LevelEnv names the environment variable read by Init.
const LevelEnv = "JAYBIRD_LOG_LEVEL"

var base atomic.Pointer[logrus.Logger]

func init() {
	l := logrus.New()
	l.SetLevel(logrus.WarnLevel)
	base.Store(l)
}

// Logger returns the base logger.
func Logger() *logrus.Logger {
	return base.Load()
}

// SetLogger replaces the base logger. A nil logger is ignored.
func SetLogger(l *logrus.Logger) {
	if l != nil {
		base.Store(l)
	}
}

// Init sets the base level from JAYBIRD_LOG_LEVEL, falling back to def when
// the variable is unset or unparsable.
func Init(def logrus.Level) {
	level := def
	if v := os.Getenv(LevelEnv); v != "" {
		if parsed, err := logrus.ParseLevel(v); err == nil {
			level = parsed
		}
	}
	Logger().SetLevel(level)
}

// WithTag returns a context carrying the additional log tag.
func WithTag(ctx context.Context, key string, value interface{}) context.Context {
	return logtags.AddTag(ctx, key, value)
}

// FromContext returns an entry with one field per log tag in ctx.
func FromContext(ctx context.Context) *logrus.Entry {
	entry := logrus.NewEntry(Logger())
	if ctx == nil {
		return entry
	}
	buf := logtags.FromContext(ctx)
	if buf == nil {
		return entry
	}
	tags := buf.Get()
	fields := make(logrus.Fields, len(tags))
	for _, t := range tags {
		fields[t.Key()] = t.Value()
	}
	return entry.WithFields(fields)
}
