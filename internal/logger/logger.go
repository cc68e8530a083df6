// Package logger provides the structured logging surface used across the
// broker, agents, and client runtime. Every call site passes a message plus
// an optional Ctx of extra fields, matching the shape used throughout the
// canonical-lxd pack (logger.Debug(msg, logger.Ctx{"key": value})).
package logger

import (
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// Ctx is a set of structured fields attached to a log entry.
type Ctx map[string]any

// Logger is the interface consumers hold onto when they need a
// request/component-scoped logger rather than the package-level default.
type Logger interface {
	Debug(msg string, ctx ...Ctx)
	Info(msg string, ctx ...Ctx)
	Warn(msg string, ctx ...Ctx)
	Error(msg string, ctx ...Ctx)
	Fatal(msg string, ctx ...Ctx)
	AddContext(ctx Ctx) Logger
}

type logrusLogger struct {
	entry *logrus.Entry
	mu    *sync.Mutex
}

func (l *logrusLogger) log(level logrus.Level, msg string, ctx []Ctx) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := l.entry
	for _, c := range ctx {
		entry = entry.WithFields(logrus.Fields(c))
	}

	entry.Log(level, msg)
}

func (l *logrusLogger) Debug(msg string, ctx ...Ctx) { l.log(logrus.DebugLevel, msg, ctx) }
func (l *logrusLogger) Info(msg string, ctx ...Ctx)  { l.log(logrus.InfoLevel, msg, ctx) }
func (l *logrusLogger) Warn(msg string, ctx ...Ctx)  { l.log(logrus.WarnLevel, msg, ctx) }
func (l *logrusLogger) Error(msg string, ctx ...Ctx) { l.log(logrus.ErrorLevel, msg, ctx) }
func (l *logrusLogger) Fatal(msg string, ctx ...Ctx) { l.log(logrus.FatalLevel, msg, ctx) }

func (l *logrusLogger) AddContext(ctx Ctx) Logger {
	return &logrusLogger{entry: l.entry.WithFields(logrus.Fields(ctx)), mu: l.mu}
}

var (
	base = logrus.New()
	def  Logger
	mu   sync.Mutex
)

func init() {
	base.SetOutput(os.Stderr)
	base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	def = &logrusLogger{entry: logrus.NewEntry(base), mu: &sync.Mutex{}}
}

// SetLevel changes the verbosity of the default logger.
func SetLevel(level logrus.Level) {
	mu.Lock()
	defer mu.Unlock()
	base.SetLevel(level)
}

// SetOutput redirects the default logger's writer (e.g. to a log file for teecd).
func SetOutput(w interface{ Write([]byte) (int, error) }) {
	mu.Lock()
	defer mu.Unlock()
	base.SetOutput(w)
}

// AddContext returns a child of the default logger carrying extra fields,
// for long-lived components (a broker connection, an agent channel).
func AddContext(ctx Ctx) Logger {
	return def.AddContext(ctx)
}

func Debug(msg string, ctx ...Ctx) { def.Debug(msg, ctx...) }
func Info(msg string, ctx ...Ctx)  { def.Info(msg, ctx...) }
func Warn(msg string, ctx ...Ctx)  { def.Warn(msg, ctx...) }
func Error(msg string, ctx ...Ctx) { def.Error(msg, ctx...) }
func Fatal(msg string, ctx ...Ctx) { def.Fatal(msg, ctx...) }
