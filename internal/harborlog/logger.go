// Package harborlog provides the process-wide structured logger.
package harborlog

import (
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
)

// Logger wraps charmbracelet/log.Logger so call sites can depend on a
// stable package API independent of the underlying library.
type Logger struct {
	*log.Logger
}

var (
	instance *Logger
	once     sync.Once
)

// Get returns the singleton logger instance.
func Get() *Logger {
	once.Do(func() {
		instance = &Logger{
			Logger: log.NewWithOptions(os.Stderr, log.Options{
				Level:           log.InfoLevel,
				ReportTimestamp: true,
				TimeFormat:      "15:04:05",
			}),
		}
	})
	return instance
}

// SetLevel sets the log level from a string, defaulting to info on
// unrecognised values.
func (l *Logger) SetLevel(level string) {
	var lvl log.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = log.DebugLevel
	case "warn", "warning":
		lvl = log.WarnLevel
	case "error":
		lvl = log.ErrorLevel
	case "fatal":
		lvl = log.FatalLevel
	default:
		lvl = log.InfoLevel
	}
	l.Logger.SetLevel(lvl)
	log.SetLevel(lvl)
}

// ConfigureFromEnv applies HARBORGATE_LOG_LEVEL if set.
func (l *Logger) ConfigureFromEnv() {
	if lvl := os.Getenv("HARBORGATE_LOG_LEVEL"); lvl != "" {
		l.SetLevel(lvl)
	}
}

// Component returns a logger with a "component" key pre-bound, used by
// every CORE subsystem so WARN+ lines can be attributed (spec §7).
func Component(name string) *log.Logger {
	return Get().Logger.With("component", name)
}

func Debug(msg string, kv ...interface{}) { Get().Debug(msg, kv...) }
func Info(msg string, kv ...interface{})  { Get().Info(msg, kv...) }
func Warn(msg string, kv ...interface{})  { Get().Warn(msg, kv...) }
func Error(msg string, kv ...interface{}) { Get().Error(msg, kv...) }
func Fatal(msg string, kv ...interface{}) { Get().Fatal(msg, kv...) }

// ShortID truncates a container id to the first 12 characters, per the
// logging contract in spec.md §7.
func ShortID(id string) string {
	if len(id) <= 12 {
		return id
	}
	return id[:12]
}
