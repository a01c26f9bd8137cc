package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

var (
	logger     *logrus.Logger
	loggerOnce sync.Once
)

// initLogger initializes the global logger to write to stderr with timestamps.
func initLogger() {
	loggerOnce.Do(func() {
		logger = logrus.New()
		logger.SetOutput(os.Stderr)
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		})
		logger.SetLevel(logrus.InfoLevel)
	})
}

// ParseLevel maps a config/CLI level name to a Level. Unknown names yield INFO.
func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug
	case "WARN", "WARNING":
		return LevelWarn
	case "ERROR":
		return LevelError
	default:
		return LevelInfo
	}
}

func SetLevel(l Level) {
	initLogger()
	switch l {
	case LevelDebug:
		logger.SetLevel(logrus.DebugLevel)
	case LevelWarn:
		logger.SetLevel(logrus.WarnLevel)
	case LevelError:
		logger.SetLevel(logrus.ErrorLevel)
	default:
		logger.SetLevel(logrus.InfoLevel)
	}
}

// SetOutput redirects all log output; tests use it to capture lines.
func SetOutput(w io.Writer) {
	initLogger()
	logger.SetOutput(w)
}

func Debug(msg string, kv ...any) {
	entry(nil, kv...).Debug(msg)
}

func Info(msg string, kv ...any) {
	entry(nil, kv...).Info(msg)
}

func Warn(msg string, kv ...any) {
	entry(nil, kv...).Warn(msg)
}

func Error(msg string, err error, kv ...any) {
	entry(nil, kv...).WithError(err).Error(msg)
}

// Logger carries a fixed set of fields (e.g. a run id) into every line.
type Logger struct {
	fields logrus.Fields
}

// With returns a Logger that prefixes every line with the given pairs.
func With(kv ...any) *Logger {
	return &Logger{fields: toFields(nil, kv...)}
}

func (l *Logger) With(kv ...any) *Logger {
	return &Logger{fields: toFields(l.fields, kv...)}
}

func (l *Logger) Debug(msg string, kv ...any) {
	entry(l.fields, kv...).Debug(msg)
}

func (l *Logger) Info(msg string, kv ...any) {
	entry(l.fields, kv...).Info(msg)
}

func (l *Logger) Warn(msg string, kv ...any) {
	entry(l.fields, kv...).Warn(msg)
}

func (l *Logger) Error(msg string, err error, kv ...any) {
	entry(l.fields, kv...).WithError(err).Error(msg)
}

func entry(base logrus.Fields, kv ...any) *logrus.Entry {
	initLogger()
	return logger.WithFields(toFields(base, kv...))
}

func toFields(base logrus.Fields, kv ...any) logrus.Fields {
	out := make(logrus.Fields, len(base)+len(kv)/2)
	for k, v := range base {
		out[k] = v
	}
	// Expect kv as pairs: key, value, key, value, ...
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprint(kv[i])
		}
		out[key] = kv[i+1]
	}
	// If odd number of args, last one is ignored.
	return out
}
