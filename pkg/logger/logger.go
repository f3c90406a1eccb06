package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	Reset  = "\033[0m"
	Red    = "\033[31m"
	Green  = "\033[32m"
	Yellow = "\033[33m"
	Blue   = "\033[34m"
	White  = "\033[37m"
)

func Colorize(color, text string) string {
	return color + text + Reset
}

func levelColor(level string) string {
	switch level {
	case "debug":
		return Blue
	case "info":
		return Green
	case "warn":
		return Yellow
	case "error", "fatal", "panic":
		return Red
	default:
		return White
	}
}

func newConsoleWriter(out io.Writer) zerolog.ConsoleWriter {
	cw := zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: time.RFC3339,
	}

	cw.FormatLevel = func(i interface{}) string {
		s, ok := i.(string)
		if !ok {
			return ""
		}
		return Colorize(levelColor(strings.ToLower(s)), strings.ToUpper(s)) + ":"
	}

	cw.FormatMessage = func(i interface{}) string {
		s, ok := i.(string)
		if !ok {
			return ""
		}
		return Colorize(White, s)
	}

	return cw
}

// New builds a console logger writing to out.
func New(out io.Writer) zerolog.Logger {
	return zerolog.New(newConsoleWriter(out)).
		With().
		Timestamp().
		Logger()
}

var baseLogger = New(os.Stdout)

// Get returns the process logger. Components take a zerolog.Logger so callers
// can inject their own; this is the default they fall back to.
func Get() zerolog.Logger {
	return baseLogger
}

// Component returns the process logger tagged with a component field.
func Component(name string) zerolog.Logger {
	return baseLogger.With().Str("component", name).Logger()
}

func SetLevel(level string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	baseLogger = baseLogger.Level(lvl)
}

func Debug() *zerolog.Event {
	return baseLogger.Debug()
}

func Info() *zerolog.Event {
	return baseLogger.Info()
}

func Warn() *zerolog.Event {
	return baseLogger.Warn()
}

func Error() *zerolog.Event {
	return baseLogger.Error()
}

func Fatal() *zerolog.Event {
	return baseLogger.Fatal()
}

func WithError(err error) *zerolog.Event {
	return baseLogger.Error().Err(err)
}
