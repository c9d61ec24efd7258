package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	simpleTimeFormat = "02-01-2006 15:04:05"
	serviceName      = "busguard"
)

// New constructs the process logger. Development environments get console
// output; everything else emits JSON. writers, when given, replace stdout.
func New(env, level string, writers ...io.Writer) (*zerolog.Logger, error) {
	lvl, err := parseLevel(level)
	if err != nil {
		return nil, err
	}
	zerolog.SetGlobalLevel(lvl)
	zerolog.TimeFieldFormat = simpleTimeFormat
	zerolog.DurationFieldUnit = time.Millisecond

	var output io.Writer
	switch {
	case len(writers) > 0:
		output = io.MultiWriter(writers...)
	case isDevelopment(env):
		cw := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: simpleTimeFormat}
		cw.FieldsExclude = []string{"service"}
		output = cw
	default:
		output = os.Stdout
	}

	logger := zerolog.New(output).
		With().
		Timestamp().
		Str("service", serviceName).
		Str("env", strings.ToLower(strings.TrimSpace(env))).
		Logger().
		Level(lvl)
	return &logger, nil
}

// Component returns a child of base tagged with the component name. A zero
// base yields a no-op logger.
func Component(base *zerolog.Logger, name string) zerolog.Logger {
	if base == nil {
		return zerolog.Nop()
	}
	return base.With().Str("component", name).Logger()
}

func isDevelopment(env string) bool {
	return strings.EqualFold(env, "development") || strings.EqualFold(env, "dev")
}

func parseLevel(level string) (zerolog.Level, error) {
	level = strings.TrimSpace(level)
	if level == "" {
		level = zerolog.InfoLevel.String()
	}
	return zerolog.ParseLevel(strings.ToLower(level))
}
