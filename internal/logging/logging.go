// Package logging builds the zap logger shared by all components.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"sleep-checkin/internal/checkin"
)

// New returns a production (json) or development (console) logger at the given level.
func New(level, format string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	var cfg zap.Config
	switch format {
	case "json", "":
		cfg = zap.NewProductionConfig()
	case "console":
		cfg = zap.NewDevelopmentConfig()
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.DisableStacktrace = true
	return cfg.Build()
}

// Err attaches the error together with its taxonomy kind.
func Err(err error) zap.Field {
	return zap.Inline(errFields{err})
}

type errFields struct{ err error }

func (e errFields) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("kind", string(checkin.KindOf(e.err)))
	enc.AddString("error", e.err.Error())
	return nil
}

// Kind tags a log line with a taxonomy kind when there is no error value.
func Kind(k checkin.Kind) zap.Field {
	return zap.String("kind", string(k))
}
