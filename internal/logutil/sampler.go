package logutil

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// MinLevel lets through events at Level or above.
type MinLevel struct {
	Level zerolog.Level
}

func (m MinLevel) Sample(lvl zerolog.Level) bool {
	return lvl >= m.Level
}

// FrameLogger returns a logger for per-frame events, tuned apart from the
// global level. An unknown level means warn.
func FrameLogger(level string) zerolog.Logger {
	l, err := zerolog.ParseLevel(level)
	if err != nil || l == zerolog.NoLevel {
		l = zerolog.WarnLevel
	}
	return log.Sample(MinLevel{Level: l})
}
