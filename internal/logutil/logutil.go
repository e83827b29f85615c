package logutil

import (
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"cloud.google.com/go/compute/metadata"

	"github.com/getsentry/rtprof/internal/envutil"
)

func ConfigureLogger() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	level, err := zerolog.ParseLevel(envutil.GetEnvOrFallback("LOG_LEVEL", "info"))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.With().Caller().Stack().Logger()
	if metadata.OnGCE() {
		log.Logger = log.Hook(ErrorHook{})
	} else {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}

type ErrorHook struct{}

func (h ErrorHook) Run(e *zerolog.Event, level zerolog.Level, _ string) {
	e.Str("severity", level.String())
}

var (
	sampledOnce   sync.Once
	sampledLogger zerolog.Logger
)

// Sampled returns a logger for recording hot paths. Warnings and below are
// limited to a burst per second, errors always go through.
func Sampled() *zerolog.Logger {
	sampledOnce.Do(func() {
		sampledLogger = log.Sample(zerolog.LevelSampler{
			DebugSampler: &zerolog.BurstSampler{Burst: 5, Period: time.Second},
			InfoSampler:  &zerolog.BurstSampler{Burst: 5, Period: time.Second},
			WarnSampler:  &zerolog.BurstSampler{Burst: 10, Period: time.Second},
		})
	})
	return &sampledLogger
}
