package main

import (
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

type ServiceConfig struct {
	Environment string `env:"SENTRY_ENVIRONMENT" env-default:"development"`
	SentryDSN   string `env:"SENTRY_DSN"`
	Port        string `env:"PORT" env-default:"8080"`

	HistorySize       uint32 `env:"RTPROF_HISTORY_SIZE" env-default:"128"`
	FrameLatency      uint32 `env:"RTPROF_FRAME_LATENCY" env-default:"3"`
	MaxEventsPerFrame uint32 `env:"RTPROF_MAX_EVENTS_PER_FRAME" env-default:"1024"`
	MaxQueriesPerHeap uint32 `env:"RTPROF_MAX_QUERIES_PER_HEAP" env-default:"4096"`

	TargetFPS     int    `env:"RTPROF_TARGET_FPS" env-default:"60"`
	Workers       int    `env:"RTPROF_WORKERS" env-default:"4"`
	DropEvery     uint32 `env:"RTPROF_DROP_EVERY" env-default:"37"`
	FrameLogLevel string `env:"RTPROF_FRAME_LOG_LEVEL" env-default:"warn"`

	// ArchiveBucket is a gocloud bucket URL. Archiving is disabled when both
	// it and GCSBucket are empty.
	ArchiveBucket   string        `env:"RTPROF_ARCHIVE_BUCKET"`
	GCSBucket       string        `env:"RTPROF_GCS_BUCKET"`
	ArchiveInterval time.Duration `env:"RTPROF_ARCHIVE_INTERVAL" env-default:"30s"`

	KafkaBrokers  []string      `env:"RTPROF_KAFKA_BROKERS" env-separator:","`
	KafkaTopic    string        `env:"RTPROF_KAFKA_TOPIC" env-default:"rtprof-frames"`
	StreamPeriod  time.Duration `env:"RTPROF_STREAM_PERIOD" env-default:"1s"`
	UploadURL     string        `env:"RTPROF_UPLOAD_URL"`
	UploadTimeout time.Duration `env:"RTPROF_UPLOAD_TIMEOUT" env-default:"30s"`
}

func readConfig() (ServiceConfig, error) {
	var cfg ServiceConfig
	err := cleanenv.ReadEnv(&cfg)
	return cfg, err
}
