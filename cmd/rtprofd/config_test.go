package main

import (
	"testing"
	"time"

	"github.com/getsentry/rtprof/internal/testutil"
)

func TestReadConfig(t *testing.T) {
	t.Setenv("RTPROF_KAFKA_BROKERS", "kafka-0:9092,kafka-1:9092")
	t.Setenv("RTPROF_HISTORY_SIZE", "64")
	t.Setenv("RTPROF_ARCHIVE_INTERVAL", "1m")

	cfg, err := readConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tests := []struct {
		name string
		got  interface{}
		want interface{}
	}{
		{name: "brokers", got: cfg.KafkaBrokers, want: []string{"kafka-0:9092", "kafka-1:9092"}},
		{name: "history size", got: cfg.HistorySize, want: uint32(64)},
		{name: "archive interval", got: cfg.ArchiveInterval, want: time.Minute},
		{name: "default frame latency", got: cfg.FrameLatency, want: uint32(3)},
		{name: "default port", got: cfg.Port, want: "8080"},
		{name: "default stream period", got: cfg.StreamPeriod, want: time.Second},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if diff := testutil.Diff(test.got, test.want); diff != "" {
				t.Fatalf("Result mismatch: got - want +\n%s", diff)
			}
		})
	}
}
