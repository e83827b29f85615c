package assertutil

import (
	"errors"
	"fmt"
	"testing"

	"github.com/getsentry/rtprof/internal/errorutil"
)

func TestReporterOnce(t *testing.T) {
	r, c := NewCollector()
	err := fmt.Errorf("cpuprof: %w: frame buffer full", errorutil.ErrCapacityExhausted)
	for i := 0; i < 3; i++ {
		r.Once("cpu-events", err)
	}
	r.Once("gpu-queries", err)

	if got := c.Count(SeverityRecoverable); got != 2 {
		t.Fatalf("got %d recoverable reports, want 2", got)
	}
}

func TestReporterFatal(t *testing.T) {
	r, c := NewCollector()
	r.Fatal(fmt.Errorf("cpuprof: %w: end without begin", errorutil.ErrUsage))

	reports := c.Reports()
	if len(reports) != 1 {
		t.Fatalf("got %d reports, want 1", len(reports))
	}
	if reports[0].Severity != SeverityFatal {
		t.Fatalf("got severity %v, want fatal", reports[0].Severity)
	}
	if !errors.Is(reports[0].Err, errorutil.ErrUsage) {
		t.Fatalf("got %v, want an ErrUsage", reports[0].Err)
	}
}

func TestDefaultHandlerPanicsOnFatal(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected a panic")
		}
	}()
	var r *Reporter
	r.Fatal(errorutil.ErrUsage)
}
