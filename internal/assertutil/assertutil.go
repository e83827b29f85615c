// Package assertutil is the single channel through which the profiler reports
// contract violations, capacity exhaustion and backend failures.
package assertutil

import (
	"sync"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog/log"
)

type Severity int

const (
	// SeverityRecoverable is used for conditions the profiler degrades
	// through, like a dropped event or a GPU backlog.
	SeverityRecoverable Severity = iota
	// SeverityFatal is used for caller contract violations and backend
	// failures. The default handler panics after reporting.
	SeverityFatal
)

func (s Severity) String() string {
	switch s {
	case SeverityFatal:
		return "fatal"
	default:
		return "recoverable"
	}
}

// Handler receives every report.
type Handler func(severity Severity, err error)

type Reporter struct {
	handler Handler
	once    sync.Map
}

// NewReporter returns a Reporter sending reports to h. A nil handler selects
// DefaultHandler.
func NewReporter(h Handler) *Reporter {
	if h == nil {
		h = DefaultHandler
	}
	return &Reporter{handler: h}
}

// DefaultHandler logs the report, forwards it to Sentry and panics on fatal
// reports.
func DefaultHandler(severity Severity, err error) {
	hub := sentry.CurrentHub().Clone()
	hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("severity", severity.String())
		if severity == SeverityFatal {
			scope.SetLevel(sentry.LevelFatal)
		} else {
			scope.SetLevel(sentry.LevelWarning)
		}
		hub.CaptureException(err)
	})
	if severity == SeverityFatal {
		log.Error().Err(err).Msg("profiler contract violation")
		panic(err)
	}
	log.Warn().Err(err).Msg("profiler degraded")
}

func (r *Reporter) report(severity Severity, err error) {
	if r == nil || r.handler == nil {
		DefaultHandler(severity, err)
		return
	}
	r.handler(severity, err)
}

// Fatal reports a usage contract violation or a backend failure.
func (r *Reporter) Fatal(err error) {
	r.report(SeverityFatal, err)
}

// Recoverable reports a condition the profiler keeps running through.
func (r *Reporter) Recoverable(err error) {
	r.report(SeverityRecoverable, err)
}

// Once reports err as recoverable the first time key is seen and drops
// subsequent reports with the same key.
func (r *Reporter) Once(key string, err error) {
	if r == nil {
		DefaultHandler(SeverityRecoverable, err)
		return
	}
	if _, loaded := r.once.LoadOrStore(key, struct{}{}); loaded {
		return
	}
	r.report(SeverityRecoverable, err)
}
