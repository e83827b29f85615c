package httputil

import (
	"strconv"

	"github.com/getsentry/sentry-go"
)

const (
	// HTTPStatusCodeTag is the name of the HTTP status code tag.
	HTTPStatusCodeTag = "http.response.status_code"
	// SessionTag is the name of the recording session tag.
	SessionTag = "rtprof.session"
)

// TagTransaction returns a BeforeSendTransaction hook setting the status code
// of the response and the recording session on top-level transactions.
func TagTransaction(session string) func(*sentry.Event, *sentry.EventHint) *sentry.Event {
	return func(e *sentry.Event, hint *sentry.EventHint) *sentry.Event {
		if e.Tags == nil {
			e.Tags = make(map[string]string)
		}
		if session != "" {
			e.Tags[SessionTag] = session
		}
		if hint == nil || hint.Response == nil {
			return e
		}
		if _, exists := e.Tags[HTTPStatusCodeTag]; !exists {
			e.Tags[HTTPStatusCodeTag] = strconv.Itoa(hint.Response.StatusCode)
		}
		return e
	}
}
