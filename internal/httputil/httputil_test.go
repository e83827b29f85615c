package httputil

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/getsentry/sentry-go"
	"github.com/julienschmidt/httprouter"
	"github.com/pierrec/lz4/v4"
)

func TestGetUintParameter(t *testing.T) {
	tests := []struct {
		name     string
		params   httprouter.Params
		query    string
		want     uint64
		wantOK   bool
		wantCode int
	}{
		{name: "route parameter", params: httprouter.Params{{Key: "frame", Value: "12"}}, want: 12, wantOK: true, wantCode: http.StatusOK},
		{name: "query parameter", query: "?frame=7", want: 7, wantOK: true, wantCode: http.StatusOK},
		{name: "fallback", want: 3, wantOK: true, wantCode: http.StatusOK},
		{name: "malformed", query: "?frame=-1", wantOK: false, wantCode: http.StatusBadRequest},
		{name: "overflow", params: httprouter.Params{{Key: "frame", Value: "4294967296"}}, wantOK: false, wantCode: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/frames"+tt.query, nil)
			r = r.WithContext(context.WithValue(r.Context(), httprouter.ParamsKey, tt.params))
			w := httptest.NewRecorder()
			got, _, ok := GetUintParameter(w, r, "frame", 32, 3)
			if ok != tt.wantOK || w.Code != tt.wantCode {
				t.Fatalf("got ok=%v code=%d, want ok=%v code=%d", ok, w.Code, tt.wantOK, tt.wantCode)
			}
			if ok && got != tt.want {
				t.Fatalf("got %d, want %d", got, tt.want)
			}
		})
	}
}

func TestDecompressPayload(t *testing.T) {
	payload := []byte(`{"paused":true}`)
	compress := map[string]func(io.Writer) io.WriteCloser{
		"br":  func(w io.Writer) io.WriteCloser { return brotli.NewWriter(w) },
		"lz4": func(w io.Writer) io.WriteCloser { return lz4.NewWriter(w) },
		"":    nil,
	}
	for encoding, newWriter := range compress {
		t.Run(encoding, func(t *testing.T) {
			var body bytes.Buffer
			if newWriter == nil {
				body.Write(payload)
			} else {
				zw := newWriter(&body)
				_, _ = zw.Write(payload)
				if err := zw.Close(); err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
			}
			r := httptest.NewRequest(http.MethodPost, "/pause", &body)
			if encoding != "" {
				r.Header.Set("Content-Encoding", encoding)
			}
			var got []byte
			handler := DecompressPayload(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got, _ = io.ReadAll(r.Body)
			}))
			handler.ServeHTTP(httptest.NewRecorder(), r)
			if !bytes.Equal(got, payload) {
				t.Fatalf("got %q, want %q", got, payload)
			}
		})
	}
}

func TestDecompressPayloadUnsupported(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/pause", bytes.NewReader([]byte("x")))
	r.Header.Set("Content-Encoding", "zstd")
	called := false
	handler := DecompressPayload(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)
	if called || w.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("got called=%v code=%d, want a 415", called, w.Code)
	}
}

func TestTagTransaction(t *testing.T) {
	hook := TagTransaction("session-1")
	e := hook(&sentry.Event{}, &sentry.EventHint{Response: &http.Response{StatusCode: http.StatusTeapot}})
	if e.Tags[HTTPStatusCodeTag] != "418" || e.Tags[SessionTag] != "session-1" {
		t.Fatalf("got tags %v", e.Tags)
	}
	e = hook(&sentry.Event{}, &sentry.EventHint{})
	if _, ok := e.Tags[HTTPStatusCodeTag]; ok {
		t.Fatalf("got tags %v, want no status without a response", e.Tags)
	}
}
