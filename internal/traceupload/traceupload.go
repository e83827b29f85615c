// Package traceupload posts Chrome traces to a collector over HTTP.
package traceupload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gojek/heimdall/v7"
	"github.com/gojek/heimdall/v7/httpclient"
	"github.com/google/uuid"

	"github.com/getsentry/rtprof/internal/chrometrace"
	"github.com/getsentry/rtprof/internal/errorutil"
	"github.com/getsentry/rtprof/internal/event"
)

type (
	Client struct {
		http    *httpclient.Client
		url     string
		process string
	}

	Options struct {
		Timeout    time.Duration
		RetryCount int
		Backoff    time.Duration
		// Process names the trace's process.
		Process string
	}
)

func NewClient(url string, opts Options) (*Client, error) {
	if url == "" {
		return nil, errors.New("url must be set")
	}
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Backoff == 0 {
		opts.Backoff = 100 * time.Millisecond
	}
	if opts.Process == "" {
		opts.Process = "rtprof"
	}
	return &Client{
		url:     url,
		process: opts.Process,
		http: httpclient.NewClient(
			httpclient.WithHTTPTimeout(opts.Timeout),
			httpclient.WithRetryCount(opts.RetryCount),
			httpclient.WithRetrier(heimdall.NewRetrier(heimdall.NewConstantBackoff(opts.Backoff, opts.Backoff/10))),
		),
	}, nil
}

func (c *Client) URL() string {
	return c.url
}

// Upload encodes h as a Chrome trace and posts it. The session id is sent
// along so the collector can group uploads.
func (c *Client) Upload(ctx context.Context, session uuid.UUID, h event.History) error {
	var body bytes.Buffer
	if err := chrometrace.Export(&body, h, c.process); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, &body)
	if err != nil {
		return err
	}
	req.Header.Set("content-type", "application/json")
	req.Header.Set("x-rtprof-session", session.String())
	begin, end := h.FrameRange()
	req.Header.Set("x-rtprof-frames", fmt.Sprintf("%d-%d", begin, end))

	resp, err := c.http.Do(req)
	if resp != nil {
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
	}
	if err != nil {
		return fmt.Errorf("traceupload: %w: %v", errorutil.ErrBackend, err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("traceupload: %w: http status %d", errorutil.ErrBackend, resp.StatusCode)
	}
	return nil
}
