package main

import (
	"context"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog/log"

	"github.com/getsentry/rtprof/internal/event"
	"github.com/getsentry/rtprof/internal/storageutil"
)

// export hands snapshots of the history to the configured sinks until ctx is
// done. Sinks never run on the frame thread.
func (e *environment) export(ctx context.Context) {
	if e.archive == nil && e.publisher == nil && e.uploader == nil {
		return
	}

	var archiveC, streamC <-chan time.Time
	if e.archive != nil || e.uploader != nil {
		t := time.NewTicker(e.config.ArchiveInterval)
		defer t.Stop()
		archiveC = t.C
	}
	if e.publisher != nil {
		t := time.NewTicker(e.config.StreamPeriod)
		defer t.Stop()
		streamC = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-archiveC:
			snap, err := e.loop.snapshot(ctx)
			if err != nil {
				continue
			}
			e.archiveSnapshot(ctx, snap)
		case <-streamC:
			snap, err := e.loop.snapshot(ctx)
			if err != nil {
				continue
			}
			e.streamSnapshot(ctx, snap)
		}
	}
}

func (e *environment) archiveSnapshot(ctx context.Context, snap *event.Snapshot) {
	if len(snap.Frames) == 0 {
		return
	}
	if e.archive != nil {
		m, err := storageutil.WriteArchive(ctx, e.archive, e.session, snap)
		if err != nil {
			sentry.CaptureException(err)
			log.Err(err).Msg("error archiving frames")
		} else {
			log.Debug().
				Str("object", m.Object).
				Uint32("first_frame", m.FirstFrame).
				Uint32("last_frame", m.LastFrame).
				Msg("frames archived")
		}
	}
	if e.uploader != nil {
		if err := e.uploader.Upload(ctx, e.session, snap); err != nil {
			sentry.CaptureException(err)
			log.Err(err).Str("url", e.uploader.URL()).Msg("error uploading trace")
		}
	}
}

func (e *environment) streamSnapshot(ctx context.Context, snap *event.Snapshot) {
	n, err := e.publisher.Publish(ctx, snap)
	if err != nil {
		log.Err(err).Int("published", n).Msg("error publishing frame summaries")
	}
}
