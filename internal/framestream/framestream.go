// Package framestream publishes one summary per finished frame to Kafka.
package framestream

import (
	"context"
	"time"

	gojson "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/getsentry/rtprof/internal/cpuprof"
	"github.com/getsentry/rtprof/internal/event"
	"github.com/getsentry/rtprof/internal/present"
	"github.com/getsentry/rtprof/internal/timeutil"
)

type (
	// Writer is the part of *kafka.Writer the publisher needs.
	Writer interface {
		WriteMessages(ctx context.Context, msgs ...kafka.Message) error
		Close() error
	}

	TrackSummary struct {
		Name   string `json:"name"`
		Type   string `json:"type"`
		BusyNS uint64 `json:"busy_ns"`
		Events int    `json:"events"`
	}

	FrameSummary struct {
		SessionID  uuid.UUID      `json:"session_id"`
		Frame      uint32         `json:"frame"`
		DurationNS uint64         `json:"duration_ns"`
		Presented  bool           `json:"presented"`
		Discarded  bool           `json:"discarded"`
		Tracks     []TrackSummary `json:"tracks"`
	}

	Publisher struct {
		writer    Writer
		session   uuid.UUID
		nextFrame uint32
	}
)

// NewKafkaWriter returns an asynchronous writer for topic.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Async:        true,
		Balancer:     kafka.CRC32Balancer{},
		BatchSize:    100,
		Compression:  kafka.Lz4,
		ReadTimeout:  3 * time.Second,
		Topic:        topic,
		WriteTimeout: 3 * time.Second,
	}
}

func NewPublisher(w Writer, session uuid.UUID) *Publisher {
	return &Publisher{writer: w, session: session}
}

// Summarize reduces one frame of h. Busy time only counts top level
// regions so nested ones aren't counted twice.
func Summarize(h event.History, session uuid.UUID, frame uint32) FrameSummary {
	s := FrameSummary{SessionID: session, Frame: frame}
	freq := h.Frequency()
	for _, t := range h.Tracks() {
		events := h.Events(t.Index, frame)
		if t.Type == event.TrackPresent {
			for _, e := range events {
				switch e.Name {
				case present.PresentName:
					s.Presented = true
				case present.DiscardedName:
					s.Discarded = true
				}
			}
			continue
		}
		ts := TrackSummary{Name: t.Name, Type: t.Type.String(), Events: len(events)}
		for _, e := range events {
			if e.Depth == 0 {
				ts.BusyNS += timeutil.TicksToNS(e.Duration(), freq)
			}
			if e.Name == cpuprof.FrameEventName {
				s.DurationNS = timeutil.TicksToNS(e.Duration(), freq)
			}
		}
		if ts.Events > 0 {
			s.Tracks = append(s.Tracks, ts)
		}
	}
	return s
}

// Publish sends the frames of h not published yet once they can't change
// anymore, so a frame's present outcome is known. Frames that left the
// history in between are skipped.
func (p *Publisher) Publish(ctx context.Context, h event.History) (int, error) {
	begin, _ := h.FrameRange()
	end := event.SettledEnd(h)
	from := max(p.nextFrame, begin)
	if from >= end {
		return 0, nil
	}
	msgs := make([]kafka.Message, 0, end-from)
	key := []byte(p.session.String())
	for f := from; f < end; f++ {
		b, err := gojson.Marshal(Summarize(h, p.session, f))
		if err != nil {
			return 0, err
		}
		msgs = append(msgs, kafka.Message{Key: key, Value: b})
	}
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return 0, err
	}
	p.nextFrame = end
	return len(msgs), nil
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}
