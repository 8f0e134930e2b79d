package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/jguan/anpr-monitor/pkg/infra/clock"
	"github.com/jguan/anpr-monitor/pkg/unit/feed"
)

const (
	DefaultNATSURL     = "nats://127.0.0.1:4222"
	DefaultNATSSubject = "anpr.detections"
)

// NATSSource consumes JSON detections published on a subject by remote
// cameras. Messages without an id or timestamp get one on arrival.
type NATSSource struct {
	url     string
	subject string
	sink    Sink
	clock   clock.Clock
	logger  *slog.Logger
}

func NewNATSSource(url, subject string, sink Sink, logger *slog.Logger) *NATSSource {
	if url == "" {
		url = DefaultNATSURL
	}
	if subject == "" {
		subject = DefaultNATSSubject
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSSource{
		url:     url,
		subject: subject,
		sink:    sink,
		clock:   clock.Real(),
		logger:  logger.With("component", "nats_source", "subject", subject),
	}
}

func (n *NATSSource) SetClock(c clock.Clock) {
	if c != nil {
		n.clock = c
	}
}

// Run connects, subscribes and blocks until ctx is done.
func (n *NATSSource) Run(ctx context.Context) error {
	conn, err := nats.Connect(n.url,
		nats.Name("anpr-monitor"),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				n.logger.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			n.logger.Info("NATS reconnected")
		}),
	)
	if err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}
	defer conn.Close()

	sub, err := conn.Subscribe(n.subject, func(msg *nats.Msg) {
		if err := n.Handle(ctx, msg.Data); err != nil {
			n.logger.Warn("detection rejected", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", n.subject, err)
	}
	n.logger.Info("NATS source started", "url", n.url)

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		n.logger.Debug("drain subscription", "error", err)
	}
	return nil
}

// Handle decodes one message and forwards it to the sink.
func (n *NATSSource) Handle(ctx context.Context, data []byte) error {
	var rec feed.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return feed.ErrInvalidRecord.Wrap(err)
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = n.clock.Now()
	}
	if rec.Category == "" {
		rec.Category = feed.CategoryProcessing
	}
	return n.sink.Ingest(ctx, rec)
}

// PublishDetection sends rec on subject over conn. Used by tooling that
// replays detections into a running monitor.
func PublishDetection(conn *nats.Conn, subject string, rec feed.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal detection: %w", err)
	}
	return conn.Publish(subject, data)
}
