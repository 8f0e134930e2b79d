// Package ingest feeds detections into the monitor from outside the
// pipeline: a camera simulator, a NATS subject and a drop folder.
package ingest

import (
	"context"

	"github.com/jguan/anpr-monitor/pkg/unit/feed"
)

// Sink accepts detections produced by a source.
type Sink interface {
	Ingest(ctx context.Context, rec feed.Record) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, rec feed.Record) error

func (f SinkFunc) Ingest(ctx context.Context, rec feed.Record) error {
	return f(ctx, rec)
}

type Camera struct {
	ID       string `json:"id"`
	Location string `json:"location"`
	Active   bool   `json:"active"`
}
