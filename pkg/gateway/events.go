package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/jguan/anpr-monitor/pkg/unit/feed"
	"github.com/jguan/anpr-monitor/pkg/unit/pipeline"
)

const (
	EventRun  = "run"
	EventFeed = "feed"

	streamBuffer = 64
)

type streamEvent struct {
	name string
	data any
}

// handleEvents streams pipeline updates and feed changes as server-sent
// events. Listeners run on the producer's goroutine, so events are handed
// over without blocking; a client too slow to drain its buffer misses
// events rather than stalling the pipeline.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	events := make(chan streamEvent, streamBuffer)
	send := func(ev streamEvent) {
		select {
		case events <- ev:
		default:
			s.logger.Debug("event stream full, dropping event", "event", ev.name)
		}
	}

	unsubUpdates := s.monitor.OnUpdate(func(u pipeline.Update) {
		send(streamEvent{name: EventRun, data: u})
	})
	defer unsubUpdates()
	unsubFeed := s.monitor.OnFeed(func(records []feed.Record) {
		send(streamEvent{name: EventFeed, data: append([]feed.Record(nil), records...)})
	})
	defer unsubFeed()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		s.logger.Warn("event stream unsupported", "error", err)
		return
	}

	keepAlive := time.NewTicker(s.config.KeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.draining:
			return
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
		case ev := <-events:
			data, err := json.Marshal(ev.data)
			if err != nil {
				s.logger.Error("encode stream event", "event", ev.name, "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.name, data); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}
