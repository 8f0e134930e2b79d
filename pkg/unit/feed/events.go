package feed

import "github.com/jguan/anpr-monitor/pkg/unit"

const (
	EventTypeInserted = "feed.inserted"
	EventTypeEvicted  = "feed.evicted"
)

func NewInsertedEvent(rec Record) *unit.DomainEvent {
	return unit.NewDomainEvent("feed", EventTypeInserted, rec.ID, map[string]any{
		"id":           rec.ID,
		"plate_number": rec.PlateNumber,
		"camera_id":    rec.CameraID,
		"category":     rec.Category,
		"confidence":   rec.Confidence,
	})
}

func NewEvictedEvent(rec Record) *unit.DomainEvent {
	return unit.NewDomainEvent("feed", EventTypeEvicted, rec.ID, map[string]any{
		"id": rec.ID,
	})
}
