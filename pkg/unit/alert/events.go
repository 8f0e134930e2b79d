package alert

import "github.com/jguan/anpr-monitor/pkg/unit"

const (
	EventTypeTriggered    = "alert.triggered"
	EventTypeAcknowledged = "alert.acknowledged"
	EventTypeResolved     = "alert.resolved"
	EventTypeDismissed    = "alert.dismissed"
)

func newEvent(eventType string, a Alert) *unit.DomainEvent {
	return unit.NewDomainEvent("alert", eventType, a.ID, alertToMap(a))
}

func alertToMap(a Alert) map[string]any {
	m := map[string]any{
		"id":           a.ID,
		"rule":         a.Rule,
		"severity":     a.Severity,
		"status":       a.Status,
		"message":      a.Message,
		"triggered_at": a.TriggeredAt.Format("2006-01-02T15:04:05Z07:00"),
	}
	if a.CameraID != "" {
		m["camera_id"] = a.CameraID
	}
	if a.PlateNumber != "" {
		m["plate_number"] = a.PlateNumber
	}
	return m
}
