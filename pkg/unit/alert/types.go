// Package alert keeps the bounded board of live security and system alerts
// raised from detections and detector health.
package alert

import "time"

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityCritical:
		return true
	default:
		return false
	}
}

type Status string

const (
	StatusFiring       Status = "firing"
	StatusAcknowledged Status = "acknowledged"
	StatusResolved     Status = "resolved"
)

func (s Status) Valid() bool {
	switch s {
	case StatusFiring, StatusAcknowledged, StatusResolved:
		return true
	default:
		return false
	}
}

type Alert struct {
	ID          string   `json:"id"`
	Rule        string   `json:"rule"`
	Severity    Severity `json:"severity"`
	Status      Status   `json:"status"`
	Message     string   `json:"message"`
	CameraID    string   `json:"camera_id,omitempty"`
	PlateNumber string   `json:"plate_number,omitempty"`
	// AutoResolve alerts resolve themselves if nobody acknowledges them.
	AutoResolve bool `json:"auto_resolve"`
	// Key collapses repeated raises of an ongoing condition into one alert.
	Key            string     `json:"key,omitempty"`
	TriggeredAt    time.Time  `json:"triggered_at"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
}

// Filter narrows List. Zero values match everything.
type Filter struct {
	Status   Status
	Severity Severity
	Limit    int
}

func (f Filter) Validate() error {
	if f.Status != "" && !f.Status.Valid() {
		return ErrInvalidFilter.With("status", string(f.Status))
	}
	if f.Severity != "" && !f.Severity.Valid() {
		return ErrInvalidFilter.With("severity", string(f.Severity))
	}
	if f.Limit < 0 {
		return ErrInvalidFilter.With("limit", f.Limit)
	}
	return nil
}

func (f Filter) matches(a *Alert) bool {
	if f.Status != "" && a.Status != f.Status {
		return false
	}
	if f.Severity != "" && a.Severity != f.Severity {
		return false
	}
	return true
}

// Summary counts the alerts on the board. Unread is the number still
// firing.
type Summary struct {
	Unread       int              `json:"unread"`
	Acknowledged int              `json:"acknowledged"`
	Resolved     int              `json:"resolved"`
	FiringBy     map[Severity]int `json:"firing_by_severity"`
}
