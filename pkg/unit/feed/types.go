package feed

import (
	"math"
	"time"
)

// Category is the closed set of classification tags carried by a record.
type Category string

const (
	CategoryCleared    Category = "cleared"
	CategoryFlagged    Category = "flagged"
	CategoryProcessing Category = "processing"
)

// Categories lists every category in display order.
func Categories() []Category {
	return []Category{CategoryCleared, CategoryFlagged, CategoryProcessing}
}

func (c Category) Valid() bool {
	switch c {
	case CategoryCleared, CategoryFlagged, CategoryProcessing:
		return true
	default:
		return false
	}
}

// Record is one detection shown in the live feed. Records are immutable once
// inserted.
type Record struct {
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	PlateNumber string    `json:"plate_number"`
	CameraID    string    `json:"camera_id"`
	Location    string    `json:"location,omitempty"`
	Category    Category  `json:"category"`
	Confidence  float64   `json:"confidence"`
}

// Validate reports every contract violation in r.
func (r Record) Validate() error {
	var issues []string
	if r.ID == "" {
		issues = append(issues, "id is required")
	}
	if r.Timestamp.IsZero() {
		issues = append(issues, "timestamp is required")
	}
	if !r.Category.Valid() {
		issues = append(issues, "unknown category: "+string(r.Category))
	}
	if math.IsNaN(r.Confidence) || r.Confidence < 0 || r.Confidence > 100 {
		issues = append(issues, "confidence must be within [0,100]")
	}
	if len(issues) > 0 {
		return ErrInvalidRecord.With("id", r.ID).With("issues", issues)
	}
	return nil
}
