// Package detector talks to the plate-recognition service. Recognition itself
// happens out of process; this package only moves images and results.
package detector

import (
	"context"

	"github.com/jguan/anpr-monitor/pkg/unit"
)

var (
	ErrDetectorUnavailable = unit.NewDomainError("detector", unit.ErrCodeDetectorUnavailable, "detector unavailable")
	ErrDetectorBadResponse = unit.NewDomainError("detector", unit.ErrCodeDetectorBadResponse, "detector returned an invalid response")
)

type BBox struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

type Plate struct {
	Number     string  `json:"plate_number"`
	Confidence float64 `json:"confidence"`
	Valid      bool    `json:"is_valid"`
	BBox       *BBox   `json:"bbox,omitempty"`
	RawText    string  `json:"raw_text,omitempty"`
}

type Result struct {
	Success        bool    `json:"success"`
	PlatesDetected int     `json:"plates_detected"`
	Plates         []Plate `json:"results"`
	Error          string  `json:"error,omitempty"`
	ImageIndex     int     `json:"image_index,omitempty"`
}

// Best returns the plate with the highest confidence, preferring valid
// plates. ok is false when nothing was detected.
func (r *Result) Best() (Plate, bool) {
	if r == nil || len(r.Plates) == 0 {
		return Plate{}, false
	}
	best := r.Plates[0]
	for _, p := range r.Plates[1:] {
		if p.Valid != best.Valid {
			if p.Valid {
				best = p
			}
			continue
		}
		if p.Confidence > best.Confidence {
			best = p
		}
	}
	return best, true
}

type Health struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

func (h *Health) Healthy() bool {
	return h != nil && h.Status == "healthy"
}

// Detector recognises plates in encoded images.
type Detector interface {
	Health(ctx context.Context) (*Health, error)
	Process(ctx context.Context, image []byte) (*Result, error)
	Batch(ctx context.Context, images [][]byte) ([]Result, error)
}
