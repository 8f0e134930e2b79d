// Package stats derives rolling detection statistics from a feed window.
// Everything here is a pure function of the records and the supplied time.
package stats

import (
	"time"

	"github.com/jguan/anpr-monitor/pkg/unit/feed"
)

const DefaultHorizon = 60 * time.Second

type Options struct {
	// Horizon is the trailing duration counted as recent. Zero or negative
	// selects DefaultHorizon.
	Horizon time.Duration
}

func (o Options) horizon() time.Duration {
	if o.Horizon <= 0 {
		return DefaultHorizon
	}
	return o.Horizon
}

type CameraStats struct {
	Total    int        `json:"total"`
	Recent   int        `json:"recent"`
	LastSeen *time.Time `json:"last_seen,omitempty"`
	LastID   string     `json:"last_id,omitempty"`
}

type Aggregate struct {
	At              time.Time              `json:"at"`
	Horizon         time.Duration          `json:"horizon"`
	Total           int                    `json:"total"`
	Recent          int                    `json:"recent"`
	RecentPerMinute float64                `json:"recent_per_minute"`
	MeanConfidence  float64                `json:"mean_confidence"`
	Flagged         int                    `json:"flagged"`
	ByCategory      map[feed.Category]int  `json:"by_category"`
	ByCamera        map[string]CameraStats `json:"by_camera"`
}

// Compute aggregates records as of now. A record is recent when its
// timestamp is at or after now minus the horizon. An empty window yields
// zero counts and a zero mean.
func Compute(records []feed.Record, now time.Time, opts Options) Aggregate {
	horizon := opts.horizon()
	cutoff := now.Add(-horizon)

	agg := Aggregate{
		At:         now,
		Horizon:    horizon,
		Total:      len(records),
		ByCategory: make(map[feed.Category]int, 3),
		ByCamera:   make(map[string]CameraStats),
	}
	for _, c := range feed.Categories() {
		agg.ByCategory[c] = 0
	}

	var sum float64
	for _, r := range records {
		sum += r.Confidence
		agg.ByCategory[r.Category]++

		recent := !r.Timestamp.Before(cutoff)
		if recent {
			agg.Recent++
		}

		if r.CameraID == "" {
			continue
		}
		cam := agg.ByCamera[r.CameraID]
		cam.Total++
		if recent {
			cam.Recent++
		}
		if cam.LastSeen == nil || r.Timestamp.After(*cam.LastSeen) {
			ts := r.Timestamp
			cam.LastSeen = &ts
			cam.LastID = r.ID
		}
		agg.ByCamera[r.CameraID] = cam
	}

	agg.Flagged = agg.ByCategory[feed.CategoryFlagged]
	if len(records) > 0 {
		agg.MeanConfidence = sum / float64(len(records))
	}
	agg.RecentPerMinute = float64(agg.Recent) / horizon.Minutes()
	return agg
}

// Aggregator binds Options so consumers can pass a single value around.
type Aggregator struct {
	opts Options
}

func NewAggregator(opts Options) *Aggregator {
	return &Aggregator{opts: opts}
}

func (a *Aggregator) Compute(records []feed.Record, now time.Time) Aggregate {
	return Compute(records, now, a.opts)
}

func (a *Aggregator) Horizon() time.Duration {
	return a.opts.horizon()
}
