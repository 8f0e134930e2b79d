package cli

import (
	"fmt"
	"time"

	"github.com/jguan/anpr-monitor/pkg/unit/feed"
	"github.com/jguan/anpr-monitor/pkg/unit/pipeline"
)

type detectionTable []feed.Record

func (t detectionTable) Header() []string {
	return []string{"ID", "TIME", "PLATE", "CAMERA", "LOCATION", "CATEGORY", "CONFIDENCE"}
}

func (t detectionTable) Rows() [][]string {
	rows := make([][]string, len(t))
	for i, r := range t {
		rows[i] = []string{
			shortID(r.ID),
			formatValue(r.Timestamp),
			r.PlateNumber,
			r.CameraID,
			r.Location,
			string(r.Category),
			fmt.Sprintf("%.0f%%", r.Confidence),
		}
	}
	return rows
}

type runTable []pipeline.Run

func (t runTable) Header() []string {
	return []string{"ID", "STATUS", "STARTED", "DURATION", "PLATE", "CONFIDENCE", "DETAIL"}
}

func (t runTable) Rows() [][]string {
	rows := make([][]string, len(t))
	for i, run := range t {
		var plate, conf, detail, took string
		if run.Outcome != nil {
			plate = run.Outcome.Value
			conf = fmt.Sprintf("%.0f%%", run.Outcome.Confidence)
		}
		if run.Failure != nil {
			detail = run.Failure.Error()
		}
		if run.CompletedAt != nil && !run.StartedAt.IsZero() {
			took = run.CompletedAt.Sub(run.StartedAt).Round(time.Millisecond).String()
		}
		rows[i] = []string{run.ID, string(run.Status), formatValue(run.StartedAt), took, plate, conf, detail}
	}
	return rows
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
