package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/jguan/anpr-monitor/pkg/unit/feed"
	"github.com/jguan/anpr-monitor/pkg/unit/pipeline"
)

func TestDetectionFromRun(t *testing.T) {
	done := now.Add(-time.Second)
	completed := func(value string, confidence float64, valid bool) *pipeline.Run {
		return &pipeline.Run{
			ID:          "r",
			Status:      pipeline.RunStatusCompleted,
			Outcome:     &pipeline.Outcome{Value: value, Confidence: confidence, Valid: valid},
			Input:       map[string]any{KeyCameraID: "CAM-04", KeyLocation: "Highway Junction"},
			CompletedAt: &done,
		}
	}

	tests := []struct {
		name       string
		run        *pipeline.Run
		ok         bool
		category   feed.Category
		confidence float64
	}{
		{"valid and confident", completed("DL-01-AB-1234", 95.4, true), true, feed.CategoryCleared, 95},
		{"exactly ninety", completed("DL-01-AB-1234", 90, true), true, feed.CategoryProcessing, 90},
		{"just above ninety", completed("DL-01-AB-1234", 90.4, true), true, feed.CategoryCleared, 90},
		{"invalid plate", completed("XX", 99, false), true, feed.CategoryProcessing, 99},
		{"no value", completed("", 99, true), false, "", 0},
		{"failed run", &pipeline.Run{Status: pipeline.RunStatusFailed}, false, "", 0},
		{"nil run", nil, false, "", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, ok := DetectionFromRun(tt.run, "id-1", now)
			assert.Equal(t, tt.ok, ok)
			if !ok {
				return
			}
			assert.Equal(t, tt.category, rec.Category)
			assert.Equal(t, tt.confidence, rec.Confidence)
			assert.Equal(t, "CAM-04", rec.CameraID)
			assert.Equal(t, done, rec.Timestamp)
			assert.NoError(t, rec.Validate())
		})
	}
}
