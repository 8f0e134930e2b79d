package pipeline

import (
	"github.com/jguan/anpr-monitor/pkg/unit"
)

const (
	EventTypeStarted        = "pipeline.started"
	EventTypeStageCompleted = "pipeline.stage_completed"
	EventTypeCompleted      = "pipeline.completed"
	EventTypeFailed         = "pipeline.failed"
	EventTypeCancelled      = "pipeline.cancelled"
)

const eventDomain = "pipeline"

func NewStartedEvent(run *Run) *unit.DomainEvent {
	return unit.NewDomainEvent(eventDomain, EventTypeStarted, run.ID, map[string]any{
		"run_id":     run.ID,
		"stages":     run.StageNames(),
		"started_at": run.StartedAt.Unix(),
	})
}

func NewStageCompletedEvent(runID, stage string, output map[string]any) *unit.DomainEvent {
	return unit.NewDomainEvent(eventDomain, EventTypeStageCompleted, runID, map[string]any{
		"run_id": runID,
		"stage":  stage,
		"output": output,
	})
}

// NewTerminalEvent picks the event type matching the run's terminal status.
func NewTerminalEvent(run *Run) *unit.DomainEvent {
	payload := map[string]any{
		"run_id": run.ID,
		"status": run.Status,
	}
	if run.CompletedAt != nil {
		payload["completed_at"] = run.CompletedAt.Unix()
	}

	eventType := EventTypeCompleted
	switch run.Status {
	case RunStatusFailed:
		eventType = EventTypeFailed
		if run.Failure != nil {
			payload["stage"] = run.Failure.Stage
			payload["error"] = run.Failure.Reason
		}
	case RunStatusCancelled:
		eventType = EventTypeCancelled
	default:
		if run.Outcome != nil {
			payload["value"] = run.Outcome.Value
			payload["confidence"] = run.Outcome.Confidence
			payload["valid"] = run.Outcome.Valid
		}
	}
	return unit.NewDomainEvent(eventDomain, eventType, run.ID, payload)
}
