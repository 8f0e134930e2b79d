package pipeline

import "time"

type StageStatus string

const (
	StagePending    StageStatus = "pending"
	StageProcessing StageStatus = "processing"
	StageCompleted  StageStatus = "completed"
	StageFailed     StageStatus = "failed"
	StageCancelled  StageStatus = "cancelled"
)

type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether no further transitions can happen without Reset.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// DefaultStages is the plate-recognition stage list.
var DefaultStages = []string{"capture", "preprocess", "detect", "extract", "verify"}

type StageState struct {
	Name      string      `json:"name"`
	Status    StageStatus `json:"status"`
	Progress  float64     `json:"progress"`
	Error     string      `json:"error,omitempty"`
	StartedAt *time.Time  `json:"started_at,omitempty"`
	EndedAt   *time.Time  `json:"ended_at,omitempty"`
}

// Outcome is the payload attached to a run once every stage completed.
type Outcome struct {
	Value      string         `json:"value"`
	Confidence float64        `json:"confidence"`
	Valid      bool           `json:"valid"`
	Details    map[string]any `json:"details,omitempty"`
}

type Run struct {
	ID          string         `json:"id"`
	Stages      []StageState   `json:"stages"`
	Status      RunStatus      `json:"status"`
	Outcome     *Outcome       `json:"outcome,omitempty"`
	Failure     *StageFailure  `json:"failure,omitempty"`
	Input       map[string]any `json:"-"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// Clone returns a deep copy safe to hand to other goroutines.
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}
	c := *r
	c.Stages = make([]StageState, len(r.Stages))
	for i, s := range r.Stages {
		c.Stages[i] = s
		c.Stages[i].StartedAt = copyTime(s.StartedAt)
		c.Stages[i].EndedAt = copyTime(s.EndedAt)
	}
	if r.Outcome != nil {
		o := *r.Outcome
		o.Details = cloneMap(r.Outcome.Details)
		c.Outcome = &o
	}
	if r.Failure != nil {
		f := *r.Failure
		c.Failure = &f
	}
	c.Input = cloneMap(r.Input)
	c.CompletedAt = copyTime(r.CompletedAt)
	return &c
}

// ActiveStage returns the index of the stage currently processing.
func (r *Run) ActiveStage() (int, bool) {
	for i, s := range r.Stages {
		if s.Status == StageProcessing {
			return i, true
		}
	}
	return -1, false
}

// Err describes why a terminal run did not complete: a *StageFailure,
// ErrCancelled, or nil.
func (r *Run) Err() error {
	switch r.Status {
	case RunStatusFailed:
		if r.Failure != nil {
			return r.Failure
		}
		return ErrStageFailed
	case RunStatusCancelled:
		return ErrCancelled
	default:
		return nil
	}
}

// StageNames returns the configured stage order.
func (r *Run) StageNames() []string {
	names := make([]string, len(r.Stages))
	for i, s := range r.Stages {
		names[i] = s.Name
	}
	return names
}

type UpdateKind string

const (
	UpdateStageStarted   UpdateKind = "stage_started"
	UpdateProgress       UpdateKind = "progress"
	UpdateStageCompleted UpdateKind = "stage_completed"
	UpdateStageFailed    UpdateKind = "stage_failed"
	UpdateRunCompleted   UpdateKind = "run_completed"
	UpdateRunFailed      UpdateKind = "run_failed"
	UpdateRunCancelled   UpdateKind = "run_cancelled"
)

// Update is delivered synchronously to listeners on every transition.
type Update struct {
	RunID      string     `json:"run_id"`
	Kind       UpdateKind `json:"kind"`
	Stage      string     `json:"stage,omitempty"`
	StageIndex int        `json:"stage_index"`
	Progress   float64    `json:"progress"`
	RunStatus  RunStatus  `json:"run_status"`
	Timestamp  time.Time  `json:"timestamp"`
}

// RunFilter narrows archived run listings.
type RunFilter struct {
	Status RunStatus `json:"status,omitempty"`
	Limit  int       `json:"limit,omitempty"`
	Offset int       `json:"offset,omitempty"`
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	c := make(map[string]any, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}
