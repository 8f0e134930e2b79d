package pipeline

import (
	"fmt"

	"github.com/jguan/anpr-monitor/pkg/unit"
)

var (
	ErrInvalidConfiguration = unit.NewDomainError("pipeline", unit.ErrCodeInvalidConfiguration, "invalid stage configuration")
	ErrRunAlreadyActive     = unit.NewDomainError("pipeline", unit.ErrCodeRunAlreadyActive, "run already active")
	ErrStageFailed          = unit.NewDomainError("pipeline", unit.ErrCodeStageFailed, "stage failed")
	ErrRunNotFound          = unit.NewDomainError("pipeline", unit.ErrCodeRunNotFound, "run not found")
	ErrRunNotTerminal       = unit.NewDomainError("pipeline", unit.ErrCodeRunNotTerminal, "run is not terminal")
	ErrRunNotReset          = unit.NewDomainError("pipeline", unit.ErrCodeRunNotReset, "run must be reset before it is started again")
	ErrCancelled            = unit.NewDomainError("pipeline", unit.ErrCodeRunCancelled, "run cancelled")
)

// StageFailure records which stage halted a run and why.
type StageFailure struct {
	Stage  string `json:"stage"`
	Reason string `json:"reason"`
}

func (f *StageFailure) Error() string {
	return fmt.Sprintf("stage %q failed: %s", f.Stage, f.Reason)
}

// Is lets errors.Is(err, ErrStageFailed) match a StageFailure.
func (f *StageFailure) Is(target error) bool {
	t, ok := target.(*unit.UnitError)
	return ok && t.Code == unit.ErrCodeStageFailed
}
