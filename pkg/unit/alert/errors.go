package alert

import "github.com/jguan/anpr-monitor/pkg/unit"

var (
	ErrAlertNotFound = unit.NewDomainError("alert", unit.ErrCodeAlertNotFound, "alert not found")
	ErrAlertResolved = unit.NewDomainError("alert", unit.ErrCodeAlertResolved, "alert already resolved")
	ErrInvalidAlert  = unit.NewDomainError("alert", unit.ErrCodeInvalidInput, "invalid alert")
	ErrInvalidFilter = unit.NewDomainError("alert", unit.ErrCodeInvalidInput, "invalid alert filter")
)
