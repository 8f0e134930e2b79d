package feed

import "github.com/jguan/anpr-monitor/pkg/unit"

var (
	ErrDuplicateRecord = unit.NewDomainError("feed", unit.ErrCodeDuplicateRecord, "record id already in window")
	ErrInvalidRecord   = unit.NewDomainError("feed", unit.ErrCodeInvalidRecord, "invalid record")
	ErrInvalidCapacity = unit.NewDomainError("feed", unit.ErrCodeInvalidCapacity, "capacity must be at least 1")
)
