package unit

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode identifies a class of failure independent of its message.
type ErrorCode string

// Generic codes (000-099)
const (
	ErrCodeSuccess          ErrorCode = "00000"
	ErrCodeUnknown          ErrorCode = "00001"
	ErrCodeInvalidRequest   ErrorCode = "00002"
	ErrCodeUnauthorized     ErrorCode = "00003"
	ErrCodeNotFound         ErrorCode = "00004"
	ErrCodeAlreadyExists    ErrorCode = "00005"
	ErrCodeTimeout          ErrorCode = "00006"
	ErrCodeRateLimited      ErrorCode = "00007"
	ErrCodeInternalError    ErrorCode = "00008"
	ErrCodeInvalidInput     ErrorCode = "00009"
	ErrCodeValidationFailed ErrorCode = "00010"
)

// Pipeline codes (800-899)
const (
	ErrCodeInvalidConfiguration ErrorCode = "00800"
	ErrCodeRunAlreadyActive     ErrorCode = "00801"
	ErrCodeStageFailed          ErrorCode = "00802"
	ErrCodeRunNotFound          ErrorCode = "00803"
	ErrCodeRunNotTerminal       ErrorCode = "00804"
	ErrCodeRunNotReset          ErrorCode = "00805"
	ErrCodeRunCancelled         ErrorCode = "00806"
)

// Feed codes (900-999)
const (
	ErrCodeDuplicateRecord ErrorCode = "00900"
	ErrCodeInvalidRecord   ErrorCode = "00901"
	ErrCodeInvalidCapacity ErrorCode = "00902"
)

// Detector codes (1000-1099)
const (
	ErrCodeDetectorUnavailable ErrorCode = "01000"
	ErrCodeDetectorBadResponse ErrorCode = "01001"
)

// Alert codes (1100-1199)
const (
	ErrCodeAlertNotFound ErrorCode = "01100"
	ErrCodeAlertResolved ErrorCode = "01101"
)

// UnitError is the error type shared by every domain package.
type UnitError struct {
	Code    ErrorCode
	Domain  string
	Message string
	Details map[string]any
	Cause   error
}

func (e *UnitError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *UnitError) Unwrap() error {
	return e.Cause
}

// Is matches any UnitError carrying the same code, so package-level
// sentinels work with errors.Is even when the error was re-created with
// extra details.
func (e *UnitError) Is(target error) bool {
	t, ok := target.(*UnitError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// With returns a copy of e carrying one more detail. Sentinels are never
// mutated.
func (e *UnitError) With(key string, value any) *UnitError {
	details := make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		details[k] = v
	}
	details[key] = value
	return &UnitError{
		Code:    e.Code,
		Domain:  e.Domain,
		Message: e.Message,
		Details: details,
		Cause:   e.Cause,
	}
}

// Wrap returns a copy of e with cause attached.
func (e *UnitError) Wrap(cause error) *UnitError {
	c := e.With("cause", cause.Error())
	c.Cause = cause
	return c
}

func NewError(code ErrorCode, message string) *UnitError {
	return &UnitError{
		Code:    code,
		Message: message,
	}
}

func NewDomainError(domain string, code ErrorCode, message string) *UnitError {
	return &UnitError{
		Code:    code,
		Domain:  domain,
		Message: message,
	}
}

func WrapError(err error, code ErrorCode, message string) *UnitError {
	return &UnitError{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// AsUnitError unwraps err to the first UnitError in its chain.
func AsUnitError(err error) (*UnitError, bool) {
	if err == nil {
		return nil, false
	}
	var ue *UnitError
	if errors.As(err, &ue) {
		return ue, true
	}
	return nil, false
}

// ErrorToHTTPStatus maps a code onto the status the gateway responds with.
func ErrorToHTTPStatus(code ErrorCode) int {
	switch code {
	case ErrCodeSuccess:
		return http.StatusOK
	case ErrCodeInvalidRequest, ErrCodeInvalidInput, ErrCodeValidationFailed,
		ErrCodeInvalidConfiguration, ErrCodeInvalidCapacity:
		return http.StatusBadRequest
	case ErrCodeInvalidRecord:
		return http.StatusUnprocessableEntity
	case ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case ErrCodeNotFound, ErrCodeRunNotFound, ErrCodeAlertNotFound:
		return http.StatusNotFound
	case ErrCodeAlreadyExists, ErrCodeRunAlreadyActive, ErrCodeRunNotTerminal,
		ErrCodeRunNotReset, ErrCodeDuplicateRecord, ErrCodeAlertResolved:
		return http.StatusConflict
	case ErrCodeTimeout:
		return http.StatusRequestTimeout
	case ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case ErrCodeDetectorUnavailable:
		return http.StatusServiceUnavailable
	case ErrCodeDetectorBadResponse:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func IsNotFound(err error) bool {
	if ue, ok := AsUnitError(err); ok {
		return ue.Code == ErrCodeNotFound || ue.Code == ErrCodeRunNotFound || ue.Code == ErrCodeAlertNotFound
	}
	return false
}

func IsConflict(err error) bool {
	if ue, ok := AsUnitError(err); ok {
		return ErrorToHTTPStatus(ue.Code) == http.StatusConflict
	}
	return false
}

var (
	ErrUnknown      = NewError(ErrCodeUnknown, "unknown error")
	ErrInvalidInput = NewError(ErrCodeInvalidInput, "invalid input")
	ErrNotFound     = NewError(ErrCodeNotFound, "resource not found")
	ErrTimeout      = NewError(ErrCodeTimeout, "operation timeout")
	ErrInternal     = NewError(ErrCodeInternalError, "internal error")
	ErrValidation   = NewError(ErrCodeValidationFailed, "validation failed")
)
