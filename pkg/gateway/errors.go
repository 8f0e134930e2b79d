package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/jguan/anpr-monitor/pkg/unit"
)

const ContentTypeJSON = "application/json"

// ErrorInfo is the body of every non-2xx API response.
type ErrorInfo struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Domain  string         `json:"domain,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *ErrorInfo) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// ToErrorInfo converts err into a response body and status. Unit errors keep
// their code; context errors map to timeout; anything else is internal.
func ToErrorInfo(err error) (*ErrorInfo, int) {
	if ue, ok := unit.AsUnitError(err); ok {
		return &ErrorInfo{
			Code:    string(ue.Code),
			Message: ue.Message,
			Domain:  ue.Domain,
			Details: ue.Details,
		}, unit.ErrorToHTTPStatus(ue.Code)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &ErrorInfo{Code: string(unit.ErrCodeTimeout), Message: err.Error()}, http.StatusGatewayTimeout
	}
	return &ErrorInfo{Code: string(unit.ErrCodeInternalError), Message: err.Error()}, http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", ContentTypeJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	info, status := ToErrorInfo(err)
	writeJSON(w, status, info)
}

func badRequest(message string, cause error) *unit.UnitError {
	e := unit.NewError(unit.ErrCodeInvalidRequest, message)
	if cause != nil {
		return e.Wrap(cause)
	}
	return e
}
