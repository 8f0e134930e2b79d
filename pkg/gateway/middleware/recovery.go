package middleware

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/jguan/anpr-monitor/pkg/unit"
)

func Recovery(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rvr := recover()
				if rvr == nil {
					return
				}
				if rvr == http.ErrAbortHandler {
					panic(rvr)
				}

				var msg string
				if err, ok := rvr.(error); ok {
					msg = err.Error()
				} else {
					msg = fmt.Sprintf("%v", rvr)
				}
				if logger != nil {
					logger.Error("panic recovered",
						slog.String("error", msg),
						slog.String("stack", string(debug.Stack())),
						slog.String("path", r.URL.Path),
						slog.String("method", r.Method),
					)
				}

				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				_ = json.NewEncoder(w).Encode(map[string]string{
					"code":    string(unit.ErrCodeInternalError),
					"message": "internal server error",
				})
			}()

			next.ServeHTTP(w, r)
		})
	}
}
