package middleware

import (
	"bytes"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jguan/anpr-monitor/pkg/infra/logger"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
})

func TestLogging(t *testing.T) {
	t.Run("logs request details", func(t *testing.T) {
		var buf bytes.Buffer
		log := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

		req := httptest.NewRequest(http.MethodPost, "/api/runs", strings.NewReader(`{}`))
		req.RemoteAddr = "192.168.1.1:12345"
		req = req.WithContext(logger.SetRequestID(req.Context(), "req-123"))
		rec := httptest.NewRecorder()

		Logging(log)(okHandler).ServeHTTP(rec, req)

		out := buf.String()
		for _, want := range []string{
			`"method":"POST"`,
			`"path":"/api/runs"`,
			`"status":200`,
			`"request_id":"req-123"`,
			`"remote_addr":"192.168.1.1:12345"`,
		} {
			if !strings.Contains(out, want) {
				t.Errorf("expected %s in log output, got %s", want, out)
			}
		}
	})

	t.Run("logs warning for 4xx status", func(t *testing.T) {
		var buf bytes.Buffer
		log := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		})

		Logging(log)(handler).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/x", nil))

		if !strings.Contains(buf.String(), `"level":"WARN"`) {
			t.Errorf("expected WARN level, got %s", buf.String())
		}
	})

	t.Run("logs error for 5xx status", func(t *testing.T) {
		var buf bytes.Buffer
		log := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelError}))
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})

		Logging(log)(handler).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/x", nil))

		if !strings.Contains(buf.String(), `"status":503`) {
			t.Errorf("expected status 503 in log output, got %s", buf.String())
		}
	})

	t.Run("nil logger", func(t *testing.T) {
		rec := httptest.NewRecorder()
		Logging(nil)(okHandler).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		if rec.Code != http.StatusOK {
			t.Errorf("expected 200, got %d", rec.Code)
		}
	})
}

func TestRecovery(t *testing.T) {
	tests := []struct {
		name  string
		value any
	}{
		{"string panic", "something went wrong"},
		{"error panic", errors.New("boom")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var logBuf strings.Builder
			log := slog.New(slog.NewJSONHandler(&logBuf, &slog.HandlerOptions{Level: slog.LevelError}))
			handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				panic(tt.value)
			})

			rec := httptest.NewRecorder()
			Recovery(log)(handler).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/test", nil))

			if rec.Code != http.StatusInternalServerError {
				t.Errorf("expected status 500, got %d", rec.Code)
			}
			if !strings.Contains(rec.Body.String(), `"code":"00008"`) {
				t.Errorf("expected internal error code, got %s", rec.Body.String())
			}
			if !strings.Contains(logBuf.String(), "panic recovered") {
				t.Error("expected panic recovered in log")
			}
		})
	}
}

func TestRequestID(t *testing.T) {
	var seen string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = logger.GetRequestID(r.Context())
	}))

	t.Run("propagates header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(HeaderRequestID, "abc")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if seen != "abc" {
			t.Errorf("expected request id abc in context, got %q", seen)
		}
		if rec.Header().Get(HeaderRequestID) != "abc" {
			t.Errorf("expected response header abc, got %q", rec.Header().Get(HeaderRequestID))
		}
	})

	t.Run("generates when missing", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

		if seen == "" || seen != rec.Header().Get(HeaderRequestID) {
			t.Errorf("expected generated id to match header, got %q and %q", seen, rec.Header().Get(HeaderRequestID))
		}
	})
}

type observation struct {
	method, route string
	status        int
}

type recordingObserver struct {
	got []observation
}

func (o *recordingObserver) ObserveHTTP(method, route string, status int, d time.Duration) {
	o.got = append(o.got, observation{method, route, status})
}

func TestMetrics_UsesRoutePattern(t *testing.T) {
	obs := &recordingObserver{}
	r := chi.NewRouter()
	r.Use(Metrics(obs))
	r.Get("/api/runs/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/runs/run-42", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nowhere", nil))

	want := []observation{
		{http.MethodGet, "/api/runs/{id}", http.StatusNotFound},
		{http.MethodGet, "unmatched", http.StatusNotFound},
	}
	if len(obs.got) != len(want) {
		t.Fatalf("expected %d observations, got %d", len(want), len(obs.got))
	}
	for i := range want {
		if obs.got[i] != want[i] {
			t.Errorf("observation %d: expected %+v, got %+v", i, want[i], obs.got[i])
		}
	}
}

func TestRateLimit(t *testing.T) {
	handler := RateLimit(0.001, 2)(okHandler)

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.0.0.1:5678"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)

		if rec.Code == http.StatusTooManyRequests && rec.Header().Get("Retry-After") == "" {
			t.Error("expected Retry-After header on 429")
		}
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Errorf("expected [200 200 429], got %v", codes)
	}

	// other clients keep their own bucket
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.2:5678"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 for a different client, got %d", rec.Code)
	}
}
