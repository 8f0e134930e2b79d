package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jguan/anpr-monitor/pkg/infra/clock"
	"github.com/jguan/anpr-monitor/pkg/infra/detector"
	"github.com/jguan/anpr-monitor/pkg/infra/logger"
	"github.com/jguan/anpr-monitor/pkg/infra/metrics"
	"github.com/jguan/anpr-monitor/pkg/infra/store"
	"github.com/jguan/anpr-monitor/pkg/service"
	"github.com/jguan/anpr-monitor/pkg/unit"
	"github.com/jguan/anpr-monitor/pkg/unit/alert"
	"github.com/jguan/anpr-monitor/pkg/unit/feed"
	"github.com/jguan/anpr-monitor/pkg/unit/pipeline"
	"github.com/jguan/anpr-monitor/pkg/unit/stats"
)

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type stubDetector struct {
	healthErr error
	result    *detector.Result
	err       error
}

func (s *stubDetector) Health(ctx context.Context) (*detector.Health, error) {
	if s.healthErr != nil {
		return nil, s.healthErr
	}
	return &detector.Health{Status: "healthy", Service: "stub"}, nil
}

func (s *stubDetector) Process(ctx context.Context, image []byte) (*detector.Result, error) {
	return s.result, s.err
}

func (s *stubDetector) Batch(ctx context.Context, images [][]byte) ([]detector.Result, error) {
	return nil, errors.New("not supported")
}

func validPlate() *stubDetector {
	return &stubDetector{result: &detector.Result{
		Success:        true,
		PlatesDetected: 1,
		Plates:         []detector.Plate{{Number: "TN-09-BX-4521", Confidence: 96, Valid: true, RawText: "TN09BX4521"}},
	}}
}

type fixture struct {
	monitor  *service.Monitor
	store    *store.MemoryStore
	exporter *metrics.Exporter
	server   *Server
}

func newFixture(t *testing.T, det detector.Detector, opts ...service.Option) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	exp := metrics.NewExporter()

	var (
		mu sync.Mutex
		n  int
	)
	ids := func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("det-%d", n)
	}

	opts = append([]service.Option{
		service.WithClock(clock.NewFake(now)),
		service.WithIDFunc(ids),
		service.WithStore(st),
		service.WithExporter(exp),
		service.WithLogger(logger.Discard()),
	}, opts...)
	m, err := service.New(service.Config{FeedCapacity: 5}, det, opts...)
	require.NoError(t, err)

	srv := NewServer(m, exp, ServerConfig{Logger: logger.Discard(), KeepAlive: time.Hour})
	return &fixture{monitor: m, store: st, exporter: exp, server: srv}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		f := newFixture(t, validPlate())
		rec := f.do(t, http.MethodGet, "/health", "")

		require.Equal(t, http.StatusOK, rec.Code)
		resp := decodeBody[healthResponse](t, rec)
		assert.Equal(t, "healthy", resp.Status)
		assert.Equal(t, "stub", resp.Detector.Service)
	})

	t.Run("detector unreachable", func(t *testing.T) {
		f := newFixture(t, &stubDetector{healthErr: detector.ErrDetectorUnavailable})
		rec := f.do(t, http.MethodGet, "/health", "")

		require.Equal(t, http.StatusOK, rec.Code)
		resp := decodeBody[healthResponse](t, rec)
		assert.Equal(t, "degraded", resp.Status)
		assert.Equal(t, "unreachable", resp.Detector.Status)
		assert.NotEmpty(t, resp.Detector.Error)
	})
}

func TestRuns_StartAndFollow(t *testing.T) {
	f := newFixture(t, validPlate())
	image := detector.DataURL([]byte("\xff\xd8\xff\xe0\x00\x10JFIF"))

	body, err := json.Marshal(startRunRequest{ID: "run-1", Image: image, CameraID: "CAM-02", Location: "Salem"})
	require.NoError(t, err)
	rec := f.do(t, http.MethodPost, "/api/runs", string(body))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, "run-1", decodeBody[pipeline.Run](t, rec).ID)

	require.Eventually(t, func() bool {
		rec := f.do(t, http.MethodGet, "/api/runs/run-1", "")
		if rec.Code != http.StatusOK {
			return false
		}
		var run pipeline.Run
		if err := json.Unmarshal(rec.Body.Bytes(), &run); err != nil {
			return false
		}
		return run.Status == pipeline.RunStatusCompleted
	}, 5*time.Second, 5*time.Millisecond)

	rec = f.do(t, http.MethodGet, "/api/runs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decodeBody[runsResponse](t, rec).Total)

	require.Eventually(t, func() bool { return len(f.monitor.Snapshot()) == 1 }, 5*time.Second, 5*time.Millisecond)
	rec = f.do(t, http.MethodGet, "/api/feed", "")
	require.Equal(t, http.StatusOK, rec.Code)
	fr := decodeBody[feedResponse](t, rec)
	assert.Equal(t, 5, fr.Capacity)
	require.Len(t, fr.Records, 1)
	assert.Equal(t, "TN-09-BX-4521", fr.Records[0].PlateNumber)
	assert.Equal(t, "CAM-02", fr.Records[0].CameraID)
	assert.Equal(t, feed.CategoryCleared, fr.Records[0].Category)

	require.Eventually(t, func() bool {
		rec := f.do(t, http.MethodGet, "/api/runs/history?status=completed", "")
		var hist runsResponse
		return rec.Code == http.StatusOK && json.Unmarshal(rec.Body.Bytes(), &hist) == nil && hist.Total == 1
	}, 5*time.Second, 5*time.Millisecond)

	// a finished run must be reset before its id is reused
	rec = f.do(t, http.MethodPost, "/api/runs", `{"id":"run-1"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/runs/run-1/reset", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, pipeline.RunStatusPending, decodeBody[pipeline.Run](t, rec).Status)
}

func TestRuns_Errors(t *testing.T) {
	f := newFixture(t, validPlate())

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
		code   unit.ErrorCode
	}{
		{"malformed json", http.MethodPost, "/api/runs", `{`, http.StatusBadRequest, unit.ErrCodeInvalidRequest},
		{"bad image", http.MethodPost, "/api/runs", `{"image":"data:image/png;base64,!!!"}`, http.StatusBadRequest, unit.ErrCodeInvalidRequest},
		{"duplicate stages", http.MethodPost, "/api/runs", `{"stages":["detect","detect"]}`, http.StatusBadRequest, unit.ErrCodeInvalidConfiguration},
		{"unknown run", http.MethodGet, "/api/runs/missing", "", http.StatusNotFound, unit.ErrCodeRunNotFound},
		{"cancel unknown run", http.MethodPost, "/api/runs/missing/cancel", "", http.StatusNotFound, unit.ErrCodeRunNotFound},
		{"bad history limit", http.MethodGet, "/api/runs/history?limit=-1", "", http.StatusBadRequest, unit.ErrCodeInvalidRequest},
		{"unknown route", http.MethodGet, "/api/nowhere", "", http.StatusNotFound, unit.ErrCodeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, string(tt.code), decodeBody[ErrorInfo](t, rec).Code)
		})
	}
}

func TestRuns_CancelWhileRunning(t *testing.T) {
	clk := clock.NewFake(now)
	pace := pipeline.NewSimulator(pipeline.WithClock(clk), pipeline.WithStepInterval(time.Second))
	f := newFixture(t, validPlate(), service.WithPace(pace))

	rec := f.do(t, http.MethodPost, "/api/runs", `{"id":"slow"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	clk.BlockUntil(1)
	rec = f.do(t, http.MethodPost, "/api/runs/slow/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, pipeline.RunStatusCancelled, decodeBody[pipeline.Run](t, rec).Status)

	// cancelling a finished run is a no-op
	rec = f.do(t, http.MethodPost, "/api/runs/slow/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, pipeline.RunStatusCancelled, decodeBody[pipeline.Run](t, rec).Status)
}

func TestFeed_Ingest(t *testing.T) {
	f := newFixture(t, validPlate())

	rec := f.do(t, http.MethodPost, "/api/feed", `{"plate_number":"KA-05-MN-7788","camera_id":"CAM-04","confidence":91}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	got := decodeBody[feed.Record](t, rec)
	assert.Equal(t, "det-1", got.ID)
	assert.True(t, got.Timestamp.Equal(now))
	assert.Equal(t, feed.CategoryProcessing, got.Category)

	rec = f.do(t, http.MethodPost, "/api/feed", `{"id":"det-1","plate_number":"KA-05-MN-7788","confidence":91}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, string(unit.ErrCodeDuplicateRecord), decodeBody[ErrorInfo](t, rec).Code)

	rec = f.do(t, http.MethodPost, "/api/feed", `{"plate_number":"X","confidence":140}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/detections?camera_id=CAM-04", "")
	require.Equal(t, http.StatusOK, rec.Code)
	dets := decodeBody[detectionsResponse](t, rec)
	assert.Equal(t, 1, dets.Total)
	require.Len(t, dets.Detections, 1)
	assert.Equal(t, "KA-05-MN-7788", dets.Detections[0].PlateNumber)

	rec = f.do(t, http.MethodGet, "/api/detections?since=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAlerts(t *testing.T) {
	f := newFixture(t, validPlate())

	rec := f.do(t, http.MethodGet, "/api/alerts", "")
	require.Equal(t, http.StatusOK, rec.Code)
	empty := decodeBody[alertsResponse](t, rec)
	assert.NotNil(t, empty.Alerts)
	assert.Empty(t, empty.Alerts)

	for _, body := range []string{
		`{"plate_number":"TN-01-AB-1234","camera_id":"CAM-01","category":"flagged","confidence":97}`,
		`{"plate_number":"KA-05-EF-2211","camera_id":"CAM-02","category":"flagged","confidence":88}`,
		`{"plate_number":"AP-16-GH-0042","camera_id":"CAM-03","category":"cleared","confidence":95}`,
	} {
		require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/api/feed", body).Code)
	}
	f.monitor.ObserveBreaker("anpr-detector", gobreaker.StateClosed, gobreaker.StateOpen)

	rec = f.do(t, http.MethodGet, "/api/alerts?severity=critical", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeBody[alertsResponse](t, rec)
	require.Len(t, list.Alerts, 3)
	assert.Equal(t, alert.RuleDetectorOutage, list.Alerts[0].Rule)
	assert.Equal(t, "KA-05-EF-2211", list.Alerts[1].PlateNumber)
	assert.Equal(t, 3, list.Summary.Unread)
	assert.Equal(t, 3, list.Summary.FiringBy[alert.SeverityCritical])

	id := list.Alerts[1].ID
	rec = f.do(t, http.MethodPost, "/api/alerts/"+id+"/ack", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, alert.StatusAcknowledged, decodeBody[alert.Alert](t, rec).Status)

	rec = f.do(t, http.MethodGet, "/api/alerts?status=firing&limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list = decodeBody[alertsResponse](t, rec)
	require.Len(t, list.Alerts, 1)
	assert.Equal(t, 2, list.Summary.Unread)

	rec = f.do(t, http.MethodPost, "/api/alerts/"+id+"/resolve", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, alert.StatusResolved, decodeBody[alert.Alert](t, rec).Status)

	rec = f.do(t, http.MethodPost, "/api/alerts/"+id+"/ack", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, string(unit.ErrCodeAlertResolved), decodeBody[ErrorInfo](t, rec).Code)

	rec = f.do(t, http.MethodDelete, "/api/alerts/"+id, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = f.do(t, http.MethodDelete, "/api/alerts/"+id, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, string(unit.ErrCodeAlertNotFound), decodeBody[ErrorInfo](t, rec).Code)

	for _, bad := range []string{"status=open", "severity=high", "limit=-2"} {
		rec = f.do(t, http.MethodGet, "/api/alerts?"+bad, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, bad)
	}
}

func TestStats(t *testing.T) {
	f := newFixture(t, validPlate())
	for _, body := range []string{
		`{"id":"a","timestamp":"2024-06-01T11:59:30Z","plate_number":"A","camera_id":"CAM-01","category":"cleared","confidence":90}`,
		`{"id":"b","timestamp":"2024-06-01T11:58:00Z","plate_number":"B","camera_id":"CAM-01","category":"flagged","confidence":80}`,
	} {
		require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/api/feed", body).Code)
	}

	rec := f.do(t, http.MethodGet, "/api/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	agg := decodeBody[stats.Aggregate](t, rec)
	assert.Equal(t, 2, agg.Total)
	assert.Equal(t, 1, agg.Recent)
	assert.Equal(t, 1, agg.Flagged)
	assert.Equal(t, 85.0, agg.MeanConfidence)

	rec = f.do(t, http.MethodGet, "/api/stats?horizon=5m", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, decodeBody[stats.Aggregate](t, rec).Recent)

	for _, bad := range []string{"soon", "-1m", "0s"} {
		rec = f.do(t, http.MethodGet, "/api/stats?horizon="+bad, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, bad)
	}
}

func TestDisabledFeatures(t *testing.T) {
	f := newFixture(t, validPlate())

	for _, path := range []string{"/api/system", "/api/audit"} {
		rec := f.do(t, http.MethodGet, path, "")
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, validPlate())

	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/feed", "").Code)
	rec := f.do(t, http.MethodGet, "/metrics", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `anpr_http_requests_total{method="GET",route="/api/feed",status="200"} 1`)
}

func TestMethodNotAllowed(t *testing.T) {
	f := newFixture(t, validPlate())
	rec := f.do(t, http.MethodDelete, "/api/feed", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestCORS(t *testing.T) {
	m, err := service.New(service.Config{}, validPlate(), service.WithLogger(logger.Discard()))
	require.NoError(t, err)
	srv := NewServer(m, nil, ServerConfig{EnableCORS: true, CORSOrigins: []string{"http://dashboard.local"}, Logger: logger.Discard()})

	req := httptest.NewRequest(http.MethodOptions, "/api/feed", nil)
	req.Header.Set("Origin", "http://dashboard.local")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, "http://dashboard.local", rec.Header().Get("Access-Control-Allow-Origin"))

	// no exporter means no metrics route
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEventStream(t *testing.T) {
	f := newFixture(t, validPlate())
	ts := httptest.NewServer(f.server.Handler())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	post, err := http.Post(ts.URL+"/api/feed", ContentTypeJSON,
		bytes.NewBufferString(`{"id":"live-1","plate_number":"MH-12-AB-1234","camera_id":"CAM-01","confidence":88}`))
	require.NoError(t, err)
	post.Body.Close()
	require.Equal(t, http.StatusCreated, post.StatusCode)

	reader := bufio.NewReader(resp.Body)
	var event, data string
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		if strings.HasPrefix(line, "event: ") {
			event = strings.TrimPrefix(line, "event: ")
		} else if strings.HasPrefix(line, "data: ") {
			data = strings.TrimPrefix(line, "data: ")
		} else if line == "" {
			if event == EventFeed && data != "" {
				break
			}
			event, data = "", ""
		}
	}

	var records []feed.Record
	require.NoError(t, json.Unmarshal([]byte(data), &records))
	require.Len(t, records, 1)
	assert.Equal(t, "live-1", records[0].ID)
}

func TestServer_StartStop(t *testing.T) {
	m, err := service.New(service.Config{}, validPlate(), service.WithLogger(logger.Discard()))
	require.NoError(t, err)
	srv := NewServer(m, nil, ServerConfig{Addr: "127.0.0.1:0", Logger: logger.Discard()})

	done := make(chan error, 1)
	go func() { done <- srv.Start() }()

	require.Eventually(t, func() bool {
		srv.mu.Lock()
		defer srv.mu.Unlock()
		return srv.http != nil
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, srv.Stop(context.Background()))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestServer_StopBeforeStart(t *testing.T) {
	m, err := service.New(service.Config{}, validPlate(), service.WithLogger(logger.Discard()))
	require.NoError(t, err)
	srv := NewServer(m, nil, ServerConfig{Addr: "127.0.0.1:0", Logger: logger.Discard()})

	require.NoError(t, srv.Stop(context.Background()))

	done := make(chan error, 1)
	go func() { done <- srv.Start() }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("start after stop should return immediately")
	}
}
