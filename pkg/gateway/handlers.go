package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jguan/anpr-monitor/pkg/infra/detector"
	"github.com/jguan/anpr-monitor/pkg/infra/eventbus"
	"github.com/jguan/anpr-monitor/pkg/infra/store"
	"github.com/jguan/anpr-monitor/pkg/service"
	"github.com/jguan/anpr-monitor/pkg/unit"
	"github.com/jguan/anpr-monitor/pkg/unit/alert"
	"github.com/jguan/anpr-monitor/pkg/unit/feed"
	"github.com/jguan/anpr-monitor/pkg/unit/pipeline"
)

const healthCheckTimeout = 2 * time.Second

type detectorStatus struct {
	Status  string `json:"status"`
	Service string `json:"service,omitempty"`
	Error   string `json:"error,omitempty"`
}

type healthResponse struct {
	Status   string         `json:"status"`
	Detector detectorStatus `json:"detector"`
}

// handleHealth always answers 200 while the process is serving; a detector
// outage only degrades the reported status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	resp := healthResponse{Status: "healthy"}
	h, err := s.monitor.DetectorHealth(ctx)
	switch {
	case err != nil:
		resp.Status = "degraded"
		resp.Detector = detectorStatus{Status: "unreachable", Error: err.Error()}
	case !h.Healthy():
		resp.Status = "degraded"
		resp.Detector = detectorStatus{Status: h.Status, Service: h.Service}
	default:
		resp.Detector = detectorStatus{Status: h.Status, Service: h.Service}
	}
	writeJSON(w, http.StatusOK, resp)
}

type startRunRequest struct {
	ID       string   `json:"id,omitempty"`
	Stages   []string `json:"stages,omitempty"`
	Image    string   `json:"image,omitempty"`
	CameraID string   `json:"camera_id,omitempty"`
	Location string   `json:"location,omitempty"`
}

type runsResponse struct {
	Runs  []pipeline.Run `json:"runs"`
	Total int            `json:"total"`
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs := s.monitor.Runs()
	writeJSON(w, http.StatusOK, runsResponse{Runs: runs, Total: len(runs)})
}

// handleStartRun accepts the run and returns immediately; progress is
// observed via GET /api/runs/{id} or the event stream.
func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var body startRunRequest
	if err := s.decode(w, r, &body); err != nil {
		writeError(w, err)
		return
	}

	req := service.RunRequest{
		ID:       body.ID,
		Stages:   body.Stages,
		CameraID: body.CameraID,
		Location: body.Location,
	}
	if body.Image != "" {
		image, err := detector.DecodeDataURL(body.Image)
		if err != nil {
			writeError(w, badRequest("image must be a base64 data url", err))
			return
		}
		req.Image = image
	}

	run, err := s.monitor.StartRun(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

func (s *Server) handleRunHistory(w http.ResponseWriter, r *http.Request) {
	filter := pipeline.RunFilter{Status: pipeline.RunStatus(r.URL.Query().Get("status"))}
	var err error
	if filter.Limit, err = intParam(r, "limit"); err != nil {
		writeError(w, err)
		return
	}
	if filter.Offset, err = intParam(r, "offset"); err != nil {
		writeError(w, err)
		return
	}

	runs, total, err := s.monitor.RunHistory(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	if runs == nil {
		runs = []pipeline.Run{}
	}
	writeJSON(w, http.StatusOK, runsResponse{Runs: runs, Total: total})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.monitor.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	s.runAction(w, r, s.monitor.CancelRun)
}

func (s *Server) handleResetRun(w http.ResponseWriter, r *http.Request) {
	s.runAction(w, r, s.monitor.ResetRun)
}

func (s *Server) runAction(w http.ResponseWriter, r *http.Request, action func(id string) error) {
	id := chi.URLParam(r, "id")
	if err := action(id); err != nil {
		writeError(w, err)
		return
	}
	run, err := s.monitor.GetRun(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

type feedResponse struct {
	Records  []feed.Record `json:"records"`
	Capacity int           `json:"capacity"`
}

func (s *Server) handleGetFeed(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, feedResponse{
		Records:  s.monitor.Snapshot(),
		Capacity: s.monitor.Feed().Capacity(),
	})
}

// handleIngest inserts one detection. Missing id, timestamp and category
// are filled by the monitor.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var rec feed.Record
	if err := s.decode(w, r, &rec); err != nil {
		writeError(w, err)
		return
	}
	rec = s.monitor.Stamp(rec)
	if err := s.monitor.Ingest(r.Context(), rec); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

type detectionsResponse struct {
	Detections []feed.Record `json:"detections"`
	Total      int           `json:"total"`
}

func (s *Server) handleDetections(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.DetectionFilter{
		CameraID:    q.Get("camera_id"),
		Category:    feed.Category(q.Get("category")),
		PlateNumber: q.Get("plate_number"),
	}
	var err error
	if filter.Since, err = timeParam(r, "since"); err != nil {
		writeError(w, err)
		return
	}
	if filter.Until, err = timeParam(r, "until"); err != nil {
		writeError(w, err)
		return
	}
	if filter.Limit, err = intParam(r, "limit"); err != nil {
		writeError(w, err)
		return
	}
	if filter.Offset, err = intParam(r, "offset"); err != nil {
		writeError(w, err)
		return
	}

	records, total, err := s.monitor.Detections(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	if records == nil {
		records = []feed.Record{}
	}
	writeJSON(w, http.StatusOK, detectionsResponse{Detections: records, Total: total})
}

// handleStats computes statistics at the server clock's current time.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	var horizon time.Duration
	if raw := r.URL.Query().Get("horizon"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			writeError(w, badRequest("horizon must be a positive duration", err).With("horizon", raw))
			return
		}
		horizon = d
	}
	writeJSON(w, http.StatusOK, s.monitor.Stats(horizon))
}

type alertsResponse struct {
	Alerts  []alert.Alert `json:"alerts"`
	Summary alert.Summary `json:"summary"`
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := alert.Filter{
		Status:   alert.Status(q.Get("status")),
		Severity: alert.Severity(q.Get("severity")),
	}
	var err error
	if filter.Limit, err = intParam(r, "limit"); err != nil {
		writeError(w, err)
		return
	}
	alerts, summary, err := s.monitor.ListAlerts(filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alertsResponse{Alerts: alerts, Summary: summary})
}

func (s *Server) handleAcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	s.alertAction(w, r, s.monitor.AcknowledgeAlert)
}

func (s *Server) handleResolveAlert(w http.ResponseWriter, r *http.Request) {
	s.alertAction(w, r, s.monitor.ResolveAlert)
}

func (s *Server) alertAction(w http.ResponseWriter, r *http.Request, action func(id string) (alert.Alert, error)) {
	a, err := action(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleDismissAlert(w http.ResponseWriter, r *http.Request) {
	if err := s.monitor.DismissAlert(chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSystem(w http.ResponseWriter, r *http.Request) {
	stats, err := s.monitor.System(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type auditEvent struct {
	Type          string    `json:"type"`
	Domain        string    `json:"domain"`
	CorrelationID string    `json:"correlation_id"`
	Timestamp     time.Time `json:"timestamp"`
	Payload       any       `json:"payload,omitempty"`
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := eventbus.EventQueryFilter{
		Domain:        q.Get("domain"),
		Type:          q.Get("type"),
		CorrelationID: q.Get("correlation_id"),
	}
	var err error
	if filter.StartTime, err = timeParam(r, "since"); err != nil {
		writeError(w, err)
		return
	}
	if filter.Limit, err = intParam(r, "limit"); err != nil {
		writeError(w, err)
		return
	}

	events, err := s.monitor.Audit(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]auditEvent, 0, len(events))
	for _, ev := range events {
		out = append(out, auditEvent{
			Type:          ev.Type(),
			Domain:        ev.Domain(),
			CorrelationID: ev.CorrelationID(),
			Timestamp:     ev.Timestamp(),
			Payload:       ev.Payload(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) error {
	body := http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes)
	defer body.Close()

	if err := json.NewDecoder(body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return unit.NewError(unit.ErrCodeInvalidRequest, "request body too large").With("limit", tooLarge.Limit)
		}
		return badRequest("invalid JSON body", err)
	}
	return nil
}

func intParam(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, unit.NewError(unit.ErrCodeInvalidRequest, name+" must be a non-negative integer").With(name, raw)
	}
	return n, nil
}

func timeParam(r *http.Request, name string) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, unit.NewError(unit.ErrCodeInvalidRequest, name+" must be an RFC 3339 timestamp").With(name, raw)
	}
	return t, nil
}
