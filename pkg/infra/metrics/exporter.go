package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jguan/anpr-monitor/pkg/unit/feed"
	"github.com/jguan/anpr-monitor/pkg/unit/pipeline"
	"github.com/jguan/anpr-monitor/pkg/unit/stats"
)

const namespace = "anpr"

// Circuit breaker gauge values.
const (
	BreakerClosed   = 0
	BreakerOpen     = 1
	BreakerHalfOpen = 2
)

// Exporter owns a private Prometheus registry with the monitor's metrics.
type Exporter struct {
	registry *prometheus.Registry

	runsStarted   prometheus.Counter
	runsFinished  *prometheus.CounterVec
	runsActive    prometheus.Gauge
	runDuration   prometheus.Histogram
	stagesTotal   *prometheus.CounterVec
	feedRecords   prometheus.Gauge
	feedInserted  *prometheus.CounterVec
	feedRejected  *prometheus.CounterVec
	recent        prometheus.Gauge
	perMinute     prometheus.Gauge
	meanConf      prometheus.Gauge
	flagged       prometheus.Gauge
	cameraRecent  *prometheus.GaugeVec
	breakerState  *prometheus.GaugeVec
	breakerTrips  *prometheus.CounterVec
	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
	cpuPercent    prometheus.Gauge
	memoryPercent prometheus.Gauge

	mu      sync.Mutex
	started map[string]time.Time
}

func NewExporter() *Exporter {
	e := &Exporter{
		registry: prometheus.NewRegistry(),
		started:  make(map[string]time.Time),

		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pipeline", Name: "runs_started_total",
			Help: "Runs that entered their first stage",
		}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pipeline", Name: "runs_finished_total",
			Help: "Runs that reached a terminal status",
		}, []string{"status"}),
		runsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "pipeline", Name: "runs_active",
			Help: "Runs currently executing",
		}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "pipeline", Name: "run_duration_seconds",
			Help:    "Time from first stage start to terminal status",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
		stagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pipeline", Name: "stages_total",
			Help: "Stages that finished, by outcome",
		}, []string{"stage", "status"}),
		feedRecords: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "feed", Name: "records",
			Help: "Records currently in the live feed",
		}),
		feedInserted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "feed", Name: "inserted_total",
			Help: "Records accepted into the live feed",
		}, []string{"category"}),
		feedRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "feed", Name: "rejected_total",
			Help: "Records refused by the live feed",
		}, []string{"reason"}),
		recent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "stats", Name: "recent_detections",
			Help: "Detections inside the recency horizon",
		}),
		perMinute: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "stats", Name: "detections_per_minute",
			Help: "Recent detections normalised to one minute",
		}),
		meanConf: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "stats", Name: "mean_confidence",
			Help: "Mean confidence across the feed window",
		}),
		flagged: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "stats", Name: "flagged_records",
			Help: "Flagged records in the feed window",
		}),
		cameraRecent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "stats", Name: "camera_recent_detections",
			Help: "Recent detections per camera",
		}, []string{"camera"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "detector", Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
		breakerTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "detector", Name: "circuit_breaker_trips_total",
			Help: "Times the circuit breaker opened",
		}, []string{"name"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_total",
			Help: "HTTP requests served",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		cpuPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "system", Name: "cpu_percent",
			Help: "Host CPU usage",
		}),
		memoryPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "system", Name: "memory_percent",
			Help: "Host memory usage",
		}),
	}

	e.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		e.runsStarted, e.runsFinished, e.runsActive, e.runDuration, e.stagesTotal,
		e.feedRecords, e.feedInserted, e.feedRejected,
		e.recent, e.perMinute, e.meanConf, e.flagged, e.cameraRecent,
		e.breakerState, e.breakerTrips,
		e.httpRequests, e.httpDuration,
		e.cpuPercent, e.memoryPercent,
	)
	return e
}

func (e *Exporter) Registry() *prometheus.Registry {
	return e.registry
}

func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{Registry: e.registry})
}

// ObserveUpdate is a pipeline listener.
func (e *Exporter) ObserveUpdate(u pipeline.Update) {
	switch u.Kind {
	case pipeline.UpdateStageStarted:
		if u.StageIndex != 0 {
			return
		}
		e.mu.Lock()
		e.started[u.RunID] = u.Timestamp
		e.mu.Unlock()
		e.runsStarted.Inc()
		e.runsActive.Inc()
	case pipeline.UpdateStageCompleted:
		e.stagesTotal.WithLabelValues(u.Stage, string(pipeline.StageCompleted)).Inc()
	case pipeline.UpdateStageFailed:
		e.stagesTotal.WithLabelValues(u.Stage, string(pipeline.StageFailed)).Inc()
	case pipeline.UpdateRunCompleted, pipeline.UpdateRunFailed, pipeline.UpdateRunCancelled:
		e.runsFinished.WithLabelValues(string(u.RunStatus)).Inc()
		e.mu.Lock()
		start, ok := e.started[u.RunID]
		delete(e.started, u.RunID)
		e.mu.Unlock()
		if ok {
			e.runsActive.Dec()
			e.runDuration.Observe(u.Timestamp.Sub(start).Seconds())
		}
	}
}

func (e *Exporter) ObserveFeed(records []feed.Record) {
	e.feedRecords.Set(float64(len(records)))
}

func (e *Exporter) RecordInserted(category feed.Category) {
	e.feedInserted.WithLabelValues(string(category)).Inc()
}

func (e *Exporter) RecordRejected(reason string) {
	e.feedRejected.WithLabelValues(reason).Inc()
}

// ObserveAggregate is a stats sink.
func (e *Exporter) ObserveAggregate(a stats.Aggregate) {
	e.recent.Set(float64(a.Recent))
	e.perMinute.Set(a.RecentPerMinute)
	e.meanConf.Set(a.MeanConfidence)
	e.flagged.Set(float64(a.Flagged))
	for camera, cs := range a.ByCamera {
		e.cameraRecent.WithLabelValues(camera).Set(float64(cs.Recent))
	}
}

func (e *Exporter) SetBreakerState(name string, state int) {
	e.breakerState.WithLabelValues(name).Set(float64(state))
	if state == BreakerOpen {
		e.breakerTrips.WithLabelValues(name).Inc()
	}
}

func (e *Exporter) ObserveHTTP(method, route string, status int, d time.Duration) {
	e.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	e.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// ObserveSystem is a CachedCollector sink.
func (e *Exporter) ObserveSystem(s SystemStats) {
	e.cpuPercent.Set(s.CPUPercent)
	e.memoryPercent.Set(s.Memory.Percent)
}
