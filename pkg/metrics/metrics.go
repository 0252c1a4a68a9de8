package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Fleet metrics
	DevicesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "netsnap_devices_total",
			Help: "Number of registered devices by activation state",
		},
		[]string{"state"},
	)

	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "netsnap_tasks_total",
			Help: "Number of backup tasks by status",
		},
		[]string{"status"},
	)

	ArtifactBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "netsnap_artifact_bytes_total",
			Help: "Total bytes of stored configuration artifacts",
		},
	)

	SuccessRate = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "netsnap_backup_success_rate",
			Help: "Percentage of finished tasks that succeeded",
		},
	)

	LiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "netsnap_live_sessions",
			Help: "Open device sessions held by the connection pool",
		},
	)

	// Execution metrics
	BackupsStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "netsnap_backups_started_total",
			Help: "Total backup executions claimed by the worker pool",
		},
	)

	BackupsCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netsnap_backups_completed_total",
			Help: "Total finished backup executions by terminal status",
		},
		[]string{"status"},
	)

	BackupDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "netsnap_backup_duration_seconds",
			Help:    "Backup execution time from claim to finalize in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Scheduler metrics
	ScheduleRuns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "netsnap_schedule_runs_total",
			Help: "Total scheduled batch executions started",
		},
	)

	ScheduleMisfires = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "netsnap_schedule_misfires_total",
			Help: "Scheduled fires skipped because they were past the misfire grace",
		},
	)
)

func init() {
	prometheus.MustRegister(DevicesTotal)
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(ArtifactBytes)
	prometheus.MustRegister(SuccessRate)
	prometheus.MustRegister(LiveSessions)
	prometheus.MustRegister(BackupsStarted)
	prometheus.MustRegister(BackupsCompleted)
	prometheus.MustRegister(BackupDuration)
	prometheus.MustRegister(ScheduleRuns)
	prometheus.MustRegister(ScheduleMisfires)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures a duration for histogram observation
type Timer struct {
	start time.Time
}

// NewTimer starts a timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed seconds into a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(t.Duration().Seconds())
}

// ObserveDurationVec records the elapsed seconds into a labeled histogram
func (t *Timer) ObserveDurationVec(vec *prometheus.HistogramVec, labels ...string) {
	vec.WithLabelValues(labels...).Observe(t.Duration().Seconds())
}
