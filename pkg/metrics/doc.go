// Package metrics exposes Prometheus instrumentation and HTTP health
// endpoints for the backup engine.
//
// Two kinds of instruments live here. Execution counters and histograms
// (BackupsStarted, BackupsCompleted, BackupDuration, ScheduleRuns) are
// incremented inline by the worker pool and scheduler as work happens.
// Fleet gauges (DevicesTotal, TasksTotal, ArtifactBytes, SuccessRate,
// LiveSessions) are refreshed by a Collector that polls the orchestrator
// every 15 seconds.
//
// Usage:
//
//	collector := metrics.NewCollector(mgr, conns)
//	collector.Start()
//	defer collector.Stop()
//
//	http.Handle("/metrics", metrics.Handler())
//	http.HandleFunc("/health", metrics.HealthHandler())
//	http.HandleFunc("/ready", metrics.ReadyHandler())
//
// Components report readiness through RegisterComponent; the /ready
// endpoint stays 503 until store, workers, and scheduler have all
// registered healthy.
//
// The Timer helper measures one operation for histogram observation:
//
//	timer := metrics.NewTimer()
//	// ... perform operation ...
//	timer.ObserveDuration(metrics.BackupDuration)
package metrics
