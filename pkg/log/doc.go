/*
Package log provides structured logging for netsnap using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper functions
for common logging patterns. All logs include timestamps and support filtering
by severity level.

# Usage

Initialize once at startup:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
	})

Component loggers:

	logger := log.WithComponent("worker")
	logger.Info().Int64("task_id", id).Msg("starting backup")

Task- and device-scoped loggers:

	log.WithTaskID(task.ID).Error().Err(err).Msg("backup failed")
	log.WithDeviceID(dev.ID).Debug().Msg("session reused")

The structured per-task trail persisted in the task store is a separate
concern (see pkg/store AppendLog); this package covers process logs only.
*/
package log
