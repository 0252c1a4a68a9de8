/*
Package types defines the core data structures used throughout netsnap.

This package contains the domain model of the backup engine: devices,
backup tasks and their logs, scheduled tasks and their execution records,
plus the error kinds every component reports.

# Core Types

  - Device: a network element reachable over SSH or Telnet, with encrypted
    credentials and a default capture command
  - BackupTask: one capture attempt; carries status, timings, artifact
    pointer (path, size, SHA-256), error message and retry counters
  - BackupLog: append-only structured log row owned by a task
  - ScheduledTask: recurring job described by a five-field cron expression
    derived from a FrequencyConfig
  - TaskExecution: aggregated per-fire run record of a ScheduledTask

# State Machine

BackupTask statuses form a monotone DAG:

	pending → running → success
	               ↘  → failed
	               ↘  → cancelled

No status ever regresses. Artifact fields are populated exactly when the
task reaches success.

# Error Kinds

Engine failures are classified by the sentinel errors in this package
(ErrAuth, ErrTimeout, ErrTransport, ErrUnreachable, ErrCredentialDecrypt,
ErrStorage, ErrSchedule, ErrBusy, ErrNotFound, ErrDuplicateAddress).
Components wrap them with fmt.Errorf("...: %w", err); callers classify
with errors.Is.

# Integration Points

  - pkg/store persists Device, BackupTask, BackupLog, ScheduledTask and
    TaskExecution rows
  - pkg/worker drives the BackupTask state machine
  - pkg/scheduler derives cron expressions from FrequencyConfig
  - pkg/artifact names capture files from Device.Slug and task timings
*/
package types
