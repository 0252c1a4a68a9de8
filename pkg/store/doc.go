/*
Package store provides the durable record of devices, backup tasks, task
logs, recurring schedules, and schedule executions, backed by a single
SQLite file.

The schema is applied on Open and is idempotent. Every mutation is its
own transaction; the engine never needs multi-task transactions. The
connection pool is pinned to one open connection so SQLite's single-writer
model never surfaces SQLITE_BUSY to callers, and WAL mode keeps readers
off the writer's back.

Task Lifecycle

Backup tasks move through a monotone state machine:

	pending -> running -> success | failed | cancelled

InsertTask creates the pending row. Claim performs the atomic
pending->running transition and stamps started_at; when another worker
already holds the task the caller sees types.ErrBusy and walks away.
Finalize closes a running task with its terminal status, recording the
artifact pointer, size, and SHA-256 only on success. Log rows appended
during execution cascade away with the parent task.

Schedules

Recurring jobs persist both the authoritative cron expression and the
structured operator intent (frequency_config, JSON) that produced it, so
the UI can round-trip the form the operator filled in. Each fire opens a
task_executions row and closes it with an aggregate "success N, failed M"
summary.

Errors wrap the sentinel values in pkg/types; callers match with
errors.Is.
*/
package store
