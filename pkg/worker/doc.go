/*
Package worker provides the bounded-parallelism executor that drains
submitted backup tasks.

A fixed set of workers (default 10, MAX_CONCURRENT_BACKUPS) consumes a
shared queue. Each task runs the same pipeline: claim the row in the task
store, acquire a device session from the connection pool, issue the
capture command, persist the output through the artifact store, and
finalize the row with the outcome. Failures at any step finalize the task
as failed with the step's error; a transport failure additionally
disposes the session so a broken connection is never reused.

Two concurrency bounds apply independently. The worker count caps how
many tasks execute fleet-wide; a per-device gate held from claim through
finalize guarantees two tasks against the same device never interleave,
no matter how many workers are free. The connection pool enforces its own
live-session ceiling underneath.

A claim that returns Busy means another worker already owns the task;
the pipeline aborts without touching the row. Diff generation against the
prior successful capture is fire-and-forget after a success; Stop waits
for in-flight tasks and pending diffs before returning.
*/
package worker
