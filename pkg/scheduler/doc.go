/*
Package scheduler fires recurring backup jobs from five-field cron
expressions (minute hour day month weekday).

Expressions accept *, integer lists, and simple a-b ranges per field;
step values are rejected. Structured frequency configs (daily, weekly,
monthly, custom) derive their authoritative cron string through
CronFromFrequency, and NextFireTime evaluates expressions in the
configured timezone (Asia/Shanghai unless overridden).

Triggers live in the scheduler's own Bolt database so fire times survive
restarts: a stored fire still in the future is kept, one missed by no
more than the 300 second grace window fires immediately on load, and
anything older rolls forward to the next computed time. The same grace
window governs live operation, and late fires coalesce into a single
run. Each job runs at most one instance at a time; a fire that arrives
while the previous run is still draining is skipped.

A fire opens a TaskExecution row, submits one backup task per target
device through the batch runner, polls the children to completion, and
closes the execution with a "success N, failed M" summary plus
per-device notes.
*/
package scheduler
