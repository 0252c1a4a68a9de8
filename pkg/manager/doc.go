// Package manager is the orchestration facade over the backup engine.
//
// It composes the task store, credential vault, connection pool, worker
// pool, and artifact store behind one surface: the CLI and any transport
// layer talk to a Manager, never to the components directly.
//
// Responsibilities split three ways:
//
//   - Device lifecycle: CRUD with validation, with clear-text passwords
//     sealed by the vault before any row is written. Stored ciphertext is
//     never returned to callers in decrypted form; decryption happens only
//     on the way to a device session.
//
//   - Submission: BackupSingle and BackupBatch insert pending task rows
//     and hand the ids to the worker pool, returning immediately. The
//     scheduler reuses the same path through SubmitScheduledBatch, which
//     tags the spawned tasks as scheduled. Batch members that are missing
//     or inactive are skipped, not fatal.
//
//   - Inspection: task status with recent logs, per-device and global
//     history, fleet statistics, artifact download resolution, and
//     configuration comparison between any two captures or a device's
//     latest pair.
//
// Stop tears execution down in dependency order: the worker pool drains
// before the connection pool closes its cached sessions.
package manager
