package store

import (
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/netsnap/netsnap/pkg/types"
)

type taskRow struct {
	ID             int64        `db:"id"`
	DeviceID       int64        `db:"device_id"`
	SubmitterID    int64        `db:"submitter_id"`
	TaskType       string       `db:"task_type"`
	Status         string       `db:"status"`
	Command        string       `db:"command"`
	ArtifactPath   string       `db:"artifact_path"`
	ArtifactSize   int64        `db:"artifact_size"`
	ArtifactSHA256 string       `db:"artifact_sha256"`
	StartedAt      sql.NullTime `db:"started_at"`
	CompletedAt    sql.NullTime `db:"completed_at"`
	CreatedAt      time.Time    `db:"created_at"`
	ErrorMessage   string       `db:"error_message"`
	RetryCount     int          `db:"retry_count"`
	MaxRetries     int          `db:"max_retries"`
}

func (r *taskRow) toTask() *types.BackupTask {
	t := &types.BackupTask{
		ID:             r.ID,
		DeviceID:       r.DeviceID,
		SubmitterID:    r.SubmitterID,
		TaskType:       types.TaskType(r.TaskType),
		Status:         types.TaskStatus(r.Status),
		Command:        r.Command,
		ArtifactPath:   r.ArtifactPath,
		ArtifactSize:   r.ArtifactSize,
		ArtifactSHA256: r.ArtifactSHA256,
		CreatedAt:      r.CreatedAt,
		ErrorMessage:   r.ErrorMessage,
		RetryCount:     r.RetryCount,
		MaxRetries:     r.MaxRetries,
	}
	if r.StartedAt.Valid {
		t.StartedAt = r.StartedAt.Time
	}
	if r.CompletedAt.Valid {
		t.CompletedAt = r.CompletedAt.Time
	}
	return t
}

func rowsToTasks(rows []taskRow) []*types.BackupTask {
	tasks := make([]*types.BackupTask, len(rows))
	for i := range rows {
		tasks[i] = rows[i].toTask()
	}
	return tasks
}

// InsertTask creates a pending backup task and fills in its id
func (s *Store) InsertTask(t *types.BackupTask) error {
	if t.MaxRetries == 0 {
		t.MaxRetries = 3
	}
	t.Status = types.TaskStatusPending
	t.CreatedAt = time.Now().UTC()

	res, err := s.db.Exec(`
		INSERT INTO backup_tasks (device_id, submitter_id, task_type, status,
			command, created_at, retry_count, max_retries)
		VALUES (?, ?, ?, 'pending', ?, ?, ?, ?)`,
		t.DeviceID, t.SubmitterID, string(t.TaskType), t.Command, t.CreatedAt,
		t.RetryCount, t.MaxRetries)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	t.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetTask loads a single task by id
func (s *Store) GetTask(id int64) (*types.BackupTask, error) {
	var row taskRow
	err := s.db.Get(&row, `SELECT * FROM backup_tasks WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: task %d", types.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get task %d: %w", id, err)
	}
	return row.toTask(), nil
}

// Claim atomically transitions a pending task to running and stamps
// started_at. A task another worker already claimed yields types.ErrBusy;
// an unknown id yields types.ErrNotFound.
func (s *Store) Claim(id int64) (time.Time, error) {
	startedAt := time.Now().UTC()
	res, err := s.db.Exec(`
		UPDATE backup_tasks SET status = 'running', started_at = ?
		WHERE id = ? AND status = 'pending'`,
		startedAt, id)
	if err != nil {
		return time.Time{}, fmt.Errorf("claim task %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return time.Time{}, fmt.Errorf("claim task %d: %w", id, err)
	}
	if n == 1 {
		return startedAt, nil
	}

	var exists int
	if err := s.db.Get(&exists, `SELECT COUNT(*) FROM backup_tasks WHERE id = ?`, id); err != nil {
		return time.Time{}, fmt.Errorf("claim task %d: %w", id, err)
	}
	if exists == 0 {
		return time.Time{}, fmt.Errorf("%w: task %d", types.ErrNotFound, id)
	}
	return time.Time{}, fmt.Errorf("%w: task %d already claimed", types.ErrBusy, id)
}

// FinalizeResult carries the terminal fields of a finished task
type FinalizeResult struct {
	Status       types.TaskStatus
	ArtifactPath string
	ArtifactSize int64
	SHA256       string
	ErrorMessage string
}

// Finalize transitions a running task to its terminal status and stamps
// completed_at. Artifact fields are recorded only on success.
func (s *Store) Finalize(id int64, r FinalizeResult) error {
	if !r.Status.Terminal() {
		return fmt.Errorf("finalize task %d: %s is not terminal", id, r.Status)
	}
	if r.Status != types.TaskStatusSuccess {
		r.ArtifactPath, r.ArtifactSize, r.SHA256 = "", 0, ""
	}

	res, err := s.db.Exec(`
		UPDATE backup_tasks SET status = ?, artifact_path = ?, artifact_size = ?,
			artifact_sha256 = ?, error_message = ?, completed_at = ?
		WHERE id = ? AND status = 'running'`,
		string(r.Status), r.ArtifactPath, r.ArtifactSize, r.SHA256, r.ErrorMessage,
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("finalize task %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: task %d not running", types.ErrNotFound, id)
	}
	return nil
}

// AppendLog adds a structured log row to a task
func (s *Store) AppendLog(taskID int64, level types.LogLevel, message string) error {
	_, err := s.db.Exec(`
		INSERT INTO backup_logs (task_id, level, message, timestamp) VALUES (?, ?, ?, ?)`,
		taskID, string(level), message, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("append log for task %d: %w", taskID, err)
	}
	return nil
}

// LogsForTask returns the most recent limit log rows, newest first
func (s *Store) LogsForTask(taskID int64, limit int) ([]*types.BackupLog, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []struct {
		ID        int64     `db:"id"`
		TaskID    int64     `db:"task_id"`
		Level     string    `db:"level"`
		Message   string    `db:"message"`
		Timestamp time.Time `db:"timestamp"`
	}
	err := s.db.Select(&rows, `
		SELECT * FROM backup_logs WHERE task_id = ? ORDER BY id DESC LIMIT ?`,
		taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("logs for task %d: %w", taskID, err)
	}
	logs := make([]*types.BackupLog, len(rows))
	for i, r := range rows {
		logs[i] = &types.BackupLog{
			ID: r.ID, TaskID: r.TaskID, Level: types.LogLevel(r.Level),
			Message: r.Message, Timestamp: r.Timestamp,
		}
	}
	return logs, nil
}

// TasksForDevice returns every task of a device, newest first
func (s *Store) TasksForDevice(deviceID int64) ([]*types.BackupTask, error) {
	var rows []taskRow
	err := s.db.Select(&rows, `
		SELECT * FROM backup_tasks WHERE device_id = ? ORDER BY created_at DESC, id DESC`,
		deviceID)
	if err != nil {
		return nil, fmt.Errorf("tasks for device %d: %w", deviceID, err)
	}
	return rowsToTasks(rows), nil
}

// RecentTasks returns the most recently created tasks
func (s *Store) RecentTasks(limit int) ([]*types.BackupTask, error) {
	if limit <= 0 {
		limit = 10
	}
	var rows []taskRow
	err := s.db.Select(&rows, `
		SELECT * FROM backup_tasks ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent tasks: %w", err)
	}
	return rowsToTasks(rows), nil
}

// History returns one page of task history, newest first, plus the total
// row count for pagination
func (s *Store) History(page, perPage int) ([]*types.BackupTask, int64, error) {
	if page < 1 {
		page = 1
	}
	if perPage <= 0 {
		perPage = 20
	}

	var total int64
	if err := s.db.Get(&total, `SELECT COUNT(*) FROM backup_tasks`); err != nil {
		return nil, 0, fmt.Errorf("task history: %w", err)
	}

	var rows []taskRow
	err := s.db.Select(&rows, `
		SELECT * FROM backup_tasks ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		perPage, (page-1)*perPage)
	if err != nil {
		return nil, 0, fmt.Errorf("task history: %w", err)
	}
	return rowsToTasks(rows), total, nil
}

// RunningTasks counts tasks currently in the running state
func (s *Store) RunningTasks() (int64, error) {
	var n int64
	if err := s.db.Get(&n, `SELECT COUNT(*) FROM backup_tasks WHERE status = 'running'`); err != nil {
		return 0, fmt.Errorf("running tasks: %w", err)
	}
	return n, nil
}

// Statistics aggregates task counts and stored artifact volume
func (s *Store) Statistics() (*types.Statistics, error) {
	var row struct {
		Total      int64 `db:"total"`
		Success    int64 `db:"success"`
		Failed     int64 `db:"failed"`
		Running    int64 `db:"running"`
		TotalBytes int64 `db:"total_bytes"`
	}
	err := s.db.Get(&row, `
		SELECT COUNT(*) AS total,
			COALESCE(SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END), 0) AS success,
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0) AS failed,
			COALESCE(SUM(CASE WHEN status = 'running' THEN 1 ELSE 0 END), 0) AS running,
			COALESCE(SUM(CASE WHEN status = 'success' THEN artifact_size ELSE 0 END), 0) AS total_bytes
		FROM backup_tasks`)
	if err != nil {
		return nil, fmt.Errorf("statistics: %w", err)
	}

	stats := &types.Statistics{
		TotalTasks:   row.Total,
		SuccessTasks: row.Success,
		FailedTasks:  row.Failed,
		RunningTasks: row.Running,
		TotalBytes:   row.TotalBytes,
	}
	if row.Total > 0 {
		stats.SuccessRate = math.Round(float64(row.Success)/float64(row.Total)*10000) / 100
	}
	return stats, nil
}

// PriorSuccessfulTask finds the most recent successful capture of a device
// before the task being finalized, for diff generation
func (s *Store) PriorSuccessfulTask(deviceID, excludeTaskID int64) (*types.BackupTask, error) {
	var row taskRow
	err := s.db.Get(&row, `
		SELECT * FROM backup_tasks
		WHERE device_id = ? AND id != ? AND status = 'success' AND artifact_path != ''
		ORDER BY completed_at DESC, id DESC LIMIT 1`,
		deviceID, excludeTaskID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no prior capture for device %d", types.ErrNotFound, deviceID)
	}
	if err != nil {
		return nil, fmt.Errorf("prior task for device %d: %w", deviceID, err)
	}
	return row.toTask(), nil
}

// DeleteTask removes a task row; its log rows cascade
func (s *Store) DeleteTask(id int64) error {
	res, err := s.db.Exec(`DELETE FROM backup_tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: task %d", types.ErrNotFound, id)
	}
	return nil
}
