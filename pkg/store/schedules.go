package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/netsnap/netsnap/pkg/types"
)

type scheduleRow struct {
	ID              int64        `db:"id"`
	Name            string       `db:"name"`
	Description     string       `db:"description"`
	TaskType        string       `db:"task_type"`
	FrequencyType   string       `db:"frequency_type"`
	CronExpression  string       `db:"cron_expression"`
	FrequencyConfig string       `db:"frequency_config"`
	DeviceIDs       string       `db:"device_ids"`
	BackupCommand   string       `db:"backup_command"`
	IsActive        bool         `db:"is_active"`
	CreatedBy       int64        `db:"created_by"`
	CreatedAt       time.Time    `db:"created_at"`
	LastRunAt       sql.NullTime `db:"last_run_at"`
	NextRunAt       sql.NullTime `db:"next_run_at"`
}

func (r *scheduleRow) toScheduledTask() (*types.ScheduledTask, error) {
	st := &types.ScheduledTask{
		ID:             r.ID,
		Name:           r.Name,
		Description:    r.Description,
		TaskType:       types.TaskType(r.TaskType),
		FrequencyType:  types.FrequencyType(r.FrequencyType),
		CronExpression: r.CronExpression,
		BackupCommand:  r.BackupCommand,
		IsActive:       r.IsActive,
		CreatedBy:      r.CreatedBy,
		CreatedAt:      r.CreatedAt,
	}
	if err := json.Unmarshal([]byte(r.FrequencyConfig), &st.Frequency); err != nil {
		return nil, fmt.Errorf("schedule %d frequency config: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(r.DeviceIDs), &st.DeviceIDs); err != nil {
		return nil, fmt.Errorf("schedule %d device ids: %w", r.ID, err)
	}
	if r.LastRunAt.Valid {
		st.LastRunAt = r.LastRunAt.Time
	}
	if r.NextRunAt.Valid {
		st.NextRunAt = r.NextRunAt.Time
	}
	return st, nil
}

func marshalSchedule(st *types.ScheduledTask) (freq, devices string, err error) {
	f, err := json.Marshal(st.Frequency)
	if err != nil {
		return "", "", fmt.Errorf("marshal frequency config: %w", err)
	}
	ids := st.DeviceIDs
	if ids == nil {
		ids = []int64{}
	}
	d, err := json.Marshal(ids)
	if err != nil {
		return "", "", fmt.Errorf("marshal device ids: %w", err)
	}
	return string(f), string(d), nil
}

// CreateScheduledTask inserts a recurring job and fills in its id
func (s *Store) CreateScheduledTask(st *types.ScheduledTask) error {
	freq, devices, err := marshalSchedule(st)
	if err != nil {
		return err
	}
	if st.TaskType == "" {
		st.TaskType = types.TaskTypeScheduled
	}
	st.CreatedAt = time.Now().UTC()

	res, err := s.db.Exec(`
		INSERT INTO scheduled_tasks (name, description, task_type, frequency_type,
			cron_expression, frequency_config, device_ids, backup_command,
			is_active, created_by, created_at, next_run_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.Name, st.Description, string(st.TaskType), string(st.FrequencyType),
		st.CronExpression, freq, devices, st.BackupCommand,
		st.IsActive, st.CreatedBy, st.CreatedAt, nullTime(st.NextRunAt))
	if err != nil {
		return fmt.Errorf("create schedule: %w", err)
	}
	st.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("create schedule: %w", err)
	}
	return nil
}

// GetScheduledTask loads one recurring job by id
func (s *Store) GetScheduledTask(id int64) (*types.ScheduledTask, error) {
	var row scheduleRow
	err := s.db.Get(&row, `SELECT * FROM scheduled_tasks WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: schedule %d", types.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get schedule %d: %w", id, err)
	}
	return row.toScheduledTask()
}

// ListScheduledTasks returns every recurring job ordered by id
func (s *Store) ListScheduledTasks() ([]*types.ScheduledTask, error) {
	var rows []scheduleRow
	if err := s.db.Select(&rows, `SELECT * FROM scheduled_tasks ORDER BY id`); err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	out := make([]*types.ScheduledTask, 0, len(rows))
	for i := range rows {
		st, err := rows[i].toScheduledTask()
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// ListActiveScheduledTasks returns the jobs the scheduler should carry
func (s *Store) ListActiveScheduledTasks() ([]*types.ScheduledTask, error) {
	var rows []scheduleRow
	if err := s.db.Select(&rows, `SELECT * FROM scheduled_tasks WHERE is_active = 1 ORDER BY id`); err != nil {
		return nil, fmt.Errorf("list active schedules: %w", err)
	}
	out := make([]*types.ScheduledTask, 0, len(rows))
	for i := range rows {
		st, err := rows[i].toScheduledTask()
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// UpdateScheduledTask rewrites a recurring job's definition
func (s *Store) UpdateScheduledTask(st *types.ScheduledTask) error {
	freq, devices, err := marshalSchedule(st)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(`
		UPDATE scheduled_tasks SET name = ?, description = ?, task_type = ?,
			frequency_type = ?, cron_expression = ?, frequency_config = ?,
			device_ids = ?, backup_command = ?, is_active = ?, next_run_at = ?
		WHERE id = ?`,
		st.Name, st.Description, string(st.TaskType), string(st.FrequencyType),
		st.CronExpression, freq, devices, st.BackupCommand, st.IsActive,
		nullTime(st.NextRunAt), st.ID)
	if err != nil {
		return fmt.Errorf("update schedule %d: %w", st.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: schedule %d", types.ErrNotFound, st.ID)
	}
	return nil
}

// SetScheduleRunTimes records a fire and the computed next fire time
func (s *Store) SetScheduleRunTimes(id int64, lastRun, nextRun time.Time) error {
	_, err := s.db.Exec(`
		UPDATE scheduled_tasks SET last_run_at = ?, next_run_at = ? WHERE id = ?`,
		nullTime(lastRun), nullTime(nextRun), id)
	if err != nil {
		return fmt.Errorf("set run times for schedule %d: %w", id, err)
	}
	return nil
}

// DeleteScheduledTask removes a recurring job; its executions cascade
func (s *Store) DeleteScheduledTask(id int64) error {
	res, err := s.db.Exec(`DELETE FROM scheduled_tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete schedule %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: schedule %d", types.ErrNotFound, id)
	}
	return nil
}

type executionRow struct {
	ID              int64        `db:"id"`
	ScheduledTaskID int64        `db:"scheduled_task_id"`
	Status          string       `db:"status"`
	StartedAt       sql.NullTime `db:"started_at"`
	CompletedAt     sql.NullTime `db:"completed_at"`
	ResultSummary   string       `db:"result_summary"`
	ErrorMessage    string       `db:"error_message"`
	ExecutionLog    string       `db:"execution_log"`
}

func (r *executionRow) toExecution() *types.TaskExecution {
	e := &types.TaskExecution{
		ID:              r.ID,
		ScheduledTaskID: r.ScheduledTaskID,
		Status:          types.ExecutionStatus(r.Status),
		ResultSummary:   r.ResultSummary,
		ErrorMessage:    r.ErrorMessage,
		ExecutionLog:    r.ExecutionLog,
	}
	if r.StartedAt.Valid {
		e.StartedAt = r.StartedAt.Time
	}
	if r.CompletedAt.Valid {
		e.CompletedAt = r.CompletedAt.Time
	}
	return e
}

// OpenExecution inserts a running execution row for a schedule fire
func (s *Store) OpenExecution(scheduleID int64) (*types.TaskExecution, error) {
	startedAt := time.Now().UTC()
	res, err := s.db.Exec(`
		INSERT INTO task_executions (scheduled_task_id, status, started_at)
		VALUES (?, 'running', ?)`,
		scheduleID, startedAt)
	if err != nil {
		return nil, fmt.Errorf("open execution for schedule %d: %w", scheduleID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("open execution for schedule %d: %w", scheduleID, err)
	}
	return &types.TaskExecution{
		ID:              id,
		ScheduledTaskID: scheduleID,
		Status:          types.ExecutionRunning,
		StartedAt:       startedAt,
	}, nil
}

// CloseExecution finalizes an execution row with its aggregate outcome
func (s *Store) CloseExecution(id int64, status types.ExecutionStatus, summary, errMsg, execLog string) error {
	res, err := s.db.Exec(`
		UPDATE task_executions SET status = ?, completed_at = ?, result_summary = ?,
			error_message = ?, execution_log = ?
		WHERE id = ?`,
		string(status), time.Now().UTC(), summary, errMsg, execLog, id)
	if err != nil {
		return fmt.Errorf("close execution %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: execution %d", types.ErrNotFound, id)
	}
	return nil
}

// ExecutionsForSchedule returns a schedule's run history, newest first
func (s *Store) ExecutionsForSchedule(scheduleID int64, limit int) ([]*types.TaskExecution, error) {
	if limit <= 0 {
		limit = 20
	}
	var rows []executionRow
	err := s.db.Select(&rows, `
		SELECT * FROM task_executions WHERE scheduled_task_id = ?
		ORDER BY id DESC LIMIT ?`,
		scheduleID, limit)
	if err != nil {
		return nil, fmt.Errorf("executions for schedule %d: %w", scheduleID, err)
	}
	out := make([]*types.TaskExecution, len(rows))
	for i := range rows {
		out[i] = rows[i].toExecution()
	}
	return out, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t.UTC(), Valid: !t.IsZero()}
}
