package manager

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/netsnap/netsnap/pkg/artifact"
	"github.com/netsnap/netsnap/pkg/connpool"
	"github.com/netsnap/netsnap/pkg/device"
	"github.com/netsnap/netsnap/pkg/log"
	"github.com/netsnap/netsnap/pkg/store"
	"github.com/netsnap/netsnap/pkg/types"
	"github.com/netsnap/netsnap/pkg/vault"
	"github.com/netsnap/netsnap/pkg/worker"
)

// Manager is the orchestrator facade the HTTP layer and CLI consume. It
// owns credential encryption on the way in and fans backup work out
// through the worker pool.
type Manager struct {
	store     *store.Store
	vault     *vault.Vault
	workers   *worker.Pool
	conns     *connpool.Pool
	artifacts *artifact.Store
	dialer    device.Dialer
}

// Config wires the manager's collaborators
type Config struct {
	Store     *store.Store
	Vault     *vault.Vault
	Workers   *worker.Pool
	Conns     *connpool.Pool
	Artifacts *artifact.Store
	Dialer    device.Dialer
}

// New creates the orchestrator facade
func New(cfg Config) *Manager {
	return &Manager{
		store:     cfg.Store,
		vault:     cfg.Vault,
		workers:   cfg.Workers,
		conns:     cfg.Conns,
		artifacts: cfg.Artifacts,
		dialer:    cfg.Dialer,
	}
}

// Stop shuts the execution layers down: first the worker pool drains,
// then every cached device session closes
func (m *Manager) Stop() {
	m.workers.Stop()
	m.conns.Shutdown()
}

// CreateDevice validates and registers a device. Password fields arrive
// in clear and are encrypted before the row is written.
func (m *Manager) CreateDevice(dev *types.Device) error {
	if err := validateDevice(dev); err != nil {
		return err
	}
	if err := m.sealCredentials(dev); err != nil {
		return err
	}
	return m.store.CreateDevice(dev)
}

// UpdateDevice rewrites a device. Password fields are encrypted when
// non-empty; empty fields keep the stored ciphertext.
func (m *Manager) UpdateDevice(dev *types.Device) error {
	if err := validateDevice(dev); err != nil {
		return err
	}

	current, err := m.store.GetDevice(dev.ID)
	if err != nil {
		return err
	}
	if dev.Password == "" {
		dev.Password = current.Password
	} else {
		sealed, err := m.vault.Encrypt(dev.Password)
		if err != nil {
			return err
		}
		dev.Password = sealed
	}
	if dev.EnablePassword == "" {
		dev.EnablePassword = current.EnablePassword
	} else {
		sealed, err := m.vault.Encrypt(dev.EnablePassword)
		if err != nil {
			return err
		}
		dev.EnablePassword = sealed
	}
	return m.store.UpdateDevice(dev)
}

// GetDevice loads one device
func (m *Manager) GetDevice(id int64) (*types.Device, error) {
	return m.store.GetDevice(id)
}

// ListDevices returns every registered device
func (m *Manager) ListDevices() ([]*types.Device, error) {
	return m.store.ListDevices()
}

// DeleteDevice removes a device; refused while tasks reference it
func (m *Manager) DeleteDevice(id int64) error {
	return m.store.DeleteDevice(id)
}

// TestConnection opens a fresh session to the device outside the
// connection pool, runs a check command, and closes it. Verifies
// reachability, credentials, and that the device answers.
func (m *Manager) TestConnection(deviceID int64) error {
	dev, err := m.store.GetDevice(deviceID)
	if err != nil {
		return err
	}
	creds, err := m.openCredentials(dev)
	if err != nil {
		return err
	}
	sess, err := m.dialer.Open(dev, creds)
	if err != nil {
		return err
	}
	defer sess.Close()
	if _, err := sess.Execute("show version"); err != nil {
		return err
	}
	return nil
}

// BackupSingle submits one backup task for a device and returns its id.
// With testFirst set, connectivity is verified before any row is written.
func (m *Manager) BackupSingle(deviceID, submitterID int64, command string, testFirst bool) (int64, error) {
	dev, err := m.store.GetDevice(deviceID)
	if err != nil {
		return 0, err
	}
	if !dev.IsActive {
		return 0, fmt.Errorf("device %d is inactive", deviceID)
	}
	if testFirst {
		if err := m.TestConnection(deviceID); err != nil {
			return 0, fmt.Errorf("connection test failed: %w", err)
		}
	}

	task := &types.BackupTask{
		DeviceID:    deviceID,
		SubmitterID: submitterID,
		TaskType:    types.TaskTypeManual,
		Command:     effectiveCommand(dev, command),
	}
	if err := m.store.InsertTask(task); err != nil {
		return 0, err
	}
	if err := m.workers.Submit(task.ID); err != nil {
		return 0, err
	}
	return task.ID, nil
}

// BackupBatch inserts one pending task per active device and submits each
// to the worker pool. The call returns the task ids immediately; progress
// is discoverable via TaskStatus.
func (m *Manager) BackupBatch(deviceIDs []int64, submitterID int64, command string) ([]int64, error) {
	return m.submitBatch(deviceIDs, submitterID, command, types.TaskTypeBatch)
}

// BackupImmediate runs a schedule's device set right now, outside its
// cron trigger
func (m *Manager) BackupImmediate(deviceIDs []int64, command string) ([]int64, error) {
	return m.submitBatch(deviceIDs, 0, command, types.TaskTypeImmediate)
}

// SubmitScheduledBatch is the scheduler's entry point; the spawned tasks
// carry the scheduled task type
func (m *Manager) SubmitScheduledBatch(deviceIDs []int64, command string) ([]int64, error) {
	return m.submitBatch(deviceIDs, 0, command, types.TaskTypeScheduled)
}

func (m *Manager) submitBatch(deviceIDs []int64, submitterID int64, command string, taskType types.TaskType) ([]int64, error) {
	batchID := uuid.NewString()
	taskIDs := make([]int64, 0, len(deviceIDs))
	for _, deviceID := range deviceIDs {
		dev, err := m.store.GetDevice(deviceID)
		if err != nil {
			log.WithDeviceID(deviceID).Warn().Err(err).Msg("batch member skipped")
			continue
		}
		if !dev.IsActive {
			continue
		}

		task := &types.BackupTask{
			DeviceID:    deviceID,
			SubmitterID: submitterID,
			TaskType:    taskType,
			Command:     effectiveCommand(dev, command),
		}
		if err := m.store.InsertTask(task); err != nil {
			return taskIDs, err
		}
		if err := m.workers.Submit(task.ID); err != nil {
			return taskIDs, err
		}
		m.store.AppendLog(task.ID, types.LogLevelInfo, fmt.Sprintf("queued in batch %s", batchID))
		taskIDs = append(taskIDs, task.ID)
	}
	log.WithComponent("manager").Info().
		Str("batch_id", batchID).
		Str("task_type", string(taskType)).
		Int("tasks", len(taskIDs)).
		Msg("batch submitted")
	return taskIDs, nil
}

// TaskStatus bundles a task with its most recent log rows
type TaskStatus struct {
	Task *types.BackupTask
	Logs []*types.BackupLog
}

// Status reports a task's state, timings, and recent logs
func (m *Manager) Status(taskID int64) (*TaskStatus, error) {
	task, err := m.store.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	logs, err := m.store.LogsForTask(taskID, 20)
	if err != nil {
		return nil, err
	}
	return &TaskStatus{Task: task, Logs: logs}, nil
}

// RecentTasks returns the most recently created tasks
func (m *Manager) RecentTasks(limit int) ([]*types.BackupTask, error) {
	return m.store.RecentTasks(limit)
}

// TasksForDevice returns a device's full task history, newest first
func (m *Manager) TasksForDevice(deviceID int64) ([]*types.BackupTask, error) {
	return m.store.TasksForDevice(deviceID)
}

// History returns one page of global task history plus the total count
func (m *Manager) History(page, perPage int) ([]*types.BackupTask, int64, error) {
	return m.store.History(page, perPage)
}

// Statistics aggregates fleet-wide task counts and artifact volume
func (m *Manager) Statistics() (*types.Statistics, error) {
	return m.store.Statistics()
}

// DownloadArtifact resolves a task's artifact path and the filename to
// offer the operator: <alias_or_ip>_<yyyymmdd_HHMMSS>_backup.txt
func (m *Manager) DownloadArtifact(taskID int64) (path, filename string, err error) {
	task, err := m.store.GetTask(taskID)
	if err != nil {
		return "", "", err
	}
	if task.Status != types.TaskStatusSuccess || task.ArtifactPath == "" {
		return "", "", fmt.Errorf("%w: task %d has no artifact", types.ErrNotFound, taskID)
	}
	dev, err := m.store.GetDevice(task.DeviceID)
	if err != nil {
		return "", "", err
	}

	ts := task.StartedAt
	if ts.IsZero() {
		ts = task.CreatedAt
	}
	name := fmt.Sprintf("%s_%s_backup.txt", dev.Slug(), ts.Format("20060102_150405"))
	return task.ArtifactPath, name, nil
}

// DeleteTask unlinks the task's artifact and diff, then removes the row
// and its cascaded logs
func (m *Manager) DeleteTask(taskID int64) error {
	task, err := m.store.GetTask(taskID)
	if err != nil {
		return err
	}
	if err := m.artifacts.Delete(task); err != nil {
		return err
	}
	return m.store.DeleteTask(taskID)
}

// CompareTasks diffs the artifacts of two tasks, a as the old side
func (m *Manager) CompareTasks(a, b int64, opts artifact.CompareOptions) (*artifact.DiffReport, error) {
	pathA, err := m.artifactPath(a)
	if err != nil {
		return nil, err
	}
	pathB, err := m.artifactPath(b)
	if err != nil {
		return nil, err
	}
	return m.artifacts.Compare(pathA, pathB, opts)
}

// CompareLatestTwo diffs a device's two most recent successful captures
func (m *Manager) CompareLatestTwo(deviceID int64, opts artifact.CompareOptions) (*artifact.DiffReport, error) {
	older, newer, err := m.latestTwo(deviceID)
	if err != nil {
		return nil, err
	}
	return m.artifacts.Compare(older.ArtifactPath, newer.ArtifactPath, opts)
}

// CompareLatestTwoQuick reports only the line-count delta between a
// device's two most recent successful captures
func (m *Manager) CompareLatestTwoQuick(deviceID int64) (*artifact.QuickResult, error) {
	older, newer, err := m.latestTwo(deviceID)
	if err != nil {
		return nil, err
	}
	return m.artifacts.QuickCompare(older.ArtifactPath, newer.ArtifactPath)
}

func (m *Manager) latestTwo(deviceID int64) (older, newer *types.BackupTask, err error) {
	tasks, err := m.store.TasksForDevice(deviceID)
	if err != nil {
		return nil, nil, err
	}
	var captures []*types.BackupTask
	for _, t := range tasks {
		if t.Status == types.TaskStatusSuccess && t.ArtifactPath != "" {
			captures = append(captures, t)
			if len(captures) == 2 {
				break
			}
		}
	}
	if len(captures) < 2 {
		return nil, nil, fmt.Errorf("%w: device %d has fewer than two successful captures", types.ErrNotFound, deviceID)
	}
	// TasksForDevice is newest-first
	return captures[1], captures[0], nil
}

func (m *Manager) artifactPath(taskID int64) (string, error) {
	task, err := m.store.GetTask(taskID)
	if err != nil {
		return "", err
	}
	if task.ArtifactPath == "" {
		return "", fmt.Errorf("%w: task %d has no artifact", types.ErrNotFound, taskID)
	}
	return task.ArtifactPath, nil
}

// sealCredentials encrypts the clear password fields in place
func (m *Manager) sealCredentials(dev *types.Device) error {
	sealed, err := m.vault.Encrypt(dev.Password)
	if err != nil {
		return err
	}
	dev.Password = sealed
	if dev.EnablePassword != "" {
		sealed, err := m.vault.Encrypt(dev.EnablePassword)
		if err != nil {
			return err
		}
		dev.EnablePassword = sealed
	}
	return nil
}

func (m *Manager) openCredentials(dev *types.Device) (device.Credentials, error) {
	password, err := m.vault.Decrypt(dev.Password)
	if err != nil {
		return device.Credentials{}, err
	}
	creds := device.Credentials{Password: password}
	if dev.EnablePassword != "" {
		enable, err := m.vault.Decrypt(dev.EnablePassword)
		if err != nil {
			return device.Credentials{}, err
		}
		creds.EnablePassword = enable
	}
	return creds, nil
}

func validateDevice(dev *types.Device) error {
	if strings.TrimSpace(dev.IPAddress) == "" {
		return errors.New("ip address is required")
	}
	if dev.Protocol != types.ProtocolSSH && dev.Protocol != types.ProtocolTelnet {
		return fmt.Errorf("unknown protocol %q", dev.Protocol)
	}
	if !device.SupportedType(dev.DeviceType) {
		return fmt.Errorf("unknown device type %q", dev.DeviceType)
	}
	if dev.Username == "" {
		return errors.New("username is required")
	}
	return nil
}

func effectiveCommand(dev *types.Device, command string) string {
	if command != "" {
		return command
	}
	if dev.BackupCommand != "" {
		return dev.BackupCommand
	}
	return "show running-config"
}
