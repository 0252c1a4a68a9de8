package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/netsnap/netsnap/pkg/types"
)

type deviceRow struct {
	ID               int64        `db:"id"`
	Alias            string       `db:"alias"`
	Hostname         string       `db:"hostname"`
	IPAddress        string       `db:"ip_address"`
	Port             int          `db:"port"`
	Protocol         string       `db:"protocol"`
	Username         string       `db:"username"`
	Password         string       `db:"password"`
	EnablePassword   string       `db:"enable_password"`
	DeviceType       string       `db:"device_type"`
	BackupCommand    string       `db:"backup_command"`
	IsActive         bool         `db:"is_active"`
	CreatedAt        time.Time    `db:"created_at"`
	UpdatedAt        time.Time    `db:"updated_at"`
	LastBackupAt     sql.NullTime `db:"last_backup_at"`
	LastBackupStatus string       `db:"last_backup_status"`
}

func (r *deviceRow) toDevice() *types.Device {
	d := &types.Device{
		ID:               r.ID,
		Alias:            r.Alias,
		Hostname:         r.Hostname,
		IPAddress:        r.IPAddress,
		Port:             r.Port,
		Protocol:         types.Protocol(r.Protocol),
		Username:         r.Username,
		Password:         r.Password,
		EnablePassword:   r.EnablePassword,
		DeviceType:       r.DeviceType,
		BackupCommand:    r.BackupCommand,
		IsActive:         r.IsActive,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
		LastBackupStatus: r.LastBackupStatus,
	}
	if r.LastBackupAt.Valid {
		d.LastBackupAt = r.LastBackupAt.Time
	}
	return d
}

// CreateDevice inserts a device and fills in its assigned id. A second
// device with the same ip_address fails with types.ErrDuplicateAddress.
func (s *Store) CreateDevice(d *types.Device) error {
	if d.Port == 0 {
		d.Port = 22
	}
	if d.BackupCommand == "" {
		d.BackupCommand = "show running-config"
	}
	now := time.Now().UTC()
	d.CreatedAt = now
	d.UpdatedAt = now

	res, err := s.db.Exec(`
		INSERT INTO devices (alias, hostname, ip_address, port, protocol, username,
			password, enable_password, device_type, backup_command, is_active,
			created_at, updated_at, last_backup_status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '')`,
		d.Alias, d.Hostname, d.IPAddress, d.Port, string(d.Protocol), d.Username,
		d.Password, d.EnablePassword, d.DeviceType, d.BackupCommand, d.IsActive,
		d.CreatedAt, d.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", types.ErrDuplicateAddress, d.IPAddress)
		}
		return fmt.Errorf("create device: %w", err)
	}
	d.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("create device: %w", err)
	}
	return nil
}

// GetDevice loads a device by id
func (s *Store) GetDevice(id int64) (*types.Device, error) {
	var row deviceRow
	err := s.db.Get(&row, `SELECT * FROM devices WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: device %d", types.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get device %d: %w", id, err)
	}
	return row.toDevice(), nil
}

// ListDevices returns every device, active or not, ordered by id
func (s *Store) ListDevices() ([]*types.Device, error) {
	var rows []deviceRow
	if err := s.db.Select(&rows, `SELECT * FROM devices ORDER BY id`); err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	devices := make([]*types.Device, len(rows))
	for i := range rows {
		devices[i] = rows[i].toDevice()
	}
	return devices, nil
}

// ListActiveDevices returns the devices eligible for backup
func (s *Store) ListActiveDevices() ([]*types.Device, error) {
	var rows []deviceRow
	if err := s.db.Select(&rows, `SELECT * FROM devices WHERE is_active = 1 ORDER BY id`); err != nil {
		return nil, fmt.Errorf("list active devices: %w", err)
	}
	devices := make([]*types.Device, len(rows))
	for i := range rows {
		devices[i] = rows[i].toDevice()
	}
	return devices, nil
}

// UpdateDevice rewrites the operator-owned fields of a device
func (s *Store) UpdateDevice(d *types.Device) error {
	d.UpdatedAt = time.Now().UTC()
	res, err := s.db.Exec(`
		UPDATE devices SET alias = ?, hostname = ?, ip_address = ?, port = ?,
			protocol = ?, username = ?, password = ?, enable_password = ?,
			device_type = ?, backup_command = ?, is_active = ?, updated_at = ?
		WHERE id = ?`,
		d.Alias, d.Hostname, d.IPAddress, d.Port, string(d.Protocol), d.Username,
		d.Password, d.EnablePassword, d.DeviceType, d.BackupCommand, d.IsActive,
		d.UpdatedAt, d.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", types.ErrDuplicateAddress, d.IPAddress)
		}
		return fmt.Errorf("update device %d: %w", d.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: device %d", types.ErrNotFound, d.ID)
	}
	return nil
}

// SetDeviceBackupState records the outcome of the device's latest backup
func (s *Store) SetDeviceBackupState(id int64, at time.Time, status types.TaskStatus) error {
	_, err := s.db.Exec(`
		UPDATE devices SET last_backup_at = ?, last_backup_status = ?, updated_at = ? WHERE id = ?`,
		at.UTC(), string(status), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set backup state for device %d: %w", id, err)
	}
	return nil
}

// DeleteDevice removes a device. The delete is refused while backup tasks
// still reference it; callers delete or prune tasks first.
func (s *Store) DeleteDevice(id int64) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("delete device %d: %w", id, err)
	}
	defer tx.Rollback()

	var tasks int
	if err := tx.Get(&tasks, `SELECT COUNT(*) FROM backup_tasks WHERE device_id = ?`, id); err != nil {
		return fmt.Errorf("delete device %d: %w", id, err)
	}
	if tasks > 0 {
		return fmt.Errorf("%w: device %d has %d backup tasks", types.ErrBusy, id, tasks)
	}

	res, err := tx.Exec(`DELETE FROM devices WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete device %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: device %d", types.ErrNotFound, id)
	}
	return tx.Commit()
}
