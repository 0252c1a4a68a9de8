package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/netsnap/netsnap/pkg/types"
)

func testOpen(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "netsnap.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testDevice(ip string) *types.Device {
	return &types.Device{
		Alias:      "R-" + ip,
		IPAddress:  ip,
		Protocol:   types.ProtocolSSH,
		Username:   "admin",
		Password:   "ciphertext",
		DeviceType: "cisco_ios",
		IsActive:   true,
	}
}

func TestDeviceCRUD(t *testing.T) {
	s := testOpen(t)

	dev := testDevice("10.0.0.2")
	if err := s.CreateDevice(dev); err != nil {
		t.Fatalf("CreateDevice() error = %v", err)
	}
	if dev.ID == 0 {
		t.Fatal("CreateDevice() did not assign an id")
	}
	if dev.Port != 22 {
		t.Errorf("default port = %d, want 22", dev.Port)
	}
	if dev.BackupCommand != "show running-config" {
		t.Errorf("default command = %q", dev.BackupCommand)
	}

	got, err := s.GetDevice(dev.ID)
	if err != nil {
		t.Fatalf("GetDevice() error = %v", err)
	}
	if got.IPAddress != "10.0.0.2" || got.Alias != dev.Alias {
		t.Errorf("GetDevice() = %+v", got)
	}

	got.Alias = "core-1"
	got.IsActive = false
	if err := s.UpdateDevice(got); err != nil {
		t.Fatalf("UpdateDevice() error = %v", err)
	}
	again, _ := s.GetDevice(dev.ID)
	if again.Alias != "core-1" || again.IsActive {
		t.Errorf("update not persisted: %+v", again)
	}

	if _, err := s.GetDevice(9999); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("GetDevice(9999) error = %v, want ErrNotFound", err)
	}

	if err := s.DeleteDevice(dev.ID); err != nil {
		t.Fatalf("DeleteDevice() error = %v", err)
	}
	if _, err := s.GetDevice(dev.ID); !errors.Is(err, types.ErrNotFound) {
		t.Error("device still present after delete")
	}
}

func TestDuplicateAddress(t *testing.T) {
	s := testOpen(t)

	if err := s.CreateDevice(testDevice("10.0.0.2")); err != nil {
		t.Fatalf("CreateDevice() error = %v", err)
	}
	dup := testDevice("10.0.0.2")
	dup.Alias = "other"
	if err := s.CreateDevice(dup); !errors.Is(err, types.ErrDuplicateAddress) {
		t.Errorf("duplicate insert error = %v, want ErrDuplicateAddress", err)
	}

	other := testDevice("10.0.0.3")
	if err := s.CreateDevice(other); err != nil {
		t.Fatalf("CreateDevice() error = %v", err)
	}
	other.IPAddress = "10.0.0.2"
	if err := s.UpdateDevice(other); !errors.Is(err, types.ErrDuplicateAddress) {
		t.Errorf("duplicate update error = %v, want ErrDuplicateAddress", err)
	}
}

func TestDeleteDeviceBlockedByTasks(t *testing.T) {
	s := testOpen(t)

	dev := testDevice("10.0.0.2")
	if err := s.CreateDevice(dev); err != nil {
		t.Fatal(err)
	}
	task := &types.BackupTask{DeviceID: dev.ID, TaskType: types.TaskTypeManual, Command: "show version"}
	if err := s.InsertTask(task); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteDevice(dev.ID); !errors.Is(err, types.ErrBusy) {
		t.Errorf("DeleteDevice() error = %v, want ErrBusy", err)
	}

	if err := s.DeleteTask(task.ID); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteDevice(dev.ID); err != nil {
		t.Errorf("DeleteDevice() after task cleanup error = %v", err)
	}
}

func TestListActiveDevices(t *testing.T) {
	s := testOpen(t)

	active := testDevice("10.0.0.2")
	inactive := testDevice("10.0.0.3")
	inactive.IsActive = false
	s.CreateDevice(active)
	s.CreateDevice(inactive)

	devices, err := s.ListActiveDevices()
	if err != nil {
		t.Fatalf("ListActiveDevices() error = %v", err)
	}
	if len(devices) != 1 || devices[0].ID != active.ID {
		t.Errorf("ListActiveDevices() = %+v", devices)
	}

	all, err := s.ListDevices()
	if err != nil {
		t.Fatalf("ListDevices() error = %v", err)
	}
	if len(all) != 2 {
		t.Errorf("ListDevices() returned %d devices", len(all))
	}
}

func TestSetDeviceBackupState(t *testing.T) {
	s := testOpen(t)

	dev := testDevice("10.0.0.2")
	s.CreateDevice(dev)

	at := time.Now().UTC().Truncate(time.Second)
	if err := s.SetDeviceBackupState(dev.ID, at, types.TaskStatusSuccess); err != nil {
		t.Fatalf("SetDeviceBackupState() error = %v", err)
	}

	got, _ := s.GetDevice(dev.ID)
	if got.LastBackupStatus != "success" {
		t.Errorf("last_backup_status = %q", got.LastBackupStatus)
	}
	if !got.LastBackupAt.Equal(at) {
		t.Errorf("last_backup_at = %v, want %v", got.LastBackupAt, at)
	}
}

func TestConfigRoundTrip(t *testing.T) {
	s := testOpen(t)

	if v, err := s.GetConfig("missing"); err != nil || v != "" {
		t.Errorf("GetConfig(missing) = %q, %v", v, err)
	}
	if err := s.SetConfig("retention_days", "30"); err != nil {
		t.Fatalf("SetConfig() error = %v", err)
	}
	if err := s.SetConfig("retention_days", "60"); err != nil {
		t.Fatalf("SetConfig() upsert error = %v", err)
	}
	if v, _ := s.GetConfig("retention_days"); v != "60" {
		t.Errorf("GetConfig() = %q, want 60", v)
	}
}
