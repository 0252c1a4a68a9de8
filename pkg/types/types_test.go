package types

import (
	"testing"
	"time"
)

func TestDeviceSlug(t *testing.T) {
	tests := []struct {
		name string
		dev  Device
		want string
	}{
		{"alias wins", Device{Alias: "core-r1", IPAddress: "10.0.0.1"}, "core-r1"},
		{"ipv4 fallback", Device{IPAddress: "10.0.0.1"}, "10.0.0.1"},
		{"ipv6 colons replaced", Device{IPAddress: "fe80::1"}, "fe80__1"},
		{"alias slashes replaced", Device{Alias: "lab/core/r1", IPAddress: "10.0.0.1"}, "lab_core_r1"},
		{"alias backslashes replaced", Device{Alias: `rack\r2`, IPAddress: "10.0.0.1"}, "rack_r2"},
		{"alias traversal falls back to ip", Device{Alias: "..", IPAddress: "10.0.0.3"}, "10.0.0.3"},
		{"alias dot falls back to ip", Device{Alias: ".", IPAddress: "10.0.0.4"}, "10.0.0.4"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.dev.Slug(); got != tt.want {
				t.Errorf("Slug() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTaskDuration(t *testing.T) {
	start := time.Date(2025, 10, 22, 14, 30, 0, 0, time.UTC)

	task := BackupTask{StartedAt: start, CompletedAt: start.Add(2500 * time.Millisecond)}
	if got := task.Duration(); got != 2.5 {
		t.Errorf("Duration() = %v, want 2.5", got)
	}

	unfinished := BackupTask{StartedAt: start}
	if got := unfinished.Duration(); got != 0 {
		t.Errorf("Duration() for unfinished task = %v, want 0", got)
	}
}

func TestTaskStatusTerminal(t *testing.T) {
	terminal := []TaskStatus{TaskStatusSuccess, TaskStatusFailed, TaskStatusCancelled}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []TaskStatus{TaskStatusPending, TaskStatusRunning} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}
