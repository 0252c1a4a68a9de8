package types

import (
	"errors"
	"time"
)

// Device represents a managed network device reachable over SSH or Telnet
type Device struct {
	ID             int64
	Alias          string
	Hostname       string
	IPAddress      string // IPv4 or IPv6, unique across all devices
	Port           int    // default 22
	Protocol       Protocol
	Username       string
	Password       string // ciphertext produced by the vault
	EnablePassword string // ciphertext, optional
	DeviceType     string // cisco_ios, cisco_xe, cisco_nxos, cisco_ios_telnet
	BackupCommand  string // default capture command
	IsActive       bool
	CreatedAt      time.Time
	UpdatedAt      time.Time

	LastBackupAt     time.Time
	LastBackupStatus string // success, failed, or empty
}

// Slug returns the per-device artifact directory name: the alias if set,
// otherwise the IP address. Path separators and ':' are replaced so the
// slug stays a single path element; an alias that sanitizes to nothing
// usable falls back to the IP.
func (d *Device) Slug() string {
	if s := slugify(d.Alias); s != "" && s != "." && s != ".." {
		return s
	}
	return slugify(d.IPAddress)
}

func slugify(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '/', '\\', ':':
			out = append(out, '_')
		default:
			out = append(out, s[i])
		}
	}
	return string(out)
}

// Protocol selects the device transport
type Protocol string

const (
	ProtocolSSH    Protocol = "ssh"
	ProtocolTelnet Protocol = "telnet"
)

// BackupTask is the durable record of one capture attempt against one device
type BackupTask struct {
	ID             int64
	DeviceID       int64
	SubmitterID    int64
	TaskType       TaskType
	Status         TaskStatus
	Command        string // effective capture command
	ArtifactPath   string
	ArtifactSize   int64
	ArtifactSHA256 string // hex
	StartedAt      time.Time
	CompletedAt    time.Time
	CreatedAt      time.Time
	ErrorMessage   string
	RetryCount     int
	MaxRetries     int
}

// Duration returns the task execution time in seconds, or 0 if not finished
func (t *BackupTask) Duration() float64 {
	if t.StartedAt.IsZero() || t.CompletedAt.IsZero() {
		return 0
	}
	return t.CompletedAt.Sub(t.StartedAt).Seconds()
}

// TaskType describes how a backup task was submitted
type TaskType string

const (
	TaskTypeManual    TaskType = "manual"
	TaskTypeBatch     TaskType = "batch"
	TaskTypeScheduled TaskType = "scheduled"
	TaskTypeImmediate TaskType = "immediate"
)

// TaskStatus represents the lifecycle state of a backup task.
// Transitions form a monotone DAG: pending -> running -> {success,failed,cancelled}.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusSuccess   TaskStatus = "success"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusSuccess || s == TaskStatusFailed || s == TaskStatusCancelled
}

// BackupLog is an append-only structured log row owned by a task
type BackupLog struct {
	ID        int64
	TaskID    int64
	Level     LogLevel
	Message   string
	Timestamp time.Time
}

// LogLevel classifies a task log row
type LogLevel string

const (
	LogLevelDebug   LogLevel = "debug"
	LogLevelInfo    LogLevel = "info"
	LogLevelWarning LogLevel = "warning"
	LogLevelError   LogLevel = "error"
)

// ScheduledTask is a persistent recurring backup job
type ScheduledTask struct {
	ID             int64
	Name           string
	Description    string
	TaskType       TaskType
	FrequencyType  FrequencyType
	CronExpression string // five fields, authoritative trigger spec
	Frequency      FrequencyConfig
	DeviceIDs      []int64
	BackupCommand  string
	IsActive       bool
	CreatedBy      int64
	CreatedAt      time.Time
	LastRunAt      time.Time
	NextRunAt      time.Time
}

// FrequencyType classifies the operator intent behind a cron expression
type FrequencyType string

const (
	FrequencyDaily   FrequencyType = "daily"
	FrequencyWeekly  FrequencyType = "weekly"
	FrequencyMonthly FrequencyType = "monthly"
	FrequencyCustom  FrequencyType = "custom"
)

// FrequencyConfig preserves the structured operator intent for UI round-trip.
// The derived cron expression is always the authoritative trigger.
type FrequencyConfig struct {
	Type    FrequencyType `json:"type"`
	Minute  int           `json:"minute,omitempty"`
	Hour    int           `json:"hour,omitempty"`
	Weekday int           `json:"weekday,omitempty"` // 0=Sunday
	Day     int           `json:"day,omitempty"`     // day of month, 1-31
	Cron    string        `json:"cron,omitempty"`    // custom only
}

// TaskExecution is the aggregated per-fire run record of a ScheduledTask
type TaskExecution struct {
	ID              int64
	ScheduledTaskID int64
	Status          ExecutionStatus
	StartedAt       time.Time
	CompletedAt     time.Time
	ResultSummary   string // e.g. "success 8, failed 2"
	ErrorMessage    string
	ExecutionLog    string
}

// ExecutionStatus represents the state of a scheduled-task fire
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
)

// Statistics aggregates task counts and artifact volume
type Statistics struct {
	TotalTasks   int64
	SuccessTasks int64
	FailedTasks  int64
	RunningTasks int64
	TotalBytes   int64
	SuccessRate  float64 // percentage
}

// Engine error kinds. Components wrap these with additional context and
// callers match with errors.Is.
var (
	ErrAuth              = errors.New("authentication rejected")
	ErrTimeout           = errors.New("operation timed out")
	ErrTransport         = errors.New("transport error")
	ErrUnreachable       = errors.New("device unreachable")
	ErrCredentialDecrypt = errors.New("credential decrypt failed")
	ErrStorage           = errors.New("storage error")
	ErrSchedule          = errors.New("invalid schedule")
	ErrBusy              = errors.New("busy")
	ErrNotFound          = errors.New("not found")
	ErrDuplicateAddress  = errors.New("ip address already registered")
)
