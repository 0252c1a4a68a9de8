package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DefaultEncryptionKey is the documented fallback vault key. It exists so a
// fresh checkout works out of the box; startup warns when it is in effect
// and production mode refuses it outright.
const DefaultEncryptionKey = "default-encryption-key-change-in-production"

// Config holds the engine configuration, resolved from environment
// variables with documented defaults
type Config struct {
	EncryptionKey        string        `mapstructure:"encryption_key"`
	MaxConcurrentBackups int           `mapstructure:"max_concurrent_backups"`
	BackupTimeout        time.Duration `mapstructure:"-"`
	CompressBackups      bool          `mapstructure:"compress_backups"`
	EnableDiff           bool          `mapstructure:"enable_diff"`
	DatabaseURL          string        `mapstructure:"database_url"`
	SchedulerDB          string        `mapstructure:"scheduler_db"`
	BackupDir            string        `mapstructure:"backup_dir"`
	LogDir               string        `mapstructure:"log_dir"`
	LogLevel             string        `mapstructure:"log_level"`
	Timezone             string        `mapstructure:"scheduler_timezone"`
	Production           bool          `mapstructure:"production"`
}

// Load resolves the configuration from the process environment
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	v.SetDefault("encryption_key", DefaultEncryptionKey)
	v.SetDefault("max_concurrent_backups", 10)
	v.SetDefault("backup_timeout", 300)
	v.SetDefault("compress_backups", false)
	v.SetDefault("enable_diff", true)
	v.SetDefault("database_url", "sqlite:///netsnap.db")
	v.SetDefault("scheduler_db", "scheduler.db")
	v.SetDefault("backup_dir", "backups")
	v.SetDefault("log_dir", "logs")
	v.SetDefault("log_level", "info")
	v.SetDefault("scheduler_timezone", "Asia/Shanghai")
	v.SetDefault("production", false)

	// Bind the documented variable names explicitly so AutomaticEnv picks
	// them up without a prefix
	for _, key := range []string{
		"encryption_key", "max_concurrent_backups", "backup_timeout",
		"compress_backups", "enable_diff", "database_url", "scheduler_db",
		"backup_dir", "log_dir", "log_level", "scheduler_timezone", "production",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.BackupTimeout = time.Duration(v.GetInt("backup_timeout")) * time.Second

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate enforces the constraints that must hold before the engine starts
func (c *Config) Validate() error {
	if c.MaxConcurrentBackups < 1 {
		return fmt.Errorf("max_concurrent_backups must be >= 1, got %d", c.MaxConcurrentBackups)
	}
	if c.BackupTimeout <= 0 {
		return fmt.Errorf("backup_timeout must be positive, got %s", c.BackupTimeout)
	}
	if c.Production && c.EncryptionKey == DefaultEncryptionKey {
		return fmt.Errorf("refusing to start in production with the default encryption key; set ENCRYPTION_KEY")
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid scheduler timezone %q: %w", c.Timezone, err)
	}
	return nil
}

// UsingDefaultKey reports whether the insecure fallback vault key is active
func (c *Config) UsingDefaultKey() bool {
	return c.EncryptionKey == DefaultEncryptionKey
}

// Location returns the scheduler timezone. Validate guarantees it loads.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// DatabasePath strips the sqlite URL scheme, accepting a bare filesystem
// path as well. Three slashes introduce a relative path, four an absolute
// one: "sqlite:///netsnap.db" is ./netsnap.db, "sqlite:////var/lib/n.db"
// is /var/lib/n.db.
func (c *Config) DatabasePath() string {
	return strings.TrimPrefix(c.DatabaseURL, "sqlite:///")
}
