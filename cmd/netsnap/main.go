package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/netsnap/netsnap/pkg/artifact"
	"github.com/netsnap/netsnap/pkg/config"
	"github.com/netsnap/netsnap/pkg/connpool"
	"github.com/netsnap/netsnap/pkg/device"
	"github.com/netsnap/netsnap/pkg/log"
	"github.com/netsnap/netsnap/pkg/manager"
	"github.com/netsnap/netsnap/pkg/metrics"
	"github.com/netsnap/netsnap/pkg/scheduler"
	"github.com/netsnap/netsnap/pkg/store"
	"github.com/netsnap/netsnap/pkg/types"
	"github.com/netsnap/netsnap/pkg/vault"
	"github.com/netsnap/netsnap/pkg/worker"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "netsnap",
	Short: "Netsnap - network device configuration backup engine",
	Long: `Netsnap captures running configurations from SSH and Telnet network
devices on demand or on a schedule, stores them as content-addressed
artifacts, and reports what changed between any two captures.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Netsnap version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(deviceCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(scheduleCmd)
	rootCmd.AddCommand(statsCmd)
}

// engine bundles the assembled components for one CLI invocation
type engine struct {
	cfg   *config.Config
	store *store.Store
	mgr   *manager.Manager
	conns *connpool.Pool
}

// openEngine assembles the backup engine from the environment. With
// startWorkers set the worker pool is launched; one-shot CRUD commands
// leave it idle.
func openEngine(startWorkers bool) (*engine, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log.Init(log.Config{Level: log.Level(cfg.LogLevel)})
	if cfg.UsingDefaultKey() {
		log.WithComponent("main").Warn().Msg("using the default encryption key; set ENCRYPTION_KEY before storing real credentials")
	}

	s, err := store.Open(cfg.DatabasePath())
	if err != nil {
		return nil, err
	}
	v, err := vault.New(cfg.EncryptionKey)
	if err != nil {
		s.Close()
		return nil, err
	}

	dialer := device.NewDialer()
	conns := connpool.New(connpool.Config{
		Dialer:      dialer,
		Credentials: v,
		MaxSessions: cfg.MaxConcurrentBackups,
	})
	artifacts := artifact.NewStore(cfg.BackupDir, cfg.CompressBackups, s)
	pool := worker.New(worker.Config{
		Store:          s,
		Connections:    conns,
		Artifacts:      artifacts,
		Workers:        cfg.MaxConcurrentBackups,
		ExecuteTimeout: cfg.BackupTimeout,
		EnableDiff:     cfg.EnableDiff,
	})
	if startWorkers {
		pool.Start()
	}

	mgr := manager.New(manager.Config{
		Store:     s,
		Vault:     v,
		Workers:   pool,
		Conns:     conns,
		Artifacts: artifacts,
		Dialer:    dialer,
	})
	return &engine{cfg: cfg, store: s, mgr: mgr, conns: conns}, nil
}

func (e *engine) close() {
	e.mgr.Stop()
	e.store.Close()
}

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	Aliases: []string{"serve"},
	Short:   "Run the backup engine with the scheduler and metrics endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		listen, _ := cmd.Flags().GetString("listen")

		eng, err := openEngine(true)
		if err != nil {
			return err
		}
		metrics.SetVersion(Version)
		metrics.RegisterComponent("store", true, "")
		metrics.RegisterComponent("workers", true, "")
		fmt.Println("✓ Worker pool started")

		sched, err := scheduler.New(scheduler.Config{
			Store:    eng.store,
			Runner:   eng.mgr,
			JobDB:    eng.cfg.SchedulerDB,
			Timezone: eng.cfg.Timezone,
		})
		if err != nil {
			eng.close()
			return err
		}
		if err := sched.Start(); err != nil {
			eng.close()
			return err
		}
		metrics.RegisterComponent("scheduler", true, "")
		fmt.Println("✓ Scheduler started")

		collector := metrics.NewCollector(eng.mgr, eng.conns)
		collector.Start()

		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.HandleFunc("/health", metrics.HealthHandler())
		mux.HandleFunc("/ready", metrics.ReadyHandler())
		mux.HandleFunc("/live", metrics.LivenessHandler())
		srv := &http.Server{Addr: listen, Handler: mux}
		errCh := make(chan error, 1)
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()
		fmt.Printf("✓ Metrics endpoint on %s\n", listen)
		fmt.Println()
		fmt.Println("Engine is running. Press Ctrl+C to stop.")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			fmt.Println("\nShutting down...")
		case err := <-errCh:
			fmt.Fprintf(os.Stderr, "\nError: %v\n", err)
		}

		// Shutdown order: no new fires, then drain workers, then close
		// sessions and the database
		sched.Stop()
		collector.Stop()
		srv.Close()
		eng.close()

		fmt.Println("✓ Shutdown complete")
		return nil
	},
}

func init() {
	daemonCmd.Flags().String("listen", "127.0.0.1:9090", "Address for the metrics and health endpoint")
}

// Device commands
var deviceCmd = &cobra.Command{
	Use:   "device",
	Short: "Manage backup target devices",
}

var deviceAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Register a device",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine(false)
		if err != nil {
			return err
		}
		defer eng.close()

		alias, _ := cmd.Flags().GetString("alias")
		ip, _ := cmd.Flags().GetString("ip")
		port, _ := cmd.Flags().GetInt("port")
		protocol, _ := cmd.Flags().GetString("protocol")
		username, _ := cmd.Flags().GetString("username")
		password, _ := cmd.Flags().GetString("password")
		enable, _ := cmd.Flags().GetString("enable-password")
		devType, _ := cmd.Flags().GetString("type")
		command, _ := cmd.Flags().GetString("command")

		dev := &types.Device{
			Alias:          alias,
			IPAddress:      ip,
			Port:           port,
			Protocol:       types.Protocol(protocol),
			Username:       username,
			Password:       password,
			EnablePassword: enable,
			DeviceType:     devType,
			BackupCommand:  command,
			IsActive:       true,
		}
		if err := eng.mgr.CreateDevice(dev); err != nil {
			return err
		}
		fmt.Printf("✓ Device %d registered (%s)\n", dev.ID, dev.Slug())
		return nil
	},
}

var deviceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine(false)
		if err != nil {
			return err
		}
		defer eng.close()

		devices, err := eng.mgr.ListDevices()
		if err != nil {
			return err
		}
		fmt.Printf("%-5s %-16s %-20s %-6s %-16s %-8s %s\n",
			"ID", "ALIAS", "ADDRESS", "PROTO", "TYPE", "ACTIVE", "LAST BACKUP")
		for _, d := range devices {
			last := "-"
			if !d.LastBackupAt.IsZero() {
				last = fmt.Sprintf("%s (%s)", d.LastBackupAt.Format("2006-01-02 15:04"), d.LastBackupStatus)
			}
			fmt.Printf("%-5d %-16s %-20s %-6s %-16s %-8t %s\n",
				d.ID, d.Alias, fmt.Sprintf("%s:%d", d.IPAddress, d.Port), d.Protocol, d.DeviceType, d.IsActive, last)
		}
		return nil
	},
}

var deviceRemoveCmd = &cobra.Command{
	Use:   "remove ID",
	Short: "Remove a device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid device id %q", args[0])
		}
		eng, err := openEngine(false)
		if err != nil {
			return err
		}
		defer eng.close()

		if err := eng.mgr.DeleteDevice(id); err != nil {
			return err
		}
		fmt.Printf("✓ Device %d removed\n", id)
		return nil
	},
}

var deviceTestCmd = &cobra.Command{
	Use:   "test ID",
	Short: "Verify reachability and credentials for a device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid device id %q", args[0])
		}
		eng, err := openEngine(false)
		if err != nil {
			return err
		}
		defer eng.close()

		if err := eng.mgr.TestConnection(id); err != nil {
			return fmt.Errorf("connection test failed: %w", err)
		}
		fmt.Println("✓ Connection OK")
		return nil
	},
}

func init() {
	deviceCmd.AddCommand(deviceAddCmd)
	deviceCmd.AddCommand(deviceListCmd)
	deviceCmd.AddCommand(deviceRemoveCmd)
	deviceCmd.AddCommand(deviceTestCmd)

	deviceAddCmd.Flags().String("alias", "", "Display name, also the artifact directory name")
	deviceAddCmd.Flags().String("ip", "", "Device IP address")
	deviceAddCmd.Flags().Int("port", 22, "Port")
	deviceAddCmd.Flags().String("protocol", "ssh", "ssh or telnet")
	deviceAddCmd.Flags().String("username", "", "Login username")
	deviceAddCmd.Flags().String("password", "", "Login password (encrypted at rest)")
	deviceAddCmd.Flags().String("enable-password", "", "Enable password (encrypted at rest)")
	deviceAddCmd.Flags().String("type", "cisco_ios", "Device type tag")
	deviceAddCmd.Flags().String("command", "", "Capture command (defaults to show running-config)")
	deviceAddCmd.MarkFlagRequired("ip")
	deviceAddCmd.MarkFlagRequired("username")
	deviceAddCmd.MarkFlagRequired("password")
}

// Backup commands
var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Run and inspect backups",
}

var backupRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Back up one device or a batch",
	RunE: func(cmd *cobra.Command, args []string) error {
		deviceID, _ := cmd.Flags().GetInt64("device")
		devices, _ := cmd.Flags().GetString("devices")
		command, _ := cmd.Flags().GetString("command")
		testFirst, _ := cmd.Flags().GetBool("test-first")

		eng, err := openEngine(true)
		if err != nil {
			return err
		}
		defer eng.close()

		var taskIDs []int64
		switch {
		case deviceID > 0:
			id, err := eng.mgr.BackupSingle(deviceID, 0, command, testFirst)
			if err != nil {
				return err
			}
			taskIDs = []int64{id}
		case devices != "":
			ids, err := parseIDList(devices)
			if err != nil {
				return err
			}
			taskIDs, err = eng.mgr.BackupBatch(ids, 0, command)
			if err != nil {
				return err
			}
		default:
			return fmt.Errorf("either --device or --devices is required")
		}

		fmt.Printf("Submitted %d task(s)\n", len(taskIDs))
		for _, id := range taskIDs {
			task := waitTerminal(eng, id, eng.cfg.BackupTimeout+30*time.Second)
			if task == nil {
				fmt.Printf("  task %d: still running\n", id)
				continue
			}
			switch task.Status {
			case types.TaskStatusSuccess:
				fmt.Printf("  ✓ task %d: %s (%d bytes)\n", id, task.ArtifactPath, task.ArtifactSize)
			default:
				fmt.Printf("  ✗ task %d: %s\n", id, task.ErrorMessage)
			}
		}
		return nil
	},
}

var backupHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "Show task history",
	RunE: func(cmd *cobra.Command, args []string) error {
		page, _ := cmd.Flags().GetInt("page")
		perPage, _ := cmd.Flags().GetInt("per-page")

		eng, err := openEngine(false)
		if err != nil {
			return err
		}
		defer eng.close()

		tasks, total, err := eng.mgr.History(page, perPage)
		if err != nil {
			return err
		}
		fmt.Printf("%-6s %-8s %-10s %-10s %-20s %s\n", "ID", "DEVICE", "TYPE", "STATUS", "STARTED", "RESULT")
		for _, t := range tasks {
			started := "-"
			if !t.StartedAt.IsZero() {
				started = t.StartedAt.Format("2006-01-02 15:04:05")
			}
			result := t.ErrorMessage
			if t.Status == types.TaskStatusSuccess {
				result = fmt.Sprintf("%d bytes", t.ArtifactSize)
			}
			fmt.Printf("%-6d %-8d %-10s %-10s %-20s %s\n", t.ID, t.DeviceID, t.TaskType, t.Status, started, result)
		}
		fmt.Printf("\n%d task(s) total\n", total)
		return nil
	},
}

var backupDiffCmd = &cobra.Command{
	Use:   "diff",
	Short: "Compare a device's two most recent captures",
	RunE: func(cmd *cobra.Command, args []string) error {
		deviceID, _ := cmd.Flags().GetInt64("device")
		quick, _ := cmd.Flags().GetBool("quick")
		if deviceID <= 0 {
			return fmt.Errorf("--device is required")
		}

		eng, err := openEngine(false)
		if err != nil {
			return err
		}
		defer eng.close()

		if quick {
			result, err := eng.mgr.CompareLatestTwoQuick(deviceID)
			if err != nil {
				return err
			}
			fmt.Printf("Lines: %d -> %d\n", result.OldLines, result.NewLines)
			fmt.Println(result.Report.RawDiff)
			return nil
		}

		report, err := eng.mgr.CompareLatestTwo(deviceID, artifact.DefaultCompareOptions())
		if err != nil {
			return err
		}
		s := report.Summary
		fmt.Printf("+%d -%d ~%d (%d diff lines)\n", s.AddedLines, s.RemovedLines, s.ModifiedLines, s.TotalChanges)
		fmt.Println(report.RawDiff)
		return nil
	},
}

func init() {
	backupCmd.AddCommand(backupRunCmd)
	backupCmd.AddCommand(backupHistoryCmd)
	backupCmd.AddCommand(backupDiffCmd)

	backupRunCmd.Flags().Int64("device", 0, "Single device id")
	backupRunCmd.Flags().String("devices", "", "Comma-separated device ids for a batch")
	backupRunCmd.Flags().String("command", "", "Override capture command")
	backupRunCmd.Flags().Bool("test-first", false, "Verify connectivity before submitting")

	backupHistoryCmd.Flags().Int("page", 1, "Page number")
	backupHistoryCmd.Flags().Int("per-page", 20, "Tasks per page")

	backupDiffCmd.Flags().Int64("device", 0, "Device id")
	backupDiffCmd.Flags().Bool("quick", false, "Line-count comparison only")
}

// Schedule commands
var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Manage recurring backup schedules",
}

var scheduleAddCmd = &cobra.Command{
	Use:   "add NAME",
	Short: "Create a schedule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		frequency, _ := cmd.Flags().GetString("frequency")
		minute, _ := cmd.Flags().GetInt("minute")
		hour, _ := cmd.Flags().GetInt("hour")
		weekday, _ := cmd.Flags().GetInt("weekday")
		day, _ := cmd.Flags().GetInt("day")
		cron, _ := cmd.Flags().GetString("cron")
		devices, _ := cmd.Flags().GetString("devices")
		command, _ := cmd.Flags().GetString("command")

		deviceIDs, err := parseIDList(devices)
		if err != nil {
			return err
		}
		freq := types.FrequencyConfig{
			Type:    types.FrequencyType(frequency),
			Minute:  minute,
			Hour:    hour,
			Weekday: weekday,
			Day:     day,
			Cron:    cron,
		}
		expr, err := scheduler.CronFromFrequency(freq)
		if err != nil {
			return err
		}

		eng, err := openEngine(false)
		if err != nil {
			return err
		}
		defer eng.close()

		st := &types.ScheduledTask{
			Name:           args[0],
			TaskType:       types.TaskTypeScheduled,
			FrequencyType:  freq.Type,
			CronExpression: expr,
			Frequency:      freq,
			DeviceIDs:      deviceIDs,
			BackupCommand:  command,
			IsActive:       true,
		}
		if err := eng.store.CreateScheduledTask(st); err != nil {
			return err
		}
		fmt.Printf("✓ Schedule %d created (%s), picked up on next daemon start\n", st.ID, expr)
		return nil
	},
}

var scheduleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List schedules",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine(false)
		if err != nil {
			return err
		}
		defer eng.close()

		schedules, err := eng.store.ListScheduledTasks()
		if err != nil {
			return err
		}
		fmt.Printf("%-5s %-20s %-14s %-8s %-20s %s\n", "ID", "NAME", "CRON", "ACTIVE", "NEXT RUN", "DEVICES")
		for _, st := range schedules {
			next := "-"
			if !st.NextRunAt.IsZero() {
				next = st.NextRunAt.Format("2006-01-02 15:04:05")
			}
			fmt.Printf("%-5d %-20s %-14s %-8t %-20s %d\n",
				st.ID, st.Name, st.CronExpression, st.IsActive, next, len(st.DeviceIDs))
		}
		return nil
	},
}

var scheduleRemoveCmd = &cobra.Command{
	Use:   "remove ID",
	Short: "Remove a schedule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid schedule id %q", args[0])
		}
		eng, err := openEngine(false)
		if err != nil {
			return err
		}
		defer eng.close()

		if err := eng.store.DeleteScheduledTask(id); err != nil {
			return err
		}
		fmt.Printf("✓ Schedule %d removed\n", id)
		return nil
	},
}

var scheduleRunCmd = &cobra.Command{
	Use:   "run ID",
	Short: "Back up a schedule's devices immediately, outside its trigger",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid schedule id %q", args[0])
		}
		eng, err := openEngine(true)
		if err != nil {
			return err
		}
		defer eng.close()

		st, err := eng.store.GetScheduledTask(id)
		if err != nil {
			return err
		}
		taskIDs, err := eng.mgr.BackupImmediate(st.DeviceIDs, st.BackupCommand)
		if err != nil {
			return err
		}
		fmt.Printf("Submitted %d task(s) for schedule %q\n", len(taskIDs), st.Name)
		for _, taskID := range taskIDs {
			task := waitTerminal(eng, taskID, eng.cfg.BackupTimeout+30*time.Second)
			if task == nil {
				fmt.Printf("  task %d: still running\n", taskID)
				continue
			}
			if task.Status == types.TaskStatusSuccess {
				fmt.Printf("  ✓ task %d: %s\n", taskID, task.ArtifactPath)
			} else {
				fmt.Printf("  ✗ task %d: %s\n", taskID, task.ErrorMessage)
			}
		}
		return nil
	},
}

func init() {
	scheduleCmd.AddCommand(scheduleAddCmd)
	scheduleCmd.AddCommand(scheduleListCmd)
	scheduleCmd.AddCommand(scheduleRemoveCmd)
	scheduleCmd.AddCommand(scheduleRunCmd)

	scheduleAddCmd.Flags().String("frequency", "daily", "daily, weekly, monthly, or custom")
	scheduleAddCmd.Flags().Int("minute", 0, "Fire minute")
	scheduleAddCmd.Flags().Int("hour", 2, "Fire hour")
	scheduleAddCmd.Flags().Int("weekday", 0, "Weekday for weekly schedules (0=Sunday)")
	scheduleAddCmd.Flags().Int("day", 1, "Day of month for monthly schedules")
	scheduleAddCmd.Flags().String("cron", "", "Five-field cron expression for custom schedules")
	scheduleAddCmd.Flags().String("devices", "", "Comma-separated device ids")
	scheduleAddCmd.Flags().String("command", "", "Override capture command")
	scheduleAddCmd.MarkFlagRequired("devices")
}

// Stats command
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show fleet-wide backup statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine(false)
		if err != nil {
			return err
		}
		defer eng.close()

		stats, err := eng.mgr.Statistics()
		if err != nil {
			return err
		}
		fmt.Printf("Tasks:        %d total, %d success, %d failed, %d running\n",
			stats.TotalTasks, stats.SuccessTasks, stats.FailedTasks, stats.RunningTasks)
		fmt.Printf("Success rate: %.2f%%\n", stats.SuccessRate)
		fmt.Printf("Stored bytes: %d\n", stats.TotalBytes)
		return nil
	},
}

func parseIDList(s string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid id %q", part)
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("no device ids given")
	}
	return ids, nil
}

func waitTerminal(eng *engine, taskID int64, timeout time.Duration) *types.BackupTask {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		task, err := eng.store.GetTask(taskID)
		if err != nil {
			return nil
		}
		if task.Status.Terminal() {
			return task
		}
		time.Sleep(200 * time.Millisecond)
	}
	return nil
}
