package scheduler

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/netsnap/netsnap/pkg/log"
	"github.com/netsnap/netsnap/pkg/store"
	"github.com/netsnap/netsnap/pkg/types"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

// fakeRunner plays the orchestrator: it inserts a real task per device
// and drives it straight to a terminal state
type fakeRunner struct {
	store *store.Store

	mu          sync.Mutex
	calls       int
	failDevices map[int64]bool
	submitErr   error
}

func (r *fakeRunner) SubmitScheduledBatch(deviceIDs []int64, command string) ([]int64, error) {
	r.mu.Lock()
	r.calls++
	failDevices := r.failDevices
	err := r.submitErr
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}

	var taskIDs []int64
	for _, devID := range deviceIDs {
		task := &types.BackupTask{DeviceID: devID, TaskType: types.TaskTypeScheduled, Command: command}
		if err := r.store.InsertTask(task); err != nil {
			return nil, err
		}
		if _, err := r.store.Claim(task.ID); err != nil {
			return nil, err
		}
		result := store.FinalizeResult{Status: types.TaskStatusSuccess, ArtifactPath: "a.txt", ArtifactSize: 1, SHA256: "x"}
		if failDevices[devID] {
			result = store.FinalizeResult{Status: types.TaskStatusFailed, ErrorMessage: "device unreachable"}
		}
		if err := r.store.Finalize(task.ID, result); err != nil {
			return nil, err
		}
		taskIDs = append(taskIDs, task.ID)
	}
	return taskIDs, nil
}

func (r *fakeRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type schedHarness struct {
	store  *store.Store
	sched  *Scheduler
	runner *fakeRunner
	jobDB  string
}

func newSchedHarness(t *testing.T) *schedHarness {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "netsnap.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })

	runner := &fakeRunner{store: s}
	jobDB := filepath.Join(dir, "jobs.db")
	sched, err := New(Config{
		Store:        s,
		Runner:       runner,
		JobDB:        jobDB,
		Timezone:     "Asia/Shanghai",
		WaitTimeout:  5 * time.Second,
		PollInterval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(sched.Stop)
	return &schedHarness{store: s, sched: sched, runner: runner, jobDB: jobDB}
}

func (h *schedHarness) addDevices(t *testing.T, n int) []int64 {
	t.Helper()
	ids := make([]int64, n)
	for i := 0; i < n; i++ {
		dev := &types.Device{
			IPAddress: fmt.Sprintf("10.1.0.%d", i+1), Protocol: types.ProtocolSSH,
			Username: "admin", Password: "x", DeviceType: "cisco_ios", IsActive: true,
		}
		if err := h.store.CreateDevice(dev); err != nil {
			t.Fatal(err)
		}
		ids[i] = dev.ID
	}
	return ids
}

func (h *schedHarness) addSchedule(t *testing.T, deviceIDs []int64) *types.ScheduledTask {
	t.Helper()
	st := &types.ScheduledTask{
		Name:           "nightly",
		FrequencyType:  types.FrequencyWeekly,
		CronExpression: "30 2 * * 1",
		Frequency:      types.FrequencyConfig{Type: types.FrequencyWeekly, Weekday: 1, Hour: 2, Minute: 30},
		DeviceIDs:      deviceIDs,
		BackupCommand:  "show running-config",
		IsActive:       true,
	}
	if err := h.store.CreateScheduledTask(st); err != nil {
		t.Fatal(err)
	}
	return st
}

func TestInstallComputesNextFire(t *testing.T) {
	h := newSchedHarness(t)
	st := h.addSchedule(t, h.addDevices(t, 1))

	if err := h.sched.Install(st); err != nil {
		t.Fatalf("Install() error = %v", err)
	}

	next, ok := h.sched.NextFire(st.ID)
	if !ok {
		t.Fatal("NextFire() found no job")
	}
	if !next.After(time.Now()) {
		t.Errorf("next fire %v not in the future", next)
	}
	in := next.In(h.sched.loc)
	if in.Hour() != 2 || in.Minute() != 30 || in.Weekday() != time.Monday {
		t.Errorf("next fire = %v, want Monday 02:30", in)
	}

	// persisted back to the schedule row
	got, _ := h.store.GetScheduledTask(st.ID)
	if !got.NextRunAt.Equal(next) {
		t.Errorf("stored next_run_at = %v, want %v", got.NextRunAt, next)
	}
}

func TestInstallRejectsBadCron(t *testing.T) {
	h := newSchedHarness(t)
	st := h.addSchedule(t, h.addDevices(t, 1))
	st.CronExpression = "61 * * * *"
	if err := h.sched.Install(st); err == nil {
		t.Error("Install() accepted an invalid expression")
	}
	if _, ok := h.sched.NextFire(st.ID); ok {
		t.Error("invalid schedule was installed")
	}
}

func TestUninstall(t *testing.T) {
	h := newSchedHarness(t)
	st := h.addSchedule(t, h.addDevices(t, 1))
	if err := h.sched.Install(st); err != nil {
		t.Fatal(err)
	}
	if err := h.sched.Uninstall(st.ID); err != nil {
		t.Fatalf("Uninstall() error = %v", err)
	}
	if _, ok := h.sched.NextFire(st.ID); ok {
		t.Error("job still present after Uninstall")
	}
}

func TestRunScheduledAllSuccess(t *testing.T) {
	h := newSchedHarness(t)
	devices := h.addDevices(t, 3)
	st := h.addSchedule(t, devices)

	h.sched.RunScheduled(st.ID)

	execs, err := h.store.ExecutionsForSchedule(st.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(execs) != 1 {
		t.Fatalf("executions = %d, want 1", len(execs))
	}
	exec := execs[0]
	if exec.Status != types.ExecutionCompleted {
		t.Errorf("status = %s, error = %q", exec.Status, exec.ErrorMessage)
	}
	if exec.ResultSummary != "success 3, failed 0" {
		t.Errorf("result_summary = %q", exec.ResultSummary)
	}
	if strings.Count(exec.ExecutionLog, "success") != 3 {
		t.Errorf("execution_log = %q", exec.ExecutionLog)
	}
}

func TestRunScheduledPartialFailure(t *testing.T) {
	h := newSchedHarness(t)
	devices := h.addDevices(t, 3)
	st := h.addSchedule(t, devices)
	h.runner.failDevices = map[int64]bool{devices[1]: true}

	h.sched.RunScheduled(st.ID)

	execs, _ := h.store.ExecutionsForSchedule(st.ID, 10)
	if len(execs) != 1 {
		t.Fatalf("executions = %d", len(execs))
	}
	exec := execs[0]
	if exec.Status != types.ExecutionFailed {
		t.Errorf("status = %s", exec.Status)
	}
	if exec.ResultSummary != "success 2, failed 1" {
		t.Errorf("result_summary = %q", exec.ResultSummary)
	}
	if !strings.Contains(exec.ExecutionLog, "device unreachable") {
		t.Errorf("execution_log = %q", exec.ExecutionLog)
	}
}

func TestRunScheduledInactiveIsNoop(t *testing.T) {
	h := newSchedHarness(t)
	st := h.addSchedule(t, h.addDevices(t, 1))
	st.IsActive = false
	if err := h.store.UpdateScheduledTask(st); err != nil {
		t.Fatal(err)
	}

	h.sched.RunScheduled(st.ID)

	if h.runner.callCount() != 0 {
		t.Error("inactive schedule submitted a batch")
	}
	execs, _ := h.store.ExecutionsForSchedule(st.ID, 10)
	if len(execs) != 0 {
		t.Errorf("inactive schedule opened %d executions", len(execs))
	}
}

func TestRunScheduledSubmitFailure(t *testing.T) {
	h := newSchedHarness(t)
	st := h.addSchedule(t, h.addDevices(t, 1))
	h.runner.submitErr = fmt.Errorf("worker pool stopped")

	h.sched.RunScheduled(st.ID)

	execs, _ := h.store.ExecutionsForSchedule(st.ID, 10)
	if len(execs) != 1 {
		t.Fatalf("executions = %d", len(execs))
	}
	if execs[0].Status != types.ExecutionFailed || !strings.Contains(execs[0].ErrorMessage, "worker pool stopped") {
		t.Errorf("execution = %+v", execs[0])
	}
}

func TestFireDueRunsAndRollsForward(t *testing.T) {
	h := newSchedHarness(t)
	st := h.addSchedule(t, h.addDevices(t, 1))
	if err := h.sched.Install(st); err != nil {
		t.Fatal(err)
	}

	// pull the trigger into the past, inside the grace window
	h.sched.mu.Lock()
	h.sched.jobs[st.ID].next = time.Now().Add(-time.Second)
	h.sched.mu.Unlock()

	h.sched.fireDue()

	deadline := time.Now().Add(5 * time.Second)
	for h.runner.callCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if h.runner.callCount() != 1 {
		t.Fatalf("runner calls = %d, want 1", h.runner.callCount())
	}

	next, ok := h.sched.NextFire(st.ID)
	if !ok || !next.After(time.Now()) {
		t.Errorf("trigger not rolled forward: %v", next)
	}
}

func TestFireDueSkipsMisfire(t *testing.T) {
	h := newSchedHarness(t)
	st := h.addSchedule(t, h.addDevices(t, 1))
	if err := h.sched.Install(st); err != nil {
		t.Fatal(err)
	}

	h.sched.mu.Lock()
	h.sched.jobs[st.ID].next = time.Now().Add(-MisfireGrace - time.Minute)
	h.sched.mu.Unlock()

	h.sched.fireDue()
	time.Sleep(50 * time.Millisecond)

	if h.runner.callCount() != 0 {
		t.Error("misfired job ran anyway")
	}
	next, _ := h.sched.NextFire(st.ID)
	if !next.After(time.Now()) {
		t.Errorf("misfired trigger not rolled forward: %v", next)
	}
}

func TestFireDueMaxOneInstance(t *testing.T) {
	h := newSchedHarness(t)
	st := h.addSchedule(t, h.addDevices(t, 1))
	if err := h.sched.Install(st); err != nil {
		t.Fatal(err)
	}

	h.sched.mu.Lock()
	h.sched.jobs[st.ID].next = time.Now().Add(-time.Second)
	h.sched.jobs[st.ID].running = true
	h.sched.mu.Unlock()

	h.sched.fireDue()
	time.Sleep(50 * time.Millisecond)

	if h.runner.callCount() != 0 {
		t.Error("overlapping fire was not skipped")
	}
}

func TestStoredFireTimeSurvivesRestart(t *testing.T) {
	h := newSchedHarness(t)
	st := h.addSchedule(t, h.addDevices(t, 1))
	if err := h.sched.Install(st); err != nil {
		t.Fatal(err)
	}
	first, _ := h.sched.NextFire(st.ID)
	h.sched.Stop()

	reopened, err := New(Config{
		Store:    h.store,
		Runner:   h.runner,
		JobDB:    h.jobDB,
		Timezone: "Asia/Shanghai",
	})
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Stop()

	if err := reopened.Install(st); err != nil {
		t.Fatal(err)
	}
	second, _ := reopened.NextFire(st.ID)
	if !second.Equal(first) {
		t.Errorf("fire time after restart = %v, want stored %v", second, first)
	}
}
