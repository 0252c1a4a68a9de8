package scheduler

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/netsnap/netsnap/pkg/log"
	"github.com/netsnap/netsnap/pkg/metrics"
	"github.com/netsnap/netsnap/pkg/types"
)

// MisfireGrace is how late a fire may run before it is skipped. Later
// fires of the same job coalesce into the next computed time.
const MisfireGrace = 300 * time.Second

const (
	defaultWaitTimeout  = 30 * time.Minute
	defaultPollInterval = 200 * time.Millisecond
)

var bucketJobs = []byte("jobs")

// ScheduleStore is the slice of the task database the scheduler drives
type ScheduleStore interface {
	GetScheduledTask(id int64) (*types.ScheduledTask, error)
	ListActiveScheduledTasks() ([]*types.ScheduledTask, error)
	SetScheduleRunTimes(id int64, lastRun, nextRun time.Time) error
	OpenExecution(scheduleID int64) (*types.TaskExecution, error)
	CloseExecution(id int64, status types.ExecutionStatus, summary, errMsg, execLog string) error
	GetTask(id int64) (*types.BackupTask, error)
}

// BatchRunner submits one backup task per target device and returns the
// task ids. The orchestrator implements it.
type BatchRunner interface {
	SubmitScheduledBatch(deviceIDs []int64, command string) ([]int64, error)
}

// job is one installed trigger
type job struct {
	id      int64
	expr    string
	next    time.Time
	running bool
}

// storedJob is the durable form kept in the job database, so fire times
// survive restarts and misfires can be told apart from clean shutdowns
type storedJob struct {
	Expr string    `json:"expr"`
	Next time.Time `json:"next"`
}

// Scheduler fires recurring backup jobs from five-field cron expressions.
// One fire opens a TaskExecution, fans the schedule's devices out through
// the batch runner, waits for the children to finish, and closes the
// execution with an aggregate summary.
type Scheduler struct {
	store  ScheduleStore
	runner BatchRunner
	loc    *time.Location
	db     *bolt.DB

	waitTimeout  time.Duration
	pollInterval time.Duration

	mu   sync.Mutex
	jobs map[int64]*job

	wake chan struct{}
	stop chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// Config holds the knobs for a Scheduler
type Config struct {
	Store    ScheduleStore
	Runner   BatchRunner
	JobDB    string // path to the scheduler's own job database
	Timezone string

	// WaitTimeout caps how long one fire waits for its child tasks
	WaitTimeout  time.Duration
	PollInterval time.Duration
}

// New creates a scheduler and opens its job database
func New(cfg Config) (*Scheduler, error) {
	tz := cfg.Timezone
	if tz == "" {
		tz = DefaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("%w: timezone %q: %v", types.ErrSchedule, tz, err)
	}

	db, err := bolt.Open(cfg.JobDB, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open job database: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketJobs)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("open job database: %w", err)
	}

	wait := cfg.WaitTimeout
	if wait <= 0 {
		wait = defaultWaitTimeout
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}

	return &Scheduler{
		store:        cfg.Store,
		runner:       cfg.Runner,
		loc:          loc,
		db:           db,
		waitTimeout:  wait,
		pollInterval: poll,
		jobs:         make(map[int64]*job),
		wake:         make(chan struct{}, 1),
		stop:         make(chan struct{}),
	}, nil
}

// Start loads every active schedule and begins firing
func (s *Scheduler) Start() error {
	if err := s.LoadSchedules(); err != nil {
		return err
	}
	s.wg.Add(1)
	go s.loop()
	log.WithComponent("scheduler").Info().Str("timezone", s.loc.String()).Msg("scheduler started")
	return nil
}

// Stop halts firing, waits for in-flight runs, and closes the job database
func (s *Scheduler) Stop() {
	s.once.Do(func() { close(s.stop) })
	s.wg.Wait()
	s.db.Close()
	log.WithComponent("scheduler").Info().Msg("scheduler stopped")
}

// LoadSchedules installs every active schedule from the task database.
// A stored fire time in the future is kept; one missed by no more than
// the grace window fires immediately; older misses roll forward.
func (s *Scheduler) LoadSchedules() error {
	schedules, err := s.store.ListActiveScheduledTasks()
	if err != nil {
		return err
	}
	for _, st := range schedules {
		if err := s.Install(st); err != nil {
			log.WithScheduleID(st.ID).Warn().Err(err).Msg("schedule not installed")
		}
	}
	return nil
}

// Install registers (or replaces) the trigger for a schedule and records
// its next fire time
func (s *Scheduler) Install(st *types.ScheduledTask) error {
	if err := ValidateCron(st.CronExpression); err != nil {
		return err
	}

	now := time.Now()
	next := time.Time{}
	if stored, ok := s.loadJob(st.ID); ok && stored.Expr == st.CronExpression {
		switch {
		case stored.Next.After(now):
			next = stored.Next
		case now.Sub(stored.Next) <= MisfireGrace:
			// Missed within grace: fire as soon as the loop wakes
			next = now
		}
	}
	if next.IsZero() {
		computed, err := NextFireTime(st.CronExpression, now, s.loc)
		if err != nil {
			return err
		}
		next = computed
	}

	s.mu.Lock()
	s.jobs[st.ID] = &job{id: st.ID, expr: st.CronExpression, next: next}
	s.mu.Unlock()

	if err := s.saveJob(st.ID, storedJob{Expr: st.CronExpression, Next: next}); err != nil {
		return err
	}
	if err := s.store.SetScheduleRunTimes(st.ID, st.LastRunAt, next); err != nil {
		return err
	}

	s.kick()
	log.WithScheduleID(st.ID).Info().Str("cron", st.CronExpression).Time("next", next).Msg("schedule installed")
	return nil
}

// Uninstall removes a schedule's trigger
func (s *Scheduler) Uninstall(id int64) error {
	s.mu.Lock()
	delete(s.jobs, id)
	s.mu.Unlock()

	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).Delete(jobKey(id))
	})
	if err != nil {
		return fmt.Errorf("remove job %d: %w", id, err)
	}
	s.kick()
	return nil
}

// NextFire reports the pending fire time of an installed schedule
func (s *Scheduler) NextFire(id int64) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return time.Time{}, false
	}
	return j.next, true
}

func (s *Scheduler) loop() {
	defer s.wg.Done()
	for {
		next, ok := s.earliest()

		var timer *time.Timer
		var fire <-chan time.Time
		if ok {
			timer = time.NewTimer(time.Until(next))
			fire = timer.C
		}

		select {
		case <-s.stop:
			if timer != nil {
				timer.Stop()
			}
			return
		case <-s.wake:
			// job set changed; recompute the earliest fire
			if timer != nil {
				timer.Stop()
			}
		case <-fire:
			s.fireDue()
		}
	}
}

func (s *Scheduler) earliest() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	times := make([]time.Time, 0, len(s.jobs))
	for _, j := range s.jobs {
		times = append(times, j.next)
	}
	if len(times) == 0 {
		return time.Time{}, false
	}
	sort.Slice(times, func(i, k int) bool { return times[i].Before(times[k]) })
	return times[0], true
}

// fireDue launches every job whose fire time has arrived and rolls its
// trigger forward
func (s *Scheduler) fireDue() {
	now := time.Now()

	s.mu.Lock()
	var due []*job
	for _, j := range s.jobs {
		if !j.next.After(now) {
			due = append(due, j)
		}
	}
	for _, j := range due {
		scheduled := j.next
		next, err := NextFireTime(j.expr, now, s.loc)
		if err != nil {
			log.WithScheduleID(j.id).Error().Err(err).Msg("trigger roll-forward failed")
			continue
		}
		j.next = next
		s.saveJob(j.id, storedJob{Expr: j.expr, Next: next})

		late := now.Sub(scheduled)
		if late > MisfireGrace {
			log.WithScheduleID(j.id).Warn().Dur("late", late).Msg("misfired, skipping")
			metrics.ScheduleMisfires.Inc()
			continue
		}
		if j.running {
			// max one instance per job
			log.WithScheduleID(j.id).Warn().Msg("previous run still active, skipping fire")
			continue
		}

		j.running = true
		metrics.ScheduleRuns.Inc()
		s.wg.Add(1)
		go func(id int64) {
			defer s.wg.Done()
			s.RunScheduled(id)
			s.mu.Lock()
			if cur, ok := s.jobs[id]; ok {
				cur.running = false
			}
			s.mu.Unlock()
		}(j.id)
	}
	s.mu.Unlock()
}

// RunScheduled executes one fire of a schedule: open an execution row,
// submit the batch, wait for the children, and close the execution with
// "success N, failed M"
func (s *Scheduler) RunScheduled(id int64) {
	logger := log.WithScheduleID(id)

	st, err := s.store.GetScheduledTask(id)
	if err != nil {
		logger.Warn().Err(err).Msg("schedule vanished before fire")
		return
	}
	if !st.IsActive {
		return
	}

	exec, err := s.store.OpenExecution(id)
	if err != nil {
		logger.Error().Err(err).Msg("open execution failed")
		return
	}
	s.store.SetScheduleRunTimes(id, exec.StartedAt, s.peekNext(id))

	taskIDs, err := s.runner.SubmitScheduledBatch(st.DeviceIDs, st.BackupCommand)
	if err != nil {
		s.store.CloseExecution(exec.ID, types.ExecutionFailed, "", err.Error(), "")
		logger.Error().Err(err).Msg("batch submission failed")
		return
	}

	succeeded, failed, execLog := s.waitForTasks(taskIDs)
	summary := fmt.Sprintf("success %d, failed %d", succeeded, failed)

	status := types.ExecutionCompleted
	errMsg := ""
	if failed > 0 {
		status = types.ExecutionFailed
		errMsg = fmt.Sprintf("%d of %d backups failed", failed, len(taskIDs))
	}
	if err := s.store.CloseExecution(exec.ID, status, summary, errMsg, execLog); err != nil {
		logger.Error().Err(err).Msg("close execution failed")
	}
	logger.Info().Str("summary", summary).Msg("scheduled fire finished")
}

// waitForTasks polls the children until every one is terminal or the wait
// budget runs out; unfinished tasks count as failed in the summary
func (s *Scheduler) waitForTasks(taskIDs []int64) (succeeded, failed int, execLog string) {
	pending := make(map[int64]bool, len(taskIDs))
	for _, id := range taskIDs {
		pending[id] = true
	}
	notes := make([]string, 0, len(taskIDs))

	deadline := time.Now().Add(s.waitTimeout)
	for len(pending) > 0 && time.Now().Before(deadline) {
		for id := range pending {
			task, err := s.store.GetTask(id)
			if err != nil {
				delete(pending, id)
				failed++
				notes = append(notes, fmt.Sprintf("task %d: lost (%v)", id, err))
				continue
			}
			if !task.Status.Terminal() {
				continue
			}
			delete(pending, id)
			if task.Status == types.TaskStatusSuccess {
				succeeded++
				notes = append(notes, fmt.Sprintf("device %d: success", task.DeviceID))
			} else {
				failed++
				notes = append(notes, fmt.Sprintf("device %d: %s (%s)", task.DeviceID, task.Status, task.ErrorMessage))
			}
		}
		if len(pending) == 0 {
			break
		}
		select {
		case <-s.stop:
			for id := range pending {
				delete(pending, id)
				failed++
				notes = append(notes, fmt.Sprintf("task %d: abandoned at shutdown", id))
			}
		case <-time.After(s.pollInterval):
		}
	}
	for id := range pending {
		failed++
		notes = append(notes, fmt.Sprintf("task %d: still running at wait timeout", id))
	}
	return succeeded, failed, strings.Join(notes, "\n")
}

func (s *Scheduler) peekNext(id int64) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		return j.next
	}
	return time.Time{}
}

func (s *Scheduler) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loadJob(id int64) (storedJob, bool) {
	var sj storedJob
	found := false
	s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketJobs).Get(jobKey(id))
		if data == nil {
			return nil
		}
		if err := json.Unmarshal(data, &sj); err == nil {
			found = true
		}
		return nil
	})
	return sj, found
}

func (s *Scheduler) saveJob(id int64, sj storedJob) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(sj)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketJobs).Put(jobKey(id), data)
	})
	if err != nil {
		return fmt.Errorf("save job %d: %w", id, err)
	}
	return nil
}

func jobKey(id int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(id))
	return key
}
