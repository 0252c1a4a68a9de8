package worker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/netsnap/netsnap/pkg/device"
	"github.com/netsnap/netsnap/pkg/log"
	"github.com/netsnap/netsnap/pkg/metrics"
	"github.com/netsnap/netsnap/pkg/store"
	"github.com/netsnap/netsnap/pkg/types"
)

// DefaultWorkers bounds parallel backup execution across the fleet
const DefaultWorkers = 10

// DefaultExecuteTimeout caps one capture command end to end
const DefaultExecuteTimeout = 300 * time.Second

const queueDepth = 1024

// TaskStore is the slice of the task database the pool drives
type TaskStore interface {
	GetTask(id int64) (*types.BackupTask, error)
	GetDevice(id int64) (*types.Device, error)
	Claim(id int64) (time.Time, error)
	Finalize(id int64, r store.FinalizeResult) error
	AppendLog(taskID int64, level types.LogLevel, message string) error
	SetDeviceBackupState(id int64, at time.Time, status types.TaskStatus) error
}

// Connections is the connection pool surface the workers use
type Connections interface {
	Acquire(dev *types.Device) (device.Session, error)
	Release(dev *types.Device)
	Dispose(dev *types.Device)
}

// Artifacts persists capture output and generates diffs
type Artifacts interface {
	Persist(dev *types.Device, task *types.BackupTask, content string) (path string, size int64, sha256 string, err error)
	Diff(dev *types.Device, task *types.BackupTask) error
}

// Pool drains submitted backup tasks with bounded parallelism. Per-device
// serialization comes from the connection pool's per-device mutex; the
// worker count only caps how many tasks run fleet-wide.
type Pool struct {
	store     TaskStore
	conns     Connections
	artifacts Artifacts

	workers        int
	executeTimeout time.Duration
	enableDiff     bool

	tasks chan int64
	wg    sync.WaitGroup

	mu     sync.Mutex
	closed bool

	// Per-device gates serialize claim through finalize, so two tasks
	// against one device never interleave their execution windows even
	// when the fleet-wide pool has capacity
	gateMu sync.Mutex
	gates  map[int64]*sync.Mutex

	diffWG sync.WaitGroup
}

// Config holds the knobs for a worker pool
type Config struct {
	Store          TaskStore
	Connections    Connections
	Artifacts      Artifacts
	Workers        int
	ExecuteTimeout time.Duration
	EnableDiff     bool
}

// New creates a worker pool; call Start to launch the workers
func New(cfg Config) *Pool {
	workers := cfg.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	timeout := cfg.ExecuteTimeout
	if timeout <= 0 {
		timeout = DefaultExecuteTimeout
	}
	return &Pool{
		store:          cfg.Store,
		conns:          cfg.Connections,
		artifacts:      cfg.Artifacts,
		workers:        workers,
		executeTimeout: timeout,
		enableDiff:     cfg.EnableDiff,
		tasks:          make(chan int64, queueDepth),
		gates:          make(map[int64]*sync.Mutex),
	}
}

// Start launches the worker goroutines
func (p *Pool) Start() {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for taskID := range p.tasks {
				p.run(taskID)
			}
		}()
	}
	log.WithComponent("worker").Info().Int("workers", p.workers).Msg("worker pool started")
}

// Submit enqueues a pending task for execution. The call returns as soon
// as the task is queued.
func (p *Pool) Submit(taskID int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("worker pool stopped")
	}
	p.tasks <- taskID
	return nil
}

// Stop drains the queue, waits for in-flight tasks and pending diff
// generation, and returns
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()

	p.wg.Wait()
	p.diffWG.Wait()
	log.WithComponent("worker").Info().Msg("worker pool stopped")
}

// run executes one backup task end to end
func (p *Pool) run(taskID int64) {
	logger := log.WithTaskID(taskID)

	task, err := p.store.GetTask(taskID)
	if err != nil {
		logger.Warn().Err(err).Msg("submitted task not found")
		return
	}
	dev, devErr := p.store.GetDevice(task.DeviceID)

	if devErr == nil {
		gate := p.gate(dev.ID)
		gate.Lock()
		defer gate.Unlock()
	}

	startedAt, err := p.store.Claim(taskID)
	if err != nil {
		if errors.Is(err, types.ErrBusy) {
			// Another worker has it
			return
		}
		logger.Warn().Err(err).Msg("claim failed")
		return
	}
	task.StartedAt = startedAt
	metrics.BackupsStarted.Inc()

	if devErr != nil {
		p.fail(task, nil, fmt.Sprintf("device %d not found", task.DeviceID))
		return
	}

	p.store.AppendLog(taskID, types.LogLevelInfo, fmt.Sprintf("starting backup of %s", dev.IPAddress))

	sess, err := p.conns.Acquire(dev)
	if err != nil {
		p.store.AppendLog(taskID, types.LogLevelError, err.Error())
		p.fail(task, dev, fmt.Sprintf("cannot establish device connection: %v", err))
		return
	}

	output, err := p.execute(sess, task.Command)
	if err != nil {
		if disposable(err) {
			p.conns.Dispose(dev)
		} else {
			p.conns.Release(dev)
		}
		p.store.AppendLog(taskID, types.LogLevelError, err.Error())
		p.fail(task, dev, err.Error())
		return
	}
	p.conns.Release(dev)

	path, size, sum, err := p.artifacts.Persist(dev, task, output)
	if err != nil {
		p.store.AppendLog(taskID, types.LogLevelError, err.Error())
		p.fail(task, dev, err.Error())
		return
	}

	err = p.store.Finalize(taskID, store.FinalizeResult{
		Status:       types.TaskStatusSuccess,
		ArtifactPath: path,
		ArtifactSize: size,
		SHA256:       sum,
	})
	if err != nil {
		logger.Error().Err(err).Msg("finalize failed")
		return
	}
	p.store.SetDeviceBackupState(dev.ID, time.Now(), types.TaskStatusSuccess)
	metrics.BackupsCompleted.WithLabelValues(string(types.TaskStatusSuccess)).Inc()
	metrics.BackupDuration.Observe(time.Since(startedAt).Seconds())
	p.store.AppendLog(taskID, types.LogLevelInfo, fmt.Sprintf("backup completed, %d bytes", size))
	logger.Info().Str("path", path).Int64("bytes", size).Msg("backup succeeded")

	if p.enableDiff {
		done := &types.BackupTask{ID: task.ID, DeviceID: task.DeviceID, ArtifactPath: path}
		p.diffWG.Add(1)
		go func() {
			defer p.diffWG.Done()
			if err := p.artifacts.Diff(dev, done); err != nil {
				logger.Warn().Err(err).Msg("diff generation failed")
			}
		}()
	}
}

func (p *Pool) gate(deviceID int64) *sync.Mutex {
	p.gateMu.Lock()
	defer p.gateMu.Unlock()
	g, ok := p.gates[deviceID]
	if !ok {
		g = &sync.Mutex{}
		p.gates[deviceID] = g
	}
	return g
}

// execute runs the capture command under a wall-clock bound. A session
// abandoned on timeout is disposed by the caller, which unblocks its
// read loop.
func (p *Pool) execute(sess device.Session, command string) (string, error) {
	type result struct {
		output string
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		out, err := sess.Execute(command)
		ch <- result{out, err}
	}()

	select {
	case r := <-ch:
		return r.output, r.err
	case <-time.After(p.executeTimeout):
		return "", fmt.Errorf("%w: %q exceeded %s", types.ErrTimeout, command, p.executeTimeout)
	}
}

// fail finalizes a claimed task as failed and records the outcome on the
// device when it is known
func (p *Pool) fail(task *types.BackupTask, dev *types.Device, message string) {
	err := p.store.Finalize(task.ID, store.FinalizeResult{
		Status:       types.TaskStatusFailed,
		ErrorMessage: message,
	})
	if err != nil {
		log.WithTaskID(task.ID).Error().Err(err).Msg("finalize failed")
	}
	if dev != nil {
		p.store.SetDeviceBackupState(dev.ID, time.Now(), types.TaskStatusFailed)
	}
	metrics.BackupsCompleted.WithLabelValues(string(types.TaskStatusFailed)).Inc()
}

// disposable reports whether the error leaves the session state suspect
func disposable(err error) bool {
	return errors.Is(err, types.ErrTransport) ||
		errors.Is(err, types.ErrTimeout) ||
		errors.Is(err, types.ErrUnreachable)
}
