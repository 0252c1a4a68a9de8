package metrics

import (
	"time"

	"github.com/netsnap/netsnap/pkg/types"
)

// StatsSource is the slice of the orchestrator the collector polls
type StatsSource interface {
	Statistics() (*types.Statistics, error)
	ListDevices() ([]*types.Device, error)
}

// SessionSource reports open device sessions
type SessionSource interface {
	LiveSessions() int
}

// Collector periodically refreshes the fleet gauges from the store
type Collector struct {
	stats    StatsSource
	sessions SessionSource
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a collector; sessions may be nil
func NewCollector(stats StatsSource, sessions SessionSource) *Collector {
	return &Collector{
		stats:    stats,
		sessions: sessions,
		interval: 15 * time.Second,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting; the first pass runs immediately
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectDevices()
	c.collectTasks()
	if c.sessions != nil {
		LiveSessions.Set(float64(c.sessions.LiveSessions()))
	}
}

func (c *Collector) collectDevices() {
	devices, err := c.stats.ListDevices()
	if err != nil {
		return
	}
	var active, inactive int
	for _, dev := range devices {
		if dev.IsActive {
			active++
		} else {
			inactive++
		}
	}
	DevicesTotal.WithLabelValues("active").Set(float64(active))
	DevicesTotal.WithLabelValues("inactive").Set(float64(inactive))
}

func (c *Collector) collectTasks() {
	stats, err := c.stats.Statistics()
	if err != nil {
		return
	}
	TasksTotal.WithLabelValues("success").Set(float64(stats.SuccessTasks))
	TasksTotal.WithLabelValues("failed").Set(float64(stats.FailedTasks))
	TasksTotal.WithLabelValues("running").Set(float64(stats.RunningTasks))
	ArtifactBytes.Set(float64(stats.TotalBytes))
	SuccessRate.Set(stats.SuccessRate)
}
