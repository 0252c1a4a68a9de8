package connpool

import (
	"fmt"
	"sync"
	"time"

	"github.com/netsnap/netsnap/pkg/device"
	"github.com/netsnap/netsnap/pkg/log"
	"github.com/netsnap/netsnap/pkg/types"
)

// DefaultMaxSessions bounds live sessions across the fleet
const DefaultMaxSessions = 10

// defaultIdleTimeout is how long a released session stays warm before the
// sweep closes it
const defaultIdleTimeout = 5 * time.Minute

// CredentialSource decrypts device credentials on demand
type CredentialSource interface {
	Decrypt(ciphertext string) (string, error)
}

// entry tracks one device's cached session. The per-device mutex
// serializes every task touching that device; lastUsed feeds idle
// eviction.
type entry struct {
	mu       sync.Mutex
	session  device.Session
	lastUsed time.Time
}

// Pool caches live device sessions. It enforces at most one in-use session
// per device (callers queue on the per-device mutex) and a global live
// session cap (callers block on the slot semaphore).
type Pool struct {
	dialer device.Dialer
	creds  CredentialSource

	mu      sync.Mutex
	entries map[int64]*entry
	slots   chan struct{} // one token per live session

	stopSweep chan struct{}
	sweepOnce sync.Once
}

// Config holds the knobs for a Pool
type Config struct {
	Dialer      device.Dialer
	Credentials CredentialSource
	MaxSessions int
	IdleTimeout time.Duration
}

// New creates a connection pool and starts the idle sweep
func New(cfg Config) *Pool {
	max := cfg.MaxSessions
	if max <= 0 {
		max = DefaultMaxSessions
	}
	idle := cfg.IdleTimeout
	if idle <= 0 {
		idle = defaultIdleTimeout
	}

	p := &Pool{
		dialer:    cfg.Dialer,
		creds:     cfg.Credentials,
		entries:   make(map[int64]*entry),
		slots:     make(chan struct{}, max),
		stopSweep: make(chan struct{}),
	}
	go p.sweep(idle)
	return p
}

// Acquire returns an open session for the device, opening one if none is
// cached. It blocks on the per-device mutex while another task holds the
// device, and on a session slot when the global cap is reached.
func (p *Pool) Acquire(dev *types.Device) (device.Session, error) {
	e := p.entryFor(dev.ID)
	e.mu.Lock()

	if e.session != nil {
		return e.session, nil
	}

	// New session: take a global slot first
	p.slots <- struct{}{}

	sess, err := p.open(dev)
	if err != nil {
		<-p.slots
		e.mu.Unlock()
		return nil, err
	}

	e.session = sess
	return sess, nil
}

// Release marks the device free but keeps the session warm for reuse
func (p *Pool) Release(dev *types.Device) {
	e := p.entryFor(dev.ID)
	e.lastUsed = time.Now()
	e.mu.Unlock()
}

// Dispose closes and removes the device's session, then releases the
// device. Used after transport errors, when the session state is suspect.
func (p *Pool) Dispose(dev *types.Device) {
	e := p.entryFor(dev.ID)
	if e.session != nil {
		if err := e.session.Close(); err != nil {
			log.WithComponent("connpool").Debug().Err(err).Int64("device_id", dev.ID).Msg("close failed during dispose")
		}
		e.session = nil
		<-p.slots
	}
	e.mu.Unlock()
}

// Shutdown closes every cached session and stops the sweep
func (p *Pool) Shutdown() {
	p.sweepOnce.Do(func() { close(p.stopSweep) })

	p.mu.Lock()
	entries := make([]*entry, 0, len(p.entries))
	for _, e := range p.entries {
		entries = append(entries, e)
	}
	p.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
		if e.session != nil {
			e.session.Close()
			e.session = nil
			<-p.slots
		}
		e.mu.Unlock()
	}
}

// LiveSessions reports how many sessions are currently open
func (p *Pool) LiveSessions() int {
	return len(p.slots)
}

func (p *Pool) entryFor(deviceID int64) *entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[deviceID]
	if !ok {
		e = &entry{}
		p.entries[deviceID] = e
	}
	return e
}

func (p *Pool) open(dev *types.Device) (device.Session, error) {
	password, err := p.creds.Decrypt(dev.Password)
	if err != nil {
		return nil, fmt.Errorf("device %d password: %w", dev.ID, err)
	}
	creds := device.Credentials{Password: password}
	if dev.EnablePassword != "" {
		enable, err := p.creds.Decrypt(dev.EnablePassword)
		if err != nil {
			return nil, fmt.Errorf("device %d enable password: %w", dev.ID, err)
		}
		creds.EnablePassword = enable
	}
	return p.dialer.Open(dev, creds)
}

// sweep closes sessions that have sat idle past the timeout. Not required
// for correctness; keeps warm sessions from pinning slots forever.
func (p *Pool) sweep(idle time.Duration) {
	ticker := time.NewTicker(idle / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.evictIdle(idle)
		case <-p.stopSweep:
			return
		}
	}
}

func (p *Pool) evictIdle(idle time.Duration) {
	p.mu.Lock()
	candidates := make([]*entry, 0, len(p.entries))
	for _, e := range p.entries {
		candidates = append(candidates, e)
	}
	p.mu.Unlock()

	cutoff := time.Now().Add(-idle)
	for _, e := range candidates {
		// TryLock: an in-use device is by definition not idle
		if !e.mu.TryLock() {
			continue
		}
		if e.session != nil && e.lastUsed.Before(cutoff) {
			e.session.Close()
			e.session = nil
			<-p.slots
		}
		e.mu.Unlock()
	}
}
