// Package netstate tracks whether the remote services are reachable.
//
// A Monitor holds the current state and wakes subscribers when it changes.
// A Prober feeds a Monitor by polling an HTTP endpoint. Without a prober the
// monitor simply keeps whatever state it was created with.
package netstate

import (
	"context"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Monitor is the shared reachability state.
type Monitor struct {
	mu     sync.RWMutex
	online bool
	subs   map[int]chan bool
	nextID int
}

// NewMonitor returns a Monitor starting in the given state.
func NewMonitor(online bool) *Monitor {
	return &Monitor{online: online, subs: make(map[int]chan bool)}
}

// Online reports the current state.
func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// Set updates the state. Subscribers are notified only on a change.
func (m *Monitor) Set(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.online == online {
		return
	}
	m.online = online
	for _, ch := range m.subs {
		// Keep only the latest state in each one-slot buffer.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- online:
		default:
		}
	}
}

// Subscribe returns a channel that receives the new state after each change.
// Only the most recent undelivered state is kept.
func (m *Monitor) Subscribe() (<-chan bool, func()) {
	ch := make(chan bool, 1)
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = ch
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}
}

// ProberConfig holds settings for a Prober.
type ProberConfig struct {
	// URL is fetched with GET; any HTTP response counts as reachable.
	URL string

	// Interval between probes.
	Interval time.Duration

	// Timeout bounds a single probe.
	Timeout time.Duration

	// Client performs the probes. Defaults to a plain http.Client.
	Client *http.Client

	// Clock paces the probes. Defaults to the real clock.
	Clock clockwork.Clock

	// Logger for state changes. Defaults to stderr.
	Logger *log.Logger
}

// DefaultProberConfig returns the default probe pacing.
func DefaultProberConfig() ProberConfig {
	return ProberConfig{
		Interval: 15 * time.Second,
		Timeout:  3 * time.Second,
	}
}

// Prober polls a URL and feeds the result into a Monitor.
type Prober struct {
	cfg     ProberConfig
	monitor *Monitor
}

// NewProber creates a Prober for monitor.
func NewProber(monitor *Monitor, cfg ProberConfig) *Prober {
	defaults := DefaultProberConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = defaults.Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[netstate] ", log.LstdFlags)
	}
	return &Prober{cfg: cfg, monitor: monitor}
}

// Run probes immediately and then every Interval until ctx is cancelled.
func (p *Prober) Run(ctx context.Context) {
	p.ProbeOnce(ctx)

	ticker := p.cfg.Clock.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			p.ProbeOnce(ctx)
		}
	}
}

// ProbeOnce performs one probe, updates the monitor and returns the result.
func (p *Prober) ProbeOnce(ctx context.Context) bool {
	online := p.probe(ctx)
	if ctx.Err() != nil {
		return p.monitor.Online()
	}
	if online != p.monitor.Online() {
		if online {
			p.cfg.Logger.Printf("Remote reachable again (%s)", p.cfg.URL)
		} else {
			p.cfg.Logger.Printf("Remote unreachable (%s), working offline", p.cfg.URL)
		}
	}
	p.monitor.Set(online)
	return online
}

func (p *Prober) probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.URL, nil)
	if err != nil {
		return false
	}
	resp, err := p.cfg.Client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}
