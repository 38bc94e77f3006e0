// Package connectivity tracks whether the authoritative server is
// reachable, from explicit runtime signals and a periodic probe.
package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/omrozmn/x-ear-sub004/internal/events"
	"github.com/omrozmn/x-ear-sub004/internal/logging"
)

// Prober checks server reachability. server.HTTPClient implements it.
type Prober interface {
	Probe(ctx context.Context) error
}

// Monitor holds the current online state and publishes transitions on the
// event bus. The sync engine subscribes to the online transition as one of
// its triggers; the periodic probe is redundant with explicit signals on
// purpose, to recover from missed events.
type Monitor struct {
	mu        sync.RWMutex
	online    bool
	prober    Prober
	bus       *events.Bus
	interval  time.Duration
	stopCh    chan struct{}
	wg        sync.WaitGroup
	isRunning bool
}

// NewMonitor creates a Monitor. It assumes online until told otherwise.
// prober may be nil when only explicit SetOnline signals are used.
func NewMonitor(prober Prober, bus *events.Bus, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Monitor{
		online:   true,
		prober:   prober,
		bus:      bus,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Online returns the current connectivity state.
func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// SetOnline records a connectivity transition and publishes it. Repeated
// reports of the same state are absorbed silently.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	changed := m.online != online
	m.online = online
	m.mu.Unlock()

	if !changed {
		return
	}

	logging.Info("Connectivity changed", map[string]interface{}{"online": online})
	m.bus.Publish(events.Event{
		Type: events.ConnectivityChanged,
		Data: map[string]interface{}{"online": online},
	})
}

// Start runs the periodic reachability probe until Stop or ctx cancel.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.isRunning || m.prober == nil {
		m.mu.Unlock()
		return
	}
	m.isRunning = true
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
				err := m.prober.Probe(probeCtx)
				cancel()
				m.SetOnline(err == nil)
			}
		}
	}()
}

// Stop terminates the probe loop.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.isRunning {
		m.mu.Unlock()
		return
	}
	m.isRunning = false
	m.mu.Unlock()

	close(m.stopCh)
	m.wg.Wait()
}
