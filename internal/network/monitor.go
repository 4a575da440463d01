// Package network provides connectivity monitoring and the adaptive HTTP
// client used to talk to the portal backend.
package network

import (
	"sort"
	"sync"
	"time"

	"github.com/kimhsiao/medportal/core/internal/logging"
)

// ConnectionType is the kind of link the device is using.
type ConnectionType string

const (
	ConnectionWifi     ConnectionType = "wifi"
	ConnectionCellular ConnectionType = "cellular"
	ConnectionEthernet ConnectionType = "ethernet"
	ConnectionNone     ConnectionType = "none"
	ConnectionUnknown  ConnectionType = "unknown"
)

// CellularGeneration is the reported radio generation, empty when unknown.
type CellularGeneration string

const (
	Generation2G CellularGeneration = "2g"
	Generation3G CellularGeneration = "3g"
	Generation4G CellularGeneration = "4g"
	Generation5G CellularGeneration = "5g"
)

// BandwidthClass is a coarse throughput estimate.
type BandwidthClass string

const (
	BandwidthSlow   BandwidthClass = "SLOW"
	BandwidthMedium BandwidthClass = "MEDIUM"
	BandwidthFast   BandwidthClass = "FAST"
)

// Quality is the observed connection quality.
type Quality string

const (
	QualityPoor      Quality = "POOR"
	QualityFair      Quality = "FAIR"
	QualityGood      Quality = "GOOD"
	QualityExcellent Quality = "EXCELLENT"
)

// qualityWindow is the number of recent requests used for ConnectionQuality.
const qualityWindow = 100

// State is a connectivity snapshot.
type State struct {
	Type       ConnectionType     `json:"type"`
	Generation CellularGeneration `json:"generation,omitempty"`
	Online     bool               `json:"online"`
}

// Bandwidth derives the bandwidth class from the connection type and, on
// cellular, the radio generation.
func (s State) Bandwidth() BandwidthClass {
	if !s.Online {
		return BandwidthSlow
	}
	switch s.Type {
	case ConnectionWifi, ConnectionEthernet:
		return BandwidthFast
	case ConnectionCellular:
		switch s.Generation {
		case Generation5G:
			return BandwidthFast
		case Generation2G, Generation3G:
			return BandwidthSlow
		default:
			return BandwidthMedium
		}
	default:
		return BandwidthMedium
	}
}

// Listener receives every state change.
type Listener func(prev, next State)

type sample struct {
	latency time.Duration
	failed  bool
}

// Monitor tracks connectivity and request quality. Platform code pushes
// connectivity changes with Update; the network client reports every
// request outcome with RecordRequest.
type Monitor struct {
	mu        sync.RWMutex
	state     State
	samples   []sample
	next      int
	listeners map[int]Listener
	reconnect map[int]func()
	lastID    int
}

// NewMonitor creates a Monitor with an initial state.
func NewMonitor(initial State) *Monitor {
	return &Monitor{
		state:     initial,
		samples:   make([]sample, 0, qualityWindow),
		listeners: make(map[int]Listener),
		reconnect: make(map[int]func()),
	}
}

// State returns the current snapshot.
func (m *Monitor) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// IsOnline reports whether the device has connectivity.
func (m *Monitor) IsOnline() bool {
	return m.State().Online
}

// ConnectionType returns the current connection type.
func (m *Monitor) ConnectionType() ConnectionType {
	return m.State().Type
}

// BandwidthClass returns the current bandwidth estimate.
func (m *Monitor) BandwidthClass() BandwidthClass {
	return m.State().Bandwidth()
}

// Update sets the connectivity state and notifies listeners. A transition
// from offline to online also fires the reconnect handlers.
func (m *Monitor) Update(next State) {
	if next.Type == ConnectionNone {
		next.Online = false
	}

	m.mu.Lock()
	prev := m.state
	m.state = next
	listeners := sortedValues(m.listeners)
	var reconnects []func()
	if !prev.Online && next.Online {
		reconnects = sortedValues(m.reconnect)
	}
	m.mu.Unlock()

	if prev == next {
		return
	}

	logging.Info("Network state changed", map[string]interface{}{
		"type":      string(next.Type),
		"online":    next.Online,
		"bandwidth": string(next.Bandwidth()),
	})

	for _, fn := range listeners {
		notify(func() { fn(prev, next) })
	}
	for _, fn := range reconnects {
		notify(fn)
	}
}

// SetOnline is a shorthand for Update that keeps the connection type.
func (m *Monitor) SetOnline(online bool) {
	s := m.State()
	s.Online = online
	if online && s.Type == ConnectionNone {
		s.Type = ConnectionUnknown
	}
	m.Update(s)
}

// Subscribe registers fn for every state change. The returned function
// removes the subscription.
func (m *Monitor) Subscribe(fn Listener) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastID++
	id := m.lastID
	m.listeners[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}

// OnReconnect registers fn for offline to online transitions.
func (m *Monitor) OnReconnect(fn func()) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastID++
	id := m.lastID
	m.reconnect[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.reconnect, id)
	}
}

// RecordRequest adds one request outcome to the rolling quality window.
func (m *Monitor) RecordRequest(latency time.Duration, failed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := sample{latency: latency, failed: failed}
	if len(m.samples) < qualityWindow {
		m.samples = append(m.samples, s)
		return
	}
	m.samples[m.next] = s
	m.next = (m.next + 1) % qualityWindow
}

// ConnectionQuality grades the link from the recent failure rate and
// average latency. Without samples it falls back to the bandwidth class.
func (m *Monitor) ConnectionQuality() Quality {
	m.mu.RLock()
	state := m.state
	n := len(m.samples)
	var failures int
	var total time.Duration
	for _, s := range m.samples {
		if s.failed {
			failures++
		}
		total += s.latency
	}
	m.mu.RUnlock()

	if !state.Online {
		return QualityPoor
	}
	if n == 0 {
		switch state.Bandwidth() {
		case BandwidthFast:
			return QualityExcellent
		case BandwidthMedium:
			return QualityGood
		default:
			return QualityFair
		}
	}

	failureRate := float64(failures) / float64(n)
	avg := total / time.Duration(n)
	switch {
	case failureRate > 0.20 || avg > 5000*time.Millisecond:
		return QualityPoor
	case failureRate > 0.10 || avg > 2000*time.Millisecond:
		return QualityFair
	case failureRate > 0.05 || avg > 1000*time.Millisecond:
		return QualityGood
	default:
		return QualityExcellent
	}
}

func notify(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logging.Warn("Network listener panicked", map[string]interface{}{"panic": r})
		}
	}()
	fn()
}

// sortedValues returns map values in ascending key order.
func sortedValues[T any](m map[int]T) []T {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	out := make([]T, 0, len(keys))
	for _, k := range keys {
		out = append(out, m[k])
	}
	return out
}
