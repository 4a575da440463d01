package network

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBandwidthClass(t *testing.T) {
	tests := []struct {
		name  string
		state State
		want  BandwidthClass
	}{
		{"offline", State{Type: ConnectionNone}, BandwidthSlow},
		{"wifi", State{Type: ConnectionWifi, Online: true}, BandwidthFast},
		{"ethernet", State{Type: ConnectionEthernet, Online: true}, BandwidthFast},
		{"5g", State{Type: ConnectionCellular, Generation: Generation5G, Online: true}, BandwidthFast},
		{"4g", State{Type: ConnectionCellular, Generation: Generation4G, Online: true}, BandwidthMedium},
		{"3g", State{Type: ConnectionCellular, Generation: Generation3G, Online: true}, BandwidthSlow},
		{"cellular unknown generation", State{Type: ConnectionCellular, Online: true}, BandwidthMedium},
		{"unknown", State{Type: ConnectionUnknown, Online: true}, BandwidthMedium},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.state.Bandwidth())
		})
	}
}

func TestConnectionQualityThresholds(t *testing.T) {
	tests := []struct {
		name     string
		failures int
		latency  time.Duration
		want     Quality
	}{
		{"fast and clean", 0, 100 * time.Millisecond, QualityExcellent},
		{"slightly slow", 0, 1500 * time.Millisecond, QualityGood},
		{"some failures", 8, 100 * time.Millisecond, QualityGood},
		{"slow", 0, 3000 * time.Millisecond, QualityFair},
		{"more failures", 15, 100 * time.Millisecond, QualityFair},
		{"very slow", 0, 6000 * time.Millisecond, QualityPoor},
		{"failing", 21, 100 * time.Millisecond, QualityPoor},
		{"exactly twenty percent", 20, 100 * time.Millisecond, QualityFair},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMonitor(State{Type: ConnectionWifi, Online: true})
			for i := 0; i < 100; i++ {
				m.RecordRequest(tt.latency, i < tt.failures)
			}
			assert.Equal(t, tt.want, m.ConnectionQuality())
		})
	}
}

func TestConnectionQualityRollingWindow(t *testing.T) {
	m := NewMonitor(State{Type: ConnectionWifi, Online: true})
	for i := 0; i < 100; i++ {
		m.RecordRequest(10*time.Millisecond, true)
	}
	require.Equal(t, QualityPoor, m.ConnectionQuality())

	// A full window of successes pushes every failure out.
	for i := 0; i < 100; i++ {
		m.RecordRequest(10*time.Millisecond, false)
	}
	assert.Equal(t, QualityExcellent, m.ConnectionQuality())
}

func TestConnectionQualityWithoutSamples(t *testing.T) {
	assert.Equal(t, QualityPoor, NewMonitor(State{Type: ConnectionNone}).ConnectionQuality())
	assert.Equal(t, QualityExcellent, NewMonitor(State{Type: ConnectionWifi, Online: true}).ConnectionQuality())
	assert.Equal(t, QualityFair, NewMonitor(State{Type: ConnectionCellular, Generation: Generation3G, Online: true}).ConnectionQuality())
}

func TestMonitorReconnectEvent(t *testing.T) {
	m := NewMonitor(State{Type: ConnectionNone})

	var changes []State
	var reconnects int
	unsubscribe := m.Subscribe(func(prev, next State) { changes = append(changes, next) })
	m.OnReconnect(func() { reconnects++ })

	m.Update(State{Type: ConnectionWifi, Online: true})
	m.Update(State{Type: ConnectionCellular, Generation: Generation4G, Online: true})
	m.Update(State{Type: ConnectionNone, Online: true})
	m.Update(State{Type: ConnectionWifi, Online: true})

	assert.Equal(t, 2, reconnects, "only offline to online transitions reconnect")
	require.Len(t, changes, 4)
	assert.False(t, changes[2].Online, "type none forces offline")
	assert.True(t, m.IsOnline())
	assert.Equal(t, ConnectionWifi, m.ConnectionType())
	assert.Equal(t, BandwidthFast, m.BandwidthClass())

	unsubscribe()
	m.SetOnline(false)
	assert.Len(t, changes, 4)
	assert.False(t, m.IsOnline())
}

func TestMonitorListenerPanicIsolated(t *testing.T) {
	m := NewMonitor(State{Type: ConnectionNone})
	called := false
	m.Subscribe(func(prev, next State) { panic("boom") })
	m.Subscribe(func(prev, next State) { called = true })

	m.SetOnline(true)
	assert.True(t, called)
	assert.Equal(t, ConnectionUnknown, m.ConnectionType())
}

func TestMonitorNoEventWithoutChange(t *testing.T) {
	m := NewMonitor(State{Type: ConnectionWifi, Online: true})
	calls := 0
	m.Subscribe(func(prev, next State) { calls++ })
	m.Update(State{Type: ConnectionWifi, Online: true})
	assert.Zero(t, calls)
}
