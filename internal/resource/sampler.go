package resource

import (
	"context"
	"runtime"
	"sync"
)

// MemoryStats is one memory sample.
type MemoryStats struct {
	Used  uint64 `json:"used"`
	Total uint64 `json:"total"`
}

// Ratio returns Used/Total, or 0 when Total is unknown.
func (m MemoryStats) Ratio() float64 {
	if m.Total == 0 {
		return 0
	}
	return float64(m.Used) / float64(m.Total)
}

// BatteryState is one battery sample. Level is in [0, 1].
type BatteryState struct {
	Level        float64 `json:"level"`
	Charging     bool    `json:"charging"`
	LowPowerMode bool    `json:"lowPowerMode"`
}

// Sampler reads device state. Platform bridges implement it; tests use
// StaticSampler.
type Sampler interface {
	Memory(ctx context.Context) (MemoryStats, error)
	Battery(ctx context.Context) (BatteryState, error)
}

// DefaultMemoryBudget is the estimated memory available to the process when
// the platform does not report a total.
const DefaultMemoryBudget = 512 << 20

// RuntimeSampler measures the Go heap against a fixed budget and reports
// an always-charging battery. It is used when no platform bridge exists.
type RuntimeSampler struct {
	Budget uint64
}

// Memory implements Sampler.
func (r RuntimeSampler) Memory(ctx context.Context) (MemoryStats, error) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	total := r.Budget
	if total == 0 {
		total = DefaultMemoryBudget
	}
	return MemoryStats{Used: ms.HeapAlloc, Total: total}, nil
}

// Battery implements Sampler.
func (RuntimeSampler) Battery(ctx context.Context) (BatteryState, error) {
	return BatteryState{Level: 1, Charging: true}, nil
}

// StaticSampler returns whatever state was last set on it.
type StaticSampler struct {
	mu      sync.Mutex
	memory  MemoryStats
	battery BatteryState
	err     error
}

// NewStaticSampler creates a sampler with low memory use and a full battery.
func NewStaticSampler() *StaticSampler {
	return &StaticSampler{
		memory:  MemoryStats{Used: 100, Total: 1000},
		battery: BatteryState{Level: 1, Charging: true},
	}
}

// SetMemory sets the next memory sample to used/total.
func (s *StaticSampler) SetMemory(used, total uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memory = MemoryStats{Used: used, Total: total}
}

// SetBattery sets the next battery sample.
func (s *StaticSampler) SetBattery(b BatteryState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.battery = b
}

// SetError makes every sample fail with err; nil clears it.
func (s *StaticSampler) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Memory implements Sampler.
func (s *StaticSampler) Memory(ctx context.Context) (MemoryStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.memory, s.err
}

// Battery implements Sampler.
func (s *StaticSampler) Battery(ctx context.Context) (BatteryState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.battery, s.err
}
