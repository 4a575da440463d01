// Package resource watches memory and battery pressure and derives the
// optimization strategy other components consult before doing optional work.
package resource

import "github.com/kimhsiao/medportal/core/internal/models"

// MemoryTier classifies memory usage.
type MemoryTier string

const (
	MemoryNormal   MemoryTier = "NORMAL"
	MemoryWarning  MemoryTier = "WARNING"
	MemoryCritical MemoryTier = "CRITICAL"
)

// PowerTier classifies battery state.
type PowerTier string

const (
	PowerNormal   PowerTier = "NORMAL"
	PowerLow      PowerTier = "LOW"
	PowerSystem   PowerTier = "SYSTEM"
	PowerCritical PowerTier = "CRITICAL"
)

// CleanupLevel tells cleanup callbacks how much to free.
type CleanupLevel string

const (
	CleanupLight      CleanupLevel = "LIGHT"
	CleanupModerate   CleanupLevel = "MODERATE"
	CleanupAggressive CleanupLevel = "AGGRESSIVE"
)

const (
	memoryWarningRatio    = 0.75
	memoryCriticalRatio   = 0.90
	memoryAggressiveRatio = 0.95

	batteryLowLevel      = 0.20
	batteryCriticalLevel = 0.10
)

// Strategy is the set of degradations currently in effect.
type Strategy struct {
	ReduceAnimations    bool `json:"reduceAnimations"`
	LowQualityImages    bool `json:"lowQualityImages"`
	LimitBackgroundSync bool `json:"limitBackgroundSync"`
	AggressiveCaching   bool `json:"aggressiveCaching"`
	ReducedNetworkCalls bool `json:"reducedNetworkCalls"`
}

// Flags returns the strategy as named booleans.
func (s Strategy) Flags() map[string]bool {
	return map[string]bool{
		"reduce_animations":     s.ReduceAnimations,
		"low_quality_images":    s.LowQualityImages,
		"limit_background_sync": s.LimitBackgroundSync,
		"aggressive_caching":    s.AggressiveCaching,
		"reduced_network_calls": s.ReducedNetworkCalls,
	}
}

func classifyMemory(ratio float64) MemoryTier {
	switch {
	case ratio > memoryCriticalRatio:
		return MemoryCritical
	case ratio > memoryWarningRatio:
		return MemoryWarning
	default:
		return MemoryNormal
	}
}

func classifyBattery(b BatteryState) PowerTier {
	if !b.Charging && b.Level < batteryCriticalLevel {
		return PowerCritical
	}
	if b.LowPowerMode {
		return PowerSystem
	}
	if !b.Charging && b.Level < batteryLowLevel {
		return PowerLow
	}
	return PowerNormal
}

// derive combines both tiers. Each tier turns on a superset of the flags of
// the tier below it; critical memory always turns aggressive caching off.
func derive(mem MemoryTier, power PowerTier) Strategy {
	var s Strategy

	switch power {
	case PowerCritical:
		s = Strategy{true, true, true, true, true}
	case PowerSystem:
		s.ReduceAnimations = true
		s.LimitBackgroundSync = true
		s.AggressiveCaching = true
		s.LowQualityImages = true
	case PowerLow:
		s.ReduceAnimations = true
		s.LimitBackgroundSync = true
		s.AggressiveCaching = true
	}

	switch mem {
	case MemoryCritical:
		s.ReduceAnimations = true
		s.LowQualityImages = true
		s.LimitBackgroundSync = true
		s.ReducedNetworkCalls = true
		s.AggressiveCaching = false
	case MemoryWarning:
		s.LowQualityImages = true
		s.LimitBackgroundSync = true
	}
	return s
}

func recommendedQuality(s Strategy, power PowerTier) models.ImageQuality {
	switch {
	case s.LowQualityImages:
		return models.QualityLow
	case power != PowerNormal:
		return models.QualityMedium
	default:
		return models.QualityHigh
	}
}

func batchSize(s Strategy, power PowerTier) int {
	switch {
	case s.ReducedNetworkCalls:
		return 1
	case power != PowerNormal:
		return 3
	default:
		return 10
	}
}
