// Package media is the adaptive image pipeline: it turns backend images into
// quality tiers and progressive stages, cached on disk and in memory.
package media

import (
	"github.com/kimhsiao/medportal/core/internal/models"
	"github.com/kimhsiao/medportal/core/internal/network"
)

// QualityAdaptive resolves to the resource monitor's recommendation.
const QualityAdaptive models.ImageQuality = "ADAPTIVE"

// Preset bounds an output image. A zero MaxWidth keeps the source untouched.
type Preset struct {
	MaxWidth    int
	MaxHeight   int
	JPEGQuality int
	// Blur is the gaussian sigma applied after resizing.
	Blur float64
}

// Presets maps quality tiers to output bounds.
var Presets = map[models.ImageQuality]Preset{
	models.QualityLow:      {MaxWidth: 512, MaxHeight: 512, JPEGQuality: 60},
	models.QualityMedium:   {MaxWidth: 1024, MaxHeight: 1024, JPEGQuality: 75},
	models.QualityHigh:     {MaxWidth: 2048, MaxHeight: 2048, JPEGQuality: 85},
	models.QualityOriginal: {},
}

// Stage is one step of a progressive load.
type Stage string

const (
	StagePlaceholder Stage = "PLACEHOLDER"
	StageThumbnail   Stage = "THUMBNAIL"
	StagePreview     Stage = "PREVIEW"
	StageFull        Stage = "FULL"
)

var stagePresets = map[Stage]Preset{
	StagePlaceholder: {MaxWidth: 32, MaxHeight: 32, JPEGQuality: 40, Blur: 2},
	StageThumbnail:   {MaxWidth: 200, MaxHeight: 200, JPEGQuality: 70},
	StagePreview:     {MaxWidth: 800, MaxHeight: 800, JPEGQuality: 75},
}

// stagesFor returns the progressive stages for a bandwidth class. Slow
// networks go straight from the thumbnail to the full image.
func stagesFor(bw network.BandwidthClass) []Stage {
	if bw == network.BandwidthSlow {
		return []Stage{StagePlaceholder, StageThumbnail, StageFull}
	}
	return []Stage{StagePlaceholder, StageThumbnail, StagePreview, StageFull}
}

// prefetchConcurrency bounds parallel downloads in a batch prefetch.
func prefetchConcurrency(bw network.BandwidthClass) int {
	switch bw {
	case network.BandwidthSlow:
		return 2
	case network.BandwidthMedium:
		return 3
	default:
		return 5
	}
}
