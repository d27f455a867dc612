// Package lod maps screen resolution to discrete levels of detail and
// reduces span and metric payloads to a given level.
//
// Each level is 100x coarser than the previous one. LOD 0 is the raw data;
// LOD n merges everything closer than MergeThresholdForLod(n).
package lod

import (
	"math"

	"github.com/tobert/tracelod/internal/model"
)

// GetLodFromPixelSize returns the level of detail appropriate for a pixel
// covering msPerPixel milliseconds. Non-decreasing in msPerPixel.
func GetLodFromPixelSize(msPerPixel float64) int {
	switch {
	case math.IsNaN(msPerPixel) || msPerPixel <= 0:
		return 0
	case math.IsInf(msPerPixel, 1):
		return math.MaxInt32
	}
	lod := math.Floor(math.Log(msPerPixel)/math.Log(100) + 2)
	if lod < 0 {
		return 0
	}
	return int(lod)
}

// MergeThresholdForLod returns the time gap, in ms, below which two
// neighbouring spans or points are indistinguishable at lod.
func MergeThresholdForLod(lod int) float64 {
	return math.Pow(100, float64(lod-2)) / 10
}

// ComputePreferredLod returns the LOD to fetch for block when the view
// range is drawn on widthPx pixels. ok is false when the block does not
// intersect the view, in which case nothing needs fetching.
func ComputePreferredLod(widthPx int, view, block model.TimeRange) (lod int, ok bool) {
	if !block.Overlaps(view) {
		return 0, false
	}
	if widthPx <= 0 {
		widthPx = 1
	}
	return GetLodFromPixelSize(view.Width() / float64(widthPx)), true
}
