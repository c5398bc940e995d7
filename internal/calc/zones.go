// Package calc holds the heart-rate arithmetic used during a live class: zone
// classification, calories, training-load points, TRIMP, VO2-zone time and the
// end of session EPOC estimate. Everything here is a pure function of its
// inputs; callers own the accumulated state.
package calc

import "math"

// Zone is a heart-rate intensity band expressed as a percentage of max HR.
type Zone int

const (
	ZoneGray Zone = iota
	ZoneGreen
	ZoneBlue
	ZoneYellow
	ZoneOrange
	ZoneRed
)

// NumZones is the number of bands; Zone values index [NumZones] arrays.
const NumZones = 6

var zoneNames = [NumZones]string{"gray", "green", "blue", "yellow", "orange", "red"}

func (z Zone) String() string {
	if z < ZoneGray || z > ZoneRed {
		return "unknown"
	}
	return zoneNames[z]
}

// Zones lists every band in ascending intensity.
func Zones() []Zone {
	return []Zone{ZoneGray, ZoneGreen, ZoneBlue, ZoneYellow, ZoneOrange, ZoneRed}
}

// ZoneForPercent classifies a percentage of max HR. The six bands partition
// [0, +Inf); negative and NaN inputs are treated as gray.
func ZoneForPercent(p float64) Zone {
	switch {
	case math.IsNaN(p) || p < 50:
		return ZoneGray
	case p < 60:
		return ZoneGreen
	case p < 70:
		return ZoneBlue
	case p < 80:
		return ZoneYellow
	case p < 90:
		return ZoneOrange
	default:
		return ZoneRed
	}
}

// RawPercent returns hr as an unrounded percentage of maxHR, or 0 when maxHR
// is unknown.
func RawPercent(hr, maxHR int) float64 {
	if maxHR <= 0 || hr <= 0 {
		return 0
	}
	return float64(hr) / float64(maxHR) * 100
}

// Percent returns hr as a percentage of maxHR rounded to the nearest integer.
func Percent(hr, maxHR int) int {
	return int(math.Round(RawPercent(hr, maxHR)))
}

// ZoneFor classifies hr against maxHR using the rounded percentage.
func ZoneFor(hr, maxHR int) Zone {
	return ZoneForPercent(float64(Percent(hr, maxHR)))
}
