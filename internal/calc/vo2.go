package calc

import "time"

const (
	// VO2ThresholdPercent is the share of max HR that counts as VO2 zone.
	VO2ThresholdPercent = 92.0
	// VO2Grace is how long a participant must stay in zone before time accrues.
	VO2Grace = 60 * time.Second
)

// VO2State tracks one participant's current stay in the VO2 zone.
type VO2State struct {
	Active     bool
	GraceStart time.Time // start of the first tick spent in zone
}

// Advance feeds one tick of length elapsed ending at now and returns the
// seconds of VO2 time earned by it. Leaving the zone resets the grace window.
func (s *VO2State) Advance(percent float64, now time.Time, elapsed time.Duration) float64 {
	if percent < VO2ThresholdPercent {
		s.Active = false
		s.GraceStart = time.Time{}
		return 0
	}
	if elapsed < 0 {
		elapsed = 0
	}
	if !s.Active {
		s.Active = true
		s.GraceStart = now.Add(-elapsed)
	}

	inZone := now.Sub(s.GraceStart)
	before := inZone - elapsed
	earned := beyondGrace(inZone) - beyondGrace(before)
	if earned < 0 {
		return 0
	}
	return earned.Seconds()
}

func beyondGrace(d time.Duration) time.Duration {
	if d <= VO2Grace {
		return 0
	}
	return d - VO2Grace
}
