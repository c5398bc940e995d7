package calc

import "time"

// TickState is the per-participant state a metric tick reads and advances.
// The caller keeps it between ticks and resets it at session start.
type TickState struct {
	Dwell       [NumZones]time.Duration // time in zone since its last award
	ZoneMinutes [NumZones]float64
	VO2         VO2State
	PrevHR      int
	PrevZone    Zone
}

// TickResult holds the increments produced by one tick.
type TickResult struct {
	Zone          Zone
	Percent       int
	Calories      float64
	Points        float64
	VO2Seconds    float64
	MinuteAwarded bool
	Recovery      bool
}

// Tick advances st by one metric step of length elapsed ending at now. trimp
// is the participant's current TRIMP score, used for the minute award bonus.
// The returned increments are never negative.
func Tick(hr int, b Body, trimp float64, st *TickState, elapsed time.Duration, now time.Time) TickResult {
	if hr <= 0 || elapsed <= 0 {
		return TickResult{}
	}

	res := TickResult{Percent: Percent(hr, b.MaxHR)}
	res.Zone = ZoneForPercent(float64(res.Percent))

	st.Dwell[res.Zone] += elapsed
	if st.Dwell[res.Zone] >= ZoneAwardDwell {
		res.Points += MinuteAward(res.Zone, st.ZoneMinutes[ZoneRed], trimp)
		res.MinuteAwarded = true
		st.Dwell[res.Zone] = 0
	}
	st.ZoneMinutes[res.Zone] += elapsed.Minutes()

	res.Calories = CaloriesPerSecond(hr, b) * elapsed.Seconds()

	if bonus := RecoveryBonus(st.PrevZone, st.PrevHR, res.Zone, hr); bonus > 0 {
		res.Points += bonus
		res.Recovery = true
	}
	st.PrevHR = hr
	st.PrevZone = res.Zone

	if hr > MinValidHR && b.MaxHR > 0 {
		res.VO2Seconds = st.VO2.Advance(RawPercent(hr, b.MaxHR), now, elapsed)
	}
	return res
}
