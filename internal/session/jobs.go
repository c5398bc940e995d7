package session

import (
	"context"
	"sort"

	"github.com/claytonnetvision/wodpulse/internal/calc"
	"github.com/claytonnetvision/wodpulse/internal/observability"
)

// metricTick advances zone dwell, points, calories and VO2 time of every
// connected participant with a reading, and publishes a snapshot.
func (c *Controller) metricTick(sc *SessionContext, gen uint64) {
	now := c.now()
	sc.mu.Lock()
	if !sc.liveLocked(gen) {
		sc.mu.Unlock()
		observability.RecordStaleTick(jobMetric)
		return
	}
	elapsed := now.Sub(sc.lastMetricAt)
	if elapsed > 0 {
		sc.lastMetricAt = now
		for _, id := range sc.order {
			m := sc.members[id]
			ls := &m.live
			if !ls.Connected || ls.HR <= 0 {
				// a stay in the VO2 zone must be continuous
				ls.Tick.VO2 = calc.VO2State{}
				continue
			}
			if ls.HR > ls.PeakHR {
				ls.PeakHR = ls.HR
			}
			if ls.PeakHR > ls.HistoricalPeakHR {
				ls.HistoricalPeakHR = ls.PeakHR
			}
			res := calc.Tick(ls.HR, sc.bodyLocked(m), ls.TRIMP, &ls.Tick, elapsed, now)
			ls.Zone, ls.Percent = res.Zone, res.Percent
			ls.Calories += res.Calories
			ls.Points += res.Points
			ls.VO2Seconds += res.VO2Seconds
		}
	}
	snap := sc.snapshotLocked(now)
	sc.mu.Unlock()

	c.snapshots.Publish(snap)
}

// trimpTick adds the Banister increment since each participant's previous
// evaluation. The evaluation time moves for disconnected participants too, so
// a reconnect does not credit the time spent offline.
func (c *Controller) trimpTick(sc *SessionContext, gen uint64) {
	now := c.now()
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if !sc.liveLocked(gen) {
		observability.RecordStaleTick(jobTRIMP)
		return
	}
	for _, id := range sc.order {
		m := sc.members[id]
		ls := &m.live
		elapsed := now.Sub(ls.LastTRIMPAt)
		if elapsed < calc.MinTRIMPInterval {
			continue
		}
		if ls.Connected && ls.HR > calc.MinValidHR {
			ls.TRIMP += calc.TRIMPIncrement(ls.HR, sc.bodyLocked(m), elapsed)
		}
		ls.LastTRIMPAt = now
	}
}

// zoneTick counts one minute sample in the current zone (blue and above) and
// feeds the mean heart rate.
func (c *Controller) zoneTick(sc *SessionContext, gen uint64) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if !sc.liveLocked(gen) {
		observability.RecordStaleTick(jobZones)
		return
	}
	for _, id := range sc.order {
		ls := &sc.members[id].live
		if !ls.Connected || ls.HR <= calc.MinValidHR || ls.MaxHR <= 0 {
			continue
		}
		z := calc.ZoneForPercent(calc.RawPercent(ls.HR, ls.MaxHR))
		if z >= calc.ZoneBlue {
			ls.ZoneMinuteSamples[z]++
		}
		ls.HRSum += ls.HR
		ls.HRCount++
	}
}

// captureResting closes the resting window. Participants without a valid
// reading in it keep their profile's resting heart rate.
func (c *Controller) captureResting(sc *SessionContext, gen uint64) {
	sc.mu.Lock()
	if !sc.liveLocked(gen) {
		sc.mu.Unlock()
		observability.RecordStaleTick(jobResting)
		return
	}
	sc.capturing = false
	captured := 0
	for _, id := range sc.order {
		ls := &sc.members[id].live
		if ls.RestingMin > 0 {
			ls.RestingHRUsed = ls.RestingMin
			ls.RestingCaptured = true
			captured++
		}
	}
	total := len(sc.order)
	sc.mu.Unlock()

	if captured == 0 {
		c.logger.Printf("SessionController: no valid resting reading (%d-%d bpm) in the capture window", MinRestingHR, MaxRestingHR)
		return
	}
	c.logger.Printf("SessionController: resting heart rate captured for %d of %d participants", captured, total)
}

// sampleTick hands one sample per connected participant to the sample store.
// The writes happen outside the session lock.
func (c *Controller) sampleTick(ctx context.Context, sc *SessionContext, gen uint64) {
	now := c.now()
	sc.mu.Lock()
	if !sc.liveLocked(gen) {
		sc.mu.Unlock()
		observability.RecordStaleTick(jobSamples)
		return
	}
	var batch []Sample
	for _, id := range sc.order {
		ls := sc.members[id].live
		if !ls.Connected || ls.HR <= calc.MinValidHR {
			continue
		}
		batch = append(batch, Sample{ParticipantID: id, SessionID: sc.id, At: now, HeartRate: ls.HR})
	}
	sc.mu.Unlock()

	for _, s := range batch {
		if ctx.Err() != nil {
			return
		}
		err := c.samples.SaveSample(ctx, s)
		observability.RecordSampleWrite(err)
		if err != nil {
			c.logger.Printf("SessionController: saving sample of %s failed: %v", s.ParticipantID, err)
		}
	}
}

// reconnectTick asks the sensor side to reconnect every enrolled participant
// that lost its link. Failures are logged and retried on the next tick.
func (c *Controller) reconnectTick(ctx context.Context, sc *SessionContext, gen uint64) {
	sc.mu.Lock()
	if !sc.liveLocked(gen) {
		sc.mu.Unlock()
		observability.RecordStaleTick(jobReconnect)
		return
	}
	var ids []string
	for _, id := range sc.order {
		if !sc.members[id].live.Connected {
			ids = append(ids, id)
		}
	}
	sc.mu.Unlock()

	if len(ids) == 0 {
		return
	}
	report := c.reconnector.Sweep(ctx, ids)
	if len(report.Connected) > 0 {
		c.logger.Printf("SessionController: reconnected %v", report.Connected)
	}
	failed := make([]string, 0, len(report.Failed))
	for id := range report.Failed {
		failed = append(failed, id)
	}
	sort.Strings(failed)
	for _, id := range failed {
		c.logger.Printf("SessionController: reconnect of %s failed: %v", id, report.Failed[id])
	}
	if len(report.Skipped) > 0 {
		c.logger.Printf("SessionController: %v need a manual reconnect", report.Skipped)
	}
}
