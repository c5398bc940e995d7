package session

import (
	"math"
	"time"

	"github.com/claytonnetvision/wodpulse/internal/calc"
	"github.com/claytonnetvision/wodpulse/internal/roster"
)

// Resting capture band. Readings outside it are ignored by the capture.
const (
	MinRestingHR = 30
	MaxRestingHR = 120
)

// LiveState is one participant's live record. Copies handed out by the
// controller are detached from the session.
type LiveState struct {
	ParticipantID string
	Name          string
	MaxHR         int

	HR           int
	LastSampleAt time.Time
	Connected    bool
	SensorID     string
	Zone         calc.Zone
	Percent      int

	Tick calc.TickState
	// on the zone cadence, indexed by zone; only blue and above are counted
	ZoneMinuteSamples [calc.NumZones]int

	Calories    float64
	Points      float64
	TRIMP       float64
	LastTRIMPAt time.Time
	VO2Seconds  float64

	HRSum   int
	HRCount int

	PeakHR           int
	HistoricalPeakHR int

	RestingMin      int // lowest valid reading seen in the capture window
	RestingHRUsed   int
	RestingCaptured bool
}

// ZoneMinutes returns fractional minutes per zone from the metric tick.
func (s LiveState) ZoneMinutes() [calc.NumZones]float64 {
	return s.Tick.ZoneMinutes
}

// MeanHR is the session mean from the zone cadence; ok is false without data.
func (s LiveState) MeanHR() (mean int, ok bool) {
	if s.HRCount == 0 {
		return 0, false
	}
	return int(math.Round(float64(s.HRSum) / float64(s.HRCount))), true
}

func newLiveState(p roster.Profile) LiveState {
	return LiveState{
		ParticipantID:    p.ID,
		Name:             p.Name,
		MaxHR:            p.EffectiveMaxHR(),
		SensorID:         p.SensorID,
		HistoricalPeakHR: p.HistoricalMaxHR,
		RestingHRUsed:    profileResting(p),
	}
}

func profileResting(p roster.Profile) int {
	if p.RestingHR <= 0 {
		return calc.DefaultRestingHR
	}
	return p.RestingHR
}

// reset zeroes the accumulators and keeps identity and liveness.
func (s *LiveState) reset(p roster.Profile, start time.Time) {
	*s = LiveState{
		ParticipantID:    s.ParticipantID,
		Name:             s.Name,
		MaxHR:            p.EffectiveMaxHR(),
		HR:               s.HR,
		LastSampleAt:     s.LastSampleAt,
		Connected:        s.Connected,
		SensorID:         s.SensorID,
		LastTRIMPAt:      start,
		HistoricalPeakHR: p.HistoricalMaxHR,
		RestingHRUsed:    profileResting(p),
	}
}

// ParticipantSummary is one participant's final accumulators.
type ParticipantSummary struct {
	ParticipantID     string                 `json:"participantId"`
	Name              string                 `json:"name"`
	MeanHR            *int                   `json:"meanHr"`
	ZoneMinutes       [calc.NumZones]float64 `json:"zoneMinutes"`
	ZoneMinuteSamples [calc.NumZones]int     `json:"zoneMinuteSamples"`
	TRIMP             float64                `json:"trimpTotal"`
	Calories          float64                `json:"caloriesTotal"`
	Points            float64                `json:"points"`
	VO2Seconds        float64                `json:"vo2TimeSeconds"`
	EPOC              float64                `json:"epocEstimated"`
	PeakHR            int                    `json:"maxHrReached"`
	HistoricalPeakHR  int                    `json:"historicalMaxHr"`
	RestingHRUsed     int                    `json:"restingHrUsed"`
}

// SessionRecord is the immutable result of a finished session.
type SessionRecord struct {
	ID           string               `json:"id"`
	ClassLabel   string               `json:"className"`
	StartedAt    time.Time            `json:"dateStart"`
	EndedAt      time.Time            `json:"dateEnd"`
	Duration     time.Duration        `json:"duration"`
	Participants []ParticipantSummary `json:"participants"`

	// StoredID is the id the persistence collaborator returned.
	StoredID string `json:"storedId,omitempty"`
}

// DurationMinutes is the rounded duration in minutes.
func (r SessionRecord) DurationMinutes() int {
	return int(math.Round(r.Duration.Minutes()))
}

func (r SessionRecord) clone() SessionRecord {
	out := r
	out.Participants = make([]ParticipantSummary, len(r.Participants))
	for i, p := range r.Participants {
		out.Participants[i] = p
		if p.MeanHR != nil {
			v := *p.MeanHR
			out.Participants[i].MeanHR = &v
		}
	}
	return out
}

func summarize(s LiveState) ParticipantSummary {
	sum := ParticipantSummary{
		ParticipantID:     s.ParticipantID,
		Name:              s.Name,
		ZoneMinutes:       s.Tick.ZoneMinutes,
		ZoneMinuteSamples: s.ZoneMinuteSamples,
		TRIMP:             s.TRIMP,
		Calories:          s.Calories,
		Points:            s.Points,
		VO2Seconds:        s.VO2Seconds,
		PeakHR:            s.PeakHR,
		HistoricalPeakHR:  s.HistoricalPeakHR,
		RestingHRUsed:     s.RestingHRUsed,
	}
	var meanForEPOC float64
	if mean, ok := s.MeanHR(); ok {
		sum.MeanHR = &mean
		meanForEPOC = float64(mean)
	}
	high := s.Tick.ZoneMinutes[calc.ZoneOrange] + s.Tick.ZoneMinutes[calc.ZoneRed]
	sum.EPOC = calc.EPOC(high, meanForEPOC, s.MaxHR, s.TRIMP, s.VO2Seconds)
	return sum
}

// Sample is one stored heart-rate observation.
type Sample struct {
	ParticipantID string
	SessionID     string
	At            time.Time
	HeartRate     int
}

// Snapshot is a read-only view of the session.
type Snapshot struct {
	SessionID    string
	ClassLabel   string
	Phase        Phase
	StartedAt    time.Time
	Elapsed      time.Duration
	Participants []LiveState
}
