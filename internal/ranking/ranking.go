// Package ranking builds read-only leaderboards, both over the live session
// and over stored session history.
package ranking

import (
	"sort"

	"github.com/claytonnetvision/wodpulse/internal/session"
)

// Metric selects the value a board sorts by.
type Metric int

const (
	ByPoints Metric = iota
	ByCalories
	ByTRIMP
	ByVO2
)

func (m Metric) String() string {
	switch m {
	case ByPoints:
		return "points"
	case ByCalories:
		return "calories"
	case ByTRIMP:
		return "trimp"
	case ByVO2:
		return "vo2"
	default:
		return "unknown"
	}
}

// Leaderboard sizes.
const (
	TopSize      = 5
	SummarySize  = 3
	MinVO2Second = 60.0
)

// Standing is one participant's position-relevant totals.
type Standing struct {
	ParticipantID string
	Name          string
	Points        float64
	Calories      float64
	TRIMP         float64
	VO2Seconds    float64
}

// Value returns the field m selects.
func (s Standing) Value(m Metric) float64 {
	switch m {
	case ByCalories:
		return s.Calories
	case ByTRIMP:
		return s.TRIMP
	case ByVO2:
		return s.VO2Seconds
	default:
		return s.Points
	}
}

// FromLive projects live states.
func FromLive(states []session.LiveState) []Standing {
	out := make([]Standing, 0, len(states))
	for _, s := range states {
		out = append(out, Standing{
			ParticipantID: s.ParticipantID,
			Name:          s.Name,
			Points:        s.Points,
			Calories:      s.Calories,
			TRIMP:         s.TRIMP,
			VO2Seconds:    s.VO2Seconds,
		})
	}
	return out
}

// FromRecord projects a finished session.
func FromRecord(rec session.SessionRecord) []Standing {
	out := make([]Standing, 0, len(rec.Participants))
	for _, p := range rec.Participants {
		out = append(out, Standing{
			ParticipantID: p.ParticipantID,
			Name:          p.Name,
			Points:        p.Points,
			Calories:      p.Calories,
			TRIMP:         p.TRIMP,
			VO2Seconds:    p.VO2Seconds,
		})
	}
	return out
}

// TopBy returns the n best standings by m, highest first. Ties keep name
// order. n <= 0 returns all of them. The input is not modified.
func TopBy(standings []Standing, m Metric, n int) []Standing {
	out := append([]Standing(nil), standings...)
	sort.SliceStable(out, func(i, j int) bool {
		vi, vj := out[i].Value(m), out[j].Value(m)
		if vi != vj {
			return vi > vj
		}
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ParticipantID < out[j].ParticipantID
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// Leader returns the best standing by m. ok is false when nobody has scored.
func Leader(standings []Standing, m Metric) (Standing, bool) {
	top := TopBy(standings, m, 1)
	if len(top) == 0 || top[0].Value(m) <= 0 {
		return Standing{}, false
	}
	return top[0], true
}

// SessionLeader is the in-session leader by points.
func SessionLeader(standings []Standing) (Standing, bool) {
	return Leader(standings, ByPoints)
}

// TopVO2 returns up to five participants with at least a minute of VO2 time.
func TopVO2(standings []Standing) []Standing {
	eligible := make([]Standing, 0, len(standings))
	for _, s := range standings {
		if s.VO2Seconds >= MinVO2Second {
			eligible = append(eligible, s)
		}
	}
	return TopBy(eligible, ByVO2, TopSize)
}

// Summary is the end-of-class recap.
type Summary struct {
	PointsLeader   Standing
	HasPoints      bool
	CaloriesLeader Standing
	HasCalories    bool
	TopPoints      []Standing
	TopCalories    []Standing
}

// Summarize builds the recap of a finished session.
func Summarize(rec session.SessionRecord) Summary {
	standings := FromRecord(rec)
	var s Summary
	s.PointsLeader, s.HasPoints = Leader(standings, ByPoints)
	s.CaloriesLeader, s.HasCalories = Leader(standings, ByCalories)
	s.TopPoints = TopBy(standings, ByPoints, SummarySize)
	s.TopCalories = TopBy(standings, ByCalories, SummarySize)
	return s
}
