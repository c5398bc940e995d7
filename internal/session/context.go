package session

import (
	"sync"
	"time"

	"github.com/claytonnetvision/wodpulse/internal/calc"
	"github.com/claytonnetvision/wodpulse/internal/roster"
)

// Phase is the lifecycle position of a session.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseActive
	// PhaseEnded means the record is built but not yet persisted.
	PhaseEnded
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "Idle"
	case PhaseActive:
		return "Active"
	case PhaseEnded:
		return "Ended"
	default:
		return "Unknown"
	}
}

type member struct {
	profile roster.Profile
	live    LiveState
}

// SessionContext is everything one session owns. Every field is guarded by
// mu, and tick handlers hold mu for their whole body. gen changes on Start
// and End so that timers of an earlier generation find it stale.
type SessionContext struct {
	mu sync.Mutex

	id           string
	gen          uint64
	phase        Phase
	classLabel   string
	startedAt    time.Time
	endedAt      time.Time
	lastMetricAt time.Time
	capturing    bool
	disposed     bool

	order   []string
	members map[string]*member

	pending *SessionRecord
}

func newSessionContext() *SessionContext {
	return &SessionContext{members: make(map[string]*member)}
}

// liveLocked reports whether gen is the current generation of an active
// session.
func (sc *SessionContext) liveLocked(gen uint64) bool {
	return !sc.disposed && sc.gen == gen && sc.phase == PhaseActive
}

func (sc *SessionContext) bodyLocked(m *member) calc.Body {
	b := m.profile.Body()
	b.RestingHR = m.live.RestingHRUsed
	return b
}

func (sc *SessionContext) snapshotLocked(now time.Time) Snapshot {
	snap := Snapshot{
		SessionID:    sc.id,
		ClassLabel:   sc.classLabel,
		Phase:        sc.phase,
		StartedAt:    sc.startedAt,
		Participants: make([]LiveState, 0, len(sc.order)),
	}
	switch sc.phase {
	case PhaseActive:
		snap.Elapsed = now.Sub(sc.startedAt)
	case PhaseEnded:
		snap.Elapsed = sc.endedAt.Sub(sc.startedAt)
	}
	for _, id := range sc.order {
		snap.Participants = append(snap.Participants, sc.members[id].live)
	}
	return snap
}

func (sc *SessionContext) buildRecordLocked() SessionRecord {
	rec := SessionRecord{
		ID:           sc.id,
		ClassLabel:   sc.classLabel,
		StartedAt:    sc.startedAt,
		EndedAt:      sc.endedAt,
		Duration:     sc.endedAt.Sub(sc.startedAt),
		Participants: make([]ParticipantSummary, 0, len(sc.order)),
	}
	for _, id := range sc.order {
		rec.Participants = append(rec.Participants, summarize(sc.members[id].live))
	}
	return rec
}

func (sc *SessionContext) enrolledLocked() []string {
	return append([]string(nil), sc.order...)
}
