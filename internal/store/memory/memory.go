// Package memory is an in-process store for the roster, finished sessions,
// raw samples and leaderboard history. Nothing survives a restart.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/claytonnetvision/wodpulse/internal/ranking"
	"github.com/claytonnetvision/wodpulse/internal/roster"
	"github.com/claytonnetvision/wodpulse/internal/session"
)

type Store struct {
	mu       sync.RWMutex
	profiles []roster.Profile
	sessions map[string]session.SessionRecord
	order    []string
	samples  []session.Sample
}

// Verify Store implements the collaborator interfaces
var (
	_ roster.Store          = (*Store)(nil)
	_ session.Persister     = (*Store)(nil)
	_ session.SampleWriter  = (*Store)(nil)
	_ ranking.HistorySource = (*Store)(nil)
)

func New(profiles ...roster.Profile) *Store {
	s := &Store{sessions: make(map[string]session.SessionRecord)}
	s.profiles = append(s.profiles, profiles...)
	return s
}

func (s *Store) Profiles(_ context.Context) ([]roster.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]roster.Profile, len(s.profiles))
	copy(out, s.profiles)
	return out, nil
}

// Upsert adds p or replaces the profile with the same id.
func (s *Store) Upsert(p roster.Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.profiles {
		if s.profiles[i].ID == p.ID {
			s.profiles[i] = p
			return
		}
	}
	s.profiles = append(s.profiles, p)
}

func (s *Store) UpdateBinding(_ context.Context, participantID, sensorID, sensorName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.profiles {
		if s.profiles[i].ID == participantID {
			s.profiles[i].SensorID = sensorID
			s.profiles[i].SensorName = sensorName
			return nil
		}
	}
	return fmt.Errorf("%w: %s", roster.ErrUnknownParticipant, participantID)
}

// SaveSession stores rec under its id. Saving the same id again replaces it.
func (s *Store) SaveSession(ctx context.Context, rec session.SessionRecord) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if rec.ID == "" {
		return "", fmt.Errorf("save session: empty id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[rec.ID]; !ok {
		s.order = append(s.order, rec.ID)
	}
	rec.Participants = append([]session.ParticipantSummary(nil), rec.Participants...)
	rec.StoredID = rec.ID
	s.sessions[rec.ID] = rec
	return rec.ID, nil
}

func (s *Store) SaveSample(ctx context.Context, sample session.Sample) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.samples = append(s.samples, sample)
	s.mu.Unlock()
	return nil
}

// Sessions returns stored sessions in save order.
func (s *Store) Sessions() []session.SessionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]session.SessionRecord, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.sessions[id])
	}
	return out
}

// Samples returns the stored samples of one session ordered by time.
func (s *Store) Samples(sessionID string) []session.Sample {
	s.mu.RLock()
	var out []session.Sample
	for _, sample := range s.samples {
		if sample.SessionID == sessionID {
			out = append(out, sample)
		}
	}
	s.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out
}

func (s *Store) Results(ctx context.Context, since, until time.Time) ([]ranking.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ranking.Result
	for _, id := range s.order {
		rec := s.sessions[id]
		if rec.EndedAt.Before(since) || !rec.EndedAt.Before(until) {
			continue
		}
		for _, p := range rec.Participants {
			out = append(out, ranking.Result{
				SessionID:     rec.ID,
				ParticipantID: p.ParticipantID,
				Name:          p.Name,
				EndedAt:       rec.EndedAt,
				Points:        p.Points,
				Calories:      p.Calories,
			})
		}
	}
	return out, nil
}

func (s *Store) Close() error { return nil }
