package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claytonnetvision/wodpulse/internal/roster"
	"github.com/claytonnetvision/wodpulse/internal/session"
)

func TestStoreRoster(t *testing.T) {
	ctx := context.Background()
	s := New(roster.Profile{ID: "ana", Name: "Ana"})
	s.Upsert(roster.Profile{ID: "bia", Name: "Bia"})
	s.Upsert(roster.Profile{ID: "ana", Name: "Ana Paula"})

	require.NoError(t, s.UpdateBinding(ctx, "bia", "AA:01", "Polar H10"))
	err := s.UpdateBinding(ctx, "ghost", "AA:02", "")
	assert.ErrorIs(t, err, roster.ErrUnknownParticipant)

	got, err := s.Profiles(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "Ana Paula", got[0].Name)
	assert.Equal(t, "AA:01", got[1].SensorID)
	assert.Equal(t, "Polar H10", got[1].SensorName)

	// copies
	got[0].Name = "changed"
	again, _ := s.Profiles(ctx)
	assert.Equal(t, "Ana Paula", again[0].Name)
}

func TestStoreSessionsAndResults(t *testing.T) {
	ctx := context.Background()
	s := New()
	day := time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC)

	rec := session.SessionRecord{
		ID:      "s1",
		EndedAt: day.Add(8 * time.Hour),
		Participants: []session.ParticipantSummary{
			{ParticipantID: "ana", Name: "Ana", Points: 1.5, Calories: 320},
			{ParticipantID: "bia", Name: "Bia", Points: 0.5, Calories: 210},
		},
	}
	id, err := s.SaveSession(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, "s1", id)

	_, err = s.SaveSession(ctx, session.SessionRecord{ID: "s0", EndedAt: day.Add(-time.Hour),
		Participants: []session.ParticipantSummary{{ParticipantID: "ana", Points: 9}}})
	require.NoError(t, err)

	// retry of the same record does not duplicate it
	_, err = s.SaveSession(ctx, rec)
	require.NoError(t, err)
	require.Len(t, s.Sessions(), 2)
	assert.Equal(t, "s1", s.Sessions()[0].StoredID)

	results, err := s.Results(ctx, day, day.AddDate(0, 0, 1))
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "ana", results[0].ParticipantID)
	assert.Equal(t, "s1", results[0].SessionID)
	assert.Equal(t, 320.0, results[0].Calories)

	_, err = s.SaveSession(ctx, session.SessionRecord{})
	assert.Error(t, err)
}

func TestStoreSamples(t *testing.T) {
	ctx := context.Background()
	s := New()
	at := time.Date(2026, 3, 4, 7, 0, 0, 0, time.UTC)
	require.NoError(t, s.SaveSample(ctx, session.Sample{SessionID: "s1", ParticipantID: "ana", At: at.Add(time.Second), HeartRate: 121}))
	require.NoError(t, s.SaveSample(ctx, session.Sample{SessionID: "s1", ParticipantID: "ana", At: at, HeartRate: 120}))
	require.NoError(t, s.SaveSample(ctx, session.Sample{SessionID: "s2", ParticipantID: "ana", At: at, HeartRate: 99}))

	got := s.Samples("s1")
	require.Len(t, got, 2)
	assert.Equal(t, 120, got[0].HeartRate)
	assert.Equal(t, 121, got[1].HeartRate)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, s.SaveSample(cancelled, session.Sample{}), context.Canceled)
}
