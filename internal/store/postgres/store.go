// Package postgres stores the roster, finished sessions, raw samples and
// leaderboard history in Postgres through pgx.
package postgres

import (
	"context"
	_ "embed"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/claytonnetvision/wodpulse/internal/calc"
	"github.com/claytonnetvision/wodpulse/internal/ranking"
	"github.com/claytonnetvision/wodpulse/internal/roster"
	"github.com/claytonnetvision/wodpulse/internal/session"
)

//go:embed schema.sql
var schema string

// Store is a Postgres-backed store.
type Store struct {
	pool   *pgxpool.Pool
	logger *log.Logger
}

// Verify Store implements the collaborator interfaces
var (
	_ roster.Store          = (*Store)(nil)
	_ session.Persister     = (*Store)(nil)
	_ session.SampleWriter  = (*Store)(nil)
	_ ranking.HistorySource = (*Store)(nil)
)

// New wraps an existing pool.
func New(pool *pgxpool.Pool, logger *log.Logger) *Store {
	if pool == nil {
		panic("PostgresStore: pool cannot be nil")
	}
	if logger == nil {
		panic("PostgresStore: logger cannot be nil")
	}
	return &Store{pool: pool, logger: logger}
}

// Open connects to url, checks the connection and applies the schema.
func Open(ctx context.Context, url string, logger *log.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := New(pool, logger)
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// EnsureSchema creates missing tables and indexes.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Profiles(ctx context.Context) ([]roster.Profile, error) {
	const query = `SELECT id, name, age, weight_kg, height_cm, gender, resting_hr, use_tanaka,
        max_hr, historical_max_hr, sensor_id, sensor_name
        FROM participants ORDER BY name, id`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query participants: %w", err)
	}
	defer rows.Close()

	var out []roster.Profile
	for rows.Next() {
		var p roster.Profile
		var gender string
		if err := rows.Scan(&p.ID, &p.Name, &p.Age, &p.WeightKg, &p.HeightCm, &gender, &p.RestingHR,
			&p.UseTanaka, &p.MaxHR, &p.HistoricalMaxHR, &p.SensorID, &p.SensorName); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		p.Gender = calc.Gender(gender)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read participants: %w", err)
	}
	return out, nil
}

// UpsertProfile inserts p or replaces the stored profile with the same id.
func (s *Store) UpsertProfile(ctx context.Context, p roster.Profile) error {
	const query = `INSERT INTO participants (id, name, age, weight_kg, height_cm, gender, resting_hr,
        use_tanaka, max_hr, historical_max_hr, sensor_id, sensor_name)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
        ON CONFLICT (id) DO UPDATE SET name=EXCLUDED.name, age=EXCLUDED.age, weight_kg=EXCLUDED.weight_kg,
        height_cm=EXCLUDED.height_cm, gender=EXCLUDED.gender, resting_hr=EXCLUDED.resting_hr,
        use_tanaka=EXCLUDED.use_tanaka, max_hr=EXCLUDED.max_hr, historical_max_hr=EXCLUDED.historical_max_hr,
        sensor_id=EXCLUDED.sensor_id, sensor_name=EXCLUDED.sensor_name`

	_, err := s.pool.Exec(ctx, query, p.ID, p.Name, p.Age, p.WeightKg, p.HeightCm, string(p.Gender),
		p.RestingHR, p.UseTanaka, p.MaxHR, p.HistoricalMaxHR, p.SensorID, p.SensorName)
	if err != nil {
		return fmt.Errorf("upsert participant %s: %w", p.ID, err)
	}
	return nil
}

func (s *Store) UpdateBinding(ctx context.Context, participantID, sensorID, sensorName string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE participants SET sensor_id=$2, sensor_name=$3 WHERE id=$1`,
		participantID, sensorID, sensorName)
	if err != nil {
		return fmt.Errorf("update binding %s: %w", participantID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", roster.ErrUnknownParticipant, participantID)
	}
	return nil
}

// SaveSession writes the session and its participant summaries in one
// transaction. Saving the same id again is a no-op returning the same id.
func (s *Store) SaveSession(ctx context.Context, rec session.SessionRecord) (id string, err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return "", fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	tag, err := tx.Exec(ctx, `INSERT INTO sessions (id, class_label, started_at, ended_at, duration_seconds)
        VALUES ($1,$2,$3,$4,$5) ON CONFLICT (id) DO NOTHING`,
		rec.ID, rec.ClassLabel, rec.StartedAt.UTC(), rec.EndedAt.UTC(), int64(rec.Duration/time.Second))
	if err != nil {
		return "", fmt.Errorf("insert session %s: %w", rec.ID, err)
	}
	if tag.RowsAffected() == 0 {
		s.logger.Printf("PostgresStore: session %s already stored", rec.ID)
		return rec.ID, tx.Commit(ctx)
	}

	const insertParticipant = `INSERT INTO session_participants (session_id, participant_id, name, mean_hr,
        zone_minutes, zone_minute_samples, trimp, calories, points, vo2_seconds, epoc,
        max_hr_reached, historical_max_hr, resting_hr_used)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`

	batch := &pgx.Batch{}
	for _, p := range rec.Participants {
		minutes, samples := zoneArrays(p)
		batch.Queue(insertParticipant, rec.ID, p.ParticipantID, p.Name, p.MeanHR, minutes, samples,
			p.TRIMP, p.Calories, p.Points, p.VO2Seconds, p.EPOC, p.PeakHR, p.HistoricalPeakHR, p.RestingHRUsed)
	}
	if err = tx.SendBatch(ctx, batch).Close(); err != nil {
		return "", fmt.Errorf("insert participants of %s: %w", rec.ID, err)
	}

	if err = tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("commit session %s: %w", rec.ID, err)
	}
	s.logger.Printf("PostgresStore: stored session %s with %d participants", rec.ID, len(rec.Participants))
	return rec.ID, nil
}

func (s *Store) SaveSample(ctx context.Context, sample session.Sample) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO hr_samples (session_id, participant_id, recorded_at, heart_rate)
        VALUES ($1,$2,$3,$4)`, sample.SessionID, sample.ParticipantID, sample.At.UTC(), sample.HeartRate)
	if err != nil {
		return fmt.Errorf("insert sample: %w", err)
	}
	return nil
}

// Session loads one stored session.
func (s *Store) Session(ctx context.Context, id string) (session.SessionRecord, error) {
	rec := session.SessionRecord{ID: id, StoredID: id}
	var seconds int64
	err := s.pool.QueryRow(ctx, `SELECT class_label, started_at, ended_at, duration_seconds FROM sessions WHERE id=$1`, id).
		Scan(&rec.ClassLabel, &rec.StartedAt, &rec.EndedAt, &seconds)
	if err != nil {
		return session.SessionRecord{}, fmt.Errorf("load session %s: %w", id, err)
	}
	rec.Duration = time.Duration(seconds) * time.Second

	rows, err := s.pool.Query(ctx, `SELECT participant_id, name, mean_hr, zone_minutes, zone_minute_samples,
        trimp, calories, points, vo2_seconds, epoc, max_hr_reached, historical_max_hr, resting_hr_used
        FROM session_participants WHERE session_id=$1 ORDER BY participant_id`, id)
	if err != nil {
		return session.SessionRecord{}, fmt.Errorf("load participants of %s: %w", id, err)
	}
	defer rows.Close()
	for rows.Next() {
		var p session.ParticipantSummary
		var minutes []float64
		var samples []int32
		if err := rows.Scan(&p.ParticipantID, &p.Name, &p.MeanHR, &minutes, &samples, &p.TRIMP, &p.Calories,
			&p.Points, &p.VO2Seconds, &p.EPOC, &p.PeakHR, &p.HistoricalPeakHR, &p.RestingHRUsed); err != nil {
			return session.SessionRecord{}, fmt.Errorf("scan participant of %s: %w", id, err)
		}
		fillZones(&p, minutes, samples)
		rec.Participants = append(rec.Participants, p)
	}
	if err := rows.Err(); err != nil {
		return session.SessionRecord{}, fmt.Errorf("read participants of %s: %w", id, err)
	}
	return rec, nil
}

func (s *Store) Results(ctx context.Context, since, until time.Time) ([]ranking.Result, error) {
	rows, err := s.pool.Query(ctx, `SELECT s.id, p.participant_id, p.name, s.ended_at, p.points, p.calories
        FROM sessions s JOIN session_participants p ON p.session_id = s.id
        WHERE s.ended_at >= $1 AND s.ended_at < $2
        ORDER BY s.ended_at, p.participant_id`, since.UTC(), until.UTC())
	if err != nil {
		return nil, fmt.Errorf("query results: %w", err)
	}
	defer rows.Close()

	var out []ranking.Result
	for rows.Next() {
		var r ranking.Result
		if err := rows.Scan(&r.SessionID, &r.ParticipantID, &r.Name, &r.EndedAt, &r.Points, &r.Calories); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read results: %w", err)
	}
	return out, nil
}

func zoneArrays(p session.ParticipantSummary) ([]float64, []int32) {
	minutes := make([]float64, calc.NumZones)
	samples := make([]int32, calc.NumZones)
	for i := 0; i < calc.NumZones; i++ {
		minutes[i] = p.ZoneMinutes[i]
		samples[i] = int32(p.ZoneMinuteSamples[i])
	}
	return minutes, samples
}

func fillZones(p *session.ParticipantSummary, minutes []float64, samples []int32) {
	for i := 0; i < calc.NumZones && i < len(minutes); i++ {
		p.ZoneMinutes[i] = minutes[i]
	}
	for i := 0; i < calc.NumZones && i < len(samples); i++ {
		p.ZoneMinuteSamples[i] = int(samples[i])
	}
}
