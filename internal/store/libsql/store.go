// Package libsql stores the roster, finished sessions, raw samples and
// leaderboard history in a libsql (Turso) database.
package libsql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	_ "github.com/tursodatabase/libsql-client-go/libsql"

	"github.com/claytonnetvision/wodpulse/internal/calc"
	"github.com/claytonnetvision/wodpulse/internal/ranking"
	"github.com/claytonnetvision/wodpulse/internal/roster"
	"github.com/claytonnetvision/wodpulse/internal/session"
)

// Timestamps are stored as UTC text with fixed precision so they sort.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

type Store struct {
	db     *sql.DB
	logger *log.Logger
}

// Verify Store implements the collaborator interfaces
var (
	_ roster.Store          = (*Store)(nil)
	_ session.Persister     = (*Store)(nil)
	_ session.SampleWriter  = (*Store)(nil)
	_ ranking.HistorySource = (*Store)(nil)
)

// Open connects to a libsql database url and creates missing tables.
func Open(ctx context.Context, url string, logger *log.Logger) (*Store, error) {
	if url == "" {
		return nil, errors.New("libsql: empty database url")
	}
	db, err := sql.Open("libsql", url)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	s := New(db, logger)
	if err := s.initialize(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an open database handle.
func New(db *sql.DB, logger *log.Logger) *Store {
	if db == nil {
		panic("LibsqlStore: db cannot be nil")
	}
	if logger == nil {
		panic("LibsqlStore: logger cannot be nil")
	}
	return &Store{db: db, logger: logger}
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS participants (
        id TEXT PRIMARY KEY,
        name TEXT NOT NULL,
        age INTEGER NOT NULL DEFAULT 0,
        weight_kg REAL NOT NULL DEFAULT 0,
        height_cm REAL NOT NULL DEFAULT 0,
        gender TEXT NOT NULL DEFAULT 'M',
        resting_hr INTEGER NOT NULL DEFAULT 0,
        use_tanaka INTEGER NOT NULL DEFAULT 0,
        max_hr INTEGER NOT NULL DEFAULT 0,
        historical_max_hr INTEGER NOT NULL DEFAULT 0,
        sensor_id TEXT NOT NULL DEFAULT '',
        sensor_name TEXT NOT NULL DEFAULT ''
    )`,
	`CREATE TABLE IF NOT EXISTS sessions (
        id TEXT PRIMARY KEY,
        class_label TEXT NOT NULL,
        started_at TEXT NOT NULL,
        ended_at TEXT NOT NULL,
        duration_seconds INTEGER NOT NULL
    )`,
	`CREATE INDEX IF NOT EXISTS sessions_ended_at_idx ON sessions (ended_at)`,
	`CREATE TABLE IF NOT EXISTS session_participants (
        session_id TEXT NOT NULL,
        participant_id TEXT NOT NULL,
        name TEXT NOT NULL,
        mean_hr INTEGER,
        zone_minutes TEXT NOT NULL,
        zone_minute_samples TEXT NOT NULL,
        trimp REAL NOT NULL,
        calories REAL NOT NULL,
        points REAL NOT NULL,
        vo2_seconds REAL NOT NULL,
        epoc REAL NOT NULL,
        max_hr_reached INTEGER NOT NULL,
        historical_max_hr INTEGER NOT NULL,
        resting_hr_used INTEGER NOT NULL,
        PRIMARY KEY (session_id, participant_id),
        FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
    )`,
	`CREATE TABLE IF NOT EXISTS hr_samples (
        session_id TEXT NOT NULL,
        participant_id TEXT NOT NULL,
        recorded_at TEXT NOT NULL,
        heart_rate INTEGER NOT NULL
    )`,
}

func (s *Store) initialize(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("initialize libsql: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Profiles(ctx context.Context) ([]roster.Profile, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, age, weight_kg, height_cm, gender, resting_hr,
        use_tanaka, max_hr, historical_max_hr, sensor_id, sensor_name FROM participants ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("query participants: %w", err)
	}
	defer rows.Close()

	var out []roster.Profile
	for rows.Next() {
		var p roster.Profile
		var gender string
		var tanaka int
		if err := rows.Scan(&p.ID, &p.Name, &p.Age, &p.WeightKg, &p.HeightCm, &gender, &p.RestingHR,
			&tanaka, &p.MaxHR, &p.HistoricalMaxHR, &p.SensorID, &p.SensorName); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		p.Gender = calc.Gender(gender)
		p.UseTanaka = tanaka != 0
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpsertProfile inserts p or replaces the stored profile with the same id.
func (s *Store) UpsertProfile(ctx context.Context, p roster.Profile) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO participants (id, name, age, weight_kg, height_cm,
        gender, resting_hr, use_tanaka, max_hr, historical_max_hr, sensor_id, sensor_name)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Age, p.WeightKg, p.HeightCm, string(p.Gender), p.RestingHR, boolInt(p.UseTanaka),
		p.MaxHR, p.HistoricalMaxHR, p.SensorID, p.SensorName)
	if err != nil {
		return fmt.Errorf("upsert participant %s: %w", p.ID, err)
	}
	return nil
}

func (s *Store) UpdateBinding(ctx context.Context, participantID, sensorID, sensorName string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE participants SET sensor_id = ?, sensor_name = ? WHERE id = ?`,
		sensorID, sensorName, participantID)
	if err != nil {
		return fmt.Errorf("update binding %s: %w", participantID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", roster.ErrUnknownParticipant, participantID)
	}
	return nil
}

// SaveSession writes the session and its summaries in one transaction.
// Saving the same id again is a no-op returning the same id.
func (s *Store) SaveSession(ctx context.Context, rec session.SessionRecord) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO sessions (id, class_label, started_at, ended_at, duration_seconds)
        VALUES (?, ?, ?, ?, ?)`,
		rec.ID, rec.ClassLabel, formatTime(rec.StartedAt), formatTime(rec.EndedAt), int64(rec.Duration/time.Second))
	if err != nil {
		return "", fmt.Errorf("insert session %s: %w", rec.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		s.logger.Printf("LibsqlStore: session %s already stored", rec.ID)
		return rec.ID, tx.Commit()
	}

	for _, p := range rec.Participants {
		minutes, samples, err := encodeZones(p)
		if err != nil {
			return "", err
		}
		var mean sql.NullInt64
		if p.MeanHR != nil {
			mean = sql.NullInt64{Int64: int64(*p.MeanHR), Valid: true}
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO session_participants (session_id, participant_id, name, mean_hr,
            zone_minutes, zone_minute_samples, trimp, calories, points, vo2_seconds, epoc,
            max_hr_reached, historical_max_hr, resting_hr_used)
            VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.ID, p.ParticipantID, p.Name, mean, minutes, samples, p.TRIMP, p.Calories, p.Points,
			p.VO2Seconds, p.EPOC, p.PeakHR, p.HistoricalPeakHR, p.RestingHRUsed)
		if err != nil {
			return "", fmt.Errorf("insert participant %s of %s: %w", p.ParticipantID, rec.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit session %s: %w", rec.ID, err)
	}
	s.logger.Printf("LibsqlStore: stored session %s with %d participants", rec.ID, len(rec.Participants))
	return rec.ID, nil
}

func (s *Store) SaveSample(ctx context.Context, sample session.Sample) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO hr_samples (session_id, participant_id, recorded_at, heart_rate)
        VALUES (?, ?, ?, ?)`, sample.SessionID, sample.ParticipantID, formatTime(sample.At), sample.HeartRate)
	if err != nil {
		return fmt.Errorf("insert sample: %w", err)
	}
	return nil
}

func (s *Store) Results(ctx context.Context, since, until time.Time) ([]ranking.Result, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT s.id, p.participant_id, p.name, s.ended_at, p.points, p.calories
        FROM sessions s JOIN session_participants p ON p.session_id = s.id
        WHERE s.ended_at >= ? AND s.ended_at < ?
        ORDER BY s.ended_at, p.participant_id`, formatTime(since), formatTime(until))
	if err != nil {
		return nil, fmt.Errorf("query results: %w", err)
	}
	defer rows.Close()

	var out []ranking.Result
	for rows.Next() {
		var r ranking.Result
		var ended string
		if err := rows.Scan(&r.SessionID, &r.ParticipantID, &r.Name, &ended, &r.Points, &r.Calories); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		if r.EndedAt, err = parseTime(ended); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored time %q: %w", s, err)
	}
	return t, nil
}

func encodeZones(p session.ParticipantSummary) (string, string, error) {
	minutes, err := json.Marshal(p.ZoneMinutes)
	if err != nil {
		return "", "", fmt.Errorf("encode zone minutes: %w", err)
	}
	samples, err := json.Marshal(p.ZoneMinuteSamples)
	if err != nil {
		return "", "", fmt.Errorf("encode zone samples: %w", err)
	}
	return string(minutes), string(samples), nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
