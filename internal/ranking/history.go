package ranking

import (
	"context"
	"fmt"
	"time"
)

// Result is one participant's outcome in one stored session.
type Result struct {
	SessionID     string
	ParticipantID string
	Name          string
	EndedAt       time.Time
	Points        float64
	Calories      float64
}

// HistorySource returns the results of sessions that ended in [since, until).
type HistorySource interface {
	Results(ctx context.Context, since, until time.Time) ([]Result, error)
}

// Board is a historical leaderboard for one period.
type Board struct {
	Since      time.Time
	Until      time.Time
	ByPoints   []Standing
	ByCalories []Standing
}

// AggregatorOption configures an Aggregator.
type AggregatorOption func(*Aggregator)

// WithNow overrides the clock that selects the current day and week.
func WithNow(now func() time.Time) AggregatorOption {
	return func(a *Aggregator) {
		a.now = now
	}
}

// WithLocation sets the time zone days and weeks are cut in.
func WithLocation(loc *time.Location) AggregatorOption {
	return func(a *Aggregator) {
		a.loc = loc
	}
}

// Aggregator computes daily and weekly leaders from session history.
type Aggregator struct {
	source HistorySource
	now    func() time.Time
	loc    *time.Location
}

// NewAggregator creates an Aggregator over source.
func NewAggregator(source HistorySource, opts ...AggregatorOption) *Aggregator {
	if source == nil {
		panic("Aggregator: source cannot be nil")
	}
	a := &Aggregator{source: source, now: time.Now, loc: time.Local}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// DayStart is midnight of t in t's location.
func DayStart(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// WeekStart is midnight of the Monday of t's week.
func WeekStart(t time.Time) time.Time {
	offset := (int(t.Weekday()) + 6) % 7
	return DayStart(t).AddDate(0, 0, -offset)
}

// Daily ranks today's best single-session performances.
func (a *Aggregator) Daily(ctx context.Context) (Board, error) {
	since := DayStart(a.now().In(a.loc))
	until := since.AddDate(0, 0, 1)
	results, err := a.source.Results(ctx, since, until)
	if err != nil {
		return Board{}, fmt.Errorf("daily results: %w", err)
	}

	best := make(map[string]Standing)
	order := make([]string, 0)
	for _, r := range results {
		cur, ok := best[r.ParticipantID]
		if !ok {
			order = append(order, r.ParticipantID)
			cur = Standing{ParticipantID: r.ParticipantID, Name: r.Name}
		}
		if r.Points > cur.Points {
			cur.Points = r.Points
		}
		if r.Calories > cur.Calories {
			cur.Calories = r.Calories
		}
		best[r.ParticipantID] = cur
	}
	return board(since, until, best, order), nil
}

// Weekly ranks this week's summed totals.
func (a *Aggregator) Weekly(ctx context.Context) (Board, error) {
	since := WeekStart(a.now().In(a.loc))
	until := since.AddDate(0, 0, 7)
	results, err := a.source.Results(ctx, since, until)
	if err != nil {
		return Board{}, fmt.Errorf("weekly results: %w", err)
	}

	totals := make(map[string]Standing)
	order := make([]string, 0)
	for _, r := range results {
		cur, ok := totals[r.ParticipantID]
		if !ok {
			order = append(order, r.ParticipantID)
			cur = Standing{ParticipantID: r.ParticipantID, Name: r.Name}
		}
		cur.Points += r.Points
		cur.Calories += r.Calories
		totals[r.ParticipantID] = cur
	}
	return board(since, until, totals, order), nil
}

func board(since, until time.Time, byID map[string]Standing, order []string) Board {
	standings := make([]Standing, 0, len(order))
	for _, id := range order {
		s := byID[id]
		if s.Points <= 0 && s.Calories <= 0 {
			continue
		}
		standings = append(standings, s)
	}
	return Board{
		Since:      since,
		Until:      until,
		ByPoints:   TopBy(standings, ByPoints, TopSize),
		ByCalories: TopBy(standings, ByCalories, TopSize),
	}
}
