// Package roster defines the participant profiles the live engine reads and
// the binding updates it writes back.
package roster

import (
	"context"
	"errors"

	"github.com/claytonnetvision/wodpulse/internal/calc"
)

// ErrUnknownParticipant is returned when a participant id has no profile.
var ErrUnknownParticipant = errors.New("roster: unknown participant")

// Profile is a participant as known to the roster.
type Profile struct {
	ID              string      `toml:"id"`
	Name            string      `toml:"name"`
	Age             int         `toml:"age"`
	WeightKg        float64     `toml:"weight_kg"`
	HeightCm        float64     `toml:"height_cm"`
	Gender          calc.Gender `toml:"gender"`
	RestingHR       int         `toml:"resting_hr"`
	UseTanaka       bool        `toml:"use_tanaka"`
	MaxHR           int         `toml:"max_hr"` // 0 derives from age
	HistoricalMaxHR int         `toml:"historical_max_hr"`
	SensorID        string      `toml:"sensor_id"`
	SensorName      string      `toml:"sensor_name"`
}

// EffectiveMaxHR is the explicit max HR when set, otherwise the age formula
// the profile selects.
func (p Profile) EffectiveMaxHR() int {
	if p.MaxHR > 0 {
		return p.MaxHR
	}
	return calc.MaxHRForAge(p.Age, p.UseTanaka)
}

// Body projects the profile onto the calculator inputs.
func (p Profile) Body() calc.Body {
	return calc.Body{
		Age:       p.Age,
		WeightKg:  p.WeightKg,
		Gender:    p.Gender,
		MaxHR:     p.EffectiveMaxHR(),
		RestingHR: p.RestingHR,
	}
}

// Source supplies profiles.
type Source interface {
	Profiles(ctx context.Context) ([]Profile, error)
}

// BindingUpdater persists a participant's sensor binding. An empty sensorID
// clears it.
type BindingUpdater interface {
	UpdateBinding(ctx context.Context, participantID, sensorID, sensorName string) error
}

// Store is a roster that can do both.
type Store interface {
	Source
	BindingUpdater
}

// Find returns the profile with the given id.
func Find(profiles []Profile, id string) (Profile, bool) {
	for _, p := range profiles {
		if p.ID == id {
			return p, true
		}
	}
	return Profile{}, false
}
