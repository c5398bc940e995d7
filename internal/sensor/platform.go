// Package sensor manages the wireless heart-rate straps bound to participants:
// pairing and borrowing, connecting with a single sample listener, link-loss
// handling and the periodic reconnect sweep.
package sensor

import (
	"context"
	"errors"
)

// Bluetooth SIG identifiers for the heart-rate profile.
const (
	ServiceUUIDHeartRate         = "0000180d-0000-1000-8000-00805f9b34fb"
	CharUUIDHeartRateMeasurement = "00002a37-0000-1000-8000-00805f9b34fb"
)

var (
	// ErrBorrowDeclined is returned by Pair when the sensor belongs to another
	// participant and the transfer was not confirmed.
	ErrBorrowDeclined = errors.New("sensor: borrow declined")
	// ErrNotBound is returned when a participant has no sensor to connect to.
	ErrNotBound = errors.New("sensor: participant has no bound sensor")
	// ErrConnectInProgress is returned when a connect is already running.
	ErrConnectInProgress = errors.New("sensor: connect already in progress")
	// ErrSensorConflict is returned when a binding would map one sensor to
	// two participants.
	ErrSensorConflict = errors.New("sensor: sensor already bound to another participant")
	// ErrReauthorizationRequired is returned by a Platform that cannot reopen a
	// link silently. Such participants are skipped by Sweep until ReconnectAll.
	ErrReauthorizationRequired = errors.New("sensor: platform requires reauthorization")
	// ErrWrongSensor is returned by ReconnectAll when the selected sensor is not
	// the one bound to the participant.
	ErrWrongSensor = errors.New("sensor: selected sensor does not match binding")
	// ErrUnknownParticipant is returned for participants the manager does not track.
	ErrUnknownParticipant = errors.New("sensor: unknown participant")
	// ErrSuperseded is returned when a connect finished after a newer
	// operation replaced it.
	ErrSuperseded = errors.New("sensor: connect superseded")
	// ErrDiscoveryCancelled is returned by a Platform when discovery ends
	// without a selection.
	ErrDiscoveryCancelled = errors.New("sensor: discovery cancelled")
)

// Filter narrows discovery.
type Filter struct {
	Services []string
	// SensorID, when set, asks for this specific sensor.
	SensorID string
}

// HeartRateFilter matches any heart-rate strap.
func HeartRateFilter() Filter {
	return Filter{Services: []string{ServiceUUIDHeartRate}}
}

// Handle identifies a discovered sensor.
type Handle struct {
	ID   string
	Name string
	RSSI int16
}

// Link is an open connection returned by Platform.Connect.
type Link interface {
	SensorID() string
}

// Subscription is an installed notification listener.
type Subscription interface {
	Cancel() error
}

// Platform is the wireless stack the manager drives.
type Platform interface {
	// Discover blocks until a sensor is selected or ctx ends.
	Discover(ctx context.Context, filter Filter) (Handle, error)
	Connect(ctx context.Context, h Handle) (Link, error)
	// Subscribe installs onSample for heart-rate measurement notifications.
	Subscribe(link Link, onSample func(payload []byte)) (Subscription, error)
	// OnDisconnect registers cb to run once when link is lost.
	OnDisconnect(link Link, cb func())
	Disconnect(link Link) error
}
