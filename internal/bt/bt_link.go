package bt

import (
	"fmt"
	"log"
	"sync"

	"tinygo.org/x/bluetooth"

	"github.com/claytonnetvision/wodpulse/internal/sensor"
)

// btLink is one open connection to a strap.
type btLink struct {
	id     string
	device bluetooth.Device
	logger *log.Logger

	// Serializes BLE characteristic operations
	bleMu          sync.Mutex
	characteristic *bluetooth.DeviceCharacteristic

	mu     sync.Mutex
	onLoss func()
}

func newBTLink(logger *log.Logger, id string, device bluetooth.Device) *btLink {
	return &btLink{id: id, device: device, logger: logger}
}

func (l *btLink) SensorID() string { return l.id }

func (l *btLink) setLossCallback(cb func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onLoss = cb
}

func (l *btLink) lossCallback() func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.onLoss
}

// resolveMeasurement discovers the heart-rate service and its measurement
// characteristic.
func (l *btLink) resolveMeasurement() error {
	l.bleMu.Lock()
	defer l.bleMu.Unlock()

	serviceUuid, err := bluetooth.ParseUUID(sensor.ServiceUUIDHeartRate)
	if err != nil {
		return fmt.Errorf("invalid service UUID %q: %w", sensor.ServiceUUIDHeartRate, err)
	}
	charUuid, err := bluetooth.ParseUUID(sensor.CharUUIDHeartRateMeasurement)
	if err != nil {
		return fmt.Errorf("invalid characteristic UUID %q: %w", sensor.CharUUIDHeartRateMeasurement, err)
	}

	l.logger.Printf("BTLink: discovering heart rate service on %s", l.id)
	services, err := l.device.DiscoverServices([]bluetooth.UUID{serviceUuid})
	if err != nil {
		return fmt.Errorf("error discovering services: %w", err)
	}
	if len(services) == 0 {
		return fmt.Errorf("service %v not found on device", serviceUuid.String())
	}

	chars, err := services[0].DiscoverCharacteristics([]bluetooth.UUID{charUuid})
	if err != nil {
		return fmt.Errorf("could not discover characteristics for service %v: %w", serviceUuid.String(), err)
	}
	if len(chars) == 0 {
		return errNoCharacteristic
	}
	l.characteristic = &chars[0]
	return nil
}

func (l *btLink) enableNotifications(cb func([]byte)) error {
	l.bleMu.Lock()
	defer l.bleMu.Unlock()

	if l.characteristic == nil {
		return errNoCharacteristic
	}
	if err := l.characteristic.EnableNotifications(cb); err != nil {
		l.logger.Printf("BTLink: EnableNotifications failed: %v", err)
		return fmt.Errorf("failed to enable notifications: %w", err)
	}
	l.logger.Printf("BTLink: notifications enabled for %s", l.id)
	return nil
}

type btSubscription struct {
	link *btLink
}

// Cancel passes a nil callback, which disables notifications.
func (s *btSubscription) Cancel() error {
	s.link.bleMu.Lock()
	defer s.link.bleMu.Unlock()

	if s.link.characteristic == nil {
		return nil
	}
	if err := s.link.characteristic.EnableNotifications(nil); err != nil {
		return fmt.Errorf("failed to disable notifications: %w", err)
	}
	return nil
}
