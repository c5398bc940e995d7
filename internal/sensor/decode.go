package sensor

import "fmt"

// DecodeHeartRate parses a heart-rate measurement notification.
// See: https://www.bluetooth.com/specifications/specs/heart-rate-service-1-0/
func DecodeHeartRate(buf []byte) (int, error) {
	if len(buf) < 2 {
		return 0, fmt.Errorf("heart rate data too short: %d bytes", len(buf))
	}

	flags := buf[0]
	// Bit 0: 0 = UINT8, 1 = UINT16
	if flags&0x01 != 0 {
		if len(buf) < 3 {
			return 0, fmt.Errorf("heart rate UINT16 data too short: %d bytes", len(buf))
		}
		return int(uint16(buf[1]) | uint16(buf[2])<<8), nil
	}
	return int(buf[1]), nil
}

// EncodeHeartRate builds a measurement payload, using the 16-bit format when
// hr does not fit in a byte.
func EncodeHeartRate(hr int) []byte {
	if hr < 0 {
		hr = 0
	}
	if hr > 0xff {
		return []byte{0x01, byte(hr), byte(hr >> 8)}
	}
	return []byte{0x00, byte(hr)}
}
