package sensor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeHeartRate(t *testing.T) {
	tests := []struct {
		name    string
		buf     []byte
		want    int
		wantErr bool
	}{
		{name: "uint8", buf: []byte{0x00, 72}, want: 72},
		{name: "uint8 with rr interval", buf: []byte{0x10, 150, 0x20, 0x03}, want: 150},
		{name: "uint16 little endian", buf: []byte{0x01, 0x2c, 0x01}, want: 300},
		{name: "uint16 flag with extra bits", buf: []byte{0x17, 0xb4, 0x00}, want: 180},
		{name: "empty", buf: nil, wantErr: true},
		{name: "flags only", buf: []byte{0x00}, wantErr: true},
		{name: "uint16 truncated", buf: []byte{0x01, 0x50}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeHeartRate(tt.buf)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEncodeHeartRate(t *testing.T) {
	assert.Equal(t, []byte{0x00, 180}, EncodeHeartRate(180))
	assert.Equal(t, []byte{0x01, 0x2c, 0x01}, EncodeHeartRate(300))
	assert.Equal(t, []byte{0x00, 0}, EncodeHeartRate(-3))
}
