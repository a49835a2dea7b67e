package bme280

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Temperature and pressure trimming values are the worked example of the
// datasheet (section 8.1). Humidity values come from a real sensor.
var (
	calibPT = []byte{
		0x70, 0x6B, 0x43, 0x67, 0x18, 0xFC, // T1..T3
		0x7D, 0x8E, 0x43, 0xD6, 0xD0, 0x0B, 0x27, 0x0B, 0x8C, 0x00, // P1..P5
		0xF9, 0xFF, 0x8C, 0x3C, 0xF8, 0xC6, 0x70, 0x17, // P6..P9
	}
	calibH1 = []byte{0x4B}
	calibH2 = []byte{0x6A, 0x01, 0x00, 0x13, 0x29, 0x03, 0x1E}

	datasheetCal = CalibrationSet{
		T1: 27504, T2: 26435, T3: -1000,
		P1: 36477, P2: -10685, P3: 3024, P4: 2855, P5: 140, P6: -7, P7: 15500, P8: -14600, P9: 6000,
		H1: 75, H2: 362, H3: 0, H4: 313, H5: 50, H6: 30,
	}
)

func TestDecode(t *testing.T) {
	c, err := Decode(calibPT, calibH1, calibH2)
	require.NoError(t, err)
	assert.Equal(t, datasheetCal, c)
}

func TestDecode_Deterministic(t *testing.T) {
	first, err := Decode(calibPT, calibH1, calibH2)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := Decode(calibPT, calibH1, calibH2)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestDecode_DoesNotRetainInput(t *testing.T) {
	pt := append([]byte(nil), calibPT...)
	c, err := Decode(pt, calibH1, calibH2)
	require.NoError(t, err)
	pt[0], pt[1] = 0, 0
	assert.Equal(t, uint16(27504), c.T1)
}

func TestDecode_InvalidLength(t *testing.T) {
	tests := []struct {
		name       string
		pt, h1, h2 []byte
	}{
		{"pt 23 bytes", calibPT[:23], calibH1, calibH2},
		{"pt 25 bytes", append(append([]byte(nil), calibPT...), 0), calibH1, calibH2},
		{"h1 empty", calibPT, nil, calibH2},
		{"h1 2 bytes", calibPT, []byte{1, 2}, calibH2},
		{"h2 6 bytes", calibPT, calibH1, calibH2[:6]},
		{"h2 8 bytes", calibPT, calibH1, append(append([]byte(nil), calibH2...), 0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := Decode(tt.pt, tt.h1, tt.h2)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidCalibrationLength)
			assert.NotErrorIs(t, err, ErrInvalidMeasurementLength)
			assert.Equal(t, CalibrationSet{}, c)
		})
	}
}

func TestDecode_HumidityNibbles(t *testing.T) {
	tests := []struct {
		name   string
		e4, e5 byte
		e6     byte
		h4, h5 int16
	}{
		{"all bits set", 0xFF, 0xFF, 0xFF, -1, -1},
		{"zero", 0x00, 0x00, 0x00, 0, 0},
		{"max positive", 0x7F, 0xFF, 0x7F, 2047, 2047},
		{"min negative", 0x80, 0x00, 0x80, -2048, -2048},
		{"low nibble only", 0x00, 0x0F, 0x00, 15, 0},
		{"high nibble only", 0x00, 0xF0, 0x00, 0, 15},
		{"mixed", 0x13, 0x29, 0x03, 313, 50},
		{"negative h4 positive h5", 0xFE, 0x1C, 0x02, -20, 33},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h2 := []byte{0x6A, 0x01, 0x00, tt.e4, tt.e5, tt.e6, 0x1E}
			c, err := Decode(calibPT, calibH1, h2)
			require.NoError(t, err)
			assert.Equal(t, tt.h4, c.H4)
			assert.Equal(t, tt.h5, c.H5)

			// Same result as doing the nibble arithmetic by hand.
			h4 := int(tt.e4)<<4 | int(tt.e5&0x0F)
			h5 := int(tt.e6)<<4 | int(tt.e5>>4)
			if h4 >= 0x800 {
				h4 -= 0x1000
			}
			if h5 >= 0x800 {
				h5 -= 0x1000
			}
			assert.Equal(t, int16(h4), c.H4)
			assert.Equal(t, int16(h5), c.H5)
		})
	}
}

func TestDecode_SignedFields(t *testing.T) {
	pt := make([]byte, CalibPTLen)
	for i := range pt {
		pt[i] = 0xFF
	}
	h2 := []byte{0xFF, 0xFF, 0xFF, 0x00, 0x00, 0x00, 0xFF}
	c, err := Decode(pt, []byte{0xFF}, h2)
	require.NoError(t, err)

	assert.Equal(t, uint16(0xFFFF), c.T1)
	assert.Equal(t, int16(-1), c.T2)
	assert.Equal(t, uint16(0xFFFF), c.P1)
	assert.Equal(t, int16(-1), c.P9)
	assert.Equal(t, uint8(0xFF), c.H1)
	assert.Equal(t, int16(-1), c.H2)
	assert.Equal(t, uint8(0xFF), c.H3)
	assert.Equal(t, int8(-1), c.H6)
}
