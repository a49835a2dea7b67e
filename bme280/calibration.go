package bme280

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Calibration buffer sizes as read from the device.
const (
	CalibPTLen = 24 // 0x88 ~ 0x9F
	CalibH1Len = 1  // 0xA1
	CalibH2Len = 7  // 0xE1 ~ 0xE7
)

var (
	// ErrInvalidCalibrationLength is returned by Decode when a calibration
	// buffer does not have the size of its register block.
	ErrInvalidCalibrationLength = errors.New("invalid calibration length")
	// ErrInvalidMeasurementLength is returned when the burst read of the data
	// registers is not 8 bytes long.
	ErrInvalidMeasurementLength = errors.New("invalid measurement length")
)

// CalibrationSet holds the factory trimming parameters of one BME280.
//
// It is a plain value; once decoded it is never modified and can be shared
// between goroutines.
type CalibrationSet struct {
	T1 uint16 `json:"t1"`
	T2 int16  `json:"t2"`
	T3 int16  `json:"t3"`

	P1 uint16 `json:"p1"`
	P2 int16  `json:"p2"`
	P3 int16  `json:"p3"`
	P4 int16  `json:"p4"`
	P5 int16  `json:"p5"`
	P6 int16  `json:"p6"`
	P7 int16  `json:"p7"`
	P8 int16  `json:"p8"`
	P9 int16  `json:"p9"`

	H1 uint8 `json:"h1"`
	H2 int16 `json:"h2"`
	H3 uint8 `json:"h3"`
	H4 int16 `json:"h4"` // 12 bits
	H5 int16 `json:"h5"` // 12 bits
	H6 int8  `json:"h6"`
}

// Decode parses the three calibration blocks of the device.
//
// pt covers 0x88 through 0x9F, h1 is 0xA1 and h2 covers 0xE1 through 0xE7.
func Decode(pt, h1, h2 []byte) (CalibrationSet, error) {
	var c CalibrationSet
	if err := checkLen("pt", pt, CalibPTLen); err != nil {
		return c, err
	}
	if err := checkLen("h1", h1, CalibH1Len); err != nil {
		return c, err
	}
	if err := checkLen("h2", h2, CalibH2Len); err != nil {
		return c, err
	}

	le := binary.LittleEndian
	c.T1 = le.Uint16(pt[0:])
	c.T2 = int16(le.Uint16(pt[2:]))
	c.T3 = int16(le.Uint16(pt[4:]))

	c.P1 = le.Uint16(pt[6:])
	c.P2 = int16(le.Uint16(pt[8:]))
	c.P3 = int16(le.Uint16(pt[10:]))
	c.P4 = int16(le.Uint16(pt[12:]))
	c.P5 = int16(le.Uint16(pt[14:]))
	c.P6 = int16(le.Uint16(pt[16:]))
	c.P7 = int16(le.Uint16(pt[18:]))
	c.P8 = int16(le.Uint16(pt[20:]))
	c.P9 = int16(le.Uint16(pt[22:]))

	c.H1 = h1[0]
	c.H2 = int16(le.Uint16(h2[0:]))
	c.H3 = h2[2]
	// 0xE5 is shared: low nibble belongs to H4, high nibble to H5.
	c.H4 = signExtend12(uint32(h2[3])<<4 | uint32(h2[4]&0x0F))
	c.H5 = signExtend12(uint32(h2[5])<<4 | uint32(h2[4]>>4))
	c.H6 = int8(h2[6])
	return c, nil
}

func checkLen(name string, b []byte, want int) error {
	if len(b) != want {
		return fmt.Errorf("bme280: %s buffer is %d bytes, want %d: %w", name, len(b), want, ErrInvalidCalibrationLength)
	}
	return nil
}

// signExtend12 interprets the low 12 bits of v as a two's complement value.
func signExtend12(v uint32) int16 {
	return int16(int32(v<<20) >> 20)
}
