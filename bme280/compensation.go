package bme280

import (
	"fmt"
	"math"

	"periph.io/x/conn/v3/physic"
)

const (
	// MeasureLen is the size of the burst read of 0xF7 ~ 0xFE.
	MeasureLen = 8

	HectoPascal = 100 * physic.Pascal
)

// RawMeasurement holds the uncompensated ADC codes of one measurement cycle.
//
// Pressure and temperature are 20 bits, humidity is 16 bits.
type RawMeasurement struct {
	Pressure    int32
	Temperature int32
	Humidity    int32
}

// Reading is a compensated measurement.
type Reading struct {
	Temperature float64 `json:"temperature"` // °C
	Pressure    float64 `json:"pressure"`    // hPa
	Humidity    float64 `json:"humidity"`    // %RH
}

// Env converts the reading to periph units.
//
// Temperature keeps its 0.01 °C resolution, pressure is rounded to the mPa.
// RelativeHumidity is only 32 bits wide, so humidity is scaled in float64.
func (r Reading) Env() physic.Env {
	return physic.Env{
		Temperature: physic.Temperature(math.Round(r.Temperature*1000))*physic.MilliKelvin + physic.ZeroCelsius,
		Pressure:    physic.Pressure(math.Round(r.Pressure*100000)) * physic.MilliPascal,
		Humidity:    physic.RelativeHumidity(math.Round(r.Humidity * float64(physic.PercentRH))),
	}
}

// ReadingFromEnv converts periph units back to °C, hPa and %RH.
func ReadingFromEnv(e physic.Env) Reading {
	return Reading{
		Temperature: e.Temperature.Celsius(),
		Pressure:    float64(e.Pressure) / float64(HectoPascal),
		Humidity:    float64(e.Humidity) / float64(physic.PercentRH),
	}
}

// ParseMeasurement unpacks the data registers, in device order: pressure,
// temperature, humidity.
func ParseMeasurement(b []byte) (RawMeasurement, error) {
	if len(b) != MeasureLen {
		return RawMeasurement{}, fmt.Errorf("bme280: measurement is %d bytes, want %d: %w", len(b), MeasureLen, ErrInvalidMeasurementLength)
	}
	return RawMeasurement{
		Pressure:    int32(b[0])<<12 | int32(b[1])<<4 | int32(b[2])>>4,
		Temperature: int32(b[3])<<12 | int32(b[4])<<4 | int32(b[5])>>4,
		Humidity:    int32(b[6])<<8 | int32(b[7]),
	}, nil
}

// Compensate converts the 8 data register bytes into a Reading using c.
func Compensate(c CalibrationSet, b []byte) (Reading, error) {
	raw, err := ParseMeasurement(b)
	if err != nil {
		return Reading{}, err
	}
	return c.Compensate(raw), nil
}

// Compensate converts raw ADC codes into a Reading.
//
// Temperature is always computed first since its fine value feeds the
// pressure and humidity formulas.
func (c CalibrationSet) Compensate(raw RawMeasurement) Reading {
	t, fine := c.compensateTemp(raw.Temperature)
	return Reading{
		Temperature: t,
		Pressure:    c.compensatePressure(raw.Pressure, fine),
		Humidity:    c.compensateHumidity(raw.Humidity, fine),
	}
}

// compensateTemp returns temperature in °C with 0.01 °C resolution, and the
// fine temperature.
//
// Every step is done in int32 so that overflow wraps exactly like the vendor
// reference code.
func (c CalibrationSet) compensateTemp(raw int32) (float64, int32) {
	t1 := int32(c.T1)
	var1 := (((raw >> 3) - (t1 << 1)) * int32(c.T2)) >> 11
	d := (raw >> 4) - t1
	var2 := (((d * d) >> 12) * int32(c.T3)) >> 14
	fine := var1 + var2
	return float64((fine*5+128)>>8) / 100.0, fine
}

// compensatePressure returns pressure in hPa, or 0 when the calibration
// yields a zero divisor.
//
// Products that feed an addition are wrapped in float64() so they are not
// fused into FMA instructions; results must match the reference bit for bit.
func (c CalibrationSet) compensatePressure(raw, fine int32) float64 {
	var1 := float64(fine)/2.0 - 64000.0
	var2 := var1 * var1 * float64(c.P6) / 32768.0
	var2 += float64(var1 * float64(c.P5) * 2.0)
	var2 = var2/4.0 + float64(float64(c.P4)*65536.0)
	var1 = (float64(c.P3)*var1*var1/524288.0 + float64(float64(c.P2)*var1)) / 524288.0
	var1 = (1.0 + var1/32768.0) * float64(c.P1)
	if var1 == 0.0 {
		return 0
	}
	p := 1048576.0 - float64(raw)
	p = (p - var2/4096.0) * 6250.0 / var1
	var1 = float64(c.P9) * p * p / 2147483648.0
	var2 = p * float64(c.P8) / 32768.0
	p += (var1 + var2 + float64(c.P7)) / 16.0
	return p / 100.0
}

// compensateHumidity returns relative humidity in %, clamped to [0, 100].
func (c CalibrationSet) compensateHumidity(raw, fine int32) float64 {
	h := float64(fine) - 76800.0
	offset := float64(float64(c.H4)*64.0) + float64(float64(c.H5)/16384.0*h)
	inner := 1.0 + float64(float64(c.H3)/67108864.0*h)
	scale := float64(c.H2) / 65536.0 * (1.0 + float64(float64(c.H6)/67108864.0*h*inner))
	h = (float64(raw) - offset) * scale
	h *= 1.0 - float64(c.H1)*h/524288.0
	if h > 100.0 {
		return 100.0
	}
	if h < 0.0 {
		return 0.0
	}
	return h
}
