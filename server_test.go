package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"periph.io/x/conn/v3/physic"

	"EnvServer/bme280"
	"EnvServer/config"
)

var testCal = bme280.CalibrationSet{
	T1: 27504, T2: 26435, T3: -1000,
	P1: 36477, P2: -10685, P3: 3024, P4: 2855, P5: 140, P6: -7, P7: 15500, P8: -14600, P9: 6000,
	H1: 75, H2: 362, H3: 0, H4: 313, H5: 50, H6: 30,
}

func TestUpdateReading(t *testing.T) {
	ch := make(chan physic.Env, 2)
	ch <- bme280.Reading{Temperature: 21.5, Pressure: 1000.25, Humidity: 40}.Env()
	ch <- bme280.Reading{Temperature: 25.08, Pressure: 1006.5326, Humidity: 65.3}.Env()
	close(ch)

	store := &readingStore{}
	updateReading(ch, store, nil, zap.NewNop().Sugar())

	got, ok := store.Get()
	require.True(t, ok)
	assert.InDelta(t, 25.08, got.Temperature, 1e-9)
	assert.InDelta(t, 1006.5326, got.Pressure, 1e-9)
	assert.InDelta(t, 65.3, got.Humidity, 1e-9)
	assert.Nil(t, got.CO2)
	assert.NotEmpty(t, got.UpdatedStr)
}

func TestUpdateReading_CO2(t *testing.T) {
	ch := make(chan physic.Env, 2)
	ch <- bme280.Reading{Temperature: 20}.Env()
	close(ch)

	store := &readingStore{}
	co2 := func() (co2Reading, error) { return co2Reading{CO2: 612, Humidity: 44.5}, nil }
	updateReading(ch, store, co2, zap.NewNop().Sugar())

	got, ok := store.Get()
	require.True(t, ok)
	require.NotNil(t, got.CO2)
	assert.Equal(t, uint16(612), *got.CO2)
	require.NotNil(t, got.HumiditySCD)
	assert.Equal(t, 44.5, *got.HumiditySCD)
}

func TestUpdateReading_CO2Error(t *testing.T) {
	ch := make(chan physic.Env, 1)
	ch <- bme280.Reading{Temperature: 20}.Env()
	close(ch)

	store := &readingStore{}
	co2 := func() (co2Reading, error) { return co2Reading{}, errors.New("crc mismatch") }
	updateReading(ch, store, co2, zap.NewNop().Sugar())

	got, ok := store.Get()
	require.True(t, ok)
	assert.Equal(t, 20.0, got.Temperature)
	assert.Nil(t, got.CO2)
}

func TestRouter_Reading(t *testing.T) {
	store := &readingStore{}
	store.Set(NewSensorReading(time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC), bme280.Reading{Temperature: 25.08, Pressure: 1006.53, Humidity: 17.9}))
	r := newRouter(store, testCal, zap.NewNop().Sugar())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 25.08, body["temperature"])
	assert.Equal(t, 1006.53, body["pressure"])
	assert.Equal(t, 17.9, body["humidity"])
	assert.Equal(t, "2024-05-01 12:30:00", body["updated"])
	assert.NotContains(t, body, "co2")
}

func TestRouter_Calibration(t *testing.T) {
	r := newRouter(&readingStore{}, testCal, zap.NewNop().Sugar())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/calibration", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var got bme280.CalibrationSet
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, testCal, got)
}

func TestRouter_Healthz(t *testing.T) {
	store := &readingStore{}
	r := newRouter(store, testCal, zap.NewNop().Sugar())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	store.Set(NewSensorReading(time.Now(), bme280.Reading{}))
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRouter_MethodNotAllowed(t *testing.T) {
	r := newRouter(&readingStore{}, testCal, zap.NewNop().Sugar())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestApplyArgs(t *testing.T) {
	cfg := config.Default()
	err := applyArgs(cfg, ProgramArgs{Host: "0.0.0.0", Port: 8080, Interval: 60, Address: 0x77, SCD4x: true})
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, uint16(8080), cfg.Server.Port)
	assert.Equal(t, time.Minute, cfg.BME280.Interval)
	assert.Equal(t, uint16(0x77), cfg.BME280.Address)
	assert.True(t, cfg.SCD4x.Enabled)

	cfg = config.Default()
	require.NoError(t, applyArgs(cfg, ProgramArgs{}))
	assert.Equal(t, config.Default(), cfg)

	require.Error(t, applyArgs(config.Default(), ProgramArgs{Address: 0x40}))
}

func TestSensorOpts(t *testing.T) {
	o := sensorOpts(config.BME280Config{Oversampling: 16, Filter: 4})
	assert.Equal(t, bme280.Opts{Temperature: bme280.O16x, Pressure: bme280.O16x, Humidity: bme280.O16x, Filter: bme280.F4}, o)

	o = sensorOpts(config.Default().BME280)
	assert.Equal(t, bme280.Opts{Temperature: bme280.O4x, Pressure: bme280.O4x, Humidity: bme280.O4x}, o)
}
