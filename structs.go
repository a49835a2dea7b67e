package main

import (
	"sync"
	"time"

	"EnvServer/bme280"
)

type SensorReading struct {
	Temperature float64 `json:"temperature"`
	Pressure    float64 `json:"pressure"`
	Humidity    float64 `json:"humidity"`
	// Only present when an SCD4x is attached.
	CO2         *uint16  `json:"co2,omitempty"`
	HumiditySCD *float64 `json:"humidityScd,omitempty"`

	Updated    time.Time `json:"-"`
	UpdatedStr string    `json:"updated"`
}

func NewSensorReading(date time.Time, r bme280.Reading) SensorReading {
	return SensorReading{
		Temperature: r.Temperature,
		Pressure:    r.Pressure,
		Humidity:    r.Humidity,
		Updated:     date,
		UpdatedStr:  date.Format("2006-01-02 15:04:05"), // ISO 8601 without timezone
	}
}

// co2Reading is what the optional SCD4x contributes to a SensorReading.
type co2Reading struct {
	CO2      uint16
	Humidity float64
}

// readingStore holds the latest reading, shared between the poller and the
// HTTP handlers.
type readingStore struct {
	mu      sync.RWMutex
	reading SensorReading
	ok      bool
}

func (s *readingStore) Set(r SensorReading) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reading = r
	s.ok = true
}

// Get returns the latest reading and whether one was stored yet.
func (s *readingStore) Get() (SensorReading, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reading, s.ok
}
