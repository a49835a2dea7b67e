package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"periph.io/x/conn/v3/physic"

	"EnvServer/bme280"
)

// updateReading stores every measurement from ch until it is closed.
// co2 may be nil when no SCD4x is attached.
func updateReading(ch <-chan physic.Env, store *readingStore, co2 func() (co2Reading, error), logger *zap.SugaredLogger) {
	for env := range ch {
		reading := NewSensorReading(time.Now(), bme280.ReadingFromEnv(env))

		if co2 != nil {
			scdData, err := co2()
			if err != nil {
				logger.Warnf("error while reading SCD4x data: %v", err)
			} else {
				reading.CO2 = &scdData.CO2
				reading.HumiditySCD = &scdData.Humidity
			}
		}

		logger.Debugw("new reading",
			"temperature", reading.Temperature,
			"pressure", reading.Pressure,
			"humidity", reading.Humidity,
		)
		store.Set(reading)
	}
}

func newRouter(store *readingStore, cal bme280.CalibrationSet, logger *zap.SugaredLogger) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		reading, _ := store.Get()
		writeJSON(w, reading, logger)
	}).Methods(http.MethodGet)

	r.HandleFunc("/calibration", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, cal, logger)
	}).Methods(http.MethodGet)

	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if _, ok := store.Get(); !ok {
			http.Error(w, "no reading yet", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)
	return r
}

func writeJSON(w http.ResponseWriter, v interface{}, logger *zap.SugaredLogger) {
	jsonStr, err := json.Marshal(v)
	if err != nil {
		logger.Errorf("couldn't marshal response: %v", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(jsonStr); err != nil {
		logger.Warnf("couldn't send response: %v", err)
	}
}
