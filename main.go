package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aldernero/scd4x"
	"github.com/jessevdk/go-flags"
	"go.uber.org/zap"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"

	"EnvServer/bme280"
	"EnvServer/config"
)

// ProgramArgs override the config file; zero values leave it untouched.
type ProgramArgs struct {
	Config  string `short:"c" long:"config" default:"conf/config.yml" description:"YAML config file"`
	Verbose bool   `short:"v" long:"verbose" description:"Log every reading"`

	// Server Options
	Host string `short:"H" long:"host" description:"IP to listen on (default: 127.0.0.1)"`
	Port uint16 `short:"P" long:"port" description:"Port to listen on (default: 27315)"`

	// Sensor Options
	Interval  uint16 `short:"I" long:"interval" description:"Seconds between readings (default: 5)"`
	I2CDevice string `short:"D" long:"i2cdev" description:"The used I2C device (default: auto)"`
	Address   uint16 `short:"A" long:"addr" description:"BME280 I2C address, 0x76 or 0x77 (default: 0x76)"`
	SCD4x     bool   `long:"scd4x" description:"Also read CO2 from an SCD4x on the same bus"`
}

const (
	MIN_TIMEOUT_SECONDS = 2
)

// applyArgs merges command line overrides into cfg.
func applyArgs(cfg *config.Config, args ProgramArgs) error {
	if args.Host != "" {
		cfg.Server.Host = args.Host
	}
	if args.Port != 0 {
		cfg.Server.Port = args.Port
	}
	if args.Interval != 0 {
		cfg.BME280.Interval = time.Duration(args.Interval) * time.Second
	}
	if args.I2CDevice != "" {
		cfg.BME280.I2CDevice = args.I2CDevice
	}
	if args.Address != 0 {
		cfg.BME280.Address = args.Address
	}
	if args.SCD4x {
		cfg.SCD4x.Enabled = true
	}
	return cfg.Validate()
}

// sensorOpts maps the config values onto device register settings.
func sensorOpts(cfg config.BME280Config) bme280.Opts {
	var o bme280.Oversampling
	switch cfg.Oversampling {
	case 1:
		o = bme280.O1x
	case 2:
		o = bme280.O2x
	case 8:
		o = bme280.O8x
	case 16:
		o = bme280.O16x
	default:
		o = bme280.O4x
	}
	var f bme280.Filter
	switch cfg.Filter {
	case 2:
		f = bme280.F2
	case 4:
		f = bme280.F4
	case 8:
		f = bme280.F8
	case 16:
		f = bme280.F16
	default:
		f = bme280.NoFilter
	}
	return bme280.Opts{Temperature: o, Pressure: o, Humidity: o, Filter: f}
}

func getOutboundIP() (net.IP, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)

	return localAddr.IP, nil
}

func setupI2CBus(i2cdev string) (i2c.BusCloser, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("initialization failed: %w", err)
	}

	bus, err := i2creg.Open(i2cdev)
	if err != nil {
		return nil, fmt.Errorf("couldn't open I2C device: %w", err)
	}

	return bus, nil
}

// setupBMESensor returns the device. the caller has the responsibility to close the bus
func setupBMESensor(i2cBus i2c.Bus, cfg config.BME280Config) (*bme280.Dev, error) {
	opts := sensorOpts(cfg)
	dev, err := bme280.NewI2C(i2cBus, cfg.Address, &opts)
	if err != nil {
		return nil, fmt.Errorf("couldn't initialize sensor: %w", err)
	}
	return dev, nil
}

func setupSCDSensor(i2cBus i2c.BusCloser, logger *zap.SugaredLogger) (*scd4x.SCD4x, error) {
	sensor, err := scd4x.SensorInit(i2cBus, false)
	if err != nil {
		return nil, err
	}

	logger.Info("initializing SCD4x")
	if err := sensor.StopMeasurements(); err != nil {
		return nil, fmt.Errorf("error while trying to stop periodic measurements: %w", err)
	}
	if err := sensor.StartMeasurements(); err != nil {
		return nil, fmt.Errorf("error while trying to start periodic measurements: %w", err)
	}

	return sensor, nil
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func main() {
	args := ProgramArgs{}
	argParser := flags.NewParser(&args, flags.Default)

	if _, err := argParser.Parse(); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}

	zl, err := newLogger(args.Verbose)
	if err != nil {
		fmt.Fprintf(os.Stderr, "couldn't create logger: %v\n", err)
		os.Exit(1)
	}
	defer zl.Sync()
	logger := zl.Sugar()

	if err := run(args, logger); err != nil {
		logger.Error(err)
		zl.Sync()
		os.Exit(1)
	}
}

func run(args ProgramArgs, logger *zap.SugaredLogger) error {
	cfg, err := config.Load(args.Config)
	if err != nil {
		return err
	}
	if err := applyArgs(cfg, args); err != nil {
		return err
	}
	logger.Infow("configuration loaded", "file", args.Config, "config", cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Boring i2c setup
	bus, err := setupI2CBus(cfg.BME280.I2CDevice)
	if err != nil {
		return err
	}
	defer bus.Close()

	bmeDev, err := setupBMESensor(bus, cfg.BME280)
	if err != nil {
		return err
	}
	logger.Infow("sensor ready", "device", bmeDev.String(), "calibration", bmeDev.Calibration())

	var co2 func() (co2Reading, error)
	if cfg.SCD4x.Enabled {
		scdDev, err := setupSCDSensor(bus, logger)
		if err != nil {
			return err
		}
		defer scdDev.StopMeasurements()
		co2 = func() (co2Reading, error) {
			data, err := scdDev.ReadMeasurement()
			if err != nil {
				return co2Reading{}, err
			}
			return co2Reading{CO2: data.CO2, Humidity: data.Rh}, nil
		}

		logger.Info("waking up in a second…")
		// give the sensor time to wake up
		time.Sleep(1 * time.Second)
	}

	// SenseContinuous will take one reading immediately before looping
	readingChannel, err := bmeDev.SenseContinuous(cfg.BME280.Interval)
	if err != nil {
		return fmt.Errorf("couldn't start taking readings: %w", err)
	}
	defer bmeDev.Halt()

	store := &readingStore{}
	go func() {
		updateReading(readingChannel, store, co2, logger)
		// The channel is only closed early when a read failed; the
		// process can't do anything useful without the sensor.
		if err := bmeDev.Err(); err != nil {
			logger.Errorf("read value error: %v", err)
			stop()
		}
	}()

	timeoutLen := time.Duration(max(MIN_TIMEOUT_SECONDS, int(cfg.BME280.Interval/time.Second))) * time.Second

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		ReadTimeout:  timeoutLen,
		WriteTimeout: timeoutLen,
		IdleTimeout:  120 * time.Second,
		Handler:      newRouter(store, bmeDev.Calibration(), logger),
	}

	go func() {
		if cfg.Server.Host == "0.0.0.0" {
			// resolve local IP for easier debugging
			if localIP, err := getOutboundIP(); err == nil {
				logger.Infof("listening on %s:%d…", localIP, cfg.Server.Port)
			}
		} else {
			logger.Infof("listening on %s…", addr)
		}

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("server failed: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	// Give the server a timeout period of 4 seconds
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 4*time.Second)
	defer cancel()
	// Doesn't block if no connections, but will otherwise wait until the timeout deadline.
	_ = srv.Shutdown(shutdownCtx)
	return nil
}
