// Package bme280 reads temperature, pressure and humidity from a Bosch BME280
// and converts the raw register values with the device's calibration.
//
// # Datasheet
//
// https://www.bosch-sensortec.com/media/boschsensortec/downloads/datasheets/bst-bme280-ds002.pdf
package bme280

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
)

const (
	AddrChipID byte = 0xD0 // read-only, should contain 0x60
	AddrReset  byte = 0xE0

	// calibration ranges

	AddrCalibPT byte = 0x88
	AddrCalibH1 byte = 0xA1
	AddrCalibH2 byte = 0xE1

	// control registers

	AddrCtrlHum  byte = 0xF2
	AddrStatus   byte = 0xF3
	AddrCtrlMeas byte = 0xF4
	AddrConfig   byte = 0xF5

	// data registers, pressure MSB first

	AddrPressMSB byte = 0xF7

	chipID    byte = 0x60
	resetWord byte = 0xB6
)

// Oversampling affects how much time is taken to measure each of temperature,
// pressure and humidity.
//
// Using high oversampling and low standby results in highest power
// consumption, but this is still below 1mA so we generally don't care.
type Oversampling uint8

// Possible oversampling values.
//
// The higher the more time and power it takes to take a measurement. Even at
// 16x for all 3 sensors, it is less than 100ms albeit increased power
// consumption may increase the temperature reading.
const (
	Off  Oversampling = 0
	O1x  Oversampling = 1
	O2x  Oversampling = 2
	O4x  Oversampling = 3
	O8x  Oversampling = 4
	O16x Oversampling = 5
)

const oversamplingName = "Off1x2x4x8x16x"

var oversamplingIndex = [...]uint8{0, 3, 5, 7, 9, 11, 14}

func (o Oversampling) String() string {
	if o >= Oversampling(len(oversamplingIndex)-1) {
		return fmt.Sprintf("Oversampling(%d)", o)
	}
	return oversamplingName[oversamplingIndex[o]:oversamplingIndex[o+1]]
}

func (o Oversampling) asValue() int {
	switch o {
	case O1x:
		return 1
	case O2x:
		return 2
	case O4x:
		return 4
	case O8x:
		return 8
	case O16x:
		return 16
	default:
		return 0
	}
}

// Filter specifies the internal IIR filter to get steadier measurements.
//
// Oversampling will get better measurements than filtering but at a larger
// power consumption cost, which may slightly affect temperature measurement.
type Filter uint8

// Possible filtering values.
//
// The higher the filter, the slower the value converges but the more stable
// the measurement is.
const (
	NoFilter Filter = 0
	F2       Filter = 1
	F4       Filter = 2
	F8       Filter = 3
	F16      Filter = 4
)

// Standby is the idle time between two measurements in normal mode.
type Standby uint8

// Possible standby values, as encoded in the config register.
const (
	S500us Standby = 0
	S62ms  Standby = 1
	S125ms Standby = 2
	S250ms Standby = 3
	S500ms Standby = 4
	S1s    Standby = 5
	S10ms  Standby = 6
	S20ms  Standby = 7
)

var standbyDuration = [...]time.Duration{
	500 * time.Microsecond,
	62500 * time.Microsecond,
	125 * time.Millisecond,
	250 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
	10 * time.Millisecond,
	20 * time.Millisecond,
}

func (s Standby) String() string {
	if int(s) >= len(standbyDuration) {
		return fmt.Sprintf("Standby(%d)", s)
	}
	return standbyDuration[s].String()
}

// StandbyFor returns the longest standby that does not exceed d.
func StandbyFor(d time.Duration) Standby {
	best := S500us
	for i, v := range standbyDuration {
		if v <= d && v > standbyDuration[best] {
			best = Standby(i)
		}
	}
	return best
}

// DefaultOpts is the recommended default options.
var DefaultOpts = Opts{
	Temperature: O4x,
	Pressure:    O4x,
	Humidity:    O4x,
}

// Opts defines the options for the device.
//
// Recommended sensing settings as per the datasheet:
//
// → Weather monitoring: manual sampling once per minute, all sensors O1x.
// Power consumption: 0.16µA, filter NoFilter. RMS noise: 3.3Pa / 30cm, 0.07%RH.
//
// → Humidity sensing: manual sampling once per second, pressure Off, humidity
// and temperature O1X, filter NoFilter. Power consumption: 2.9µA, 0.07%RH.
//
// → Indoor navigation: continuous sampling at 40ms with filter F16, pressure
// O16x, temperature O2x, humidity O1x, filter F16. Power consumption 633µA.
// RMS noise: 0.2Pa / 1.7cm.
type Opts struct {
	// Temperature must be measured for pressure and humidity to be measured.
	Temperature Oversampling
	Pressure    Oversampling
	Humidity    Oversampling
	// Filter is only used while using SenseContinuous().
	Filter Filter
}

// NewI2C returns an object that communicates over I²C to a BME280
// environmental sensor.
//
// The address must be 0x76 or 0x77. The value used depends on HW
// configuration of the sensor's SDO pin.
//
// It is recommended to call Halt() when done with the device so it stops
// sampling.
func NewI2C(b i2c.Bus, addr uint16, opts *Opts) (*Dev, error) {
	switch addr {
	case 0x76, 0x77:
	default:
		return nil, errors.New("bme280: given address not supported by device")
	}
	d := &Dev{d: &i2c.Dev{Bus: b, Addr: addr}, isSPI: false}
	if err := d.makeDev(opts); err != nil {
		return nil, err
	}
	return d, nil
}

// NewSPI returns an object that communicates over SPI to a BME280
// environmental sensor.
//
// It is recommended to call Halt() when done with the device so it stops
// sampling.
//
// When using SPI, the CS line must be used.
func NewSPI(p spi.Port, opts *Opts) (*Dev, error) {
	// It works both in Mode0 and Mode3.
	c, err := p.Connect(10*physic.MegaHertz, spi.Mode3, 8)
	if err != nil {
		return nil, fmt.Errorf("bme280: %v", err)
	}
	d := &Dev{d: c, isSPI: true}
	if err := d.makeDev(opts); err != nil {
		return nil, err
	}
	return d, nil
}

// Dev is a handle to an initialized BME280 device.
type Dev struct {
	d     conn.Conn
	isSPI bool
	opts  Opts
	name  string
	cal   CalibrationSet

	mu   sync.Mutex
	stop chan struct{}
	wg   sync.WaitGroup
	err  error
}

func (d *Dev) String() string {
	return fmt.Sprintf("%s{%s}", d.name, d.d)
}

// Calibration returns the calibration coefficients read at initialization.
func (d *Dev) Calibration() CalibrationSet {
	return d.cal
}

// SenseReading requests a one time measurement as °C, hPa and % of relative
// humidity.
//
// The very first measurements may be of poor quality.
func (d *Dev) SenseReading() (Reading, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stop != nil {
		return Reading{}, d.wrap(errors.New("already sensing continuously"))
	}

	err := d.writeCommands([]byte{
		AddrCtrlMeas, d.ctrlMeas(forced),
	})
	if err != nil {
		return Reading{}, err
	}
	doSleep(d.measurementDuration())
	if err := d.waitIdle(); err != nil {
		return Reading{}, err
	}
	return d.sense()
}

// Sense implements physic.SenseEnv.
func (d *Dev) Sense(e *physic.Env) error {
	r, err := d.SenseReading()
	if err != nil {
		return err
	}
	*e = r.Env()
	return nil
}

// SenseContinuous returns measurements on a continuous basis.
//
// The device is put in normal mode with the longest standby not above interval, so
// a fresh measurement is ready at every tick.
//
// The application must call Halt() to stop the sensing when done to stop the
// sensor and close the channel. If a read fails the channel is closed, Err()
// returns the cause and the device accepts SenseReading() again.
//
// It's the responsibility of the caller to retrieve the values from the
// channel as fast as possible, otherwise the interval may not be respected.
func (d *Dev) SenseContinuous(interval time.Duration) (<-chan physic.Env, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stop != nil {
		// Don't send the stop command to the device.
		close(d.stop)
		d.stop = nil
		d.mu.Unlock()
		d.wg.Wait()
		d.mu.Lock()
	}
	d.err = nil

	err := d.writeCommands([]byte{
		AddrConfig, d.config(StandbyFor(interval)),
		AddrCtrlMeas, d.ctrlMeas(normal),
	})
	if err != nil {
		return nil, err
	}

	sensing := make(chan physic.Env)
	d.stop = make(chan struct{})
	d.wg.Add(1)
	go func(stop <-chan struct{}) {
		defer d.wg.Done()
		defer close(sensing)
		d.sensingContinuous(interval, sensing, stop)
	}(d.stop)
	return sensing, nil
}

// Err returns the error that ended the last SenseContinuous() loop, if any.
func (d *Dev) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

// Precision implements physic.SenseEnv.
func (d *Dev) Precision(e *physic.Env) {
	e.Temperature = 10 * physic.MilliKelvin
	e.Pressure = 180 * physic.MilliPascal
	e.Humidity = physic.PercentRH / 128
}

// Halt stops the BME280 from acquiring measurements as initiated by
// SenseContinuous().
//
// It is recommended to call this function before terminating the process to
// reduce idle power usage and a goroutine leak.
func (d *Dev) Halt() error {
	d.mu.Lock()
	if d.stop == nil {
		d.mu.Unlock()
		return nil
	}
	close(d.stop)
	d.stop = nil
	d.mu.Unlock()
	d.wg.Wait()

	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writeCommands([]byte{
		// config
		AddrConfig, byte(NoFilter) << 2,
		// ctrl_meas
		AddrCtrlMeas, d.ctrlMeas(sleep),
	})
}

// Reset issues a soft reset. The calibration is not reloaded; create a new
// Dev to use the device again.
func (d *Dev) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writeCommands([]byte{AddrReset, resetWord})
}

//

// mode is the operating mode.
type mode byte

const (
	sleep  mode = 0 // no operation, all registers accessible, lowest power, selected after startup
	forced mode = 1 // perform one measurement, store results and return to sleep mode
	normal mode = 3 // perpetual cycling of measurements and inactive periods
)

func (d *Dev) ctrlMeas(m mode) byte {
	return byte(d.opts.Temperature)<<5 | byte(d.opts.Pressure)<<2 | byte(m)
}

func (d *Dev) config(s Standby) byte {
	return byte(s)<<5 | byte(d.opts.Filter)<<2
}

// measurementDuration is the maximum measurement time from the datasheet
// appendix B.
func (d *Dev) measurementDuration() time.Duration {
	us := 1250 + 2300*d.opts.Temperature.asValue()
	if v := d.opts.Pressure.asValue(); v != 0 {
		us += 2300*v + 575
	}
	if v := d.opts.Humidity.asValue(); v != 0 {
		us += 2300*v + 575
	}
	return time.Duration(us) * time.Microsecond
}

func (d *Dev) makeDev(opts *Opts) error {
	if opts == nil {
		opts = &DefaultOpts
	}
	if opts.Temperature == Off {
		return errors.New("bme280: temperature must be measured")
	}
	d.opts = *opts
	d.name = "BME280"

	var id [1]byte
	if err := d.readReg(AddrChipID, id[:]); err != nil {
		return err
	}
	if id[0] != chipID {
		return fmt.Errorf("bme280: unexpected chip id %x", id[0])
	}

	var pt [CalibPTLen]byte
	if err := d.readReg(AddrCalibPT, pt[:]); err != nil {
		return err
	}
	var h1 [CalibH1Len]byte
	if err := d.readReg(AddrCalibH1, h1[:]); err != nil {
		return err
	}
	var h2 [CalibH2Len]byte
	if err := d.readReg(AddrCalibH2, h2[:]); err != nil {
		return err
	}
	cal, err := Decode(pt[:], h1[:], h2[:])
	if err != nil {
		return err
	}
	d.cal = cal

	b := []byte{
		// ctrl_meas; put it to sleep otherwise the config update may be
		// ignored. This is really just in case the device was somehow put
		// into normal but was not Halt'ed.
		AddrCtrlMeas, d.ctrlMeas(sleep),
		// ctrl_hum
		AddrCtrlHum, byte(d.opts.Humidity),
		// config
		AddrConfig, byte(NoFilter) << 2,
		// ctrl_meas must be re-written last for ctrl_hum to take effect.
		AddrCtrlMeas, d.ctrlMeas(sleep),
	}
	return d.writeCommands(b)
}

// sense reads the data registers and compensates them.
//
// It must be called with d.mu lock held.
func (d *Dev) sense() (Reading, error) {
	var buf [MeasureLen]byte
	if err := d.readReg(AddrPressMSB, buf[:]); err != nil {
		return Reading{}, err
	}
	r, err := Compensate(d.cal, buf[:])
	if err != nil {
		return Reading{}, err
	}
	if d.opts.Pressure == Off {
		r.Pressure = 0
	}
	if d.opts.Humidity == Off {
		r.Humidity = 0
	}
	return r, nil
}

// waitIdle polls the status register until the conversion is done.
//
// It must be called with d.mu lock held.
func (d *Dev) waitIdle() error {
	for i := 0; i < 10; i++ {
		idle, err := d.isIdle()
		if err != nil {
			return err
		}
		if idle {
			return nil
		}
		doSleep(time.Millisecond)
	}
	return d.wrap(errors.New("measurement timed out"))
}

func (d *Dev) isIdle() (bool, error) {
	// status
	v := [1]byte{}
	if err := d.readReg(AddrStatus, v[:]); err != nil {
		return false, err
	}
	// Make sure bit 3 is cleared. Bit 0 is only important at device boot up.
	return v[0]&8 == 0, nil
}

func (d *Dev) sensingContinuous(interval time.Duration, sensing chan<- physic.Env, stop <-chan struct{}) {
	t := time.NewTicker(interval)
	defer t.Stop()

	// The data registers hold their reset values until the first conversion
	// in normal mode is done.
	doSleep(d.measurementDuration())
	select {
	case <-stop:
		return
	default:
	}
	d.mu.Lock()
	err := d.waitIdle()
	if err != nil {
		d.fail(err, stop)
	}
	d.mu.Unlock()
	if err != nil {
		return
	}

	for {
		d.mu.Lock()
		r, err := d.sense()
		if err != nil {
			d.fail(err, stop)
		}
		d.mu.Unlock()
		if err != nil {
			return
		}
		select {
		case sensing <- r.Env():
		case <-stop:
			return
		}
		select {
		case <-stop:
			return
		case <-t.C:
		}
	}
}

// fail records err as the end of the continuous loop owning stop. The device
// is released so that SenseReading and SenseContinuous can be used again.
//
// It must be called with d.mu lock held.
func (d *Dev) fail(err error, stop <-chan struct{}) {
	d.err = err
	if d.stop == stop {
		d.stop = nil
	}
}

func (d *Dev) readReg(reg uint8, b []byte) error {
	if d.isSPI {
		// MSB is 0 for write and 1 for read.
		read := make([]byte, len(b)+1)
		write := make([]byte, len(read))
		// Rest of the write buffer is ignored.
		write[0] = reg
		if err := d.d.Tx(write, read); err != nil {
			return d.wrap(err)
		}
		copy(b, read[1:])
		return nil
	}
	if err := d.d.Tx([]byte{reg}, b); err != nil {
		return d.wrap(err)
	}
	return nil
}

// writeCommands writes a command to the device.
//
// Warning: b may be modified!
func (d *Dev) writeCommands(b []byte) error {
	if d.isSPI {
		// set RW bit 7 to 0.
		for i := 0; i < len(b); i += 2 {
			b[i] &^= 0x80
		}
	}
	if err := d.d.Tx(b, nil); err != nil {
		return d.wrap(err)
	}
	return nil
}

func (d *Dev) wrap(err error) error {
	return fmt.Errorf("%s: %w", strings.ToLower(d.name), err)
}

var doSleep = time.Sleep

var _ conn.Resource = &Dev{}
var _ physic.SenseEnv = &Dev{}
