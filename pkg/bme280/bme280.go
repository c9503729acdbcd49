// Package bme280 reads a Bosch BME280 temperature/pressure/humidity sensor
// over I2C and applies the datasheet's 64 bit integer compensation.
package bme280

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/physic"
)

var (
	ErrCalibration = errors.New("calibration data incomplete")
	ErrIO          = errors.New("i/o failure")
)

// Opts holds the measurement configuration written at start up.
type Opts struct {
	HumidityOversampling    Oversampling
	TemperatureOversampling Oversampling
	PressureOversampling    Oversampling
	Mode                    Mode
	Filter                  Filter
	Standby                 Standby
}

// DefaultOpts is 16x oversampling on every channel, normal mode, no filter
// and the shortest standby (ctrl_hum=0x05, ctrl_meas=0xB7, config=0x00).
func DefaultOpts() *Opts {
	return &Opts{
		HumidityOversampling:    Oversampling16x,
		TemperatureOversampling: Oversampling16x,
		PressureOversampling:    Oversampling16x,
		Mode:                    ModeNormal,
		Filter:                  FilterOff,
		Standby:                 Standby0_5ms,
	}
}

func (o *Opts) ctrlMeas(mode Mode) byte {
	return byte(o.TemperatureOversampling&0x07)<<5 | byte(o.PressureOversampling&0x07)<<2 | byte(mode&0x03)
}

// registers returns the configuration writes in the order the device
// requires: ctrl_hum only takes effect after a ctrl_meas write.
func (o *Opts) registers() [3][2]byte {
	return [3][2]byte{
		{regCtrlHum, byte(o.HumidityOversampling & 0x07)},
		{regCtrlMeas, o.ctrlMeas(o.Mode)},
		{regConfig, byte(o.Standby&0x07)<<5 | byte(o.Filter&0x07)<<2},
	}
}

// Dev is an open BME280. It owns its connection; calls are serialized.
type Dev struct {
	c    conn.Conn
	opts Opts
	name string
	cal  Calibration

	mu sync.Mutex
}

// NewI2C opens the sensor at addr on bus b.
func NewI2C(b i2c.Bus, addr uint16, opts *Opts) (*Dev, error) {
	return New(&i2c.Dev{Bus: b, Addr: addr}, opts)
}

// New loads the calibration table and writes the measurement configuration.
// Either failing aborts construction.
func New(c conn.Conn, opts *Opts) (*Dev, error) {
	if opts == nil {
		opts = DefaultOpts()
	}
	d := &Dev{
		c:    c,
		opts: *opts,
		name: "bme280",
	}

	cal, err := d.loadCalibration()
	if err != nil {
		return nil, d.wrap(err)
	}
	d.cal = cal

	for _, rv := range d.opts.registers() {
		if err := d.writeReg(rv[0], rv[1]); err != nil {
			return nil, d.wrap(err)
		}
	}
	return d, nil
}

func (d *Dev) String() string {
	return fmt.Sprintf("%s{%s}", d.name, d.c)
}

// Calibration returns the coefficients read at construction.
func (d *Dev) Calibration() Calibration {
	return d.cal
}

// Read performs one burst read and returns the compensated values rounded
// to one decimal. On error nothing is returned; the caller keeps whatever
// reading it had.
func (d *Dev) Read() (Reading, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	s, err := d.readSample()
	if err != nil {
		return Reading{}, d.wrap(err)
	}
	return d.cal.Compensate(s).Rounded(), nil
}

// Sense implements the periph sensing convention.
func (d *Dev) Sense(e *physic.Env) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	s, err := d.readSample()
	if err != nil {
		return d.wrap(err)
	}
	r := d.cal.Compensate(s)
	e.Temperature = physic.Temperature(math.Round(r.Temperature*1000))*physic.MilliCelsius + physic.ZeroCelsius
	e.Pressure = physic.Pressure(math.Round(r.Pressure*100000)) * physic.MilliPascal
	e.Humidity = physic.RelativeHumidity(math.Round(r.Humidity*10)) * physic.MilliRH
	return nil
}

// Halt puts the sensor to sleep. The next New re-enables measurements.
func (d *Dev) Halt() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.writeReg(regCtrlMeas, d.opts.ctrlMeas(ModeSleep)); err != nil {
		return d.wrap(err)
	}
	return nil
}

func (d *Dev) loadCalibration() (Calibration, error) {
	tp := make([]byte, calibTPLen)
	if err := d.readReg(regCalibTP, tp); err != nil {
		return Calibration{}, fmt.Errorf("%w: %w", ErrCalibration, err)
	}
	h1 := make([]byte, calibH1Len)
	if err := d.readReg(regCalibH1, h1); err != nil {
		return Calibration{}, fmt.Errorf("%w: %w", ErrCalibration, err)
	}
	h := make([]byte, calibHLen)
	if err := d.readReg(regCalibH, h); err != nil {
		return Calibration{}, fmt.Errorf("%w: %w", ErrCalibration, err)
	}
	return ParseCalibration(tp, h1, h)
}

func (d *Dev) readSample() (RawSample, error) {
	var b [measurementLen]byte
	if err := d.readReg(regPressMsb, b[:]); err != nil {
		return RawSample{}, err
	}
	return DecodeRawSample(b[:])
}

// readReg does a write of the register address followed by a repeated start
// read of len(b) bytes.
func (d *Dev) readReg(reg uint8, b []byte) error {
	if err := d.c.Tx([]byte{reg}, b); err != nil {
		return fmt.Errorf("%w: read 0x%02X: %w", ErrIO, reg, err)
	}
	return nil
}

func (d *Dev) writeReg(reg, value uint8) error {
	if err := d.c.Tx([]byte{reg, value}, nil); err != nil {
		return fmt.Errorf("%w: write 0x%02X: %w", ErrIO, reg, err)
	}
	return nil
}

func (d *Dev) wrap(err error) error {
	return fmt.Errorf("%s: %w", strings.ToLower(d.name), err)
}

var _ conn.Resource = &Dev{}
