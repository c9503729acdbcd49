package bme280

import (
	"encoding/hex"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/physic"
)

// Datasheet example coefficients (BST-BME280-DS002 §8.2) with typical
// humidity trimming values.
var (
	calibTP, _ = hex.DecodeString("706b436718fc7d8e43d6d00b270b8c00f9ff8c3cf8c67017004b")
	calibH1    = []byte{0x4b}
	calibH, _  = hex.DecodeString("6a01001329031e")

	// adc_P=415148, adc_T=519888, adc_H=26000
	burst, _ = hex.DecodeString("655ac07eed006590")
)

type fakeConn struct {
	regs     map[byte][]byte
	writes   [][2]byte
	readErr  map[byte]error
	writeErr error
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		regs: map[byte][]byte{
			regCalibTP:  calibTP,
			regCalibH1:  calibH1,
			regCalibH:   calibH,
			regPressMsb: burst,
		},
		readErr: map[byte]error{},
	}
}

func (f *fakeConn) String() string      { return "fake" }
func (f *fakeConn) Duplex() conn.Duplex { return conn.Half }

func (f *fakeConn) Tx(w, r []byte) error {
	if len(w) == 2 && r == nil {
		if f.writeErr != nil {
			return f.writeErr
		}
		f.writes = append(f.writes, [2]byte{w[0], w[1]})
		return nil
	}
	if err := f.readErr[w[0]]; err != nil {
		return err
	}
	copy(r, f.regs[w[0]])
	return nil
}

func datasheetCalibration(t *testing.T) Calibration {
	t.Helper()
	c, err := ParseCalibration(calibTP, calibH1, calibH)
	require.NoError(t, err)
	return c
}

func TestParseCalibration(t *testing.T) {
	c := datasheetCalibration(t)

	assert.Equal(t, Calibration{
		T1: 27504, T2: 26435, T3: -1000,
		P1: 36477, P2: -10685, P3: 3024, P4: 2855, P5: 140, P6: -7, P7: 15500, P8: -14600, P9: 6000,
		H1: 75, H2: 362, H3: 0, H4: 313, H5: 50, H6: 30,
	}, c)
}

func TestParseCalibrationShortInput(t *testing.T) {
	_, err := ParseCalibration(calibTP[:25], calibH1, calibH)
	assert.ErrorIs(t, err, ErrCalibration)

	_, err = ParseCalibration(calibTP, nil, calibH)
	assert.ErrorIs(t, err, ErrCalibration)

	_, err = ParseCalibration(calibTP, calibH1, calibH[:6])
	assert.ErrorIs(t, err, ErrCalibration)
}

func TestParseCalibrationNibbleSplit(t *testing.T) {
	h := []byte{0, 0, 0, 0xAB, 0xCD, 0xEF, 0xFF}
	c, err := ParseCalibration(calibTP, calibH1, h)
	require.NoError(t, err)

	assert.Equal(t, int16(0xABD), c.H4)
	assert.Equal(t, int16(0xEFC), c.H5)
	assert.Equal(t, int8(-1), c.H6)
}

func TestDecodeRawSample(t *testing.T) {
	s, err := DecodeRawSample(burst)
	require.NoError(t, err)
	assert.Equal(t, RawSample{Pressure: 415148, Temperature: 519888, Humidity: 26000}, s)

	s, err = DecodeRawSample([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF})
	require.NoError(t, err)
	assert.Equal(t, uint32(0xFFFFF), s.Pressure)
	assert.Equal(t, uint32(0xFFFFF), s.Temperature)
	assert.Equal(t, uint32(0xFFFF), s.Humidity)

	_, err = DecodeRawSample(burst[:7])
	assert.ErrorIs(t, err, ErrIO)
}

func TestCompensateDatasheetValues(t *testing.T) {
	c := datasheetCalibration(t)

	tFine, temp := c.compensateTemperature(519888)
	assert.Equal(t, int64(128422), tFine)
	assert.Equal(t, 25.08, temp)

	r := c.Compensate(RawSample{Pressure: 415148, Temperature: 519888, Humidity: 26000})
	assert.InDelta(t, 25.08, r.Temperature, 0.1)
	assert.InDelta(t, 1006.53, r.Pressure, 0.1)
	assert.InDelta(t, 32.68, r.Humidity, 0.1)

	assert.Equal(t, Reading{Temperature: 25.1, Pressure: 1006.5, Humidity: 32.7}, r.Rounded())
}

func TestCompensatePressureZeroDivisor(t *testing.T) {
	c := datasheetCalibration(t)
	c.P1 = 0

	r := c.Compensate(RawSample{Pressure: 415148, Temperature: 519888, Humidity: 26000})
	assert.Equal(t, 0.0, r.Pressure)
	assert.InDelta(t, 25.08, r.Temperature, 0.001)
}

func TestCompensateHumidityClamp(t *testing.T) {
	c := datasheetCalibration(t)

	// Unclamped intermediates are 1035415128 and -486364973 respectively.
	high := c.Compensate(RawSample{Pressure: 415148, Temperature: 519888, Humidity: 0xFFFF})
	assert.Equal(t, 100.0, high.Humidity)

	low := c.Compensate(RawSample{Pressure: 415148, Temperature: 519888, Humidity: 0})
	assert.Equal(t, 0.0, low.Humidity)
}

func TestDefaultOptsRegisters(t *testing.T) {
	assert.Equal(t, [3][2]byte{{0xF2, 0x05}, {0xF4, 0xB7}, {0xF5, 0x00}}, DefaultOpts().registers())

	o := &Opts{
		HumidityOversampling:    Oversampling1x,
		TemperatureOversampling: Oversampling2x,
		PressureOversampling:    Oversampling4x,
		Mode:                    ModeForced,
		Filter:                  Filter16,
		Standby:                 Standby1000ms,
	}
	assert.Equal(t, [3][2]byte{{0xF2, 0x01}, {0xF4, 0x4D}, {0xF5, 0xB0}}, o.registers())
}

func TestNewWritesConfiguration(t *testing.T) {
	f := newFakeConn()
	d, err := New(f, nil)
	require.NoError(t, err)

	assert.Equal(t, [][2]byte{{0xF2, 0x05}, {0xF4, 0xB7}, {0xF5, 0x00}}, f.writes)
	assert.Equal(t, uint16(27504), d.Calibration().T1)
	assert.Equal(t, "bme280{fake}", d.String())
}

func TestNewCalibrationReadFailure(t *testing.T) {
	f := newFakeConn()
	f.readErr[regCalibH] = errors.New("nack")

	_, err := New(f, nil)
	assert.ErrorIs(t, err, ErrCalibration)
	assert.ErrorIs(t, err, ErrIO)
	assert.Empty(t, f.writes)
}

func TestNewConfigurationWriteFailure(t *testing.T) {
	f := newFakeConn()
	f.writeErr = errors.New("bus busy")

	_, err := New(f, nil)
	assert.ErrorIs(t, err, ErrIO)
}

func TestRead(t *testing.T) {
	f := newFakeConn()
	d, err := New(f, nil)
	require.NoError(t, err)

	r, err := d.Read()
	require.NoError(t, err)
	assert.Equal(t, Reading{Temperature: 25.1, Pressure: 1006.5, Humidity: 32.7}, r)

	f.readErr[regPressMsb] = errors.New("device unreachable")
	r, err = d.Read()
	assert.ErrorIs(t, err, ErrIO)
	assert.Equal(t, Reading{}, r)
}

func TestSense(t *testing.T) {
	d, err := New(newFakeConn(), nil)
	require.NoError(t, err)

	var e physic.Env
	require.NoError(t, d.Sense(&e))
	assert.InDelta(t, 25.08, e.Temperature.Celsius(), 0.001)
	assert.InDelta(t, 100653.25, float64(e.Pressure)/float64(physic.Pascal), 0.01)
	assert.InDelta(t, 32.68, float64(e.Humidity)/float64(physic.PercentRH), 0.1)
}

func TestHalt(t *testing.T) {
	f := newFakeConn()
	d, err := New(f, nil)
	require.NoError(t, err)

	require.NoError(t, d.Halt())
	assert.Equal(t, [2]byte{0xF4, 0xB4}, f.writes[len(f.writes)-1])
}
