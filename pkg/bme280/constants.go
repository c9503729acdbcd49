package bme280

// Default I2C address with SDO pulled low. 0x77 when pulled high.
const Address uint16 = 0x76

// Register map
const (
	regCalibTP   uint8 = 0x88 // dig_T1 .. dig_P9 (+2 unused)
	regCalibH1   uint8 = 0xA1
	regCalibH    uint8 = 0xE1 // dig_H2 .. dig_H6
	regCtrlHum   uint8 = 0xF2
	regCtrlMeas  uint8 = 0xF4
	regConfig    uint8 = 0xF5
	regPressMsb  uint8 = 0xF7 // burst start: press, temp, hum
	calibTPLen         = 26
	calibH1Len         = 1
	calibHLen          = 7
	measurementLen     = 8
)

// Oversampling setting for one measurement.
type Oversampling uint8

const (
	OversamplingSkip Oversampling = iota
	Oversampling1x
	Oversampling2x
	Oversampling4x
	Oversampling8x
	Oversampling16x
)

// Mode is the power mode written to ctrl_meas.
type Mode uint8

const (
	ModeSleep  Mode = 0x00
	ModeForced Mode = 0x01
	ModeNormal Mode = 0x03
)

// Filter is the IIR filter coefficient.
type Filter uint8

const (
	FilterOff Filter = iota
	Filter2
	Filter4
	Filter8
	Filter16
)

// Standby is the inactive duration between measurements in normal mode.
type Standby uint8

const (
	Standby0_5ms Standby = iota
	Standby62_5ms
	Standby125ms
	Standby250ms
	Standby500ms
	Standby1000ms
	Standby10ms
	Standby20ms
)

// Humidity clamp applied before final scaling, 100 %RH in Q22.10.
const humidityMax int64 = 419430400
