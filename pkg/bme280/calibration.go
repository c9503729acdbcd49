package bme280

import (
	"encoding/binary"
	"fmt"
)

// Calibration holds the factory trimming coefficients of one sensor. It is
// read once when the device is opened and never changes afterwards.
type Calibration struct {
	T1     uint16
	T2, T3 int16

	P1                             uint16
	P2, P3, P4, P5, P6, P7, P8, P9 int16

	H1     uint8
	H2     int16
	H3     uint8
	H4, H5 int16
	H6     int8
}

// ParseCalibration decodes the three calibration bursts: 26 bytes at 0x88,
// one byte at 0xA1 and seven bytes at 0xE1.
func ParseCalibration(tp, h1, h []byte) (Calibration, error) {
	if len(tp) < calibTPLen || len(h1) < calibH1Len || len(h) < calibHLen {
		return Calibration{}, fmt.Errorf("%w: got %d/%d/%d bytes, want %d/%d/%d",
			ErrCalibration, len(tp), len(h1), len(h), calibTPLen, calibH1Len, calibHLen)
	}

	u16 := func(b []byte, i int) uint16 { return binary.LittleEndian.Uint16(b[i:]) }
	s16 := func(b []byte, i int) int16 { return int16(binary.LittleEndian.Uint16(b[i:])) }

	c := Calibration{
		T1: u16(tp, 0),
		T2: s16(tp, 2),
		T3: s16(tp, 4),

		P1: u16(tp, 6),
		P2: s16(tp, 8),
		P3: s16(tp, 10),
		P4: s16(tp, 12),
		P5: s16(tp, 14),
		P6: s16(tp, 16),
		P7: s16(tp, 18),
		P8: s16(tp, 20),
		P9: s16(tp, 22),

		H1: h1[0],
		H2: s16(h, 0),
		H3: h[2],
		// 0xE5 is shared: low nibble belongs to H4, high nibble to H5.
		H4: int16(h[3])<<4 | int16(h[4]&0x0F),
		H5: int16(h[5])<<4 | int16(h[4]>>4),
		H6: int8(h[6]),
	}
	return c, nil
}

// RawSample is the uncompensated ADC output of one measurement burst.
type RawSample struct {
	Pressure    uint32
	Temperature uint32
	Humidity    uint32
}

// DecodeRawSample unpacks the 8 byte burst starting at 0xF7. Pressure and
// temperature are 20 bit values (msb, lsb, xlsb[7:4]); humidity is 16 bit.
func DecodeRawSample(b []byte) (RawSample, error) {
	if len(b) < measurementLen {
		return RawSample{}, fmt.Errorf("%w: measurement burst is %d bytes, want %d", ErrIO, len(b), measurementLen)
	}
	return RawSample{
		Pressure:    uint32(b[0])<<12 | uint32(b[1])<<4 | uint32(b[2])>>4,
		Temperature: uint32(b[3])<<12 | uint32(b[4])<<4 | uint32(b[5])>>4,
		Humidity:    uint32(b[6])<<8 | uint32(b[7]),
	}, nil
}
