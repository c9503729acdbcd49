package bme280

import "github.com/NotCoffee418/venus_sensor_bridge/pkg/sbutils"

// Reading is one compensated measurement.
type Reading struct {
	Temperature float64 // °C
	Pressure    float64 // hPa
	Humidity    float64 // %RH
}

// Rounded returns r with every value rounded to one decimal place.
func (r Reading) Rounded() Reading {
	return Reading{
		Temperature: sbutils.Round1(r.Temperature),
		Pressure:    sbutils.Round1(r.Pressure),
		Humidity:    sbutils.Round1(r.Humidity),
	}
}

// Compensate runs the Bosch integer compensation on s. Temperature must be
// computed first since its fine value feeds the other two stages.
func (c *Calibration) Compensate(s RawSample) Reading {
	tFine, temp := c.compensateTemperature(int64(s.Temperature))
	return Reading{
		Temperature: temp,
		Pressure:    c.compensatePressure(int64(s.Pressure), tFine),
		Humidity:    c.compensateHumidity(int64(s.Humidity), tFine),
	}
}

// compensateTemperature returns the fine temperature carried into the
// pressure and humidity stages, and the temperature in °C.
func (c *Calibration) compensateTemperature(adcT int64) (int64, float64) {
	t1 := int64(c.T1)
	t2 := int64(c.T2)
	t3 := int64(c.T3)

	var1 := (((adcT >> 3) - (t1 << 1)) * t2) >> 11
	d := (adcT >> 4) - t1
	var2 := (((d * d) >> 12) * t3) >> 14
	tFine := var1 + var2

	return tFine, float64((tFine*5+128)>>8) / 100.0
}

// compensatePressure returns hPa. A zero divisor yields 0. The division
// truncates toward zero like the Bosch C driver; floor division would differ
// only for a negative dividend, which valid raw samples never produce.
func (c *Calibration) compensatePressure(adcP, tFine int64) float64 {
	var1 := tFine - 128000
	var2 := var1 * var1 * int64(c.P6)
	var2 += (var1 * int64(c.P5)) << 17
	var2 += int64(c.P4) << 35
	var1 = ((var1 * var1 * int64(c.P3)) >> 8) + ((var1 * int64(c.P2)) << 12)
	var1 = (((int64(1) << 47) + var1) * int64(c.P1)) >> 33
	if var1 == 0 {
		return 0
	}

	p := 1048576 - adcP
	p = (((p << 31) - var2) * 3125) / var1
	var1 = (int64(c.P9) * (p >> 13) * (p >> 13)) >> 25
	var2 = (int64(c.P8) * p) >> 19
	p = ((p + var1 + var2) >> 8) + (int64(c.P7) << 4)

	// Q24.8 Pa to hPa
	return float64(p) / 25600.0
}

// compensateHumidity returns %RH.
func (c *Calibration) compensateHumidity(adcH, tFine int64) float64 {
	h1 := int64(c.H1)
	h2 := int64(c.H2)
	h3 := int64(c.H3)
	h4 := int64(c.H4)
	h5 := int64(c.H5)
	h6 := int64(c.H6)

	v := tFine - 76800
	v = ((((adcH << 14) - (h4 << 20) - (h5 * v)) + 16384) >> 15) *
		(((((((v*h6)>>10)*(((v*h3)>>11)+32768))>>10)+2097152)*h2 + 8192) >> 14)
	v -= ((((v >> 15) * (v >> 15)) >> 7) * h1) >> 4
	v = min(max(v, 0), humidityMax)

	return float64(v>>12) / 1024.0
}
