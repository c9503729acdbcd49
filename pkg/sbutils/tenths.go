package sbutils

import "math"

// Round1 rounds to one decimal place, the precision everything is
// presented with.
func Round1(v float64) float64 {
	return math.Round(v*10) / 10
}

// Store values as integer tenths to keep the database free of float noise.
func ToTenths(v float64) int64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return int64(math.Round(v * 10))
}

func FromTenths(t int64) float64 {
	return float64(t) / 10
}

// Remaining volume for a level percentage of capacity.
func Remaining(levelPercent int, capacity float64) float64 {
	return float64(levelPercent) * capacity / 100.0
}
