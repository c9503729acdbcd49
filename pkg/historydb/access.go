package historydb

import (
	"database/sql"
	"time"

	"github.com/NotCoffee418/venus_sensor_bridge/pkg/sbutils"
	"github.com/NotCoffee418/venus_sensor_bridge/pkg/types"
)

// SampleFromUpdate converts a numeric update. Non-numeric values are not
// recorded. Updates without a parsable timestamp are stamped with now.
func SampleFromUpdate(u *types.TelemetryUpdate, now time.Time) (*Sample, bool) {
	v, ok := u.Float()
	if !ok {
		return nil, false
	}
	ts := now
	if t, err := time.Parse(time.RFC3339, u.Timestamp); err == nil {
		ts = t
	}
	return &Sample{
		Timestamp:   ts.Unix(),
		Service:     u.Service,
		Path:        u.Path,
		ValueTenths: sbutils.ToTenths(v),
	}, true
}

func InsertSample(db *sql.DB, s *Sample) error {
	_, err := db.Exec(
		"INSERT INTO samples (timestamp, service, path, value_tenths) "+
			"VALUES (?, ?, ?, ?)",
		s.Timestamp,
		s.Service,
		s.Path,
		s.ValueTenths,
	)
	return err
}

// GetHourlyAggregates returns the aggregates of one service path with
// hour_start in [from, to], oldest first.
func GetHourlyAggregates(db *sql.DB, service, path string, from, to int64) ([]AggregateSampleHourly, error) {
	rows, err := db.Query(`
		SELECT hour_start, service, path, avg_tenths, min_tenths, max_tenths, sample_count
		FROM aggregate_samples_hourly
		WHERE service = ? AND path = ? AND hour_start >= ? AND hour_start <= ?
		ORDER BY hour_start
	`, service, path, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AggregateSampleHourly
	for rows.Next() {
		var a AggregateSampleHourly
		if err := rows.Scan(&a.HourStart, &a.Service, &a.Path, &a.AvgTenths, &a.MinTenths, &a.MaxTenths, &a.SampleCount); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
