// Package aggregator condenses raw history samples into hourly aggregates
// and prunes raw samples once they are covered.
package aggregator

import (
	"database/sql"
	"time"

	"github.com/charmbracelet/log"
)

// Raw samples are kept this long once aggregated.
const retentionMonths = 3

// roundToHourStart returns the Unix timestamp of the start of the hour for the given time
func roundToHourStart(t time.Time) int64 {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, time.UTC).Unix()
}

// getHourEnd returns the Unix timestamp of the last second of the hour (next hour start - 1)
func getHourEnd(hourStart int64) int64 {
	return time.Unix(hourStart, 0).Add(time.Hour).Unix() - 1
}

// aggregateSamplesHourly aggregates every service path for a specific hour
func aggregateSamplesHourly(db *sql.DB, hourStart int64) (int64, error) {
	hourEnd := getHourEnd(hourStart)

	res, err := db.Exec(`
		INSERT OR REPLACE INTO aggregate_samples_hourly
		(hour_start, service, path, avg_tenths, min_tenths, max_tenths, sample_count)
		SELECT
			?,
			service,
			path,
			CAST(ROUND(AVG(value_tenths)) AS INTEGER),
			MIN(value_tenths),
			MAX(value_tenths),
			COUNT(*)
		FROM samples
		WHERE timestamp >= ? AND timestamp <= ?
		GROUP BY service, path
	`, hourStart, hourStart, hourEnd)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// cleanupOldData removes raw samples older than the retention window if we have aggregated past it
func cleanupOldData(db *sql.DB, now time.Time) (int64, error) {
	cutoff := now.UTC().AddDate(0, -retentionMonths, 0)

	var lastAggregateHour sql.NullInt64
	if err := db.QueryRow("SELECT MAX(hour_start) FROM aggregate_samples_hourly").Scan(&lastAggregateHour); err != nil {
		return 0, err
	}

	// Only clean up if we have aggregated data up to the cutoff point
	if !lastAggregateHour.Valid || lastAggregateHour.Int64 < cutoff.Unix() {
		return 0, nil
	}

	res, err := db.Exec("DELETE FROM samples WHERE timestamp < ?", cutoff.Unix())
	if err != nil {
		return 0, err
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		log.Info("Cleaned up samples", "before", cutoff.Format(time.RFC3339), "removed", removed)
	}
	return removed, nil
}

// AggregateAndCleanup aggregates the hour before now (the current hour is
// still ongoing) and prunes expired samples.
func AggregateAndCleanup(db *sql.DB, now time.Time) error {
	hourStart := roundToHourStart(now.Add(-time.Hour))
	logger := log.WithPrefix("aggregator")

	logger.Debug("Aggregating hour", "start", time.Unix(hourStart, 0).UTC().Format(time.RFC3339))
	if _, err := aggregateSamplesHourly(db, hourStart); err != nil {
		logger.Error("Error aggregating hourly samples", "err", err)
		return err
	}

	if _, err := cleanupOldData(db, now); err != nil {
		logger.Error("Error cleaning up old data", "err", err)
		return err
	}
	return nil
}
