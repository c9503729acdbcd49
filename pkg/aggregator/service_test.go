package aggregator

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NotCoffee418/venus_sensor_bridge/pkg/historydb"
)

const testSchema = `
CREATE TABLE samples (
    timestamp INTEGER NOT NULL,
    service TEXT NOT NULL,
    path TEXT NOT NULL,
    value_tenths INTEGER NOT NULL
);
CREATE TABLE aggregate_samples_hourly (
    hour_start INTEGER NOT NULL,
    service TEXT NOT NULL,
    path TEXT NOT NULL,
    avg_tenths INTEGER NOT NULL,
    min_tenths INTEGER NOT NULL,
    max_tenths INTEGER NOT NULL,
    sample_count INTEGER NOT NULL,
    PRIMARY KEY (hour_start, service, path)
);`

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := historydb.Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	_, err = db.Exec(testSchema)
	require.NoError(t, err)
	return db
}

func insert(t *testing.T, db *sql.DB, ts time.Time, path string, tenths int64) {
	t.Helper()
	require.NoError(t, historydb.InsertSample(db, &historydb.Sample{
		Timestamp: ts.Unix(), Service: "tank0", Path: path, ValueTenths: tenths,
	}))
}

func TestRoundToHourStart(t *testing.T) {
	ts := time.Date(2026, 10, 16, 14, 59, 59, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 10, 16, 14, 0, 0, 0, time.UTC).Unix(), roundToHourStart(ts))

	local := ts.In(time.FixedZone("UTC+2", 2*3600))
	assert.Equal(t, roundToHourStart(ts), roundToHourStart(local))
}

func TestGetHourEnd(t *testing.T) {
	start := time.Date(2026, 10, 16, 14, 0, 0, 0, time.UTC).Unix()
	assert.Equal(t, start+3599, getHourEnd(start))
}

func TestAggregateAndCleanup(t *testing.T) {
	db := openTestDB(t)
	now := time.Date(2026, 10, 16, 15, 10, 0, 0, time.UTC)
	prevHour := time.Date(2026, 10, 16, 14, 0, 0, 0, time.UTC)

	insert(t, db, prevHour, "/Level", 500)
	insert(t, db, prevHour.Add(30*time.Minute), "/Level", 550)
	insert(t, db, prevHour.Add(59*time.Minute+59*time.Second), "/Level", 601)
	insert(t, db, prevHour.Add(10*time.Minute), "/Remaining", 275)
	insert(t, db, now, "/Level", 999) // current hour, not aggregated yet

	require.NoError(t, AggregateAndCleanup(db, now))

	got, err := historydb.GetHourlyAggregates(db, "tank0", "/Level", 0, now.Unix())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, historydb.AggregateSampleHourly{
		HourStart: prevHour.Unix(), Service: "tank0", Path: "/Level",
		AvgTenths: 550, MinTenths: 500, MaxTenths: 601, SampleCount: 3,
	}, got[0])

	got, err = historydb.GetHourlyAggregates(db, "tank0", "/Remaining", 0, now.Unix())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(275), got[0].AvgTenths)

	// Re-running replaces rather than duplicates.
	require.NoError(t, AggregateAndCleanup(db, now))
	got, err = historydb.GetHourlyAggregates(db, "tank0", "/Level", 0, now.Unix())
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestCleanupOldData(t *testing.T) {
	db := openTestDB(t)
	now := time.Date(2026, 10, 16, 15, 0, 0, 0, time.UTC)
	old := now.AddDate(0, -4, 0)

	insert(t, db, old, "/Level", 100)
	insert(t, db, now.Add(-time.Hour), "/Level", 200)

	removed, err := cleanupOldData(db, now)
	require.NoError(t, err)
	assert.Zero(t, removed, "nothing is removed before anything is aggregated")

	_, err = aggregateSamplesHourly(db, roundToHourStart(now.Add(-time.Hour)))
	require.NoError(t, err)

	removed, err = cleanupOldData(db, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM samples").Scan(&n))
	assert.Equal(t, 1, n)
}
