package historydb

import (
	"database/sql"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NotCoffee418/venus_sensor_bridge/pkg/types"
)

// openTestDB applies the up section of the embedded migrations directly.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	raw, err := migrationFS.ReadFile("migrations/0001_samples.sql")
	require.NoError(t, err)
	up, _, found := strings.Cut(string(raw), "-- +down")
	require.True(t, found)
	_, err = db.Exec(strings.TrimPrefix(up, "-- +up"))
	require.NoError(t, err)
	return db
}

func TestSampleFromUpdate(t *testing.T) {
	now := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)

	s, ok := SampleFromUpdate(&types.TelemetryUpdate{
		Timestamp: "2026-10-16T10:30:00Z",
		Service:   "com.victronenergy.tank.tank0",
		Path:      "/Remaining",
		Value:     27.54,
	}, now)
	require.True(t, ok)
	assert.Equal(t, &Sample{
		Timestamp:   time.Date(2026, 10, 16, 10, 30, 0, 0, time.UTC).Unix(),
		Service:     "com.victronenergy.tank.tank0",
		Path:        "/Remaining",
		ValueTenths: 275,
	}, s)

	s, ok = SampleFromUpdate(&types.TelemetryUpdate{Timestamp: "garbage", Service: "s", Path: "/Level", Value: 55}, now)
	require.True(t, ok)
	assert.Equal(t, now.Unix(), s.Timestamp)
	assert.Equal(t, int64(550), s.ValueTenths)

	_, ok = SampleFromUpdate(&types.TelemetryUpdate{Service: "s", Path: "/CustomName", Value: "Fuel"}, now)
	assert.False(t, ok)
}

func TestInsertAndQuery(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, InsertSample(db, &Sample{Timestamp: 100, Service: "s", Path: "/Level", ValueTenths: 550}))
	require.NoError(t, InsertSample(db, &Sample{Timestamp: 101, Service: "s", Path: "/Level", ValueTenths: 560}))

	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM samples WHERE service = 's'").Scan(&n))
	assert.Equal(t, 2, n)

	_, err := db.Exec(`INSERT INTO aggregate_samples_hourly
		(hour_start, service, path, avg_tenths, min_tenths, max_tenths, sample_count)
		VALUES (3600, 's', '/Level', 555, 550, 560, 2), (7200, 's', '/Level', 500, 500, 500, 1), (3600, 's', '/Remaining', 1, 1, 1, 1)`)
	require.NoError(t, err)

	got, err := GetHourlyAggregates(db, "s", "/Level", 0, 7200)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, AggregateSampleHourly{
		HourStart: 3600, Service: "s", Path: "/Level",
		AvgTenths: 555, MinTenths: 550, MaxTenths: 560, SampleCount: 2,
	}, got[0])
	assert.Equal(t, int64(7200), got[1].HourStart)
}
