package historydb

// Sample is one numeric telemetry value, stored in tenths.
type Sample struct {
	Timestamp   int64  `db:"timestamp"`
	Service     string `db:"service"`
	Path        string `db:"path"`
	ValueTenths int64  `db:"value_tenths"`
}

// Hourly average, minimum and maximum of one service path.
type AggregateSampleHourly struct {
	HourStart   int64  `db:"hour_start"`
	Service     string `db:"service"`
	Path        string `db:"path"`
	AvgTenths   int64  `db:"avg_tenths"`
	MinTenths   int64  `db:"min_tenths"`
	MaxTenths   int64  `db:"max_tenths"`
	SampleCount uint32 `db:"sample_count"`
}
