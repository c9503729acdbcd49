package main

import (
	"database/sql"
	"time"

	"github.com/charmbracelet/log"

	"github.com/NotCoffee418/venus_sensor_bridge/pkg/historydb"
	"github.com/NotCoffee418/venus_sensor_bridge/pkg/types"
)

// Paths worth keeping history for.
var recordedPaths = map[string]bool{
	"/Temperature": true,
	"/Pressure":    true,
	"/Humidity":    true,
	"/Level":       true,
	"/Remaining":   true,
}

type Recorder struct {
	db   *sql.DB
	now  func() time.Time
	log  *log.Logger
	last map[string]historydb.Sample
}

func NewRecorder(db *sql.DB) *Recorder {
	return &Recorder{
		db:   db,
		now:  time.Now,
		log:  log.WithPrefix("recorder"),
		last: make(map[string]historydb.Sample),
	}
}

// Handle stores u if it is a numeric reading. Updates keep the time the
// bridge stamped them with. The snapshot replayed on every reconnect is
// recognised by that time and not stored again.
func (r *Recorder) Handle(u *types.TelemetryUpdate) {
	if !recordedPaths[u.Path] {
		return
	}
	sample, ok := historydb.SampleFromUpdate(u, r.now())
	if !ok {
		r.log.Debug("Skipping non-numeric value", "service", u.Service, "path", u.Path)
		return
	}
	key := u.Service + u.Path
	if prev, seen := r.last[key]; seen && (sample.Timestamp < prev.Timestamp || *sample == prev) {
		r.log.Debug("Skipping replayed value", "service", u.Service, "path", u.Path)
		return
	}
	if err := historydb.InsertSample(r.db, sample); err != nil {
		r.log.Error("Failed to store sample", "service", u.Service, "path", u.Path, "err", err)
		return
	}
	r.last[key] = *sample
}
