// Package poller reads the environmental sensor on a fixed interval and
// publishes each reading on the telemetry bus.
package poller

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/NotCoffee418/venus_sensor_bridge/pkg/bme280"
	"github.com/NotCoffee418/venus_sensor_bridge/pkg/metrics"
	"github.com/NotCoffee418/venus_sensor_bridge/pkg/telemetry"
)

var ErrPollInProgress = errors.New("poll already in progress")

const (
	DefaultBaseName = "Baro"
	deviceInstance  = 30
	// Victron temperature type "generic".
	temperatureType = 2
)

type Sensor interface {
	Read() (bme280.Reading, error)
}

// SensorService builds the unregistered bus service of the sensor. New
// attaches the writable name handler, the caller registers it.
func SensorService(bus *telemetry.Bus, prefix string) *telemetry.Service {
	svc := bus.NewService(prefix + ".temperature.bme280_temp")
	svc.AddPath("/Mgmt/ProcessName", "bme280_service")
	svc.AddPath("/Mgmt/ProcessVersion", "1.0")
	svc.AddPath("/Mgmt/Connection", "I2C")
	svc.AddPath("/DeviceInstance", deviceInstance)
	svc.AddPath("/ProductId", 0)
	svc.AddPath("/ProductName", "BME280 Sensor")
	svc.AddPath("/FirmwareVersion", "1.0")
	svc.AddPath("/Connected", 1)
	svc.AddPath("/Temperature", 0.0)
	svc.AddPath("/TemperatureType", temperatureType)
	svc.AddPath("/CustomName", DefaultBaseName)
	svc.AddPath("/Humidity", 0.0)
	svc.AddPath("/Pressure", 0.0)
	return svc
}

type Poller struct {
	sensor   Sensor
	svc      *telemetry.Service
	interval time.Duration
	metrics  *metrics.Metrics
	log      *log.Logger

	pollMu sync.Mutex

	mu      sync.Mutex
	base    string
	last    bme280.Reading
	hasLast bool
}

type Option func(*Poller)

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Poller) { p.metrics = m }
}

func WithLogger(l *log.Logger) Option {
	return func(p *Poller) { p.log = l }
}

// WithBaseName sets the display name the pressure is appended to.
func WithBaseName(name string) Option {
	return func(p *Poller) { p.base = name }
}

func New(sensor Sensor, svc *telemetry.Service, interval time.Duration, opts ...Option) *Poller {
	p := &Poller{
		sensor:   sensor,
		svc:      svc,
		interval: interval,
		base:     DefaultBaseName,
		log:      log.WithPrefix("bme280"),
	}
	for _, opt := range opts {
		opt(p)
	}
	svc.AddPath("/CustomName", p.base, telemetry.Writable(p.rename))
	return p
}

// Run polls immediately and then on every tick until ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.log.Info("Polling sensor", "interval", p.interval)
	_ = p.PollOnce()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			_ = p.PollOnce()
		}
	}
}

// PollOnce performs one read and publish cycle. A failed read marks the
// sensor disconnected and keeps the previous reading.
func (p *Poller) PollOnce() error {
	if !p.pollMu.TryLock() {
		return ErrPollInProgress
	}
	defer p.pollMu.Unlock()

	r, err := p.sensor.Read()
	if err != nil {
		p.metrics.SensorPoll(false)
		p.svc.Set("/Connected", 0)
		p.log.Error("Error reading sensor", "err", err)
		return err
	}

	p.mu.Lock()
	p.last = r
	p.hasLast = true
	name := decorate(p.base, r.Pressure)
	p.mu.Unlock()

	p.svc.Set("/Temperature", r.Temperature)
	p.svc.Set("/Humidity", r.Humidity)
	p.svc.Set("/Pressure", r.Pressure)
	p.svc.Set("/CustomName", name)
	p.svc.Set("/Connected", 1)
	p.metrics.SensorPoll(true)
	p.log.Debugf("Temp: %.1f°C | Humidity: %.1f%% | Pressure: %.1f hPa", r.Temperature, r.Humidity, r.Pressure)
	return nil
}

// Last returns the most recent successful reading.
func (p *Poller) Last() (bme280.Reading, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last, p.hasLast
}

func (p *Poller) rename(_ string, value string) bool {
	p.mu.Lock()
	p.base = value
	name := value
	if p.hasLast {
		name = decorate(value, p.last.Pressure)
	}
	p.mu.Unlock()

	p.svc.Set("/CustomName", name)
	p.log.Info("Name changed", "name", value)
	return true
}

func decorate(base string, pressure float64) string {
	return base + " (" + strconv.FormatFloat(pressure, 'f', 1, 64) + " hPa)"
}
