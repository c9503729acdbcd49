// Package tank implements one tank input channel: the INACTIVE/ACTIVE state
// machine driven by serial payloads, the operator configuration writes, and
// the channel's telemetry service.
//
// A Channel is owned by the goroutine running Run. Everything that mutates
// it, serial payloads as well as bus writes, is delivered to that goroutine
// over channels.
package tank

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/NotCoffee418/venus_sensor_bridge/pkg/metrics"
	"github.com/NotCoffee418/venus_sensor_bridge/pkg/sbutils"
	"github.com/NotCoffee418/venus_sensor_bridge/pkg/settings"
	"github.com/NotCoffee418/venus_sensor_bridge/pkg/telemetry"
)

var (
	ErrValidation = errors.New("invalid configuration value")
	ErrParse      = errors.New("malformed payload")
)

// Sentinel is the payload sent for a grounded, disconnected input.
const Sentinel = "OFF"

const (
	ProcessName    = "sensor_bridge"
	ProcessVersion = "1.0"

	deviceInstanceBase = 20
	writeTimeout       = 2 * time.Second
)

type Field string

const (
	FieldFluidType  Field = "fluid_type"
	FieldCapacity   Field = "capacity"
	FieldCustomName Field = "custom_name"
)

// Payload is a decoded channel payload: either Off or a Level.
type Payload struct {
	Off   bool
	Level int
}

// ParsePayload accepts the sentinel or an integer level in 0..100.
func ParsePayload(p string) (Payload, error) {
	if p == Sentinel {
		return Payload{Off: true}, nil
	}
	level, err := strconv.Atoi(strings.TrimSpace(p))
	if err != nil {
		return Payload{}, fmt.Errorf("%w: %q", ErrParse, p)
	}
	if level < 0 || level > 100 {
		return Payload{}, fmt.Errorf("%w: level %d out of range", ErrParse, level)
	}
	return Payload{Level: level}, nil
}

type State struct {
	Active    bool
	Level     int
	Remaining float64
}

// Store loads and persists tank configuration.
type Store interface {
	Tank(id int) settings.Tank
	Save(id int, t settings.Tank) error
}

type writeRequest struct {
	field Field
	value string
	reply chan error
}

type Channel struct {
	id            int
	store         Store
	bus           *telemetry.Bus
	servicePrefix string
	connection    string
	metrics       *metrics.Metrics
	log           *log.Logger

	cfg    settings.Tank
	state  State
	svc    *telemetry.Service
	writes chan writeRequest
}

type Option func(*Channel)

// WithServicePrefix sets the bus service name prefix, the channel service
// is "<prefix>.tank.tank<id>".
func WithServicePrefix(prefix string) Option {
	return func(c *Channel) { c.servicePrefix = prefix }
}

// WithConnection sets the /Mgmt/Connection description.
func WithConnection(desc string) Option {
	return func(c *Channel) { c.connection = desc }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Channel) { c.metrics = m }
}

func WithLogger(l *log.Logger) Option {
	return func(c *Channel) { c.log = l }
}

// NewChannel loads the configuration of tank id from store. The channel
// starts INACTIVE and unregistered.
func NewChannel(id int, store Store, bus *telemetry.Bus, opts ...Option) *Channel {
	c := &Channel{
		id:            id,
		store:         store,
		bus:           bus,
		servicePrefix: "com.victronenergy",
		connection:    "Serial",
		writes:        make(chan writeRequest),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = log.WithPrefix(fmt.Sprintf("tank%d", id))
	}
	c.cfg = store.Tank(id)
	return c
}

func (c *Channel) ID() int { return c.id }

func (c *Channel) State() State { return c.state }

func (c *Channel) Config() settings.Tank { return c.cfg }

func (c *Channel) Registered() bool { return c.svc != nil }

func (c *Channel) ServiceName() string {
	return fmt.Sprintf("%s.tank.tank%d", c.servicePrefix, c.id)
}

// Run processes inbox payloads and bus writes until ctx is cancelled or the
// inbox is closed. A panic is returned as an error so a failing channel
// cannot take its siblings down.
func (c *Channel) Run(ctx context.Context, inbox <-chan string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tank %d: panic: %v", c.id, r)
		}
	}()

	c.log.Info("Waiting for sensor data")
	for {
		select {
		case <-ctx.Done():
			return nil
		case p, ok := <-inbox:
			if !ok {
				return nil
			}
			c.HandlePayload(p)
		case req := <-c.writes:
			req.reply <- c.Write(req.field, req.value)
		}
	}
}

// HandlePayload applies one payload routed to this channel.
func (c *Channel) HandlePayload(p string) {
	payload, err := ParsePayload(p)
	if err != nil {
		c.metrics.PayloadIgnored(c.id)
		c.log.Debug("Ignoring payload", "payload", p, "err", err)
		return
	}

	if payload.Off {
		c.deactivate()
		return
	}

	if !c.state.Active {
		if c.svc == nil {
			if err := c.register(); err != nil {
				c.log.Error("Failed to register service", "service", c.ServiceName(), "err", err)
				return
			}
			c.log.Info("Tank ACTIVE",
				"name", c.cfg.CustomName,
				"fluid", settings.FluidName(c.cfg.FluidType),
				"capacity", c.cfg.Capacity)
		} else {
			c.svc.Set("/Connected", 1)
			c.log.Info("Tank reconnected")
		}
		c.state.Active = true
	}

	c.state.Level = payload.Level
	c.state.Remaining = sbutils.Remaining(payload.Level, c.cfg.Capacity)
	c.svc.Set("/Level", c.state.Level)
	c.svc.Set("/Remaining", c.state.Remaining)
	c.svc.Set("/Status", 0)
	c.metrics.TankLevel(c.id, float64(c.state.Level))
	c.log.Debugf("%d%% (%.1fL / %gL)", c.state.Level, c.state.Remaining, c.cfg.Capacity)
}

func (c *Channel) deactivate() {
	if !c.state.Active {
		return
	}
	c.state.Active = false
	if c.svc != nil {
		c.svc.Set("/Connected", 0)
	}
	c.metrics.TankLevel(c.id, -1)
	c.log.Info("Tank OFF")
}

// Write validates and applies an operator configuration write. Rejected
// writes return ErrValidation and change nothing.
func (c *Channel) Write(field Field, value string) error {
	cfg := c.cfg

	switch field {
	case FieldFluidType:
		f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil || f != math.Trunc(f) || f < 0 || f >= float64(len(settings.FluidTypes)) {
			return c.reject(field, value)
		}
		cfg.FluidType = int(f)
	case FieldCapacity:
		f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil || !settings.ValidCapacity(f) {
			return c.reject(field, value)
		}
		cfg.Capacity = f
	case FieldCustomName:
		cfg.CustomName = value
	default:
		return fmt.Errorf("%w: unknown field %q", ErrValidation, field)
	}

	c.cfg = cfg
	if err := c.store.Save(c.id, cfg); err != nil {
		c.log.Error("Failed to save settings", "err", err)
	}
	c.metrics.ConfigWrite(c.id, string(field), true)

	if c.svc != nil {
		c.svc.Set("/FluidType", cfg.FluidType)
		c.svc.Set("/Capacity", cfg.Capacity)
		c.svc.Set("/CustomName", cfg.CustomName)
	}
	if c.state.Active {
		c.state.Remaining = sbutils.Remaining(c.state.Level, cfg.Capacity)
		c.svc.Set("/Remaining", c.state.Remaining)
	}

	switch field {
	case FieldFluidType:
		c.log.Info("Fluid type changed", "fluid", settings.FluidName(cfg.FluidType))
	case FieldCapacity:
		c.log.Infof("Capacity changed to: %gL", cfg.Capacity)
	case FieldCustomName:
		c.log.Info("Name changed", "name", cfg.CustomName)
	}
	return nil
}

func (c *Channel) reject(field Field, value string) error {
	c.metrics.ConfigWrite(c.id, string(field), false)
	c.log.Debug("Rejected configuration write", "field", field, "value", value)
	return fmt.Errorf("%w: %s = %q", ErrValidation, field, value)
}

func (c *Channel) register() error {
	svc := c.bus.NewService(c.ServiceName())
	svc.AddPath("/Mgmt/ProcessName", ProcessName)
	svc.AddPath("/Mgmt/ProcessVersion", ProcessVersion)
	svc.AddPath("/Mgmt/Connection", c.connection)
	svc.AddPath("/DeviceInstance", deviceInstanceBase+c.id)
	svc.AddPath("/ProductId", 0)
	svc.AddPath("/ProductName", fmt.Sprintf("Tank %d", c.id))
	svc.AddPath("/FirmwareVersion", ProcessVersion)
	svc.AddPath("/Connected", 1)
	svc.AddPath("/FluidType", c.cfg.FluidType, telemetry.Writable(c.busWrite(FieldFluidType)))
	svc.AddPath("/Capacity", c.cfg.Capacity, telemetry.Writable(c.busWrite(FieldCapacity)))
	svc.AddPath("/Level", 0)
	svc.AddPath("/Remaining", 0.0)
	svc.AddPath("/Status", 0)
	svc.AddPath("/CustomName", c.cfg.CustomName, telemetry.Writable(c.busWrite(FieldCustomName)))

	if err := svc.Register(); err != nil {
		return err
	}
	c.svc = svc
	return nil
}

// busWrite hands a bus write over to the goroutine running Run and waits
// for its verdict.
func (c *Channel) busWrite(field Field) telemetry.WriteFunc {
	return func(_ string, value string) bool {
		req := writeRequest{field: field, value: value, reply: make(chan error, 1)}
		timer := time.NewTimer(writeTimeout)
		defer timer.Stop()

		select {
		case c.writes <- req:
		case <-timer.C:
			return false
		}
		select {
		case err := <-req.reply:
			return err == nil
		case <-timer.C:
			return false
		}
	}
}
