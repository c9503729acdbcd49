// Package telemetry is the in-process telemetry bus. Producers register a
// service with a fixed set of named paths, then set values on them; every
// change is fanned out to the configured sinks (WebSocket hub, MQTT).
// Writable paths accept external writes through a validation callback.
package telemetry

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/NotCoffee418/venus_sensor_bridge/pkg/types"
)

var (
	ErrUnknownService    = errors.New("unknown service")
	ErrUnknownPath       = errors.New("unknown path")
	ErrNotWritable       = errors.New("path is not writable")
	ErrRejected          = errors.New("write rejected")
	ErrAlreadyRegistered = errors.New("service already registered")
)

// Sink receives every published update. Publish must not block for long;
// it is called on the producer's goroutine.
type Sink interface {
	Publish(update types.TelemetryUpdate)
}

type SinkFunc func(update types.TelemetryUpdate)

func (f SinkFunc) Publish(update types.TelemetryUpdate) { f(update) }

// WriteFunc validates an external write to path. It returns whether the
// write was accepted. The owner of the service publishes the accepted value
// itself, in its normalized type.
type WriteFunc func(path, value string) bool

type Bus struct {
	mu       sync.RWMutex
	services map[string]*Service
	sinks    []Sink
	now      func() time.Time
}

func NewBus(sinks ...Sink) *Bus {
	return &Bus{
		services: make(map[string]*Service),
		sinks:    sinks,
		now:      time.Now,
	}
}

func (b *Bus) AddSink(s Sink) {
	b.mu.Lock()
	b.sinks = append(b.sinks, s)
	b.mu.Unlock()
}

// NewService creates an unregistered service. Paths can be added until
// Register is called.
func (b *Bus) NewService(name string) *Service {
	return &Service{
		bus:   b,
		name:  name,
		items: make(map[string]*item),
	}
}

// Write forwards an external write to the path's owner.
func (b *Bus) Write(service, path, value string) error {
	b.mu.RLock()
	s, ok := b.services[service]
	b.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownService, service)
	}

	s.mu.RLock()
	it, ok := s.items[path]
	var onWrite WriteFunc
	if ok {
		onWrite = it.onWrite
	}
	s.mu.RUnlock()

	switch {
	case !ok:
		return fmt.Errorf("%w: %s%s", ErrUnknownPath, service, path)
	case onWrite == nil:
		return fmt.Errorf("%w: %s%s", ErrNotWritable, service, path)
	case !onWrite(path, value):
		return fmt.Errorf("%w: %s%s = %q", ErrRejected, service, path, value)
	}
	return nil
}

// Services returns the names of all registered services, sorted.
func (b *Bus) Services() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.services))
	for name := range b.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Snapshot copies the current value of every path of every registered
// service.
func (b *Bus) Snapshot() map[string]map[string]any {
	b.mu.RLock()
	services := make([]*Service, 0, len(b.services))
	for _, s := range b.services {
		services = append(services, s)
	}
	b.mu.RUnlock()

	out := make(map[string]map[string]any, len(services))
	for _, s := range services {
		out[s.name] = s.values()
	}
	return out
}

// Updates returns the current value of every path as updates, ordered by
// service and path. Each update carries the time its value last changed, not
// the time of the call, so a replay never makes a held value look fresh.
func (b *Bus) Updates() []types.TelemetryUpdate {
	names := b.Services()

	b.mu.RLock()
	services := make([]*Service, 0, len(names))
	for _, name := range names {
		if s, ok := b.services[name]; ok {
			services = append(services, s)
		}
	}
	b.mu.RUnlock()

	var out []types.TelemetryUpdate
	for _, s := range services {
		out = append(out, s.updates()...)
	}
	return out
}

func (b *Bus) register(s *Service) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.services[s.name]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, s.name)
	}
	b.services[s.name] = s
	return nil
}

func (b *Bus) publish(updates ...types.TelemetryUpdate) {
	b.mu.RLock()
	sinks := make([]Sink, len(b.sinks))
	copy(sinks, b.sinks)
	b.mu.RUnlock()

	for _, u := range updates {
		for _, sink := range sinks {
			sink.Publish(u)
		}
	}
}

type item struct {
	value   any
	changed time.Time
	onWrite WriteFunc
}

// Service is one named producer on the bus, e.g. a tank or the
// environmental sensor.
type Service struct {
	bus  *Bus
	name string

	mu         sync.RWMutex
	items      map[string]*item
	order      []string
	registered bool
}

type PathOption func(*item)

// Writable marks the path as accepting external writes validated by fn.
func Writable(fn WriteFunc) PathOption {
	return func(it *item) { it.onWrite = fn }
}

func (s *Service) Name() string { return s.name }

// AddPath declares a path with its initial value. Adding an existing path
// replaces its value and options.
func (s *Service) AddPath(path string, value any, opts ...PathOption) {
	it := &item{value: value, changed: s.bus.now()}
	for _, opt := range opts {
		opt(it)
	}

	s.mu.Lock()
	if _, exists := s.items[path]; !exists {
		s.order = append(s.order, path)
	}
	s.items[path] = it
	s.mu.Unlock()
}

// Register makes the service visible and publishes all initial values.
func (s *Service) Register() error {
	if err := s.bus.register(s); err != nil {
		return err
	}

	s.mu.Lock()
	s.registered = true
	now := s.bus.now()
	ts := now.Format(time.RFC3339)
	updates := make([]types.TelemetryUpdate, 0, len(s.order))
	for _, path := range s.order {
		s.items[path].changed = now
		updates = append(updates, types.TelemetryUpdate{
			Timestamp: ts,
			Service:   s.name,
			Path:      path,
			Value:     s.items[path].value,
		})
	}
	s.mu.Unlock()

	s.bus.publish(updates...)
	return nil
}

func (s *Service) Registered() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.registered
}

// Set changes the value of an existing path. Unchanged values and unknown
// paths are ignored; changes are published once registered.
func (s *Service) Set(path string, value any) {
	s.mu.Lock()
	it, ok := s.items[path]
	if !ok || reflect.DeepEqual(it.value, value) {
		s.mu.Unlock()
		return
	}
	now := s.bus.now()
	it.value = value
	it.changed = now
	registered := s.registered
	s.mu.Unlock()

	if registered {
		s.bus.publish(types.TelemetryUpdate{
			Timestamp: now.Format(time.RFC3339),
			Service:   s.name,
			Path:      path,
			Value:     value,
		})
	}
}

func (s *Service) Get(path string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	it, ok := s.items[path]
	if !ok {
		return nil, false
	}
	return it.value, true
}

func (s *Service) values() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.items))
	for path, it := range s.items {
		out[path] = it.value
	}
	return out
}

func (s *Service) updates() []types.TelemetryUpdate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	paths := make([]string, 0, len(s.items))
	for path := range s.items {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	out := make([]types.TelemetryUpdate, 0, len(paths))
	for _, path := range paths {
		it := s.items[path]
		out = append(out, types.TelemetryUpdate{
			Timestamp: it.changed.Format(time.RFC3339),
			Service:   s.name,
			Path:      path,
			Value:     it.value,
		})
	}
	return out
}
