// Package settings persists the per-tank operator configuration: capacity,
// fluid type and display name.
package settings

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/BurntSushi/toml"
)

const NumTanks = 4

// Fluid type names indexed by the bus fluid type value.
var FluidTypes = []string{"Fuel", "Fresh Water", "Waste Water", "Live Well", "Oil", "Black Water"}

func FluidName(fluidType int) string {
	if fluidType < 0 || fluidType >= len(FluidTypes) {
		return "Unknown"
	}
	return FluidTypes[fluidType]
}

// ValidFluidType reports whether n indexes FluidTypes.
func ValidFluidType(n int) bool {
	return n >= 0 && n < len(FluidTypes)
}

// ValidCapacity reports whether c is a usable tank capacity in m³.
func ValidCapacity(c float64) bool {
	return c > 0 && !math.IsInf(c, 0)
}

type Tank struct {
	Capacity   float64 `toml:"capacity"`
	FluidType  int     `toml:"fluid_type"`
	CustomName string  `toml:"custom_name"`
}

type File struct {
	Tanks []Tank `toml:"tanks"`
}

// Defaults returns the factory configuration for all tanks.
func Defaults() File {
	return File{Tanks: []Tank{
		{Capacity: 100.0, FluidType: 1, CustomName: "Fresh Water"},
		{Capacity: 100.0, FluidType: 0, CustomName: "Fuel"},
		{Capacity: 100.0, FluidType: 2, CustomName: "Waste Water"},
		{Capacity: 100.0, FluidType: 5, CustomName: "Black Water"},
	}}
}

// Store is the settings file shared by all tank channels. Every save
// rewrites the full file.
type Store struct {
	path string

	mu   sync.Mutex
	file File
}

// Open loads the settings at path. A missing file yields the defaults. A
// file that cannot be decoded also yields the defaults, together with the
// decode error so the caller can log it. Out of range capacities and fluid
// types are replaced by that tank's defaults and reported the same way.
func Open(path string) (*Store, error) {
	s := &Store{path: path, file: Defaults()}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return s, nil
	}

	var f File
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return s, fmt.Errorf("failed to load settings %s: %w", path, err)
	}
	s.file = backfill(f)
	if err := s.file.sanitize(); err != nil {
		return s, fmt.Errorf("invalid settings in %s: %w", path, err)
	}
	return s, nil
}

// sanitize resets invalid fields to the defaults of their tank.
func (f *File) sanitize() error {
	defaults := Defaults()
	var errs []error
	for i := range f.Tanks {
		def := defaults.Tanks[min(i, NumTanks-1)]
		t := &f.Tanks[i]
		if !ValidCapacity(t.Capacity) {
			errs = append(errs, fmt.Errorf("tank %d: capacity %v", i, t.Capacity))
			t.Capacity = def.Capacity
		}
		if !ValidFluidType(t.FluidType) {
			errs = append(errs, fmt.Errorf("tank %d: fluid_type %d", i, t.FluidType))
			t.FluidType = def.FluidType
		}
	}
	return errors.Join(errs...)
}

// backfill appends default entries for tanks missing from older files.
func backfill(f File) File {
	defaults := Defaults()
	for i := len(f.Tanks); i < NumTanks; i++ {
		f.Tanks = append(f.Tanks, defaults.Tanks[i])
	}
	return f
}

func (s *Store) Path() string {
	return s.path
}

// Tank returns the configuration of tank id.
func (s *Store) Tank(id int) Tank {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id < 0 || id >= len(s.file.Tanks) {
		return Defaults().Tanks[0]
	}
	return s.file.Tanks[id]
}

// Save replaces the configuration of tank id and writes the file.
func (s *Store) Save(id int, t Tank) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id < 0 || id >= len(s.file.Tanks) {
		return fmt.Errorf("tank %d out of range", id)
	}
	s.file.Tanks[id] = t
	return s.write()
}

func (s *Store) write() error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create settings dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".settings-*.toml")
	if err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := toml.NewEncoder(tmp).Encode(s.file); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to encode settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	return os.Rename(tmp.Name(), s.path)
}
