package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/NotCoffee418/venus_sensor_bridge/pkg/bme280"
	"github.com/NotCoffee418/venus_sensor_bridge/pkg/pathing"
)

const maxChannels = 4

var ErrInvalid = errors.New("invalid configuration")

var (
	ActiveSensorBridgeConfig     *SensorBridgeConfig
	ActiveHistoryCollectorConfig *HistoryCollectorConfig
)

func DefaultSensorBridgeConfig() *SensorBridgeConfig {
	return &SensorBridgeConfig{
		SerialDevice:            "/dev/ttyTANK",
		Baudrate:                9600,
		ReadTimeoutMs:           3000,
		ChannelPrefixes:         []string{"TANK0:", "TANK1:", "TANK2:", "TANK3:"},
		InboxDepth:              16,
		FrameChecksum:           false,
		I2CBus:                  "1",
		I2CAddress:              bme280.Address,
		PollIntervalMs:          5000,
		HumidityOversampling:    uint8(bme280.Oversampling16x),
		TemperatureOversampling: uint8(bme280.Oversampling16x),
		PressureOversampling:    uint8(bme280.Oversampling16x),
		FilterCoefficient:       uint8(bme280.FilterOff),
		StandbyTime:             uint8(bme280.Standby0_5ms),
		SettingsPath:            "/data/dbus-tank-sensor/settings.toml",
		ListenAddress:           "0.0.0.0",
		ListenPort:              9040,
		MQTTClientID:            "venus_sensor_bridge",
		MQTTTopicPrefix:         "venus",
		ServicePrefix:           "com.victronenergy",
		LogLevel:                "info",
	}
}

func DefaultHistoryCollectorConfig() *HistoryCollectorConfig {
	return &HistoryCollectorConfig{
		SensorBridgeHost: "localhost:9040",
		DatabasePath:     pathing.GetHistoryDbPath(),
		LogLevel:         "info",
	}
}

func LoadSensorBridgeConfig() error {
	cfg, err := LoadSensorBridgeConfigFrom(filepath.Join(pathing.GetConfigDir(), "sensor_bridge.toml"))
	if err != nil {
		return err
	}
	ActiveSensorBridgeConfig = cfg
	return nil
}

// LoadSensorBridgeConfigFrom reads path, writing the defaults there first
// if the file does not exist.
func LoadSensorBridgeConfigFrom(path string) (*SensorBridgeConfig, error) {
	cfg := DefaultSensorBridgeConfig()
	if err := loadOrCreate(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func LoadHistoryCollectorConfig() error {
	cfg, err := LoadHistoryCollectorConfigFrom(filepath.Join(pathing.GetConfigDir(), "history_collector.toml"))
	if err != nil {
		return err
	}
	ActiveHistoryCollectorConfig = cfg
	return nil
}

func LoadHistoryCollectorConfigFrom(path string) (*HistoryCollectorConfig, error) {
	cfg := DefaultHistoryCollectorConfig()
	if err := loadOrCreate(path, cfg); err != nil {
		return nil, err
	}
	if cfg.SensorBridgeHost == "" {
		return nil, fmt.Errorf("%s: %w: sensor_bridge_host is empty", path, ErrInvalid)
	}
	return cfg, nil
}

// loadOrCreate decodes path over the defaults already in cfg, so keys
// missing from older files keep their default value.
func loadOrCreate(path string, cfg any) error {
	// Create default if not exists
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return err
		}
		cfgFile, err := os.Create(path)
		if err != nil {
			return err
		}
		defer cfgFile.Close()
		return toml.NewEncoder(cfgFile).Encode(cfg)
	}

	// Load existing config
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return nil
}

func (c *SensorBridgeConfig) Validate() error {
	if n := len(c.ChannelPrefixes); n == 0 || n > maxChannels {
		return fmt.Errorf("%w: need 1 to %d channel prefixes, got %d", ErrInvalid, maxChannels, n)
	}
	seen := make(map[string]bool, len(c.ChannelPrefixes))
	for i, p := range c.ChannelPrefixes {
		if p == "" {
			return fmt.Errorf("%w: channel prefix %d is empty", ErrInvalid, i)
		}
		if seen[p] {
			return fmt.Errorf("%w: duplicate channel prefix %q", ErrInvalid, p)
		}
		seen[p] = true
	}
	switch {
	case c.SerialDevice == "":
		return fmt.Errorf("%w: serial_device is empty", ErrInvalid)
	case c.Baudrate == 0:
		return fmt.Errorf("%w: baudrate must be positive", ErrInvalid)
	case c.ReadTimeoutMs <= 0:
		return fmt.Errorf("%w: read_timeout_ms must be positive", ErrInvalid)
	case c.PollIntervalMs <= 0:
		return fmt.Errorf("%w: poll_interval_ms must be positive", ErrInvalid)
	case c.InboxDepth <= 0:
		return fmt.Errorf("%w: inbox_depth must be positive", ErrInvalid)
	case c.SettingsPath == "":
		return fmt.Errorf("%w: settings_path is empty", ErrInvalid)
	case c.ServicePrefix == "":
		return fmt.Errorf("%w: service_prefix is empty", ErrInvalid)
	}
	return nil
}

func (c *SensorBridgeConfig) ReadTimeout() time.Duration {
	return time.Duration(c.ReadTimeoutMs) * time.Millisecond
}

func (c *SensorBridgeConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

func (c *SensorBridgeConfig) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.ListenAddress, c.ListenPort)
}

// SensorOpts maps the register settings onto the driver options. The
// sensor always runs in normal mode.
func (c *SensorBridgeConfig) SensorOpts() *bme280.Opts {
	return &bme280.Opts{
		HumidityOversampling:    bme280.Oversampling(c.HumidityOversampling),
		TemperatureOversampling: bme280.Oversampling(c.TemperatureOversampling),
		PressureOversampling:    bme280.Oversampling(c.PressureOversampling),
		Mode:                    bme280.ModeNormal,
		Filter:                  bme280.Filter(c.FilterCoefficient),
		Standby:                 bme280.Standby(c.StandbyTime),
	}
}
