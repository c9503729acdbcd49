package config

type HistoryCollectorConfig struct {
	SensorBridgeHost string `toml:"sensor_bridge_host"`
	DatabasePath     string `toml:"database_path"`
	LogLevel         string `toml:"log_level"`
}

type SensorBridgeConfig struct {
	// Tank controller serial line
	SerialDevice    string   `toml:"serial_device"`
	Baudrate        uint     `toml:"baudrate"`
	ReadTimeoutMs   int      `toml:"read_timeout_ms"`
	ChannelPrefixes []string `toml:"channel_prefixes"`
	InboxDepth      int      `toml:"inbox_depth"`
	FrameChecksum   bool     `toml:"frame_checksum"`

	// Environmental sensor. Leave i2c_bus empty to disable it.
	I2CBus                  string `toml:"i2c_bus"`
	I2CAddress              uint16 `toml:"i2c_address"`
	PollIntervalMs          int    `toml:"poll_interval_ms"`
	HumidityOversampling    uint8  `toml:"humidity_oversampling"`
	TemperatureOversampling uint8  `toml:"temperature_oversampling"`
	PressureOversampling    uint8  `toml:"pressure_oversampling"`
	FilterCoefficient       uint8  `toml:"filter_coefficient"`
	StandbyTime             uint8  `toml:"standby_time"`

	SettingsPath  string `toml:"settings_path"`
	ListenAddress string `toml:"listen_address"`
	ListenPort    int    `toml:"listen_port"`

	// MQTT mirror, disabled while mqtt_broker is empty
	MQTTBroker      string `toml:"mqtt_broker"`
	MQTTClientID    string `toml:"mqtt_client_id"`
	MQTTTopicPrefix string `toml:"mqtt_topic_prefix"`

	ServicePrefix string `toml:"service_prefix"`
	LogLevel      string `toml:"log_level"`
}
