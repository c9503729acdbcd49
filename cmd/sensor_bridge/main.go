// Sensor bridge reads the tank controller's serial line and the BME280 and
// publishes both on the telemetry bus, served over HTTP, WebSocket and
// optionally MQTT.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"

	"github.com/NotCoffee418/venus_sensor_bridge/pkg/api"
	"github.com/NotCoffee418/venus_sensor_bridge/pkg/bme280"
	"github.com/NotCoffee418/venus_sensor_bridge/pkg/config"
	"github.com/NotCoffee418/venus_sensor_bridge/pkg/metrics"
	"github.com/NotCoffee418/venus_sensor_bridge/pkg/mqttbridge"
	"github.com/NotCoffee418/venus_sensor_bridge/pkg/pathing"
	"github.com/NotCoffee418/venus_sensor_bridge/pkg/poller"
	"github.com/NotCoffee418/venus_sensor_bridge/pkg/port_reader"
	"github.com/NotCoffee418/venus_sensor_bridge/pkg/settings"
	"github.com/NotCoffee418/venus_sensor_bridge/pkg/tank"
	"github.com/NotCoffee418/venus_sensor_bridge/pkg/telemetry"
)

const (
	baseRetryDelay  = 2 * time.Second
	maxRetryDelay   = 60 * time.Second
	shutdownTimeout = 5 * time.Second
)

func main() {
	configPath := flag.String("config", "", "Path to sensor_bridge.toml")
	level := flag.String("level", "", "Log level, overrides log_level")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatal("Failed to load sensor bridge config", "err", err)
	}
	setLogLevel(cfg.LogLevel, *level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	hub := api.NewHub()
	bus := telemetry.NewBus(hub)

	if cfg.MQTTBroker != "" {
		bridge, err := mqttbridge.Connect(mqttbridge.Options{
			Broker:      cfg.MQTTBroker,
			ClientID:    cfg.MQTTClientID,
			TopicPrefix: cfg.MQTTTopicPrefix,
		})
		if err != nil {
			log.Error("MQTT mirror disabled", "err", err)
		} else {
			defer bridge.Close()
			bus.AddSink(bridge)
			if err := bridge.SubscribeWrites(bus); err != nil {
				log.Error("MQTT writes disabled", "err", err)
			}
		}
	}

	store, err := settings.Open(cfg.SettingsPath)
	if err != nil {
		log.Warn("Error loading settings, using defaults", "err", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	router := port_reader.NewRouter(cfg.ChannelPrefixes, cfg.InboxDepth,
		port_reader.WithChecksum(cfg.FrameChecksum),
		port_reader.WithMetrics(m))
	for i := 0; i < router.Channels(); i++ {
		ch := tank.NewChannel(i, store, bus,
			tank.WithServicePrefix(cfg.ServicePrefix),
			tank.WithConnection("Serial "+cfg.SerialDevice),
			tank.WithMetrics(m))
		g.Go(func() error {
			// A failed channel stays down without taking the others along.
			if err := ch.Run(gctx, router.Inbox(i)); err != nil {
				log.Error("Tank channel stopped", "channel", i, "err", err)
			}
			return nil
		})
	}

	reader := port_reader.NewTankReader(cfg.SerialDevice, cfg.Baudrate, cfg.ReadTimeout(), router)
	g.Go(func() error {
		defer router.Close()
		runSerial(gctx, reader)
		return nil
	})
	log.Info("Multi-tank service started", "channels", router.Channels(), "serial", cfg.SerialDevice)

	if cfg.I2CBus != "" {
		if halt := startSensor(gctx, g, cfg, bus, m); halt != nil {
			defer halt()
		}
	}

	srv := &http.Server{
		Addr:    cfg.ListenAddr(),
		Handler: api.NewServer(bus, hub, m.Handler()),
	}
	g.Go(func() error {
		log.Info("Starting Venus Sensor Bridge API", "listen", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatal("Sensor bridge stopped", "err", err)
	}
	log.Info("Sensor bridge stopped")
}

func loadConfig(path string) (*config.SensorBridgeConfig, error) {
	if path != "" {
		return config.LoadSensorBridgeConfigFrom(path)
	}
	if err := pathing.EnsureDirs(); err != nil {
		return nil, err
	}
	if err := config.LoadSensorBridgeConfig(); err != nil {
		return nil, err
	}
	return config.ActiveSensorBridgeConfig, nil
}

func setLogLevel(fromConfig, fromFlag string) {
	name := fromConfig
	if fromFlag != "" {
		name = fromFlag
	}
	if name == "" {
		return
	}
	lvl, err := log.ParseLevel(name)
	if err != nil {
		log.Warn("Unknown log level, keeping info", "level", name)
		return
	}
	log.SetLevel(lvl)
}

// runSerial keeps the serial reader running, reopening the port with
// exponential backoff after failures, until ctx is done.
func runSerial(ctx context.Context, reader *port_reader.TankReader) {
	retryCount := 0
	for {
		started := time.Now()
		err := reader.Run(ctx)
		if ctx.Err() != nil {
			return
		}
		if time.Since(started) > maxRetryDelay {
			retryCount = 0
		}

		delay := time.Duration(1<<min(retryCount, 5)) * baseRetryDelay
		if delay > maxRetryDelay {
			delay = maxRetryDelay
		}
		retryCount++
		log.Error("Serial reader stopped", "err", err, "retry_in", delay)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

// startSensor opens the BME280 and starts its poller. A sensor that cannot
// be opened or calibrated is disabled; the tanks keep running. The returned
// func puts the sensor to sleep and releases the bus.
func startSensor(ctx context.Context, g *errgroup.Group, cfg *config.SensorBridgeConfig, bus *telemetry.Bus, m *metrics.Metrics) func() {
	logger := log.WithPrefix("bme280")

	if _, err := host.Init(); err != nil {
		logger.Error("Environmental sensor disabled", "err", err)
		return nil
	}
	i2cBus, err := i2creg.Open(cfg.I2CBus)
	if err != nil {
		logger.Error("Environmental sensor disabled", "bus", cfg.I2CBus, "err", err)
		return nil
	}
	dev, err := bme280.NewI2C(i2cBus, cfg.I2CAddress, cfg.SensorOpts())
	if err != nil {
		if errors.Is(err, bme280.ErrCalibration) {
			logger.Error("Calibration failed, environmental sensor disabled", "err", err)
		} else {
			logger.Error("Environmental sensor disabled", "err", err)
		}
		i2cBus.Close()
		return nil
	}

	svc := poller.SensorService(bus, cfg.ServicePrefix)
	p := poller.New(dev, svc, cfg.PollInterval(), poller.WithMetrics(m), poller.WithLogger(logger))
	if err := svc.Register(); err != nil {
		logger.Error("Environmental sensor disabled", "err", err)
		i2cBus.Close()
		return nil
	}
	logger.Info("BME280 service started", "bus", cfg.I2CBus, "address", fmt.Sprintf("0x%02X", cfg.I2CAddress))

	g.Go(func() error { return p.Run(ctx) })
	return func() {
		if err := dev.Halt(); err != nil {
			logger.Warn("Failed to put sensor to sleep", "err", err)
		}
		i2cBus.Close()
	}
}
