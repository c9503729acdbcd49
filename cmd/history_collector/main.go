// History collector records the sensor bridge's numeric readings in sqlite
// and aggregates them hourly.
// Depends on the sensor bridge API being online.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"

	"github.com/NotCoffee418/venus_sensor_bridge/pkg/aggregator"
	"github.com/NotCoffee418/venus_sensor_bridge/pkg/config"
	"github.com/NotCoffee418/venus_sensor_bridge/pkg/historydb"
	"github.com/NotCoffee418/venus_sensor_bridge/pkg/interpreter"
	"github.com/NotCoffee418/venus_sensor_bridge/pkg/pathing"
)

func main() {
	configPath := flag.String("config", "", "Path to history_collector.toml")
	host := flag.String("host", "", "Sensor bridge host:port, overrides sensor_bridge_host")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatal("Failed to load history collector config", "err", err)
	}
	if lvl, err := log.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(lvl)
	}
	if *host != "" {
		cfg.SensorBridgeHost = *host
	}

	if err := historydb.InitializeDatabase(cfg.DatabasePath); err != nil {
		log.Fatal("Failed to initialize database", "err", err)
	}
	db := historydb.GetDB()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go runAggregator(ctx)

	recorder := NewRecorder(db)
	interpreter.StartListener(ctx, cfg.SensorBridgeHost, recorder.Handle)
	log.Info("History collector stopped")
}

func loadConfig(path string) (*config.HistoryCollectorConfig, error) {
	if path != "" {
		return config.LoadHistoryCollectorConfigFrom(path)
	}
	if err := pathing.EnsureDirs(); err != nil {
		return nil, err
	}
	if err := config.LoadHistoryCollectorConfig(); err != nil {
		return nil, err
	}
	return config.ActiveHistoryCollectorConfig, nil
}

// runAggregator aggregates shortly after every full hour.
func runAggregator(ctx context.Context) {
	for {
		now := time.Now().UTC()
		next := now.Truncate(time.Hour).Add(time.Hour + time.Minute)
		select {
		case <-ctx.Done():
			return
		case <-time.After(next.Sub(now)):
		}
		if err := aggregator.AggregateAndCleanup(historydb.GetDB(), time.Now()); err != nil {
			log.Error("Aggregation failed", "err", err)
		}
	}
}
