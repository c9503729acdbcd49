package pathing

import (
	"os"
	"path/filepath"
)

// EnsureDirs creates the data and config directories.
func EnsureDirs() error {
	for _, dir := range []string{GetDataDir(), GetConfigDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}

func GetHistoryDbPath() string {
	return filepath.Join(GetDataDir(), "vsb-history.db")
}

func GetDataDir() string {
	return "/var/lib/venus_sensor_bridge"
}

func GetConfigDir() string {
	return "/etc/venus_sensor_bridge"
}
