package main

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
	"github.com/joho/godotenv"

	"github.com/xenking/tableside/internal/domain/order"
)

// Config holds the device configuration, loadable from environment variables
// (TABLESIDE_DEVICE_ prefix), a .env file, flags, or YAML config files.
type Config struct {
	ServerURL string `default:"http://localhost:8080" usage:"API server base URL" flag:"server"`
	APIKey    string `usage:"Device API key (TABLESIDE_DEVICE_API_KEY)" flag:"api-key"`
	TenantID  string `default:"demo" usage:"Tenant the API key belongs to" flag:"tenant"`
	DeviceID  string `usage:"Stable device id, defaults to the host name" flag:"device-id"`
	Role      string `default:"customer" usage:"Session role: customer, kitchen or cashier" flag:"role"`
	TableID   string `usage:"Table served by a customer device" flag:"table"`
	StorePath string `default:"tableside-device.db" usage:"SQLite file for cart and outbox" flag:"store"`
	LogLevel  string `default:"info" usage:"Log level" flag:"log-level"`
	LogFile   string `default:"stderr" usage:"Log destination" flag:"log-file"`
	Sync      SyncConfig
}

// SyncConfig controls connectivity probing, outbox replay and display
// reconciliation.
type SyncConfig struct {
	PingInterval      time.Duration `default:"5s" usage:"Server reachability probe interval"`
	ReplayInterval    time.Duration `default:"30s" usage:"Background outbox replay interval"`
	ReconcileInterval time.Duration `default:"30s" usage:"Full display reconciliation interval"`
	ReadTimeout       time.Duration `default:"75s" usage:"Realtime stream silence limit"`
	MaxAttempts       int           `default:"20" usage:"Attempts before an outbox entry is marked failed"`
}

// LoadConfig reads an optional .env file and loads the device configuration.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, errors.Wrap(err, "load .env")
	}

	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "TABLESIDE_DEVICE",
		Files:     []string{"device.yaml", "/etc/tableside/device.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}

	if cfg.APIKey == "" {
		return nil, errors.New("API key is required: set TABLESIDE_DEVICE_API_KEY or --api-key")
	}
	if cfg.DeviceID == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, errors.Wrap(err, "device id")
		}
		cfg.DeviceID = host
	}
	role := order.Role(cfg.Role)
	if !role.Valid() || role == order.RoleSystem {
		return nil, errors.Errorf("invalid role %q", cfg.Role)
	}
	if role == order.RoleCustomer && cfg.TableID == "" {
		return nil, errors.New("customer devices need --table")
	}
	return &cfg, nil
}
