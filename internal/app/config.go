package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
	"github.com/joho/godotenv"
)

// Config holds the API server configuration, loadable from environment
// variables (TABLESIDE_ prefix), a .env file, flags, or YAML config files.
type Config struct {
	Addr         string `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL  string `usage:"PostgreSQL connection URL (TABLESIDE_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	APIKeyPepper string `usage:"HMAC pepper for API key hashing (TABLESIDE_API_KEY_PEPPER)" flag:"api-key-pepper"`
	Redis        RedisConfig
	Realtime     RealtimeConfig
	KeyFilter    KeyFilterConfig
	RateLimit    RateLimitConfig
	CORS         CORSConfig
	Graceful     GracefulConfig
}

// RedisConfig enables cross-replica event fan-out. An empty Addr keeps
// events in process.
type RedisConfig struct {
	Addr     string `default:"" usage:"Redis address for realtime fan-out (host:port)"`
	Password string `default:"" usage:"Redis password"`
	DB       int    `default:"0" usage:"Redis database number"`
}

// RealtimeConfig controls WebSocket subscriptions.
type RealtimeConfig struct {
	PingInterval time.Duration `default:"30s" usage:"WebSocket keepalive ping interval" flag:"realtime-ping"`
	WriteTimeout time.Duration `default:"10s" usage:"WebSocket write deadline"`
	Buffer       int           `default:"64" usage:"Per-subscriber event buffer"`
}

// KeyFilterConfig sizes the idempotency key bloom filter.
type KeyFilterConfig struct {
	Capacity          uint          `default:"100000" usage:"Keys per filter generation"`
	FalsePositiveRate float64       `default:"0.001" usage:"Target false positive rate"`
	WarmWindow        time.Duration `default:"24h" usage:"Age of keys loaded into the filter at startup"`
}

// RateLimitConfig controls the per-device sliding window rate limiter.
type RateLimitConfig struct {
	Max    int           `default:"300" usage:"Max requests per window"`
	Window time.Duration `default:"1m"  usage:"Rate limit window duration"`
}

// CORSConfig controls Cross-Origin Resource Sharing headers.
type CORSConfig struct {
	Origins          []string `default:"*" usage:"Allowed CORS origins"`
	AllowCredentials bool     `default:"false" usage:"Allow credentials (cookies, auth headers)" flag:"cors-credentials"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig reads an optional .env file, then loads configuration from the
// environment and YAML config files.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, errors.Wrap(err, "load .env")
	}

	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "TABLESIDE",
		Files:     []string{"config.yaml", "/etc/tableside/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if cfg.DatabaseURL == "" {
		return nil, errors.New("database URL is required: set TABLESIDE_DATABASE_URL or DATABASE_URL")
	}
	if cfg.APIKeyPepper == "" {
		return nil, errors.New("API key pepper is required: set TABLESIDE_API_KEY_PEPPER")
	}
	return &cfg, nil
}

// applyPlatformDefaults maps the platform-provided DATABASE_URL, REDIS_ADDR
// and PORT onto the TABLESIDE_ configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		c.DatabaseURL = os.Getenv("DATABASE_URL")
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = os.Getenv("REDIS_ADDR")
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
}
