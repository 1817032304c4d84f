package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ksred/klear-gate/internal/types"
)

var ErrInvalidMode = errors.New("trading mode must be paper or live")

const (
	DefaultPath          = "config.yaml"
	DefaultIDBucket      = 10 * time.Second
	DefaultSubmitTimeout = 15 * time.Second
)

// Config holds everything the server needs at startup. Safety-relevant
// values are re-read on every order through a SafetySource and must not be
// taken from here after startup.
type Config struct {
	Server struct {
		Port      string `yaml:"port"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"server"`

	Trading struct {
		Mode          string        `yaml:"mode"`
		OrdersEnabled bool          `yaml:"orders_enabled"`
		OverridePath  string        `yaml:"override_path"`
		IDBucket      time.Duration `yaml:"id_bucket"`
		SubmitTimeout time.Duration `yaml:"submit_timeout"`
		PollInterval  time.Duration `yaml:"poll_interval"`
	} `yaml:"trading"`

	Venue struct {
		Driver         string        `yaml:"driver"` // simulated or bridge
		Host           string        `yaml:"host"`
		Port           int           `yaml:"port"`
		ClientID       int           `yaml:"client_id"`
		ConnectTimeout time.Duration `yaml:"connect_timeout"`
		Simulated      struct {
			MinLatency time.Duration `yaml:"min_latency"`
			MaxLatency time.Duration `yaml:"max_latency"`
			RejectRate float64       `yaml:"reject_rate"`
		} `yaml:"simulated"`
	} `yaml:"venue"`

	Database struct {
		Driver string `yaml:"driver"` // sqlite or postgres
		DSN    string `yaml:"dsn"`
	} `yaml:"database"`

	Auth struct {
		Credentials map[string]string `yaml:"credentials"` // api key -> secret
	} `yaml:"auth"`

	Profiling struct {
		ServerAddress string `yaml:"server_address"`
	} `yaml:"profiling"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

// Default returns a configuration that can never send a real order
func Default() *Config {
	var cfg Config
	cfg.Server.Port = "8080"
	cfg.Server.JWTSecret = "klear-secret-key"
	cfg.Trading.Mode = string(types.ModePaper)
	cfg.Trading.IDBucket = DefaultIDBucket
	cfg.Trading.SubmitTimeout = DefaultSubmitTimeout
	cfg.Venue.Driver = "simulated"
	cfg.Venue.Host = "127.0.0.1"
	cfg.Venue.Port = 7497
	cfg.Venue.ClientID = 1
	cfg.Venue.ConnectTimeout = 10 * time.Second
	cfg.Database.Driver = "sqlite"
	cfg.Database.DSN = "klear-gate.db"
	cfg.Logging.Level = "info"
	return &cfg
}

// Load reads the YAML file at path on top of the defaults, applies env
// overrides and validates the result. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	overrideWithEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	if !types.TradingMode(c.Trading.Mode).Valid() {
		return fmt.Errorf("%w: got %q", ErrInvalidMode, c.Trading.Mode)
	}
	if c.Trading.IDBucket <= 0 {
		return fmt.Errorf("trading.id_bucket must be positive")
	}
	if c.Trading.SubmitTimeout <= 0 {
		return fmt.Errorf("trading.submit_timeout must be positive")
	}
	if c.Trading.Mode == string(types.ModeLive) && c.Trading.OverridePath == "" {
		return fmt.Errorf("trading.override_path is required in live mode")
	}
	switch c.Venue.Driver {
	case "simulated", "bridge":
	default:
		return fmt.Errorf("unknown venue driver %q", c.Venue.Driver)
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}
	if c.Venue.Simulated.RejectRate < 0 || c.Venue.Simulated.RejectRate > 1 {
		return fmt.Errorf("venue.simulated.reject_rate must be within [0,1]")
	}
	return nil
}

// Safety returns the safety values of this configuration
func (c *Config) Safety() Safety {
	return Safety{
		Mode:          types.TradingMode(c.Trading.Mode),
		OrdersEnabled: c.Trading.OrdersEnabled,
		OverridePath:  c.Trading.OverridePath,
	}
}

func overrideWithEnv(cfg *Config) {
	cfg.Server.Port = getenv("PORT", cfg.Server.Port)
	cfg.Server.JWTSecret = getenv("KLEAR_JWT_SECRET", cfg.Server.JWTSecret)
	cfg.Trading.Mode = strings.ToLower(getenv("KLEAR_TRADING_MODE", cfg.Trading.Mode))
	cfg.Trading.OrdersEnabled = parseBoolEnv("KLEAR_ORDERS_ENABLED", cfg.Trading.OrdersEnabled)
	cfg.Trading.OverridePath = getenv("KLEAR_OVERRIDE_PATH", cfg.Trading.OverridePath)
	cfg.Database.Driver = getenv("KLEAR_DB_DRIVER", cfg.Database.Driver)
	cfg.Database.DSN = getenv("KLEAR_DB_DSN", cfg.Database.DSN)
	cfg.Venue.Driver = getenv("KLEAR_VENUE_DRIVER", cfg.Venue.Driver)
	cfg.Venue.Host = getenv("KLEAR_VENUE_HOST", cfg.Venue.Host)
	cfg.Venue.Port = parseIntEnv("KLEAR_VENUE_PORT", cfg.Venue.Port)
	cfg.Venue.ClientID = parseIntEnv("KLEAR_VENUE_CLIENT_ID", cfg.Venue.ClientID)
	cfg.Profiling.ServerAddress = getenv("KLEAR_PYROSCOPE_ADDR", cfg.Profiling.ServerAddress)
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseBoolEnv(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func parseIntEnv(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
