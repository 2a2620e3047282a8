package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mcdev12/linewatch/internal/line"
)

// Duration parses yaml values like "24h" or "30s"
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the full server configuration, loaded from yaml with
// environment overrides for deployment knobs.
type Config struct {
	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`

	Tracker struct {
		Lines          int      `yaml:"lines"`
		DataDir        string   `yaml:"data_dir"`
		Mode           string   `yaml:"mode"`
		NormalDuration Duration `yaml:"normal_duration"`
		TestDuration   Duration `yaml:"test_duration"`
	} `yaml:"tracker"`

	Presence struct {
		HeartbeatInterval Duration `yaml:"heartbeat_interval"`
		OfflineAfter      Duration `yaml:"offline_after"`
	} `yaml:"presence"`

	Relay struct {
		Enabled bool   `yaml:"enabled"`
		URL     string `yaml:"url"`
	} `yaml:"relay"`

	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`

	Database struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		Database string `yaml:"database"`
		SSLMode  string `yaml:"sslmode"`
	} `yaml:"database"`
}

// Default returns the configuration used when no file or overrides are
// present: 400 lines, a 24h respawn window, and a 5m test window.
func Default() Config {
	var cfg Config
	cfg.Server.Addr = ":8080"
	cfg.Tracker.Lines = 400
	cfg.Tracker.DataDir = "./data"
	cfg.Tracker.Mode = line.ModeNormal
	cfg.Tracker.NormalDuration = Duration(24 * time.Hour)
	cfg.Tracker.TestDuration = Duration(5 * time.Minute)
	cfg.Presence.HeartbeatInterval = Duration(30 * time.Second)
	cfg.Presence.OfflineAfter = Duration(2 * time.Minute)
	cfg.Relay.URL = "nats://localhost:4222"
	cfg.Redis.Addr = "localhost:6379"
	cfg.Database.Host = "localhost"
	cfg.Database.Port = 5432
	cfg.Database.User = "postgres"
	cfg.Database.Password = "postgres"
	cfg.Database.Database = "linewatch"
	cfg.Database.SSLMode = "disable"
	return cfg
}

// Load reads the yaml config at path (missing file is fine, defaults
// apply) and then applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.Server.Addr = getEnv("ADDR", cfg.Server.Addr)
	cfg.Tracker.DataDir = getEnv("DATA_DIR", cfg.Tracker.DataDir)
	cfg.Tracker.Lines = getEnvAsInt("TRACKER_LINES", cfg.Tracker.Lines)
	cfg.Relay.URL = getEnv("NATS_URL", cfg.Relay.URL)
	cfg.Redis.Addr = getEnv("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Database.Host = getEnv("DB_HOST", cfg.Database.Host)
	cfg.Database.Port = getEnvAsInt("DB_PORT", cfg.Database.Port)
	cfg.Database.User = getEnv("DB_USER", cfg.Database.User)
	cfg.Database.Password = getEnv("DB_PASSWORD", cfg.Database.Password)
	cfg.Database.Database = getEnv("DB_NAME", cfg.Database.Database)
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", cfg.Database.SSLMode)

	if cfg.Tracker.Lines < 1 {
		return Config{}, fmt.Errorf("tracker.lines must be positive, got %d", cfg.Tracker.Lines)
	}
	return cfg, nil
}

// DSN returns the Postgres connection URL
func (c Config) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Database.User, c.Database.Password, c.Database.Host,
		c.Database.Port, c.Database.Database, c.Database.SSLMode,
	)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
