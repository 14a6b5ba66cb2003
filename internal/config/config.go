// Package config loads process configuration from defaults, environment variables, and an
// optional JSON override file, in that order of increasing precedence.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the fully-resolved runtime configuration for the watch-party server.
type Config struct {
	HTTP      *HTTPConfig      `json:"http"`
	Uploads   *UploadsConfig   `json:"uploads"`
	Admission *AdmissionConfig `json:"admission"`
	Log       *LogConfig       `json:"log"`
	Room      *RoomConfig      `json:"room"`
}

// HTTPConfig controls the listener and CORS origin allow-list.
type HTTPConfig struct {
	Port            int           `json:"port"`
	PublicDir       string        `json:"public_dir"`
	AllowedOrigins  []string      `json:"allowed_origins"`
	Environment     string        `json:"environment"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
}

// UploadsConfig controls where chunked uploads and their checkpoints are stored.
type UploadsConfig struct {
	Dir string `json:"dir"`
}

// AdmissionConfig controls per-IP rate limiting (§4.H). RequestsPerSecond is the request budget
// for the sliding 60s window despite its name, kept for ADMISSION_RPS compatibility; Burst is
// accepted for the same reason but unused, since httprate's sliding-window algorithm has no
// separate burst allowance.
type AdmissionConfig struct {
	RequestsPerSecond int `json:"requests_per_second"`
	Burst             int `json:"burst"`
}

// LogConfig controls the structured logger.
type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// RoomConfig carries room-wide capacity settings. MaxClientsPerRoom is handed to room.Registry,
// which stores it; the enforced member and connection ceilings are the fixed types.MaxClientsPerRoom.
type RoomConfig struct {
	MaxClientsPerRoom int `json:"max_clients_per_room"`
}

// DefaultConfig returns production-ready defaults.
func DefaultConfig() *Config {
	return &Config{
		HTTP: &HTTPConfig{
			Port:            8080,
			PublicDir:       "./public",
			AllowedOrigins:  []string{"*"},
			Environment:     "development",
			ShutdownTimeout: 10 * time.Second,
		},
		Uploads: &UploadsConfig{
			Dir: "./uploads",
		},
		Admission: &AdmissionConfig{
			RequestsPerSecond: 120,
			Burst:             40,
		},
		Log: &LogConfig{
			Level:  "info",
			Format: "json",
		},
		Room: &RoomConfig{
			MaxClientsPerRoom: 10,
		},
	}
}

// Validate rejects configurations that would fail fast at startup anyway, so the server never
// binds a listener or creates an uploads directory on invalid input.
func (c *Config) Validate() error {
	if c.HTTP == nil {
		return fmt.Errorf("http configuration is required")
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http port must be between 1 and 65535, got %d", c.HTTP.Port)
	}
	if c.HTTP.PublicDir == "" {
		return fmt.Errorf("public dir cannot be empty")
	}
	if len(c.HTTP.AllowedOrigins) == 0 {
		return fmt.Errorf("allowed origins list cannot be empty")
	}
	if c.HTTP.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown timeout must be positive")
	}

	if c.Uploads == nil || c.Uploads.Dir == "" {
		return fmt.Errorf("uploads dir cannot be empty")
	}

	if c.Admission == nil {
		return fmt.Errorf("admission configuration is required")
	}
	if c.Admission.RequestsPerSecond <= 0 {
		return fmt.Errorf("admission requests per second must be positive")
	}
	if c.Admission.Burst <= 0 {
		return fmt.Errorf("admission burst must be positive")
	}

	if c.Room == nil || c.Room.MaxClientsPerRoom <= 0 {
		return fmt.Errorf("room max clients per room must be positive")
	}

	if c.Log == nil || c.Log.Level == "" {
		return fmt.Errorf("log level cannot be empty")
	}

	return nil
}

// LoadFromEnv overlays process environment variables onto the defaults.
func LoadFromEnv() *Config {
	cfg := DefaultConfig()

	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.HTTP.Port = p
		}
	}
	if dir := os.Getenv("PUBLIC_DIR"); dir != "" {
		cfg.HTTP.PublicDir = dir
	}
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.HTTP.AllowedOrigins = splitAndTrim(origins)
	}
	if env := os.Getenv("NODE_ENV"); env != "" {
		cfg.HTTP.Environment = env
	}
	if timeout := os.Getenv("SHUTDOWN_TIMEOUT"); timeout != "" {
		if d, err := time.ParseDuration(timeout); err == nil {
			cfg.HTTP.ShutdownTimeout = d
		}
	}

	if dir := os.Getenv("UPLOADS_DIR"); dir != "" {
		cfg.Uploads.Dir = dir
	}

	if rps := os.Getenv("ADMISSION_RPS"); rps != "" {
		if v, err := strconv.Atoi(rps); err == nil {
			cfg.Admission.RequestsPerSecond = v
		}
	}
	if burst := os.Getenv("ADMISSION_BURST"); burst != "" {
		if v, err := strconv.Atoi(burst); err == nil {
			cfg.Admission.Burst = v
		}
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}
	if format := os.Getenv("LOG_FORMAT"); format != "" {
		cfg.Log.Format = format
	}

	if max := os.Getenv("MAX_CLIENTS_PER_ROOM"); max != "" {
		if v, err := strconv.Atoi(max); err == nil {
			cfg.Room.MaxClientsPerRoom = v
		}
	}

	return cfg
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// fileConfig mirrors Config but with string duration fields, for JSON file overrides.
type fileConfig struct {
	HTTP *struct {
		Port            int      `json:"port"`
		PublicDir       string   `json:"public_dir"`
		AllowedOrigins  []string `json:"allowed_origins"`
		Environment     string   `json:"environment"`
		ShutdownTimeout string   `json:"shutdown_timeout"`
	} `json:"http"`
	Uploads *struct {
		Dir string `json:"dir"`
	} `json:"uploads"`
	Admission *struct {
		RequestsPerSecond int `json:"requests_per_second"`
		Burst             int `json:"burst"`
	} `json:"admission"`
	Log *struct {
		Level  string `json:"level"`
		Format string `json:"format"`
	} `json:"log"`
	Room *struct {
		MaxClientsPerRoom int `json:"max_clients_per_room"`
	} `json:"room"`
}

func applyFileOverrides(cfg *Config, fc fileConfig) {
	if fc.HTTP != nil {
		if fc.HTTP.Port != 0 {
			cfg.HTTP.Port = fc.HTTP.Port
		}
		if fc.HTTP.PublicDir != "" {
			cfg.HTTP.PublicDir = fc.HTTP.PublicDir
		}
		if len(fc.HTTP.AllowedOrigins) > 0 {
			cfg.HTTP.AllowedOrigins = fc.HTTP.AllowedOrigins
		}
		if fc.HTTP.Environment != "" {
			cfg.HTTP.Environment = fc.HTTP.Environment
		}
		if fc.HTTP.ShutdownTimeout != "" {
			if d, err := time.ParseDuration(fc.HTTP.ShutdownTimeout); err == nil {
				cfg.HTTP.ShutdownTimeout = d
			}
		}
	}

	if fc.Uploads != nil && fc.Uploads.Dir != "" {
		cfg.Uploads.Dir = fc.Uploads.Dir
	}

	if fc.Admission != nil {
		if fc.Admission.RequestsPerSecond > 0 {
			cfg.Admission.RequestsPerSecond = fc.Admission.RequestsPerSecond
		}
		if fc.Admission.Burst > 0 {
			cfg.Admission.Burst = fc.Admission.Burst
		}
	}

	if fc.Log != nil {
		if fc.Log.Level != "" {
			cfg.Log.Level = fc.Log.Level
		}
		if fc.Log.Format != "" {
			cfg.Log.Format = fc.Log.Format
		}
	}

	if fc.Room != nil && fc.Room.MaxClientsPerRoom > 0 {
		cfg.Room.MaxClientsPerRoom = fc.Room.MaxClientsPerRoom
	}
}

// LoadFromFile parses a JSON override file on top of the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}

	var fc fileConfig
	if err := json.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}

	cfg := DefaultConfig()
	applyFileOverrides(cfg, fc)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}

	return cfg, nil
}

// LoadConfigWithPrecedence layers file overrides env overrides defaults: it starts from
// LoadFromEnv() and then overlays any field the JSON file at path explicitly sets. A missing or
// invalid file is not an error: env and defaults still apply.
func LoadConfigWithPrecedence(path string) *Config {
	cfg := LoadFromEnv()

	if path == "" {
		return cfg
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg
	}

	var fc fileConfig
	if err := json.Unmarshal(data, &fc); err != nil {
		return cfg
	}

	applyFileOverrides(cfg, fc)
	return cfg
}
