// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"visaworker/src/logging"
)

type Config struct {
	DBUser     string
	DBPassword string
	DBName     string
	DBHost     string
	DBPort     string
	DBSSLMode  string

	RedisURL string
	NATSURL  string
	APIPort  string

	PollingInterval   time.Duration
	InputPollInterval time.Duration
	InputPollAttempts int
	Concurrency       int
	RegisterSoftLimit time.Duration
	BookSoftLimit     time.Duration
	StaleTaskTimeout  time.Duration
	NoSlotRetryAfter  time.Duration
	RetrySchedule     string

	Headless             bool
	BrowserMode          string
	BrowserImage         string
	ContainerIdleTimeout time.Duration
	PortalProfile        string
	DebugDir             string
}

const (
	BrowserModeLocal  = "local"
	BrowserModeDocker = "docker"
)

// Load reads the .env file when present and then the process environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logging.Log(fmt.Sprintf("Could not load .env file: %v", err), slog.LevelWarn)
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds a config from a lookup function, applying defaults.
func FromEnv(getenv func(string) string) (Config, error) {
	var errs []error
	duration := func(key string, def time.Duration) time.Duration {
		raw := getenv(key)
		if raw == "" {
			return def
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid %s %q: %w", key, raw, err))
			return def
		}
		return d
	}
	integer := func(key string, def int) int {
		raw := getenv(key)
		if raw == "" {
			return def
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid %s %q: %w", key, raw, err))
			return def
		}
		return n
	}
	boolean := func(key string, def bool) bool {
		raw := getenv(key)
		if raw == "" {
			return def
		}
		b, err := strconv.ParseBool(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid %s %q: %w", key, raw, err))
			return def
		}
		return b
	}

	cfg := Config{
		DBUser:     getenv("DB_USER"),
		DBPassword: getenv("DB_PASSWORD"),
		DBName:     getenv("DB_NAME"),
		DBHost:     getenv("DB_HOST"),
		DBPort:     getenv("DB_PORT"),
		DBSSLMode:  getenv("DB_SSLMODE"),

		RedisURL: getenv("REDIS_URL"),
		NATSURL:  getenv("NATS_URL"),
		APIPort:  getenv("API_PORT"),

		PollingInterval:   duration("POLLING_INTERVAL", 5*time.Second),
		InputPollInterval: duration("INPUT_POLL_INTERVAL", 10*time.Second),
		InputPollAttempts: integer("INPUT_POLL_ATTEMPTS", 30),
		Concurrency:       integer("WORKER_CONCURRENCY", 2),
		RegisterSoftLimit: duration("REGISTER_SOFT_LIMIT", 900*time.Second),
		BookSoftLimit:     duration("BOOK_SOFT_LIMIT", 300*time.Second),
		StaleTaskTimeout:  duration("STALE_TASK_TIMEOUT", time.Hour),
		NoSlotRetryAfter:  duration("NO_SLOT_RETRY_AFTER", 30*time.Minute),
		RetrySchedule:     getenv("RETRY_SCHEDULE"),

		Headless:             boolean("HEADLESS", true),
		BrowserMode:          getenv("BROWSER_MODE"),
		BrowserImage:         getenv("BROWSER_IMAGE"),
		ContainerIdleTimeout: duration("CONTAINER_IDLE_TIMEOUT", 20*time.Minute),
		PortalProfile:        getenv("PORTAL_PROFILE"),
		DebugDir:             getenv("DEBUG_DIR"),
	}
	if len(errs) > 0 {
		return Config{}, errors.Join(errs...)
	}

	if err := cfg.defaults(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) defaults() error {
	if c.DBHost == "" {
		c.DBHost = "localhost"
	}
	if c.DBPort == "" {
		c.DBPort = "5432"
	}
	if c.DBSSLMode == "" {
		c.DBSSLMode = "require"
	}
	if c.RedisURL == "" {
		c.RedisURL = "redis://localhost:6379/0"
	}
	if c.APIPort == "" {
		c.APIPort = "8080"
	}
	if c.RetrySchedule == "" {
		c.RetrySchedule = "@every 1m"
	}
	if c.BrowserMode == "" {
		c.BrowserMode = BrowserModeLocal
	}
	if c.BrowserImage == "" {
		c.BrowserImage = "mcr.microsoft.com/playwright:v1.52.0-noble"
	}

	if c.BrowserMode != BrowserModeLocal && c.BrowserMode != BrowserModeDocker {
		return fmt.Errorf("BROWSER_MODE must be %q or %q, got %q", BrowserModeLocal, BrowserModeDocker, c.BrowserMode)
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be at least 1")
	}
	if c.InputPollAttempts < 1 {
		return fmt.Errorf("INPUT_POLL_ATTEMPTS must be at least 1")
	}
	if c.InputPollInterval <= 0 {
		return fmt.Errorf("INPUT_POLL_INTERVAL must be positive")
	}
	return nil
}

// DSN is the lib/pq connection string.
func (c Config) DSN() string {
	return fmt.Sprintf("user=%s password=%s dbname=%s host=%s port=%s sslmode=%s",
		c.DBUser, c.DBPassword, c.DBName, c.DBHost, c.DBPort, c.DBSSLMode)
}
