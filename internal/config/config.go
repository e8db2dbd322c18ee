// Package config handles configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Settings holds process-level settings shared by the master and worker commands.
type Settings struct {
	ListenAddr         string
	DatabasePath       string // Path to SQLite database file ("" disables history)
	ResultPath         string // JSON result file rewritten after every round
	RoundDelay         time.Duration
	ReportInterval     time.Duration // Worker live progress period
	MasterURL          string        // Worker mode: master websocket endpoint
	CORSAllowedOrigins string        // Comma-separated list of allowed origins, or "*" for all
	LogLevel           string
}

// Defaults
const (
	DefaultListenAddr         = ":3001"
	DefaultDatabasePath       = "./data/dualbench.db"
	DefaultResultPath         = "./data/result.json"
	DefaultRoundDelay         = 5 * time.Second
	DefaultReportInterval     = 500 * time.Millisecond
	DefaultMasterURL          = "ws://localhost:3001/v1/worker"
	DefaultCORSAllowedOrigins = "*"
	DefaultLogLevel           = "info"
)

// DefaultSettings returns the settings used when nothing is configured.
func DefaultSettings() Settings {
	return Settings{
		ListenAddr:         DefaultListenAddr,
		DatabasePath:       DefaultDatabasePath,
		ResultPath:         DefaultResultPath,
		RoundDelay:         DefaultRoundDelay,
		ReportInterval:     DefaultReportInterval,
		MasterURL:          DefaultMasterURL,
		CORSAllowedOrigins: DefaultCORSAllowedOrigins,
		LogLevel:           DefaultLogLevel,
	}
}

// Load reads settings from environment variables on top of the defaults.
// Command-line flags are bound by the caller with these values as their defaults,
// so flags take precedence over the environment.
func Load() (Settings, error) {
	return LoadFrom(os.LookupEnv)
}

// LoadFrom is Load with an injectable environment lookup.
func LoadFrom(lookup func(string) (string, bool)) (Settings, error) {
	s := DefaultSettings()

	if v, ok := lookup("DUALBENCH_LISTEN_ADDR"); ok && v != "" {
		s.ListenAddr = v
	}
	if v, ok := lookup("DUALBENCH_DATABASE_PATH"); ok {
		s.DatabasePath = v
	}
	if v, ok := lookup("DUALBENCH_RESULT_PATH"); ok && v != "" {
		s.ResultPath = v
	}
	if v, ok := lookup("DUALBENCH_MASTER_URL"); ok && v != "" {
		s.MasterURL = v
	}
	if v, ok := lookup("DUALBENCH_CORS_ALLOWED_ORIGINS"); ok && v != "" {
		s.CORSAllowedOrigins = v
	}
	if v, ok := lookup("LOG_LEVEL"); ok && v != "" {
		s.LogLevel = v
	}
	if v, ok := lookup("DUALBENCH_ROUND_DELAY"); ok && v != "" {
		d, err := parseDurationEnv(v)
		if err != nil {
			return s, fmt.Errorf("DUALBENCH_ROUND_DELAY: %w", err)
		}
		s.RoundDelay = d
	}
	if v, ok := lookup("DUALBENCH_REPORT_INTERVAL"); ok && v != "" {
		d, err := parseDurationEnv(v)
		if err != nil {
			return s, fmt.Errorf("DUALBENCH_REPORT_INTERVAL: %w", err)
		}
		s.ReportInterval = d
	}

	return s, nil
}

// Validate validates the settings.
func (s *Settings) Validate() error {
	if s.ListenAddr == "" {
		return fmt.Errorf("listen address is required")
	}
	if s.ResultPath == "" {
		return fmt.Errorf("result path is required")
	}
	if s.RoundDelay < 0 {
		return fmt.Errorf("round delay cannot be negative")
	}
	if s.ReportInterval <= 0 {
		return fmt.Errorf("report interval must be positive")
	}
	if _, err := ParseLevel(s.LogLevel); err != nil {
		return err
	}
	return nil
}

// Level returns the slog level of the configured log level.
func (s *Settings) Level() slog.Level {
	level, _ := ParseLevel(s.LogLevel)
	return level
}

// ParseLevel parses debug, info, warn or error.
func ParseLevel(v string) (slog.Level, error) {
	switch strings.ToLower(v) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", v)
	}
}

// parseDurationEnv accepts a Go duration or a bare number of milliseconds.
func parseDurationEnv(s string) (time.Duration, error) {
	if ms, err := strconv.Atoi(s); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return time.ParseDuration(s)
}
