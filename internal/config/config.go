// Package config provides application configuration management with support for environment variables, command-line flags, and .env files.
package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	domainerrors "github.com/listenupapp/fsjournal/internal/errors"
	"github.com/listenupapp/fsjournal/internal/normalize"
	"github.com/listenupapp/fsjournal/internal/validation"
)

// Engine and backend names.
const (
	EngineSQLite = "sqlite"
	EngineBadger = "badger"

	BackendAuto     = "auto"
	BackendInotify  = "inotify"
	BackendFsnotify = "fsnotify"
)

// DefaultIgnorePatterns skip editor swap files and OS metadata.
const DefaultIgnorePatterns = ".DS_Store,*.tmp,*.temp,*.swp,*~,Thumbs.db"

// Config holds the application configuration.
type Config struct {
	App     AppConfig
	Logger  LoggerConfig
	Watch   WatchConfig
	Store   StoreConfig
	Persist PersistConfig
}

// AppConfig holds application-level configuration.
type AppConfig struct {
	Environment string `flag:"env" validate:"oneof=development staging production"`
}

// LoggerConfig holds logging configuration.
type LoggerConfig struct {
	Level string `flag:"log-level" validate:"oneof=debug info warn error"`
	File  string `flag:"log-file"`
}

// WatchConfig holds watcher and coalescing configuration.
type WatchConfig struct {
	Root           string        `flag:"watch-dir" validate:"required"`
	Backend        string        `flag:"backend" validate:"oneof=auto inotify fsnotify"`
	Debounce       time.Duration `flag:"debounce" validate:"gt=0"`
	RenameWindow   time.Duration `flag:"rename-window" validate:"gt=0"`
	IgnorePatterns []string      `flag:"ignore"`
	IgnoreHidden   bool          `flag:"ignore-hidden"`
	MaxRestarts    int           `flag:"max-restarts" validate:"gte=0"`
}

// StoreConfig holds storage configuration.
type StoreConfig struct {
	Path   string `flag:"db-path" validate:"required"`
	Engine string `flag:"engine" validate:"oneof=sqlite badger"`
}

// PersistConfig holds batching and retry configuration.
type PersistConfig struct {
	BatchSize     int           `flag:"batch-size" validate:"gte=1"`
	FlushInterval time.Duration `flag:"flush-interval" validate:"gt=0"`
	QueueSize     int           `flag:"queue-size" validate:"gte=1"`
	RetryBudget   int           `flag:"retry-budget" validate:"gte=0"`
}

// Flags carries raw command-line flag values. An empty value means the flag
// was not given, so the environment or default applies.
type Flags struct {
	Env           string
	LogLevel      string
	LogFile       string
	Engine        string
	Backend       string
	Debounce      string
	RenameWindow  string
	BatchSize     string
	FlushInterval string
	QueueSize     string
	RetryBudget   string
	MaxRestarts   string
	Ignore        string
	IgnoreHidden  string
	EnvFile       string
}

// Load builds the configuration for the run command. Sources, in order of
// precedence:
// 1. Command-line flags (highest priority).
// 2. Environment variables.
// 3. .env file.
// 4. Default values (lowest priority).
func Load(root, dbPath string, f Flags) (*Config, error) {
	cfg, err := load(dbPath, f)
	if err != nil {
		return nil, err
	}

	cfg.Watch.Root, err = expandPath(root)
	if err != nil {
		return nil, domainerrors.Validationf("invalid watch directory %q", root).WithCause(err)
	}
	if cfg.Watch.Root != "" && cfg.Watch.Root == cfg.Store.Path {
		return nil, domainerrors.Validation("database path must not be the watch directory")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadForQuery builds the configuration for read-only commands, which only
// need the store and logger settings.
func LoadForQuery(dbPath string, f Flags) (*Config, error) {
	cfg, err := load(dbPath, f)
	if err != nil {
		return nil, err
	}
	// Satisfy validation for the sections a query never uses.
	cfg.Watch.Root = cfg.Store.Path
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func load(dbPath string, f Flags) (*Config, error) {
	envFile := f.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	// Load .env file if it exists (silently ignore if not found).
	_ = loadEnvFile(envFile)

	cfg := &Config{
		App: AppConfig{
			Environment: getConfigValue(f.Env, "ENV", "development"),
		},
		Logger: LoggerConfig{
			Level: strings.ToLower(getConfigValue(f.LogLevel, "LOG_LEVEL", "info")),
			File:  getConfigValue(f.LogFile, "LOG_FILE", ""),
		},
		Watch: WatchConfig{
			Backend:        strings.ToLower(getConfigValue(f.Backend, "FSJOURNAL_BACKEND", BackendAuto)),
			IgnorePatterns: splitList(getConfigValue(f.Ignore, "FSJOURNAL_IGNORE", DefaultIgnorePatterns)),
			IgnoreHidden:   getBoolConfigValue(f.IgnoreHidden, "FSJOURNAL_IGNORE_HIDDEN", false),
		},
		Store: StoreConfig{
			Engine: strings.ToLower(getConfigValue(f.Engine, "FSJOURNAL_ENGINE", EngineSQLite)),
		},
	}

	var err error
	if cfg.Logger.File, err = expandPath(cfg.Logger.File); err != nil {
		return nil, domainerrors.Validationf("invalid log file %q", cfg.Logger.File).WithCause(err)
	}
	if cfg.Store.Path, err = expandPath(dbPath); err != nil {
		return nil, domainerrors.Validationf("invalid database path %q", dbPath).WithCause(err)
	}

	durations := []struct {
		flag, env, def string
		dst            *time.Duration
	}{
		{f.Debounce, "FSJOURNAL_DEBOUNCE", "50ms", &cfg.Watch.Debounce},
		{f.RenameWindow, "FSJOURNAL_RENAME_WINDOW", "50ms", &cfg.Watch.RenameWindow},
		{f.FlushInterval, "FSJOURNAL_FLUSH_INTERVAL", "250ms", &cfg.Persist.FlushInterval},
	}
	for _, d := range durations {
		if *d.dst, err = getDurationConfigValue(d.flag, d.env, d.def); err != nil {
			return nil, err
		}
	}

	ints := []struct {
		flag, env string
		def       int
		dst       *int
	}{
		{f.BatchSize, "FSJOURNAL_BATCH_SIZE", 100, &cfg.Persist.BatchSize},
		{f.QueueSize, "FSJOURNAL_QUEUE_SIZE", 1024, &cfg.Persist.QueueSize},
		{f.RetryBudget, "FSJOURNAL_RETRY_BUDGET", 5, &cfg.Persist.RetryBudget},
		{f.MaxRestarts, "FSJOURNAL_MAX_RESTARTS", 3, &cfg.Watch.MaxRestarts},
	}
	for _, i := range ints {
		if *i.dst, err = getIntConfigValue(i.flag, i.env, i.def); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// Validate checks that all config values are present and within range.
func (c *Config) Validate() error {
	return validation.New().Validate(c)
}

// expandPath expands ~, makes the path absolute and normalizes it.
func expandPath(path string) (string, error) {
	if path == "" {
		return "", nil
	}

	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(homeDir, path[2:])
	}

	return normalize.Abs(path)
}

// getConfigValue returns the first non-empty value from flag, env var, or default.
func getConfigValue(flagValue, envKey, defaultValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if envValue := os.Getenv(envKey); envValue != "" {
		return envValue
	}
	return defaultValue
}

// getBoolConfigValue returns a bool from flag, env var, or default.
// Accepts: "true", "1", "yes" (case-insensitive) as true; anything else is false.
func getBoolConfigValue(flagValue, envKey string, defaultValue bool) bool {
	strValue := getConfigValue(flagValue, envKey, "")
	if strValue == "" {
		return defaultValue
	}
	strValue = strings.ToLower(strValue)
	return strValue == "true" || strValue == "1" || strValue == "yes"
}

// getIntConfigValue returns an int from flag, env var, or default.
func getIntConfigValue(flagValue, envKey string, defaultValue int) (int, error) {
	strValue := getConfigValue(flagValue, envKey, "")
	if strValue == "" {
		return defaultValue, nil
	}
	result, err := strconv.Atoi(strings.TrimSpace(strValue))
	if err != nil {
		return 0, domainerrors.Validationf("invalid integer %q for %s", strValue, envKey)
	}
	return result, nil
}

// getDurationConfigValue returns a duration from flag, env var, or default.
func getDurationConfigValue(flagValue, envKey, defaultValue string) (time.Duration, error) {
	strValue := getConfigValue(flagValue, envKey, defaultValue)
	d, err := time.ParseDuration(strValue)
	if err != nil {
		return 0, domainerrors.Validationf("invalid duration %q for %s", strValue, envKey)
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// loadEnvFile loads environment variables from a .env file.
// Format: KEY=value (one per line, # for comments).
func loadEnvFile(path string) error {
	file, err := os.Open(path) //#nosec G304 -- Config file path from user input is expected
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return fmt.Errorf("invalid format at line %d: %s", lineNum, line)
		}
		key = strings.TrimPrefix(strings.TrimSpace(key), "export ")
		value = strings.Trim(strings.TrimSpace(value), `"'`)

		// Only set if not already set (env vars take precedence over .env file).
		if os.Getenv(key) == "" {
			if err := os.Setenv(key, value); err != nil {
				return fmt.Errorf("failed to set env var %s: %w", key, err)
			}
		}
	}

	return scanner.Err()
}
