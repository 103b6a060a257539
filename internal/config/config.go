// Package config loads the YAML configuration of seriesctl and its workers.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/cyp0633/libseries/recurrence"
	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

var validate = validator.New()

// StorageConfig selects and tunes the store.
type StorageConfig struct {
	// Driver is "badger" or "memory".
	Driver string `yaml:"driver" validate:"oneof=badger memory"`
	// Path is the Badger directory. Required for the badger driver unless
	// InMemory is set.
	Path       string `yaml:"path"`
	InMemory   bool   `yaml:"in_memory"`
	SyncWrites bool   `yaml:"sync_writes"`
	// GCDiscardRatio is passed to Badger's value log GC.
	GCDiscardRatio float64 `yaml:"gc_discard_ratio" validate:"gt=0,lt=1"`
}

// EngineConfig tunes rule expansion.
type EngineConfig struct {
	// Preset is one of default, high_performance, low_memory, disabled.
	Preset string `yaml:"preset" validate:"oneof=default high_performance low_memory disabled"`
	// CacheTTL and MaxOccurrences override the preset when non-zero.
	CacheTTL       time.Duration `yaml:"cache_ttl" validate:"gte=0"`
	MaxOccurrences int           `yaml:"max_occurrences" validate:"gte=0"`
}

// WorkerConfig schedules the background jobs. Schedules use cron syntax,
// including descriptors such as "@every 1h".
type WorkerConfig struct {
	ExtendSchedule  string `yaml:"extend_schedule" validate:"required"`
	CleanupSchedule string `yaml:"cleanup_schedule" validate:"required"`
	GCSchedule      string `yaml:"gc_schedule"`
	// HorizonDays is how far ahead of now every series is kept materialized.
	HorizonDays int `yaml:"horizon_days" validate:"gte=1,lte=3650"`
	// RetentionDays is how long ended instances are kept. 0 keeps them forever.
	RetentionDays int `yaml:"retention_days" validate:"gte=0"`
}

// LogConfig configures the slog handler.
type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

// Config is the top-level configuration.
type Config struct {
	// Timezone is the IANA zone new series default to.
	Timezone string        `yaml:"timezone" validate:"required,timezone"`
	Storage  StorageConfig `yaml:"storage"`
	Engine   EngineConfig  `yaml:"engine"`
	Worker   WorkerConfig  `yaml:"worker"`
	Log      LogConfig     `yaml:"log"`
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() *Config {
	return &Config{
		Timezone: "UTC",
		Storage: StorageConfig{
			Driver:         "badger",
			Path:           "data/series",
			GCDiscardRatio: 0.5,
		},
		Engine: EngineConfig{
			Preset: "default",
		},
		Worker: WorkerConfig{
			ExtendSchedule:  "@every 1h",
			CleanupSchedule: "@daily",
			GCSchedule:      "@every 6h",
			HorizonDays:     90,
			RetentionDays:   365,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Normalize fills in zero values so that partially-filled files still behave
func (c *Config) Normalize() {
	def := DefaultConfig()
	if c.Timezone == "" {
		c.Timezone = def.Timezone
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = def.Storage.Driver
	}
	if c.Storage.GCDiscardRatio == 0 {
		c.Storage.GCDiscardRatio = def.Storage.GCDiscardRatio
	}
	if c.Engine.Preset == "" {
		c.Engine.Preset = def.Engine.Preset
	}
	if c.Worker.ExtendSchedule == "" {
		c.Worker.ExtendSchedule = def.Worker.ExtendSchedule
	}
	if c.Worker.CleanupSchedule == "" {
		c.Worker.CleanupSchedule = def.Worker.CleanupSchedule
	}
	if c.Worker.HorizonDays <= 0 {
		c.Worker.HorizonDays = def.Worker.HorizonDays
	}
	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = def.Log.Format
	}
}

// Validate checks field constraints and that every schedule parses
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Storage.Driver == "badger" && c.Storage.Path == "" && !c.Storage.InMemory {
		return errors.New("invalid config: storage.path is required for the badger driver")
	}
	for name, spec := range map[string]string{
		"worker.extend_schedule":  c.Worker.ExtendSchedule,
		"worker.cleanup_schedule": c.Worker.CleanupSchedule,
		"worker.gc_schedule":      c.Worker.GCSchedule,
	} {
		if spec == "" {
			continue
		}
		if _, err := cron.ParseStandard(spec); err != nil {
			return fmt.Errorf("invalid config: %s: %w", name, err)
		}
	}
	return nil
}

// Load reads the YAML file at path, normalizes and validates it. A missing
// file yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg := DefaultConfig()
		return cfg, cfg.Validate()
	}
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes cfg to path atomically via a temp file and rename
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}
	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".seriesctl-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// Recurrence returns the engine settings for the configured preset and
// overrides
func (e EngineConfig) Recurrence() recurrence.EngineConfig {
	var out recurrence.EngineConfig
	switch e.Preset {
	case "high_performance":
		out = recurrence.HighPerformanceConfig
	case "low_memory":
		out = recurrence.LowMemoryConfig
	case "disabled":
		out = recurrence.DisabledCacheConfig
	default:
		out = recurrence.DefaultEngineConfig
	}
	if e.CacheTTL > 0 {
		out.CacheConfig.TTL = e.CacheTTL
	}
	if e.MaxOccurrences > 0 {
		out.MaxOccurrences = e.MaxOccurrences
	}
	return out
}

// Logger builds a slog logger writing to w
func (l LogConfig) Logger(w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Horizon is the materialization window end relative to now
func (w WorkerConfig) Horizon(now time.Time) time.Time {
	return now.AddDate(0, 0, w.HorizonDays)
}

// Cutoff is the retention cutoff relative to now. ok is false when instances
// are kept forever.
func (w WorkerConfig) Cutoff(now time.Time) (cutoff time.Time, ok bool) {
	if w.RetentionDays == 0 {
		return time.Time{}, false
	}
	return now.AddDate(0, 0, -w.RetentionDays), true
}
