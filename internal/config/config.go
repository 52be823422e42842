// Package config loads beansd configuration from JSONC files.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"slices"

	"github.com/tailscale/hujson"
	"go.uber.org/zap/zapcore"

	"github.com/tianyk/beansdb-research/internal/poller"
)

// Error variables for configuration loading.
var (
	ErrConfigFileNotFound = errors.New("config file not found")
	ErrConfigFileRead     = errors.New("cannot read config file")
	ErrConfigInvalid      = errors.New("invalid config")
)

// FileName is the project config file looked up in the working directory.
const FileName = ".beansd.json"

// Config holds all configuration options.
type Config struct {
	Listen        string `json:"listen"`
	Threads       int    `json:"threads"`
	Poller        string `json:"poller"`
	PollTimeoutMS int    `json:"poll_timeout_ms"`
	HintDir       string `json:"hint_dir"`
	Bucket        int    `json:"bucket"`
	MmapCeilingMB int64  `json:"mmap_ceiling_mb"`
	MmapExemptMB  int64  `json:"mmap_exempt_mb"`
	Log           Log    `json:"log"`

	// Resolved paths (computed, not serialized)
	EffectiveCwd string `json:"-"`
	HintDirAbs   string `json:"-"`

	// Sources tracks which config files were loaded (for diagnostics)
	Sources Sources `json:"-"`
}

// Log configures the process logger.
type Log struct {
	Level      string `json:"level"`
	File       string `json:"file"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
	Compress   bool   `json:"compress"`
}

// Sources tracks which config files were loaded.
type Sources struct {
	Global   string // Path to global config if loaded, empty otherwise
	Project  string // Path to project config if loaded, empty otherwise
	Explicit string // Path to --config file if given, empty otherwise
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		Listen:        "0.0.0.0:7900",
		Threads:       16,
		Poller:        poller.Auto,
		PollTimeoutMS: 1000,
		HintDir:       "data",
		Bucket:        0,
		MmapCeilingMB: 4096,
		MmapExemptMB:  100,
		Log: Log{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Overrides are values set on the command line. Zero values (nil for
// Bucket) leave the file configuration alone.
type Overrides struct {
	Listen   string
	Threads  int
	Poller   string
	HintDir  string
	Bucket   *int
	LogLevel string
	LogFile  string
}

// LoadInput holds the inputs for Load.
type LoadInput struct {
	WorkDirOverride string            // -C/--cwd flag value; if empty, os.Getwd() is used
	ConfigPath      string            // -c/--config flag value
	Overrides       Overrides         // CLI overrides
	Env             map[string]string // environment variables
}

// globalPath returns the path to the global config file.
// Uses $XDG_CONFIG_HOME/beansd/config.json if set, otherwise
// ~/.config/beansd/config.json. Returns "" if neither is known.
func globalPath(env map[string]string) string {
	if xdg := env["XDG_CONFIG_HOME"]; xdg != "" {
		return filepath.Join(xdg, "beansd", "config.json")
	}

	if home := env["HOME"]; home != "" {
		return filepath.Join(home, ".config", "beansd", "config.json")
	}

	return ""
}

// Load loads configuration with the following precedence (highest wins):
// 1. Defaults
// 2. Global user config (~/.config/beansd/config.json or $XDG_CONFIG_HOME/beansd/config.json)
// 3. Project config file (.beansd.json in the working directory, if it exists)
// 4. Explicit config file via ConfigPath (if non-empty)
// 5. CLI overrides.
//
// A file only changes the keys it mentions. Unknown keys are an error.
func Load(input LoadInput) (Config, error) {
	workDir := input.WorkDirOverride
	if workDir == "" {
		var err error

		workDir, err = os.Getwd()
		if err != nil {
			return Config{}, fmt.Errorf("cannot get working directory: %w", err)
		}
	}

	cfg := Default()

	if path := globalPath(input.Env); path != "" {
		loaded, err := applyFile(&cfg, path, false)
		if err != nil {
			return Config{}, err
		}

		if loaded {
			cfg.Sources.Global = path
		}
	}

	project := filepath.Join(workDir, FileName)

	loaded, err := applyFile(&cfg, project, false)
	if err != nil {
		return Config{}, err
	}

	if loaded {
		cfg.Sources.Project = project
	}

	if input.ConfigPath != "" {
		explicit := input.ConfigPath
		if !filepath.IsAbs(explicit) {
			explicit = filepath.Join(workDir, explicit)
		}

		if _, statErr := os.Stat(explicit); statErr != nil {
			return Config{}, fmt.Errorf("%w: %s", ErrConfigFileNotFound, input.ConfigPath)
		}

		if _, err := applyFile(&cfg, explicit, true); err != nil {
			return Config{}, err
		}

		cfg.Sources.Explicit = explicit
	}

	cfg.EffectiveCwd = workDir

	if err := cfg.Apply(input.Overrides); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Apply sets the non-zero overrides on c, validates the result and
// resolves paths against EffectiveCwd.
func (c *Config) Apply(o Overrides) error {
	applyOverrides(c, o)

	if err := Validate(*c); err != nil {
		return err
	}

	if filepath.IsAbs(c.HintDir) {
		c.HintDirAbs = c.HintDir
	} else {
		c.HintDirAbs = filepath.Join(c.EffectiveCwd, c.HintDir)
	}

	if c.Log.File != "" && !filepath.IsAbs(c.Log.File) {
		c.Log.File = filepath.Join(c.EffectiveCwd, c.Log.File)
	}

	return nil
}

// applyFile decodes path on top of cfg. If mustExist is false, a missing
// file is skipped and reported as not loaded.
func applyFile(cfg *Config, path string, mustExist bool) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !mustExist {
			return false, nil
		}

		return false, fmt.Errorf("%w: %s: %w", ErrConfigFileRead, path, err)
	}

	if err := Parse(data, cfg); err != nil {
		return false, fmt.Errorf("%w %s: %w", ErrConfigInvalid, path, err)
	}

	return true, nil
}

// Parse decodes JSONC data on top of cfg.
func Parse(data []byte, cfg *Config) error {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return fmt.Errorf("invalid JSONC: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(standardized))
	dec.DisallowUnknownFields()

	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}

	return nil
}

func applyOverrides(cfg *Config, o Overrides) {
	if o.Listen != "" {
		cfg.Listen = o.Listen
	}

	if o.Threads != 0 {
		cfg.Threads = o.Threads
	}

	if o.Poller != "" {
		cfg.Poller = o.Poller
	}

	if o.HintDir != "" {
		cfg.HintDir = o.HintDir
	}

	if o.Bucket != nil {
		cfg.Bucket = *o.Bucket
	}

	if o.LogLevel != "" {
		cfg.Log.Level = o.LogLevel
	}

	if o.LogFile != "" {
		cfg.Log.File = o.LogFile
	}
}

// Validate checks cfg for values the server cannot run with.
func Validate(cfg Config) error {
	var errs []error

	if _, _, err := net.SplitHostPort(cfg.Listen); err != nil {
		errs = append(errs, fmt.Errorf("listen %q: %w", cfg.Listen, err))
	}

	if cfg.Threads < 1 {
		errs = append(errs, fmt.Errorf("threads must be at least 1, got %d", cfg.Threads))
	}

	if cfg.Poller != poller.Auto && !slices.Contains(poller.Backends(), cfg.Poller) {
		errs = append(errs, fmt.Errorf("poller %q not available (have %v)", cfg.Poller, poller.Backends()))
	}

	if cfg.PollTimeoutMS < 1 {
		errs = append(errs, fmt.Errorf("poll_timeout_ms must be positive, got %d", cfg.PollTimeoutMS))
	}

	if cfg.HintDir == "" {
		errs = append(errs, errors.New("hint_dir cannot be empty"))
	}

	if cfg.Bucket < 0 || cfg.Bucket > 0xff {
		errs = append(errs, fmt.Errorf("bucket must be in [0, 255], got %d", cfg.Bucket))
	}

	if cfg.MmapCeilingMB < 1 {
		errs = append(errs, fmt.Errorf("mmap_ceiling_mb must be positive, got %d", cfg.MmapCeilingMB))
	}

	if _, err := zapcore.ParseLevel(cfg.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrConfigInvalid, errors.Join(errs...))
	}

	return nil
}
