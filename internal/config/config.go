// Package config loads paktool configuration from layered JSONC files.
package config

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tailscale/hujson"
	"go.uber.org/zap/zapcore"

	"github.com/calvinalkan/pakcache/pkg/fs"
	"github.com/calvinalkan/pakcache/pkg/pak"
	"github.com/calvinalkan/pakcache/pkg/pakcache"
)

// Errors returned while loading configuration.
var (
	ErrConfigFileNotFound = errors.New("config file not found")
	ErrConfigFileRead     = errors.New("cannot read config file")
	ErrConfigInvalid      = errors.New("invalid config file")
	ErrInvalidValue       = errors.New("invalid config value")
)

// FileName is the project config file looked up in the working directory.
const FileName = ".paktool.json"

// Device names accepted by the "device" key.
const (
	DeviceFile = "file"
	DeviceMmap = "mmap"
)

// Config holds all configuration options.
type Config struct {
	// Cache tuning, see pakcache.Options.
	Granularity         int64 `json:"granularity"`
	MaxBlockSize        int64 `json:"max_block_size"`
	MaxOutstandingReads int   `json:"max_outstanding_reads"`
	MemoryBudget        int64 `json:"memory_budget"`
	MaxReadAttempts     int   `json:"max_read_attempts"`

	// Device is "file" or "mmap".
	Device string `json:"device"`

	// Archive writing.
	Compression string `json:"compression"`
	BlockSize   int    `json:"block_size"`
	MountPoint  string `json:"mount_point"`

	// KeyFile holds a hex encoded encryption key.
	KeyFile string `json:"key_file,omitempty"`

	// Verify loads .sig sidecars and checks every block read.
	Verify bool `json:"verify"`

	Parallel int    `json:"parallel"`
	LogLevel string `json:"log_level"`

	// Resolved (not serialized)
	EffectiveCwd string  `json:"-"`
	KeyFileAbs   string  `json:"-"`
	Sources      Sources `json:"-"`
}

// Sources tracks which config files were loaded.
type Sources struct {
	Global  string // Path to global config if loaded, empty otherwise
	Project string // Path to project or explicit config if loaded, empty otherwise
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		Granularity:         pakcache.DefaultGranularity,
		MaxBlockSize:        pakcache.DefaultMaxBlockSize,
		MaxOutstandingReads: pakcache.DefaultMaxOutstandingReads,
		MemoryBudget:        pakcache.DefaultMemoryBudget,
		MaxReadAttempts:     pakcache.DefaultMaxReadAttempts,
		Device:              DeviceFile,
		Compression:         pak.CompressionZstd.String(),
		BlockSize:           pak.DefaultBlockSize,
		MountPoint:          pak.DefaultMountPoint,
		Verify:              true,
		Parallel:            4,
		LogLevel:            "warn",
	}
}

// LoadInput holds the inputs for Load.
type LoadInput struct {
	WorkDirOverride string            // -C/--cwd flag value; if empty, os.Getwd() is used
	ConfigPath      string            // -c/--config flag value
	Env             map[string]string // environment variables

	// Overrides are applied last, keyed like the JSON config.
	Overrides map[string]any
}

// globalPath returns $XDG_CONFIG_HOME/paktool/config.json, falling back to
// ~/.config. Empty when neither is known.
func globalPath(env map[string]string) string {
	if xdg := env["XDG_CONFIG_HOME"]; xdg != "" {
		return filepath.Join(xdg, "paktool", "config.json")
	}

	if home := env["HOME"]; home != "" {
		return filepath.Join(home, ".config", "paktool", "config.json")
	}

	return ""
}

// Load loads configuration with the following precedence (highest wins):
// 1. Defaults
// 2. Global user config ($XDG_CONFIG_HOME/paktool/config.json)
// 3. Project config file (.paktool.json, if exists) or the explicit -c file
// 4. CLI overrides.
//
// Each layer only replaces the keys it sets.
func Load(in LoadInput) (Config, error) {
	workDir := in.WorkDirOverride
	if workDir == "" {
		var err error

		workDir, err = os.Getwd()
		if err != nil {
			return Config{}, fmt.Errorf("cannot get working directory: %w", err)
		}
	}

	cfg := Default()

	if p := globalPath(in.Env); p != "" {
		loaded, err := loadFile(&cfg, p, false)
		if err != nil {
			return Config{}, err
		}

		if loaded {
			cfg.Sources.Global = p
		}
	}

	projectPath, mustExist := filepath.Join(workDir, FileName), false

	if in.ConfigPath != "" {
		projectPath, mustExist = in.ConfigPath, true
		if !filepath.IsAbs(projectPath) {
			projectPath = filepath.Join(workDir, projectPath)
		}
	}

	loaded, err := loadFile(&cfg, projectPath, mustExist)
	if err != nil {
		return Config{}, err
	}

	if loaded {
		cfg.Sources.Project = projectPath
	}

	if len(in.Overrides) > 0 {
		data, err := json.Marshal(in.Overrides)
		if err != nil {
			return Config{}, fmt.Errorf("%w: %w", ErrInvalidValue, err)
		}

		if err := json.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("%w: %w", ErrInvalidValue, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	cfg.EffectiveCwd = workDir

	if cfg.KeyFile != "" {
		cfg.KeyFileAbs = cfg.KeyFile
		if !filepath.IsAbs(cfg.KeyFileAbs) {
			cfg.KeyFileAbs = filepath.Join(workDir, cfg.KeyFileAbs)
		}
	}

	return cfg, nil
}

// loadFile overlays the JSONC file at path onto cfg. A missing file is
// skipped unless mustExist.
func loadFile(cfg *Config, path string, mustExist bool) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		switch {
		case os.IsNotExist(err) && mustExist:
			return false, fmt.Errorf("%w: %s", ErrConfigFileNotFound, path)
		case os.IsNotExist(err):
			return false, nil
		default:
			return false, fmt.Errorf("%w: %s: %w", ErrConfigFileRead, path, err)
		}
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return false, fmt.Errorf("%w %s: invalid JSONC: %w", ErrConfigInvalid, path, err)
	}

	if err := json.Unmarshal(standardized, cfg); err != nil {
		return false, fmt.Errorf("%w %s: invalid JSON: %w", ErrConfigInvalid, path, err)
	}

	return true, nil
}

// Validate checks values that Options constructors would reject or that
// have no sensible fallback.
func (c *Config) Validate() error {
	bad := func(key string, v any) error {
		return fmt.Errorf("%w: %s=%v", ErrInvalidValue, key, v)
	}

	switch {
	case c.Granularity < 4<<10 || c.Granularity&(c.Granularity-1) != 0:
		return bad("granularity", c.Granularity)
	case c.MaxBlockSize < c.Granularity:
		return bad("max_block_size", c.MaxBlockSize)
	case c.MaxOutstandingReads < 1:
		return bad("max_outstanding_reads", c.MaxOutstandingReads)
	case c.MemoryBudget < 1:
		return bad("memory_budget", c.MemoryBudget)
	case c.MaxReadAttempts < 1:
		return bad("max_read_attempts", c.MaxReadAttempts)
	case c.Device != DeviceFile && c.Device != DeviceMmap:
		return bad("device", c.Device)
	case c.BlockSize < 1:
		return bad("block_size", c.BlockSize)
	case c.Parallel < 1:
		return bad("parallel", c.Parallel)
	}

	if _, err := pak.ParseCompression(c.Compression); err != nil {
		return bad("compression", c.Compression)
	}

	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return bad("log_level", c.LogLevel)
	}

	return nil
}

// Level returns the parsed log level.
func (c *Config) Level() zapcore.Level {
	l, _ := zapcore.ParseLevel(c.LogLevel)

	return l
}

// CompressionMethod returns the parsed compression.
func (c *Config) CompressionMethod() pak.Compression {
	m, _ := pak.ParseCompression(c.Compression)

	return m
}

// Key reads the encryption key from KeyFileAbs. It returns nil without a
// key file.
func (c *Config) Key(fsys fs.FS) ([]byte, error) {
	if c.KeyFileAbs == "" {
		return nil, nil
	}

	data, err := fsys.ReadFile(c.KeyFileAbs)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	key, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("key file %s: %w", c.KeyFileAbs, err)
	}

	if len(key) != pak.KeySize {
		return nil, fmt.Errorf("key file %s: %d bytes, want %d", c.KeyFileAbs, len(key), pak.KeySize)
	}

	return key, nil
}

// Format returns the configuration as key=value lines.
func (c *Config) Format() string {
	var b strings.Builder

	line := func(k string, v any) { fmt.Fprintf(&b, "%s=%v\n", k, v) }

	line("effective_cwd", c.EffectiveCwd)
	line("granularity", c.Granularity)
	line("max_block_size", c.MaxBlockSize)
	line("max_outstanding_reads", c.MaxOutstandingReads)
	line("memory_budget", c.MemoryBudget)
	line("max_read_attempts", c.MaxReadAttempts)
	line("device", c.Device)
	line("compression", c.Compression)
	line("block_size", c.BlockSize)
	line("mount_point", c.MountPoint)

	if c.KeyFileAbs != "" {
		line("key_file", c.KeyFileAbs)
	}

	line("verify", c.Verify)
	line("parallel", c.Parallel)
	line("log_level", c.LogLevel)

	return b.String()
}
