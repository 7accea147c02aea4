// Package config loads migrd's configuration, layered defaults -> global
// file -> project file (or, when given, the explicit file in its place) ->
// CLI overrides, the same JSONC scheme as the teacher's
// internal/ticket.LoadConfig.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tailscale/hujson"
)

var (
	errConfigFileNotFound = errors.New("config file not found")
	errConfigFileRead     = errors.New("cannot read config file")
	errConfigInvalid      = errors.New("invalid config file")
	errListenAddrEmpty    = errors.New("listen_addr cannot be empty")
	errSlotMaskInvalid    = errors.New("slot_mask must be a power of two minus one")
)

// Config holds every tunable the engine exposes, spanning the wire
// listener, the per-destination migration defaults, and the ambient
// logging/metrics surface.
type Config struct {
	ListenAddr    string `json:"listen_addr"`
	MetricsAddr   string `json:"metrics_addr,omitempty"`
	DBCount       int    `json:"db_count"`
	SlotMask      uint16 `json:"slot_mask"`
	Password      string `json:"password,omitempty"`
	TimeoutMs     int64  `json:"timeout_ms"`
	MaxBulks      int    `json:"max_bulks"`
	MaxBytes      int    `json:"max_bytes"`
	IdleReapMs    int64  `json:"idle_reap_ms"`
	DialRetries   int    `json:"dial_retries"`
	DialBackoffMs int64  `json:"dial_backoff_ms"` //nolint:tagliatelle // matches slots_async.c naming
	LogLevel      string `json:"log_level,omitempty"`
	LogJSON       bool   `json:"log_json,omitempty"`
}

// ConfigSources tracks which config files Load read. Project holds the
// explicit file's path when one was given.
type ConfigSources struct {
	Global  string
	Project string
}

// DefaultConfig returns the configuration used when no file sets a field.
func DefaultConfig() Config {
	return Config{
		ListenAddr:    ":32121",
		MetricsAddr:   ":32122",
		DBCount:       16,
		SlotMask:      1023,
		TimeoutMs:     30000,
		MaxBulks:      512,
		MaxBytes:      1 << 20,
		IdleReapMs:    60000,
		DialRetries:   0,
		DialBackoffMs: 100,
		LogLevel:      "info",
	}
}

// ConfigFileName is the default project config file name.
const ConfigFileName = ".migrd.json"

func getGlobalConfigPath(env []string) string {
	for _, e := range env {
		if after, ok := strings.CutPrefix(e, "XDG_CONFIG_HOME="); ok {
			return filepath.Join(after, "migrd", "config.json")
		}
	}

	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "migrd", "config.json")
	}

	home, err := os.UserHomeDir()
	if err == nil {
		return filepath.Join(home, ".config", "migrd", "config.json")
	}

	return ""
}

// Load loads configuration with the following precedence (highest wins):
// 1. Defaults
// 2. Global user config (~/.config/migrd/config.json or $XDG_CONFIG_HOME)
// 3. Project config: the explicit file at configPath if non-empty (it must
//    exist), otherwise .migrd.json in workDir if present. The two are not
//    layered; an explicit file replaces the project file.
// CLI overrides are not applied here; the caller (cmd/migrd) applies them
// to the returned Config.
func Load(workDir, configPath string, env []string) (Config, ConfigSources, error) {
	cfg := DefaultConfig()

	var sources ConfigSources

	globalCfg, globalPath, err := loadGlobalConfig(env)
	if err != nil {
		return Config{}, ConfigSources{}, err
	}

	sources.Global = globalPath
	cfg = mergeConfig(cfg, globalCfg)

	projectCfg, projectPath, err := loadProjectConfig(workDir, configPath)
	if err != nil {
		return Config{}, ConfigSources{}, err
	}

	sources.Project = projectPath
	cfg = mergeConfig(cfg, projectCfg)

	if err := validateConfig(cfg); err != nil {
		return Config{}, ConfigSources{}, err
	}

	return cfg, sources, nil
}

func loadGlobalConfig(env []string) (Config, string, error) {
	path := getGlobalConfigPath(env)
	if path == "" {
		return Config{}, "", nil
	}

	cfg, loaded, err := loadConfigFile(path, false)
	if err != nil {
		return Config{}, "", err
	}

	if !loaded {
		return Config{}, "", nil
	}

	return cfg, path, nil
}

func loadProjectConfig(workDir, configPath string) (Config, string, error) {
	var cfgFile string

	var mustExist bool

	if configPath != "" {
		cfgFile = configPath
		if !filepath.IsAbs(cfgFile) {
			cfgFile = filepath.Join(workDir, cfgFile)
		}

		mustExist = true

		if _, err := os.Stat(cfgFile); err != nil {
			return Config{}, "", fmt.Errorf("%w: %s", errConfigFileNotFound, configPath)
		}
	} else {
		cfgFile = filepath.Join(workDir, ConfigFileName)
		mustExist = false
	}

	cfg, loaded, err := loadConfigFile(cfgFile, mustExist)
	if err != nil {
		return Config{}, "", err
	}

	if !loaded {
		return Config{}, "", nil
	}

	return cfg, cfgFile, nil
}

func loadConfigFile(path string, mustExist bool) (Config, bool, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is intentionally user-controlled
	if err != nil {
		if os.IsNotExist(err) && !mustExist {
			return Config{}, false, nil
		}

		if mustExist {
			return Config{}, false, fmt.Errorf("%w: %s", errConfigFileRead, path)
		}

		return Config{}, false, nil
	}

	cfg, err := parseConfig(data)
	if err != nil {
		return Config{}, false, fmt.Errorf("%w %s: %w", errConfigInvalid, path, err)
	}

	return cfg, true, nil
}

func parseConfig(data []byte) (Config, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("invalid JSONC: %w", err)
	}

	var cfg Config

	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return Config{}, fmt.Errorf("invalid JSON: %w", err)
	}

	return cfg, nil
}

// mergeConfig overlays every non-zero field of overlay onto base.
func mergeConfig(base, overlay Config) Config {
	if overlay.ListenAddr != "" {
		base.ListenAddr = overlay.ListenAddr
	}

	if overlay.MetricsAddr != "" {
		base.MetricsAddr = overlay.MetricsAddr
	}

	if overlay.DBCount != 0 {
		base.DBCount = overlay.DBCount
	}

	if overlay.SlotMask != 0 {
		base.SlotMask = overlay.SlotMask
	}

	if overlay.Password != "" {
		base.Password = overlay.Password
	}

	if overlay.TimeoutMs != 0 {
		base.TimeoutMs = overlay.TimeoutMs
	}

	if overlay.MaxBulks != 0 {
		base.MaxBulks = overlay.MaxBulks
	}

	if overlay.MaxBytes != 0 {
		base.MaxBytes = overlay.MaxBytes
	}

	if overlay.IdleReapMs != 0 {
		base.IdleReapMs = overlay.IdleReapMs
	}

	if overlay.DialRetries != 0 {
		base.DialRetries = overlay.DialRetries
	}

	if overlay.DialBackoffMs != 0 {
		base.DialBackoffMs = overlay.DialBackoffMs
	}

	if overlay.LogLevel != "" {
		base.LogLevel = overlay.LogLevel
	}

	if overlay.LogJSON {
		base.LogJSON = true
	}

	return base
}

func validateConfig(cfg Config) error {
	if cfg.ListenAddr == "" {
		return errListenAddrEmpty
	}

	if cfg.SlotMask == 0 || (cfg.SlotMask+1)&cfg.SlotMask != 0 {
		return errSlotMaskInvalid
	}

	return nil
}

// Format returns cfg as formatted JSON, for migrd's `--print-config` flag.
func Format(cfg Config) (string, error) {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to format config: %w", err)
	}

	return string(data), nil
}
