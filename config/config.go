// Package config loads the doorstop settings from YAML and the DOORSTOP_*
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sliverarmory/doorstop/internal/paths"
	"github.com/sliverarmory/doorstop/log"
	"gopkg.in/yaml.v3"
)

const (
	DefaultFileName = "doorstop_config.yaml"

	EnvConfigFile            = "DOORSTOP_CONFIG_FILE"
	EnvDisable               = "DOORSTOP_DISABLE"
	EnvEnabled               = "DOORSTOP_ENABLED"
	EnvTargetAssembly        = "DOORSTOP_TARGET_ASSEMBLY"
	EnvBootConfigOverride    = "DOORSTOP_BOOT_CONFIG_OVERRIDE"
	EnvMonoDLLSearchOverride = "DOORSTOP_MONO_DLL_SEARCH_PATH_OVERRIDE"
	EnvMonoDebugEnabled      = "DOORSTOP_MONO_DEBUG_ENABLED"
	EnvMonoDebugSuspend      = "DOORSTOP_MONO_DEBUG_SUSPEND"
	EnvMonoDebugAddress      = "DOORSTOP_MONO_DEBUG_ADDRESS"
	EnvCLRRuntimePath        = "DOORSTOP_CLR_RUNTIME_CORECLR_PATH"
	EnvCLRCorlibDir          = "DOORSTOP_CLR_CORLIB_DIR"
)

type Mono struct {
	DLLSearchPathOverride string `yaml:"dll_search_path_override"`
	DebugEnabled          bool   `yaml:"debug_enabled"`
	DebugSuspend          bool   `yaml:"debug_suspend"`
	DebugAddress          string `yaml:"debug_address"`
}

type CLR struct {
	RuntimeCoreCLRPath string `yaml:"runtime_coreclr_path"`
	CorlibDir          string `yaml:"corlib_dir"`
}

type Log struct {
	Level      log.LogLevel `yaml:"level"`
	File       string       `yaml:"file"`
	MaxSize    int          `yaml:"max_size"`
	MaxBackups int          `yaml:"max_backups"`
	MaxAge     int          `yaml:"max_age"`
}

// Config is read-only once Load returns.
type Config struct {
	Enabled            bool   `yaml:"enabled"`
	TargetAssembly     string `yaml:"target_assembly"`
	BootConfigOverride string `yaml:"boot_config_override"`
	Mono               Mono   `yaml:"mono"`
	CLR                CLR    `yaml:"clr"`
	Log                Log    `yaml:"log"`

	// Source is the file the settings were read from, empty when none was
	// found.
	Source string `yaml:"-"`
	// DisabledReason explains why Enabled is false.
	DisabledReason string `yaml:"-"`
}

// Default returns the settings used when no file is present.
func Default() *Config {
	return &Config{
		Enabled: true,
		Log: Log{
			Level:      log.INFO,
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     7,
		},
	}
}

// DefaultPath returns DOORSTOP_CONFIG_FILE, or doorstop_config.yaml next to
// the host executable.
func DefaultPath() string {
	if p, ok := os.LookupEnv(EnvConfigFile); ok && p != "" {
		return p
	}
	exe := paths.ProgramPath()
	if exe == "" {
		return DefaultFileName
	}
	return filepath.Join(paths.Folder(exe), DefaultFileName)
}

// Load reads path (DefaultPath when empty), applies the environment
// overrides and decides whether injection is enabled. A missing file is not
// an error.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}

	cfg := Default()
	buf, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(buf, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		cfg.Source = path
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.resolve()
	return cfg, nil
}

// Parse decodes a YAML document without consulting the environment.
func Parse(buf []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(buf, cfg); err != nil {
		return nil, err
	}
	cfg.resolve()
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	flag := func(key string, dst *bool) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = b
		return nil
	}

	if err := flag(EnvEnabled, &c.Enabled); err != nil {
		return err
	}
	if err := flag(EnvMonoDebugEnabled, &c.Mono.DebugEnabled); err != nil {
		return err
	}
	if err := flag(EnvMonoDebugSuspend, &c.Mono.DebugSuspend); err != nil {
		return err
	}
	str(EnvTargetAssembly, &c.TargetAssembly)
	str(EnvBootConfigOverride, &c.BootConfigOverride)
	str(EnvMonoDLLSearchOverride, &c.Mono.DLLSearchPathOverride)
	str(EnvMonoDebugAddress, &c.Mono.DebugAddress)
	str(EnvCLRRuntimePath, &c.CLR.RuntimeCoreCLRPath)
	str(EnvCLRCorlibDir, &c.CLR.CorlibDir)

	// Set by a parent doorstop once its hooks are in place.
	if v, ok := lookup(EnvDisable); ok && v != "" {
		c.Enabled = false
		c.DisabledReason = EnvDisable + " is set"
	}
	return nil
}

func (c *Config) resolve() {
	if !c.Enabled {
		if c.DisabledReason == "" {
			c.DisabledReason = "disabled by configuration"
		}
		return
	}
	if c.TargetAssembly == "" {
		c.Enabled = false
		c.DisabledReason = "no target assembly configured"
		return
	}
	if !paths.FileExists(c.TargetAssembly) {
		c.Enabled = false
		c.DisabledReason = "could not find target assembly " + c.TargetAssembly
	}
}

// String renders the effective settings as YAML.
func (c *Config) String() string {
	out, err := yaml.Marshal(c)
	if err != nil {
		return err.Error()
	}
	return string(out)
}
