// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package config

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var (
	// ErrInvalid marks a configuration value that was replaced by its default.
	ErrInvalid = errors.New("config: invalid value")
	// ErrUnknownKey marks a config file key that is not read.
	ErrUnknownKey = errors.New("config: unknown key")
)

// configNames are tried in order on the search path. The file type
// follows the extension (.yaml, .toml, .json, ...).
var configNames = []string{"config", "modbus_config"}

// topLevelPort is accepted as an alternative to server.port.
const topLevelPort = "port"

// Config defines the global configuration structure
type Config struct {
	Server           ServerConfig    `mapstructure:"server"`
	UpdateIntervalMs int             `mapstructure:"update_interval_ms"`
	Registers        RegistersConfig `mapstructure:"registers"`
	Engine           EngineConfig    `mapstructure:"engine"`
	Mirror           MirrorConfig    `mapstructure:"mirror"`
	Metrics          MetricsConfig   `mapstructure:"metrics"`
	Log              LogConfig       `mapstructure:"log"`

	// File is the config file that was read, empty if none.
	File string `mapstructure:"-"`
	// DumpImage asks for the mirror image to be printed instead of serving.
	DumpImage bool `mapstructure:"-"`
	// Warnings lists problems that were recovered by falling back to
	// defaults. They are reported once logging is set up.
	Warnings []error `mapstructure:"-"`
}

// ServerConfig defines the Modbus TCP listener
type ServerConfig struct {
	Address     string        `mapstructure:"address"`
	Port        int           `mapstructure:"port"`
	IdleTimeout time.Duration `mapstructure:"idle_timeout"` // 0 disables
}

// RegistersConfig places the default signals in the Modbus address space
type RegistersConfig struct {
	TemperatureAddress uint16 `mapstructure:"temperature_address"`
	HeaterStateAddress uint16 `mapstructure:"heater_state_address"`
	HeaterControlCoil  uint16 `mapstructure:"heater_control_coil"`
}

// EngineConfig selects the simulation component and its parameters
type EngineConfig struct {
	Component   string  `mapstructure:"component"`
	AmbientK    float64 `mapstructure:"ambient_k"`
	Capacity    float64 `mapstructure:"capacity"`
	HeaterPower float64 `mapstructure:"heater_power"`
	Loss        float64 `mapstructure:"loss"`
}

// MirrorConfig defines the optional register image file
type MirrorConfig struct {
	Type string `mapstructure:"type"` // "none", "mmap"
	Path string `mapstructure:"path"` // File path for "mmap" type
}

// MetricsConfig defines the Prometheus endpoint
type MetricsConfig struct {
	Address string `mapstructure:"address"` // e.g. ":9102", empty disables
}

// LogConfig defines logging configuration
type LogConfig struct {
	Level string `mapstructure:"level"` // debug, info, warn, error
	File  string `mapstructure:"file"`  // Log file path, "-" or empty for stdout
}

// ListenAddress joins the server address and port.
func (c *Config) ListenAddress() string {
	return net.JoinHostPort(c.Server.Address, strconv.Itoa(c.Server.Port))
}

// UpdateInterval returns the update loop period.
func (c *Config) UpdateInterval() time.Duration {
	return time.Duration(c.UpdateIntervalMs) * time.Millisecond
}

// Params returns the engine parameters keyed the way components expect.
func (e EngineConfig) Params() map[string]float64 {
	return map[string]float64{
		"ambient_k":    e.AmbientK,
		"capacity":     e.Capacity,
		"heater_power": e.HeaterPower,
		"loss":         e.Loss,
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", "0.0.0.0")
	v.SetDefault("server.port", 5502)
	v.SetDefault("server.idle_timeout", time.Duration(0))
	v.SetDefault("update_interval_ms", 100)
	v.SetDefault("registers.temperature_address", 40001)
	v.SetDefault("registers.heater_state_address", 40002)
	v.SetDefault("registers.heater_control_coil", 0)
	v.SetDefault("engine.component", "SimpleThermal")
	v.SetDefault("engine.ambient_k", 250.0)
	v.SetDefault("engine.capacity", 1000.0)
	v.SetDefault("engine.heater_power", 2000.0)
	v.SetDefault("engine.loss", 10.0)
	v.SetDefault("mirror.type", "none")
	v.SetDefault("mirror.path", "")
	v.SetDefault("metrics.address", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "") // stdout
}

// Default returns the built-in configuration.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var config Config
	// defaults always decode
	_ = v.Unmarshal(&config)
	return &config
}

// NewFlagSet defines the command line flags understood by LoadConfig.
func NewFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.StringP("config", "c", "", "Configuration file path.")
	fs.StringP("address", "A", "0.0.0.0", "Modbus TCP address to bind.")
	fs.IntP("port", "P", 5502, "Modbus TCP port number.")
	fs.Int("update-interval", 100, "Update loop period in milliseconds.")
	fs.StringP("log-level", "v", "info", "Log verbosity level (debug, info, warn, error).")
	fs.StringP("log-file", "L", "", "Log file name ('-' for logging to STDOUT only).")
	fs.String("metrics", "", "Prometheus listen address, e.g. ':9102'.")
	fs.Bool("dump-image", false, "Print the register image at mirror.path and exit.")
	return fs
}

// LoadConfig parses args, then reads the config file named by --config or
// found on the search path. Only malformed command lines are errors; a
// missing or unreadable file leaves the defaults in place and is reported
// through Config.Warnings.
func LoadConfig(args []string) (*Config, error) {
	fs := NewFlagSet("thermal-bridge")
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("failed to parse flags: %w", err)
	}
	return load(fs)
}

func load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// Flags override the file only when given explicitly.
	bindings := map[string]string{
		"server.address":     "address",
		"server.port":        "port",
		"update_interval_ms": "update-interval",
		"log.level":          "log-level",
		"log.file":           "log-file",
		"metrics.address":    "metrics",
	}
	for key, flag := range bindings {
		if err := v.BindPFlag(key, fs.Lookup(flag)); err != nil {
			return nil, fmt.Errorf("failed to bind flag %q: %w", flag, err)
		}
	}

	var warnings []error
	configFile, _ := fs.GetString("config")
	if err := readConfig(v, configFile); err != nil {
		warnings = append(warnings, fmt.Errorf("failed to read config file, using defaults: %w", err))
	}
	warnings = append(warnings, unknownKeys(v)...)

	// The port may also be given at the top level of the file.
	if v.InConfig(topLevelPort) {
		switch {
		case v.InConfig("server.port"):
			warnings = append(warnings, fmt.Errorf("config key %q ignored, server.port is set", topLevelPort))
		case !fs.Changed("port"):
			v.Set("server.port", v.Get(topLevelPort))
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		// A wrongly typed value spoils the whole decode; start over from
		// defaults plus flags.
		warnings = append(warnings, fmt.Errorf("failed to unmarshal config, using defaults: %w", err))
		fallback := viper.New()
		setDefaults(fallback)
		for key, flag := range bindings {
			fallback.BindPFlag(key, fs.Lookup(flag))
		}
		config = Config{}
		if err := fallback.Unmarshal(&config); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}
	config.File = v.ConfigFileUsed()
	config.DumpImage, _ = fs.GetBool("dump-image")
	config.Warnings = append(warnings, config.fixup()...)
	return &config, nil
}

// readConfig reads the file named on the command line or, failing that,
// the first of configNames found on the search path. Finding no file on
// the search path is not an error.
func readConfig(v *viper.Viper, configFile string) error {
	if configFile != "" {
		v.SetConfigFile(configFile)
		return v.ReadInConfig()
	}

	v.AddConfigPath("/etc/thermal-bridge/")
	v.AddConfigPath("$HOME/.thermal-bridge")
	v.AddConfigPath(".")
	for _, name := range configNames {
		v.SetConfigName(name)
		err := v.ReadInConfig()
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return err
		}
	}
	return nil
}

// unknownKeys reports file keys that no setting reads.
func unknownKeys(v *viper.Viper) []error {
	known := viper.New()
	setDefaults(known)
	valid := map[string]bool{topLevelPort: true}
	for _, key := range known.AllKeys() {
		valid[key] = true
	}

	var unknown []string
	for _, key := range v.AllKeys() {
		if !valid[key] && v.InConfig(key) {
			unknown = append(unknown, key)
		}
	}
	sort.Strings(unknown)

	var warnings []error
	for _, key := range unknown {
		warnings = append(warnings, fmt.Errorf("%w: %s", ErrUnknownKey, key))
	}
	return warnings
}

// fixup replaces out-of-range values with defaults.
func (c *Config) fixup() []error {
	def := Default()
	var warnings []error
	invalid := func(key string, got any, want any) {
		warnings = append(warnings, fmt.Errorf("%w: %s = %v, using %v", ErrInvalid, key, got, want))
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		invalid("server.port", c.Server.Port, def.Server.Port)
		c.Server.Port = def.Server.Port
	}
	if c.Server.IdleTimeout < 0 {
		invalid("server.idle_timeout", c.Server.IdleTimeout, def.Server.IdleTimeout)
		c.Server.IdleTimeout = def.Server.IdleTimeout
	}
	if c.UpdateIntervalMs <= 0 {
		invalid("update_interval_ms", c.UpdateIntervalMs, def.UpdateIntervalMs)
		c.UpdateIntervalMs = def.UpdateIntervalMs
	}
	if c.Registers.TemperatureAddress == c.Registers.HeaterStateAddress {
		invalid("registers.heater_state_address", c.Registers.HeaterStateAddress, def.Registers.HeaterStateAddress)
		c.Registers = def.Registers
	}
	if c.Engine.Component == "" {
		invalid("engine.component", `""`, def.Engine.Component)
		c.Engine.Component = def.Engine.Component
	}

	c.Mirror.Type = strings.ToLower(c.Mirror.Type)
	switch c.Mirror.Type {
	case "", "none":
		c.Mirror.Type = "none"
	case "mmap":
		if c.Mirror.Path == "" {
			invalid("mirror.path", `""`, "mirror.type none")
			c.Mirror.Type = "none"
		}
	default:
		invalid("mirror.type", c.Mirror.Type, def.Mirror.Type)
		c.Mirror.Type = def.Mirror.Type
	}

	c.Log.Level = strings.ToLower(c.Log.Level)
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		invalid("log.level", c.Log.Level, def.Log.Level)
		c.Log.Level = def.Log.Level
	}
	return warnings
}
