// Package config loads the YAML description of a bootmon machine.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/tinyrange/bootmon/internal/devices/serial"
	"github.com/tinyrange/bootmon/internal/firmware"
	"gopkg.in/yaml.v3"
)

const (
	DefaultBanner  = "bootmon\n"
	DefaultProgram = "halt"

	pageSize = 4096
)

// Config describes one guest.
type Config struct {
	// Memory is the guest RAM size in bytes.
	Memory uint64 `yaml:"memory,omitempty"`

	Firmware FirmwareConfig `yaml:"firmware"`
	Program  ProgramConfig  `yaml:"program"`
	Serial   SerialConfig   `yaml:"serial"`
	Run      RunConfig      `yaml:"run"`
}

type FirmwareConfig struct {
	// Path is a raw firmware image. When empty a firmware is assembled.
	Path        string `yaml:"path,omitempty"`
	Banner      string `yaml:"banner,omitempty"`
	SelfInstall bool   `yaml:"selfInstall,omitempty"`
}

type ProgramConfig struct {
	Path    string `yaml:"path,omitempty"`
	Builtin string `yaml:"builtin,omitempty"`
}

type SerialConfig struct {
	Port        uint16 `yaml:"port,omitempty"`
	LinePerByte bool   `yaml:"linePerByte,omitempty"`
}

type RunConfig struct {
	SingleStep bool   `yaml:"singleStep,omitempty"`
	MaxExits   int    `yaml:"maxExits,omitempty"`
	Timeout    string `yaml:"timeout,omitempty"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	var cfg Config
	cfg.normalize()
	return cfg
}

func (c *Config) normalize() {
	if c.Memory == 0 {
		c.Memory = firmware.MemorySize
	}
	if c.Firmware.Path == "" && c.Firmware.Banner == "" {
		c.Firmware.Banner = DefaultBanner
	}
	if c.Program.Path == "" && c.Program.Builtin == "" {
		c.Program.Builtin = DefaultProgram
	}
	if c.Serial.Port == 0 {
		c.Serial.Port = serial.DefaultPort
	}
}

// Validate reports the first problem that would stop the machine from booting.
func (c Config) Validate() error {
	if c.Memory%pageSize != 0 {
		return fmt.Errorf("memory size 0x%x is not a multiple of the page size", c.Memory)
	}
	if c.Memory < firmware.MemorySize {
		return fmt.Errorf("memory size 0x%x is smaller than the 0x%x bytes real mode addresses", c.Memory, firmware.MemorySize)
	}
	if c.Program.Path != "" && c.Program.Builtin != "" {
		return fmt.Errorf("program path and builtin %q are mutually exclusive", c.Program.Builtin)
	}
	if c.Program.Builtin != "" {
		if _, err := firmware.BuiltinProgram(c.Program.Builtin); err != nil {
			return err
		}
	}
	if c.Firmware.Path != "" && c.Firmware.SelfInstall {
		return fmt.Errorf("selfInstall only applies to the assembled firmware")
	}
	if c.Run.MaxExits < 0 {
		return fmt.Errorf("maxExits must not be negative, got %d", c.Run.MaxExits)
	}
	if _, err := c.Timeout(); err != nil {
		return err
	}
	return nil
}

// Timeout parses Run.Timeout. Zero means no timeout.
func (c Config) Timeout() (time.Duration, error) {
	if c.Run.Timeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Run.Timeout)
	if err != nil {
		return 0, fmt.Errorf("invalid timeout: %w", err)
	}
	if d < 0 {
		return 0, fmt.Errorf("timeout must not be negative, got %s", d)
	}
	return d, nil
}

// Parse decodes a configuration and fills in defaults. Unknown keys are
// rejected.
func Parse(data []byte) (Config, error) {
	var cfg Config

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	// an empty document leaves every field at its default
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	cfg.normalize()
	return cfg, nil
}

// Load reads and parses the configuration file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Write encodes cfg as YAML to path.
func Write(path string, cfg Config) error {
	cfg.normalize()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create config: %w", err)
	}
	defer f.Close()

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(&cfg); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close config: %w", err)
	}
	return nil
}
