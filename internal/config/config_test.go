package config

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if cfg.Memory != 0x100000 {
		t.Errorf("memory = 0x%x, want 0x100000", cfg.Memory)
	}
	if cfg.Firmware.Banner != DefaultBanner {
		t.Errorf("banner = %q, want %q", cfg.Firmware.Banner, DefaultBanner)
	}
	if cfg.Program.Builtin != DefaultProgram {
		t.Errorf("builtin = %q, want %q", cfg.Program.Builtin, DefaultProgram)
	}
	if cfg.Serial.Port != 0x3f8 {
		t.Errorf("serial port = 0x%x, want 0x3f8", cfg.Serial.Port)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate(defaults): %v", err)
	}
}

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(`memory: 2097152
firmware:
  banner: "hello\n"
  selfInstall: true
program:
  builtin: breakpoint
serial:
  port: 0x80
  linePerByte: true
run:
  singleStep: true
  maxExits: 100
  timeout: 5s
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if cfg.Memory != 2<<20 {
		t.Errorf("memory = 0x%x", cfg.Memory)
	}
	if cfg.Firmware.Banner != "hello\n" || !cfg.Firmware.SelfInstall {
		t.Errorf("firmware = %+v", cfg.Firmware)
	}
	if cfg.Program.Builtin != "breakpoint" {
		t.Errorf("program = %+v", cfg.Program)
	}
	if cfg.Serial.Port != 0x80 || !cfg.Serial.LinePerByte {
		t.Errorf("serial = %+v", cfg.Serial)
	}
	if !cfg.Run.SingleStep || cfg.Run.MaxExits != 100 {
		t.Errorf("run = %+v", cfg.Run)
	}
	if d, _ := cfg.Timeout(); d != 5*time.Second {
		t.Errorf("timeout = %s, want 5s", d)
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	if _, err := Parse([]byte("cpus: 2\n")); err == nil {
		t.Fatal("Parse accepted an unknown key")
	}
}

func TestProgramPathSuppressesBuiltin(t *testing.T) {
	cfg, err := Parse([]byte("program:\n  path: boot.bin\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Program.Builtin != "" {
		t.Fatalf("builtin = %q, want empty when a path is set", cfg.Program.Builtin)
	}
}

func TestValidate(t *testing.T) {
	for _, tt := range []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unaligned memory", func(c *Config) { c.Memory = 0x100001 }, "page size"},
		{"small memory", func(c *Config) { c.Memory = 0x80000 }, "smaller"},
		{"unknown builtin", func(c *Config) { c.Program.Builtin = "nope" }, "nope"},
		{"path and builtin", func(c *Config) { c.Program.Path = "x.bin" }, "mutually exclusive"},
		{"self install with image", func(c *Config) {
			c.Firmware.Path = "bios.bin"
			c.Firmware.SelfInstall = true
		}, "selfInstall"},
		{"negative exits", func(c *Config) { c.Run.MaxExits = -1 }, "maxExits"},
		{"bad timeout", func(c *Config) { c.Run.Timeout = "soon" }, "timeout"},
		{"negative timeout", func(c *Config) { c.Run.Timeout = "-1s" }, "negative"},
	} {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate succeeded")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error %q does not contain %q", err, tt.want)
			}
		})
	}
}

func TestWriteLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bootmon.yaml")

	cfg := Default()
	cfg.Run.SingleStep = true
	cfg.Serial.LinePerByte = true
	if err := Write(path, cfg); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got != cfg {
		t.Fatalf("Load = %+v, want %+v", got, cfg)
	}
}

func TestLoadMissing(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("Load succeeded for a missing file")
	}
}
