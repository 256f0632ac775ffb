// Command bootmon boots a real-mode guest under KVM, prints what it writes to
// the diagnostic port and reports how it stopped.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/tinyrange/bootmon/internal/config"
	"github.com/tinyrange/bootmon/internal/devices/serial"
	"github.com/tinyrange/bootmon/internal/firmware"
	"github.com/tinyrange/bootmon/internal/hv"
	"github.com/tinyrange/bootmon/internal/hv/factory"
	"github.com/tinyrange/bootmon/internal/monitor"
	"github.com/tinyrange/bootmon/internal/timeslice"
	"golang.org/x/term"
)

const (
	exitFailure   = 1
	exitUnhandled = 2
)

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "bootmon: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode lets scripts tell a guest that stopped on an unmodeled exit apart
// from a monitor that never got the guest running.
func exitCode(err error) int {
	var unhandled *monitor.UnhandledExitError
	if errors.As(err, &unhandled) {
		return exitUnhandled
	}
	return exitFailure
}

type options struct {
	configFile    string
	dumpConfig    string
	debug         bool
	timesliceFile string
	progress      bool

	firmwarePath   stringFlag
	programPath    stringFlag
	builtinProgram stringFlag
	banner         stringFlag
	selfInstall    boolFlag
	memory         uint64Flag
	singleStep     boolFlag
	linePerByte    boolFlag
	maxExits       intFlag
	timeout        stringFlag
}

func parseFlags(args []string, stderr io.Writer) (*options, error) {
	var opts options

	fs := flag.NewFlagSet("bootmon", flag.ContinueOnError)
	fs.SetOutput(stderr)

	fs.StringVar(&opts.configFile, "config", "", "YAML machine description")
	fs.StringVar(&opts.dumpConfig, "dump-config", "", "Write the effective configuration to this file and exit")
	fs.BoolVar(&opts.debug, "debug", false, "Enable debug logging")
	fs.StringVar(&opts.timesliceFile, "timeslice-file", "", "Write timeslice data to file")
	fs.BoolVar(&opts.progress, "progress", false, "Show progress while reading images")

	fs.Var(&opts.firmwarePath, "firmware", "Raw firmware image loaded at 0xF0000 (default: assembled)")
	fs.Var(&opts.programPath, "program", "Raw program image loaded at 0x7C00")
	fs.Var(&opts.builtinProgram, "builtin-program", fmt.Sprintf("Built-in program %v", firmware.BuiltinProgramNames()))
	fs.Var(&opts.banner, "banner", "Banner printed by the assembled firmware")
	fs.Var(&opts.selfInstall, "self-install", "Use the firmware that installs its own interrupt table")
	fs.Var(&opts.memory, "memory", "Guest memory in bytes")
	fs.Var(&opts.singleStep, "single-step", "Trap and print registers after every instruction")
	fs.Var(&opts.linePerByte, "line-per-byte", "Print every diagnostic byte on its own line")
	fs.Var(&opts.maxExits, "max-exits", "Stop after this many exits (0: unlimited)")
	fs.Var(&opts.timeout, "timeout", "Stop the guest after this long (e.g. 5s)")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: bootmon [flags]\n\n")
		fmt.Fprintf(stderr, "Boot a real-mode program under KVM.\n\n")
		fmt.Fprintf(stderr, "Examples:\n")
		fmt.Fprintf(stderr, "  bootmon -builtin-program hello\n")
		fmt.Fprintf(stderr, "  bootmon -program boot.bin -single-step\n\n")
		fmt.Fprintf(stderr, "Flags:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		fs.Usage()
		return nil, fmt.Errorf("unexpected arguments %q", fs.Args())
	}

	return &opts, nil
}

// machineConfig loads the config file, if any, and lays the flags given on
// the command line over it.
func (o *options) machineConfig() (config.Config, error) {
	cfg := config.Default()
	if o.configFile != "" {
		loaded, err := config.Load(o.configFile)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}

	if o.firmwarePath.set {
		cfg.Firmware.Path = o.firmwarePath.v
	}
	if o.banner.set {
		cfg.Firmware.Banner = o.banner.v
	}
	if o.selfInstall.set {
		cfg.Firmware.SelfInstall = o.selfInstall.v
	}
	if o.programPath.set {
		cfg.Program.Path = o.programPath.v
		cfg.Program.Builtin = ""
	}
	if o.builtinProgram.set {
		cfg.Program.Builtin = o.builtinProgram.v
		cfg.Program.Path = ""
	}
	if o.memory.set {
		cfg.Memory = o.memory.v
	}
	if o.singleStep.set {
		cfg.Run.SingleStep = o.singleStep.v
	}
	if o.linePerByte.set {
		cfg.Serial.LinePerByte = o.linePerByte.v
	}
	if o.maxExits.set {
		cfg.Run.MaxExits = o.maxExits.v
	}
	if o.timeout.set {
		cfg.Run.Timeout = o.timeout.v
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func run(args []string, stdout, stderr io.Writer) error {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}

	level := slog.LevelInfo
	if opts.debug {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	if opts.timesliceFile != "" {
		f, err := os.Create(opts.timesliceFile)
		if err != nil {
			return fmt.Errorf("create timeslice file: %w", err)
		}
		defer f.Close()

		w, err := timeslice.StartRecording(f)
		if err != nil {
			return fmt.Errorf("open timeslice file: %w", err)
		}
		defer w.Close()
	}

	cfg, err := opts.machineConfig()
	if err != nil {
		return err
	}

	if opts.dumpConfig != "" {
		if err := config.Write(opts.dumpConfig, cfg); err != nil {
			return err
		}
		log.Info("configuration written", "path", opts.dumpConfig)
		return nil
	}

	fw, program, err := loadImages(cfg, opts.progress && isTerminal(stderr))
	if err != nil {
		return monitor.Setup("load images", err)
	}

	return boot(cfg, fw, program, stdout, stderr, log)
}

func boot(cfg config.Config, fw, program []byte, stdout, stderr io.Writer, log *slog.Logger) error {
	timeout, err := cfg.Timeout()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	h, err := factory.NewWithArchitecture(hv.ArchitectureX86_64)
	if err != nil {
		return monitor.Setup("open hypervisor", err)
	}
	defer h.Close()

	diag := serial.NewDiagnosticPort(cfg.Serial.Port, stdout, serial.Options{
		LinePerByte: cfg.Serial.LinePerByte,
		Log:         log,
	})

	vm, err := h.NewVirtualMachine(hv.SimpleVMConfig{
		NumCPUs: 1,
		MemSize: cfg.Memory,
		VMLoader: &firmware.Loader{
			Firmware: fw,
			Program:  program,
			Log:      log,
		},
	})
	if err != nil {
		return monitor.Setup("create virtual machine", err)
	}
	defer vm.Close()

	mon, err := monitor.New(monitor.Options{
		Entry:      monitor.Entry{Segment: firmware.FirmwareSegment},
		Devices:    []hv.X86IOPortDevice{diag},
		SingleStep: cfg.Run.SingleStep,
		MaxExits:   cfg.Run.MaxExits,
		State:      stderr,
		Memory:     vm,
		Color:      isTerminal(stderr),
		Log:        log,
	})
	if err != nil {
		return monitor.Setup("create monitor", err)
	}
	if err := mon.InitDevices(vm); err != nil {
		return err
	}

	start := time.Now()
	if err := vm.Run(ctx, mon); err != nil {
		return fmt.Errorf("guest stopped after %d exits: %w", mon.Exits(), err)
	}

	var regs hv.Registers
	if err := vm.VirtualCPUCall(0, func(vcpu hv.VirtualCPU) error {
		regs, err = vcpu.GetRegisters()
		return err
	}); err != nil {
		return fmt.Errorf("read final registers: %w", err)
	}

	log.Info("guest halted",
		"al", fmt.Sprintf("0x%02x", regs.AL()),
		"ip", fmt.Sprintf("0x%04x", uint16(regs.Rip)),
		"exits", mon.Exits(),
		"elapsed", time.Since(start),
	)
	log.Debug("diagnostic port",
		"written", diag.Written(),
		"ignored", diag.Ignored(),
	)

	return nil
}
