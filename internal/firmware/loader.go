package firmware

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/tinyrange/bootmon/internal/hv"
)

var (
	ErrImageTooLarge = errors.New("image does not fit in guest memory")
	ErrNoFirmware    = errors.New("no firmware image")
)

type memorySizer interface {
	MemorySize() uint64
	MemoryBase() uint64
}

// checkFits rejects a copy of n bytes to gpa when mem can report its bounds
// and the copy would run past them.
func checkFits(mem io.WriterAt, what string, gpa uint64, n int) error {
	s, ok := mem.(memorySizer)
	if !ok {
		return nil
	}
	end := s.MemoryBase() + s.MemorySize()
	if gpa < s.MemoryBase() || gpa > end || uint64(n) > end-gpa {
		return fmt.Errorf("%s of %d bytes at 0x%05x exceeds guest memory [0x%x, 0x%x): %w",
			what, n, gpa, s.MemoryBase(), end, ErrImageTooLarge)
	}
	return nil
}

func write(mem io.WriterAt, what string, gpa uint64, data []byte) error {
	if err := checkFits(mem, what, gpa, len(data)); err != nil {
		return err
	}
	if _, err := mem.WriteAt(data, int64(gpa)); err != nil {
		if errors.Is(err, hv.ErrOutOfBounds) {
			return fmt.Errorf("write %s at 0x%05x: %w: %w", what, gpa, ErrImageTooLarge, err)
		}
		return fmt.Errorf("write %s at 0x%05x: %w", what, gpa, err)
	}
	return nil
}

// LoadFirmware writes the interrupt vector table, the IRET stub and image.
// The table and stub are written first so they are in place before the
// first instruction fetch.
func LoadFirmware(mem io.WriterAt, image []byte) error {
	if len(image) > MaxFirmwareSize {
		return fmt.Errorf("firmware is %d bytes, limit is %d: %w", len(image), MaxFirmwareSize, ErrImageTooLarge)
	}

	if err := write(mem, "interrupt vector table", IVTBase, EncodeIVT(DefaultVector)); err != nil {
		return err
	}
	if err := write(mem, "interrupt handler", HandlerBase, []byte{iretOpcode}); err != nil {
		return err
	}
	if err := write(mem, "firmware", FirmwareBase, image); err != nil {
		return err
	}

	return nil
}

// LoadProgram copies program to ProgramBase. No boot signature is checked.
func LoadProgram(mem io.WriterAt, program []byte) error {
	return write(mem, "program", ProgramBase, program)
}

// Loader places a firmware image and a boot program in a new VM.
type Loader struct {
	Firmware []byte
	Program  []byte

	Log *slog.Logger
}

var (
	_ hv.VMLoader = &Loader{}
)

// Load implements hv.VMLoader.
func (l *Loader) Load(vm hv.VirtualMachine) error {
	log := l.Log
	if log == nil {
		log = slog.Default()
	}

	// execution starts at the firmware, so there must be one
	if len(l.Firmware) == 0 {
		return ErrNoFirmware
	}
	if ProgramBase+len(l.Program) > FirmwareBase {
		return fmt.Errorf("program of %d bytes overlaps firmware at 0x%05x: %w", len(l.Program), FirmwareBase, ErrImageTooLarge)
	}

	if err := LoadFirmware(vm, l.Firmware); err != nil {
		return fmt.Errorf("load firmware: %w", err)
	}
	log.Debug("loaded firmware", "base", fmt.Sprintf("0x%05x", FirmwareBase), "size", len(l.Firmware))

	if l.Program != nil {
		if err := LoadProgram(vm, l.Program); err != nil {
			return fmt.Errorf("load program: %w", err)
		}
		log.Debug("loaded program", "base", fmt.Sprintf("0x%05x", ProgramBase), "size", len(l.Program))
	}

	return nil
}
