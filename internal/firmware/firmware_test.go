package firmware

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"testing"

	"github.com/tinyrange/bootmon/internal/hv"
	"golang.org/x/arch/x86/x86asm"
)

type fakeMemory struct {
	buf []byte
}

func newFakeMemory() *fakeMemory { return &fakeMemory{buf: make([]byte, MemorySize)} }

func (m *fakeMemory) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(m.buf)) {
		return 0, fmt.Errorf("write [0x%x, +%d) out of range", off, len(p))
	}
	return copy(m.buf[off:], p), nil
}

func (m *fakeMemory) MemorySize() uint64 { return uint64(len(m.buf)) }
func (m *fakeMemory) MemoryBase() uint64 { return 0 }

func TestLoadFirmwareLayout(t *testing.T) {
	mem := newFakeMemory()
	image := []byte{0xfa, 0xf4}

	if err := LoadFirmware(mem, image); err != nil {
		t.Fatalf("LoadFirmware: %v", err)
	}

	ivt, err := DecodeIVT(mem.buf[IVTBase : IVTBase+IVTSize])
	if err != nil {
		t.Fatalf("DecodeIVT: %v", err)
	}
	for i, v := range ivt {
		if v != (Vector{Offset: 0x400, Segment: 0}) {
			t.Fatalf("vector %d = %v, want 0000:0400", i, v)
		}
	}

	if mem.buf[HandlerBase] != 0xcf {
		t.Fatalf("handler = 0x%02x, want iret", mem.buf[HandlerBase])
	}
	if !bytes.Equal(mem.buf[FirmwareBase:FirmwareBase+len(image)], image) {
		t.Fatalf("firmware = % x, want % x", mem.buf[FirmwareBase:FirmwareBase+len(image)], image)
	}
}

func TestLoadFirmwareTooLarge(t *testing.T) {
	mem := newFakeMemory()
	if err := LoadFirmware(mem, make([]byte, MaxFirmwareSize+1)); !errors.Is(err, ErrImageTooLarge) {
		t.Fatalf("LoadFirmware error = %v, want ErrImageTooLarge", err)
	}
}

func TestLoadProgram(t *testing.T) {
	mem := newFakeMemory()
	prog := MovHalt(0x25)

	if err := LoadProgram(mem, prog); err != nil {
		t.Fatalf("LoadProgram: %v", err)
	}
	if !bytes.Equal(mem.buf[ProgramBase:ProgramBase+len(prog)], prog) {
		t.Fatalf("program = % x", mem.buf[ProgramBase:ProgramBase+len(prog)])
	}
}

func TestLoadProgramRejectsOversized(t *testing.T) {
	mem := newFakeMemory()
	prog := bytes.Repeat([]byte{0x90}, MemorySize-ProgramBase+1)

	err := LoadProgram(mem, prog)
	if !errors.Is(err, ErrImageTooLarge) {
		t.Fatalf("LoadProgram error = %v, want ErrImageTooLarge", err)
	}
	if mem.buf[ProgramBase] != 0 || mem.buf[MemorySize-1] != 0 {
		t.Fatal("oversized program was partially written")
	}
}

func TestLoadProgramGuestMemory(t *testing.T) {
	mem, err := hv.NewGuestMemory(make([]byte, MemorySize), 0)
	if err != nil {
		t.Fatalf("NewGuestMemory: %v", err)
	}

	err = LoadProgram(mem, make([]byte, MemorySize-ProgramBase+1))
	if !errors.Is(err, ErrImageTooLarge) || !errors.Is(err, hv.ErrOutOfBounds) {
		t.Fatalf("LoadProgram error = %v, want ErrImageTooLarge and ErrOutOfBounds", err)
	}

	if err := LoadProgram(mem, make([]byte, MemorySize-ProgramBase)); err != nil {
		t.Fatalf("LoadProgram exactly filling memory: %v", err)
	}
}

type fakeVM struct {
	hv.VirtualMachine
	*fakeMemory
}

func (f fakeVM) WriteAt(p []byte, off int64) (int, error) { return f.fakeMemory.WriteAt(p, off) }
func (f fakeVM) MemorySize() uint64                       { return f.fakeMemory.MemorySize() }
func (f fakeVM) MemoryBase() uint64                       { return 0 }

func TestLoader(t *testing.T) {
	mem := newFakeMemory()
	fw, err := Boot("")
	if err != nil {
		t.Fatalf("Boot: %v", err)
	}

	l := &Loader{Firmware: fw, Program: Breakpoint(0x25)}
	if err := l.Load(fakeVM{fakeMemory: mem}); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !bytes.Equal(mem.buf[ProgramBase:ProgramBase+4], []byte{0xb0, 0x25, 0xcc, 0xf4}) {
		t.Fatalf("program = % x", mem.buf[ProgramBase:ProgramBase+4])
	}
	if !bytes.Equal(mem.buf[FirmwareBase:FirmwareBase+len(fw)], fw) {
		t.Fatal("firmware not loaded")
	}
}

func TestLoaderRejectsProgramOverFirmware(t *testing.T) {
	l := &Loader{Firmware: []byte{0xf4}, Program: make([]byte, FirmwareBase-ProgramBase+1)}
	if err := l.Load(fakeVM{fakeMemory: newFakeMemory()}); !errors.Is(err, ErrImageTooLarge) {
		t.Fatalf("Load error = %v, want ErrImageTooLarge", err)
	}
}

func TestLoaderRequiresFirmware(t *testing.T) {
	mem := newFakeMemory()
	for _, fw := range [][]byte{nil, {}} {
		l := &Loader{Firmware: fw, Program: MovHalt(0x25)}
		if err := l.Load(fakeVM{fakeMemory: mem}); !errors.Is(err, ErrNoFirmware) {
			t.Fatalf("Load(firmware=%v) error = %v, want ErrNoFirmware", fw, err)
		}
	}
	if !bytes.Equal(mem.buf[:IVTSize], make([]byte, IVTSize)) {
		t.Fatal("Load wrote the vector table before rejecting the missing firmware")
	}
}

func TestDecodeIVTLength(t *testing.T) {
	if _, err := DecodeIVT(make([]byte, IVTSize-1)); err == nil {
		t.Fatal("expected error for short table")
	}
}

func decodeOps(t *testing.T, code []byte) []x86asm.Op {
	t.Helper()
	var ops []x86asm.Op
	for pc := 0; pc < len(code); {
		inst, err := x86asm.Decode(code[pc:], 16)
		if err != nil {
			t.Fatalf("decode at 0x%x: %v", pc, err)
		}
		ops = append(ops, inst.Op)
		pc += inst.Len
		if inst.Op == x86asm.LJMP {
			break
		}
	}
	return ops
}

func TestBootFirmware(t *testing.T) {
	fw, err := Boot("hi")
	if err != nil {
		t.Fatalf("Boot: %v", err)
	}

	if !bytes.HasSuffix(fw, []byte("hi\x00")) {
		t.Fatalf("banner missing from image: % x", fw)
	}

	ops := decodeOps(t, fw[:len(fw)-3])
	if ops[0] != x86asm.CLI {
		t.Fatalf("first instruction = %v, want CLI", ops[0])
	}
	if ops[len(ops)-1] != x86asm.LJMP {
		t.Fatalf("last instruction = %v, want LJMP", ops[len(ops)-1])
	}

	// jmp 0000:7c00
	tail := fw[len(fw)-3-5 : len(fw)-3]
	if !bytes.Equal(tail, []byte{0xea, 0x00, 0x7c, 0x00, 0x00}) {
		t.Fatalf("handoff = % x", tail)
	}
}

func TestBootRejectsNUL(t *testing.T) {
	if _, err := Boot("a\x00b"); err == nil {
		t.Fatal("expected error for banner with NUL")
	}
}

func TestSelfInstallHandler(t *testing.T) {
	fw, err := SelfInstall("")
	if err != nil {
		t.Fatalf("SelfInstall: %v", err)
	}

	// cli ; xor ax,ax ; mov es,ax ; xor di,di ; mov cx,256 ; mov es:[di], handler
	if !bytes.Equal(fw[10:13], []byte{0x26, 0xc7, 0x05}) {
		t.Fatalf("unexpected vector store % x", fw[10:13])
	}
	handler := binary.LittleEndian.Uint16(fw[13:15])

	want := []byte{0x50, 0x52, 0xba, 0xf8, 0x03, 0xb0, InterruptMarker, 0xee, 0x5a, 0x58, 0xcf}
	if int(handler)+len(want) != len(fw) || !bytes.Equal(fw[handler:], want) {
		t.Fatalf("handler at 0x%x = % x, want % x", handler, fw[handler:], want)
	}

	// segment half of every vector is the firmware segment
	if !bytes.Equal(fw[15:21], []byte{0x26, 0xc7, 0x45, 0x02, 0x00, 0xf0}) {
		t.Fatalf("segment store = % x", fw[15:21])
	}
}

func TestPrograms(t *testing.T) {
	for _, tt := range []struct {
		name string
		got  []byte
		want []byte
	}{
		{"MovHalt", MovHalt(0x25), []byte{0xb0, 0x25, 0xf4}},
		{"Breakpoint", Breakpoint(0x25), []byte{0xb0, 0x25, 0xcc, 0xf4}},
		{"Print", Print("Hi"), []byte{0xba, 0xf8, 0x03, 0xb0, 'H', 0xee, 0xb0, 'i', 0xee, 0xf4}},
	} {
		if !bytes.Equal(tt.got, tt.want) {
			t.Errorf("%s = % x, want % x", tt.name, tt.got, tt.want)
		}
	}
}

func TestBuiltinProgram(t *testing.T) {
	for _, name := range BuiltinProgramNames() {
		if _, err := BuiltinProgram(name); err != nil {
			t.Errorf("BuiltinProgram(%q): %v", name, err)
		}
	}
	if _, err := BuiltinProgram("nope"); err == nil {
		t.Fatal("expected error for unknown program")
	}
}
