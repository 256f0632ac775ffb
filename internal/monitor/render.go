package monitor

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/x/ansi"
	"github.com/tinyrange/bootmon/internal/hv"
	"golang.org/x/arch/x86/x86asm"
)

// maxInstructionLen is the longest legal x86 instruction.
const maxInstructionLen = 15

type RenderOptions struct {
	// Memory is guest memory addressed by guest physical address. When set
	// the instruction at CS:IP is disassembled.
	Memory io.ReaderAt

	// Color highlights register names with terminal escapes.
	Color bool
}

// RenderState writes a register dump in the order a debugger would show it.
// The general registers come first, then the segment selectors and bases,
// and finally the next instruction.
func RenderState(w io.Writer, regs hv.Registers, segs hv.Segments, opts RenderOptions) error {
	label := func(s string) string {
		if opts.Color {
			return ansi.Style{}.Bold().Styled(s)
		}
		return s
	}

	var b strings.Builder

	gprs := []struct {
		name string
		v    uint64
	}{
		{"ax", regs.Rax}, {"bx", regs.Rbx}, {"cx", regs.Rcx}, {"dx", regs.Rdx},
		{"si", regs.Rsi}, {"di", regs.Rdi}, {"sp", regs.Rsp}, {"bp", regs.Rbp},
	}
	for i, r := range gprs {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%s=%04x", label(r.name), uint16(r.v))
	}
	b.WriteByte('\n')

	fmt.Fprintf(&b, "%s=%04x %s=%04x\n", label("ip"), uint16(regs.Rip), label("flags"), uint16(regs.Rflags))

	sregs := []struct {
		name string
		seg  hv.Segment
	}{
		{"cs", segs.CS}, {"ds", segs.DS}, {"es", segs.ES},
		{"fs", segs.FS}, {"gs", segs.GS}, {"ss", segs.SS},
	}
	for i, s := range sregs {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%s=%04x(%05x)", label(s.name), s.seg.Selector, s.seg.Base)
	}
	b.WriteByte('\n')

	if opts.Memory != nil {
		fmt.Fprintf(&b, "%s %s\n", label(fmt.Sprintf("%04x:%04x", segs.CS.Selector, uint16(regs.Rip))), disassemble(opts.Memory, regs, segs))
	}

	_, err := io.WriteString(w, b.String())
	return err
}

// disassemble decodes the 16-bit instruction at CS:IP. Reads that run off the
// end of guest memory are truncated before decoding.
func disassemble(mem io.ReaderAt, regs hv.Registers, segs hv.Segments) string {
	addr := hv.RealModeAddress(segs.CS, regs.Rip)

	buf := make([]byte, maxInstructionLen)
	n, err := mem.ReadAt(buf, int64(addr))
	for n == 0 && err != nil && len(buf) > 1 {
		// fall back to shorter reads near the end of memory
		buf = buf[:len(buf)/2]
		n, err = mem.ReadAt(buf, int64(addr))
	}
	if n == 0 {
		return fmt.Sprintf("<unreadable at 0x%x>", addr)
	}
	buf = buf[:n]

	inst, err := x86asm.Decode(buf, 16)
	if err != nil {
		return fmt.Sprintf("<%v: % x>", err, buf[:min(len(buf), 4)])
	}

	return fmt.Sprintf("% -20x %s", buf[:inst.Len], x86asm.IntelSyntax(inst, uint64(regs.Rip&0xffff), nil))
}

// Plain strips terminal styling from a rendered dump.
func Plain(s string) string { return ansi.Strip(s) }
