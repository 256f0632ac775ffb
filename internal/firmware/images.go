package firmware

import (
	"bytes"
	"fmt"

	"github.com/tinyrange/bootmon/internal/asm"
	rm "github.com/tinyrange/bootmon/internal/asm/realmode"
)

// InterruptMarker is written to the diagnostic port by the interrupt handler
// that SelfInstall firmware points every vector at.
const InterruptMarker = 'b'

const (
	bannerConst asm.Variable = iota + 1
)

// printString writes the NUL terminated constant to the diagnostic port.
// DS must address the segment the constant lives in.
func printString(msg asm.Variable) asm.Fragment {
	const (
		loop = asm.Label("print_loop")
		done = asm.Label("print_done")
	)
	return asm.Group{
		rm.MovAddr(rm.SI, msg),
		rm.MovImm16(rm.DX, DiagnosticPort),
		asm.MarkLabel(loop),
		rm.Lodsb(),
		rm.TestReg8(rm.AL, rm.AL),
		rm.Jz(done),
		rm.OutDXAL(),
		rm.JmpShort(loop),
		asm.MarkLabel(done),
	}
}

// handoff resets the data segments, puts the stack below the boot program
// and jumps to it.
func handoff() asm.Fragment {
	return asm.Group{
		rm.XorReg16(rm.AX, rm.AX),
		rm.MovSegReg(rm.DS, rm.AX),
		rm.MovSegReg(rm.ES, rm.AX),
		rm.MovSegReg(rm.SS, rm.AX),
		rm.MovImm16(rm.SP, ProgramBase),
		rm.JmpFar(ProgramSegment, ProgramBase),
	}
}

func banner(s string) (asm.Fragment, error) {
	if s == "" {
		return asm.Group{}, nil
	}
	if bytes.IndexByte([]byte(s), 0) >= 0 {
		return nil, fmt.Errorf("banner contains a NUL byte")
	}
	return asm.Group{
		rm.PushSeg(rm.CS),
		rm.PopSeg(rm.DS),
		printString(bannerConst),
		rm.Constant(bannerConst, asm.String(s).(asm.LiteralValue)),
	}, nil
}

// Boot returns firmware that prints banner on the diagnostic port and jumps to
// the boot program. It relies on LoadFirmware for the vector table.
func Boot(bannerText string) ([]byte, error) {
	b, err := banner(bannerText)
	if err != nil {
		return nil, err
	}

	prog, err := rm.EmitProgram(0, asm.Group{
		rm.Cli(),
		b,
		handoff(),
	})
	if err != nil {
		return nil, fmt.Errorf("assemble boot firmware: %w", err)
	}
	return prog.Bytes(), nil
}

// SelfInstall returns firmware that fills the vector table itself, pointing
// every vector at a handler inside the firmware that writes InterruptMarker
// and returns, before behaving like Boot.
func SelfInstall(bannerText string) ([]byte, error) {
	const (
		fill    = asm.Label("ivt_fill")
		handler = asm.Label("interrupt_handler")
	)

	b, err := banner(bannerText)
	if err != nil {
		return nil, err
	}

	body := func(handlerOff uint16) asm.Fragment {
		return asm.Group{
			rm.Cli(),
			rm.XorReg16(rm.AX, rm.AX),
			rm.MovSegReg(rm.ES, rm.AX),
			rm.XorReg16(rm.DI, rm.DI),
			rm.MovImm16(rm.CX, IVTEntries),
			asm.MarkLabel(fill),
			rm.MovMemImm16(rm.At(rm.ES, rm.DI, 0), handlerOff),
			rm.MovMemImm16(rm.At(rm.ES, rm.DI, 2), FirmwareSegment),
			rm.AddImm16(rm.DI, 4),
			rm.Loop(fill),
			// DI is now HandlerBase; keep the shared stub valid too.
			rm.MovMemImm8(rm.At(rm.ES, rm.DI, 0), iretOpcode),
			b,
			handoff(),
			asm.MarkLabel(handler),
			rm.Push(rm.AX),
			rm.Push(rm.DX),
			rm.MovImm16(rm.DX, DiagnosticPort),
			rm.MovImm8(rm.AL, InterruptMarker),
			rm.OutDXAL(),
			rm.Pop(rm.DX),
			rm.Pop(rm.AX),
			rm.Iret(),
		}
	}

	// The handler offset is only known after a first pass; every encoding
	// has a fixed size so the second pass lays out identically.
	first, err := rm.EmitProgram(0, body(0))
	if err != nil {
		return nil, fmt.Errorf("assemble self-installing firmware: %w", err)
	}
	off, _ := first.Label(handler)

	prog, err := rm.EmitProgram(0, body(uint16(off)))
	if err != nil {
		return nil, fmt.Errorf("assemble self-installing firmware: %w", err)
	}
	return prog.Bytes(), nil
}
