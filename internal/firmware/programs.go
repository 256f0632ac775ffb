package firmware

import (
	"fmt"
	"sort"

	"github.com/tinyrange/bootmon/internal/asm"
	rm "github.com/tinyrange/bootmon/internal/asm/realmode"
)

// MovHalt is {mov al, v; hlt}.
func MovHalt(v uint8) []byte {
	return rm.MustAssemble(asm.Group{
		rm.MovImm8(rm.AL, v),
		rm.Hlt(),
	})
}

// Breakpoint is {mov al, v; int3; hlt}. The int3 goes through the vector
// table, so it needs firmware that installed one.
func Breakpoint(v uint8) []byte {
	return rm.MustAssemble(asm.Group{
		rm.MovImm8(rm.AL, v),
		rm.Int3(),
		rm.Hlt(),
	})
}

// Print writes s to the diagnostic port one byte at a time and halts.
func Print(s string) []byte {
	frags := asm.Group{rm.MovImm16(rm.DX, DiagnosticPort)}
	for i := 0; i < len(s); i++ {
		frags = append(frags, rm.MovImm8(rm.AL, s[i]), rm.OutDXAL())
	}
	frags = append(frags, rm.Hlt())
	return rm.MustAssemble(frags)
}

var builtinPrograms = map[string]func() []byte{
	"halt":       func() []byte { return MovHalt(0x25) },
	"breakpoint": func() []byte { return Breakpoint(0x25) },
	"hello":      func() []byte { return Print("Hello, World!\n") },
}

// BuiltinProgram returns one of the programs named by BuiltinProgramNames.
func BuiltinProgram(name string) ([]byte, error) {
	fn, ok := builtinPrograms[name]
	if !ok {
		return nil, fmt.Errorf("unknown built-in program %q (have %v)", name, BuiltinProgramNames())
	}
	return fn(), nil
}

func BuiltinProgramNames() []string {
	names := make([]string, 0, len(builtinPrograms))
	for name := range builtinPrograms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
