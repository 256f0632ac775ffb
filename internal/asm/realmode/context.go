package realmode

import (
	"fmt"
	"math"

	"github.com/tinyrange/bootmon/internal/asm"
)

type jumpPatch struct {
	label asm.Label
	pos   int
}

type addrPatch struct {
	target asm.Variable
	pos    int
}

// Context collects code for one program. Constants are laid out after the
// code in the order they are declared.
type Context struct {
	origin    uint16
	text      []byte
	constData []byte
	constants map[asm.Variable]int
	labels    map[asm.Label]int
	jumps     []jumpPatch
	addrs     []addrPatch
}

var (
	_ asm.Context = &Context{}
)

func newContext(origin uint16) *Context {
	return &Context{
		origin:    origin,
		constants: make(map[asm.Variable]int),
		labels:    make(map[asm.Label]int),
	}
}

func (c *Context) GetLabel(label asm.Label) (int, bool) {
	pos, ok := c.labels[label]
	return pos, ok
}

func (c *Context) SetLabel(label asm.Label) {
	c.labels[label] = len(c.text)
}

func (c *Context) AddConstant(target asm.Variable, data []byte) {
	c.constants[target] = len(c.constData)
	c.constData = append(c.constData, data...)
}

func (c *Context) EmitBytes(code []byte) {
	c.text = append(c.text, code...)
}

func (c *Context) finalize() (asm.Program, error) {
	for _, j := range c.jumps {
		target, ok := c.labels[j.label]
		if !ok {
			return asm.Program{}, fmt.Errorf("undefined label %q", j.label)
		}
		// rel8 is relative to the end of the two byte instruction
		rel := target - (j.pos + 1)
		if rel < math.MinInt8 || rel > math.MaxInt8 {
			return asm.Program{}, fmt.Errorf("jump to %q out of range: displacement %d", j.label, rel)
		}
		c.text[j.pos] = byte(int8(rel))
	}

	textLen := len(c.text)
	for _, a := range c.addrs {
		off, ok := c.constants[a.target]
		if !ok {
			return asm.Program{}, fmt.Errorf("undefined constant %d", a.target)
		}
		addr := int(c.origin) + textLen + off
		if addr > math.MaxUint16 {
			return asm.Program{}, fmt.Errorf("constant %d at 0x%x is outside the segment", a.target, addr)
		}
		c.text[a.pos] = byte(addr)
		c.text[a.pos+1] = byte(addr >> 8)
	}

	code := make([]byte, 0, textLen+len(c.constData))
	code = append(code, c.text...)
	code = append(code, c.constData...)

	if int(c.origin)+len(code) > math.MaxUint16+1 {
		return asm.Program{}, fmt.Errorf("program of %d bytes at origin 0x%x does not fit in one segment", len(code), c.origin)
	}

	return asm.NewProgram(code, c.labels), nil
}

// EmitProgram assembles fragment as if it is loaded at offset origin of its
// code segment.
func EmitProgram(origin uint16, fragment asm.Fragment) (asm.Program, error) {
	ctx := newContext(origin)
	if err := fragment.Emit(ctx); err != nil {
		return asm.Program{}, err
	}
	return ctx.finalize()
}

// Assemble returns the machine code for fragment loaded at offset 0.
func Assemble(fragment asm.Fragment) ([]byte, error) {
	prog, err := EmitProgram(0, fragment)
	if err != nil {
		return nil, err
	}
	return prog.Bytes(), nil
}

// MustAssemble is Assemble for fragments that are known to be valid.
func MustAssemble(fragment asm.Fragment) []byte {
	code, err := Assemble(fragment)
	if err != nil {
		panic(err)
	}
	return code
}
