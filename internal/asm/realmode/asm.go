// Package realmode assembles the small subset of 16-bit x86 needed to build
// firmware and boot programs for a real-mode guest.
package realmode

import (
	"fmt"
	"math"

	"github.com/tinyrange/bootmon/internal/asm"
)

type Reg8 uint8

const (
	AL Reg8 = iota
	CL
	DL
	BL
	AH
	CH
	DH
	BH
)

type Reg16 uint8

const (
	AX Reg16 = iota
	CX
	DX
	BX
	SP
	BP
	SI
	DI
)

type SegReg uint8

const (
	ES SegReg = iota
	CS
	SS
	DS
)

var segOverride = [...]byte{ES: 0x26, CS: 0x2e, SS: 0x36, DS: 0x3e}

type raw []byte

func (r raw) Emit(ctx asm.Context) error {
	ctx.EmitBytes(r)
	return nil
}

// Bytes emits b verbatim.
func Bytes(b ...byte) asm.Fragment { return raw(append([]byte(nil), b...)) }

func Hlt() asm.Fragment  { return raw{0xf4} }
func Cli() asm.Fragment  { return raw{0xfa} }
func Iret() asm.Fragment { return raw{0xcf} }
func Int3() asm.Fragment { return raw{0xcc} }

// Lodsb loads AL from DS:SI and advances SI.
func Lodsb() asm.Fragment { return raw{0xac} }

// Int raises software interrupt n through the IVT.
func Int(n uint8) asm.Fragment { return raw{0xcd, n} }

func OutDXAL() asm.Fragment { return raw{0xee} }

func OutImm8AL(port uint8) asm.Fragment { return raw{0xe6, port} }

func MovImm8(dst Reg8, v uint8) asm.Fragment {
	return raw{0xb0 + byte(dst), v}
}

func MovImm16(dst Reg16, v uint16) asm.Fragment {
	return raw{0xb8 + byte(dst), byte(v), byte(v >> 8)}
}

func XorReg16(dst, src Reg16) asm.Fragment {
	return raw{0x31, 0xc0 | byte(src)<<3 | byte(dst)}
}

func TestReg8(a, b Reg8) asm.Fragment {
	return raw{0x84, 0xc0 | byte(b)<<3 | byte(a)}
}

type movSegReg struct {
	dst SegReg
	src Reg16
}

// MovSegReg loads a segment register. CS cannot be the destination.
func MovSegReg(dst SegReg, src Reg16) asm.Fragment {
	return movSegReg{dst: dst, src: src}
}

func (m movSegReg) Emit(ctx asm.Context) error {
	if m.dst == CS {
		return fmt.Errorf("mov cs, %s: CS can only be loaded by a far jump", m.src)
	}
	ctx.EmitBytes([]byte{0x8e, 0xc0 | byte(m.dst)<<3 | byte(m.src)})
	return nil
}

func Push(r Reg16) asm.Fragment { return raw{0x50 + byte(r)} }
func Pop(r Reg16) asm.Fragment  { return raw{0x58 + byte(r)} }

func PushSeg(s SegReg) asm.Fragment {
	return raw{0x06 | byte(s)<<3}
}

type popSeg SegReg

// PopSeg pops into a segment register. CS cannot be popped.
func PopSeg(s SegReg) asm.Fragment { return popSeg(s) }

func (p popSeg) Emit(ctx asm.Context) error {
	if SegReg(p) == CS {
		return fmt.Errorf("pop cs is not a valid instruction")
	}
	ctx.EmitBytes([]byte{0x07 | byte(p)<<3})
	return nil
}

type addImm struct {
	dst Reg16
	v   int
}

// AddImm16 adds a sign-extended 8-bit immediate to dst.
func AddImm16(dst Reg16, v int) asm.Fragment {
	return addImm{dst: dst, v: v}
}

func (a addImm) Emit(ctx asm.Context) error {
	if a.v < math.MinInt8 || a.v > math.MaxInt8 {
		return fmt.Errorf("add %s, %d: immediate does not fit in 8 bits", a.dst, a.v)
	}
	ctx.EmitBytes([]byte{0x83, 0xc0 | byte(a.dst), byte(int8(a.v))})
	return nil
}

// Mem is a [base+disp] operand with an optional segment override.
type Mem struct {
	Seg      SegReg
	Override bool
	Base     Reg16
	Disp     int8
}

// At returns [base+disp] addressed through seg.
func At(seg SegReg, base Reg16, disp int8) Mem {
	return Mem{Seg: seg, Override: true, Base: base, Disp: disp}
}

func (m Mem) modrm(reg byte) ([]byte, error) {
	var rm byte
	switch m.Base {
	case SI:
		rm = 4
	case DI:
		rm = 5
	case BX:
		rm = 7
	case BP:
		// [bp] has no mod=00 form
		return []byte{0x40 | reg<<3 | 6, byte(m.Disp)}, nil
	default:
		return nil, fmt.Errorf("%s cannot be used as a base register", m.Base)
	}
	if m.Disp == 0 {
		return []byte{reg<<3 | rm}, nil
	}
	return []byte{0x40 | reg<<3 | rm, byte(m.Disp)}, nil
}

type movMemImm16 struct {
	dst Mem
	v   uint16
}

func MovMemImm16(dst Mem, v uint16) asm.Fragment {
	return movMemImm16{dst: dst, v: v}
}

func (m movMemImm16) Emit(ctx asm.Context) error {
	modrm, err := m.dst.modrm(0)
	if err != nil {
		return fmt.Errorf("mov word %s, 0x%x: %w", m.dst, m.v, err)
	}
	var out []byte
	if m.dst.Override {
		out = append(out, segOverride[m.dst.Seg])
	}
	out = append(out, 0xc7)
	out = append(out, modrm...)
	out = append(out, byte(m.v), byte(m.v>>8))
	ctx.EmitBytes(out)
	return nil
}

type movMemImm8 struct {
	dst Mem
	v   uint8
}

func MovMemImm8(dst Mem, v uint8) asm.Fragment {
	return movMemImm8{dst: dst, v: v}
}

func (m movMemImm8) Emit(ctx asm.Context) error {
	modrm, err := m.dst.modrm(0)
	if err != nil {
		return fmt.Errorf("mov byte %s, 0x%x: %w", m.dst, m.v, err)
	}
	var out []byte
	if m.dst.Override {
		out = append(out, segOverride[m.dst.Seg])
	}
	out = append(out, 0xc6)
	out = append(out, modrm...)
	out = append(out, m.v)
	ctx.EmitBytes(out)
	return nil
}

type jumpFar struct {
	seg, off uint16
}

// JmpFar loads CS:IP with seg:off.
func JmpFar(seg, off uint16) asm.Fragment {
	return jumpFar{seg: seg, off: off}
}

func (j jumpFar) Emit(ctx asm.Context) error {
	ctx.EmitBytes([]byte{0xea, byte(j.off), byte(j.off >> 8), byte(j.seg), byte(j.seg >> 8)})
	return nil
}

type rel8 struct {
	opcode byte
	label  asm.Label
}

func (r rel8) Emit(ctx asm.Context) error {
	c, ok := ctx.(*Context)
	if !ok {
		return fmt.Errorf("relative jump needs a realmode context, got %T", ctx)
	}
	c.EmitBytes([]byte{r.opcode, 0})
	c.jumps = append(c.jumps, jumpPatch{label: r.label, pos: len(c.text) - 1})
	return nil
}

func JmpShort(label asm.Label) asm.Fragment { return rel8{opcode: 0xeb, label: label} }
func Jz(label asm.Label) asm.Fragment       { return rel8{opcode: 0x74, label: label} }
func Jnz(label asm.Label) asm.Fragment      { return rel8{opcode: 0x75, label: label} }

// Loop decrements CX and jumps to label while it is non-zero.
func Loop(label asm.Label) asm.Fragment { return rel8{opcode: 0xe2, label: label} }

type loadConstant struct {
	target asm.Variable
	data   []byte
}

// Constant places data after the code under the name target.
func Constant(target asm.Variable, v asm.LiteralValue) asm.Fragment {
	return loadConstant{target: target, data: v.Bytes()}
}

func (l loadConstant) Emit(ctx asm.Context) error {
	ctx.AddConstant(l.target, l.data)
	return nil
}

type movAddr struct {
	dst    Reg16
	target asm.Variable
}

// MovAddr loads the segment offset of a constant into dst.
func MovAddr(dst Reg16, target asm.Variable) asm.Fragment {
	return movAddr{dst: dst, target: target}
}

func (m movAddr) Emit(ctx asm.Context) error {
	c, ok := ctx.(*Context)
	if !ok {
		return fmt.Errorf("address load needs a realmode context, got %T", ctx)
	}
	c.EmitBytes([]byte{0xb8 + byte(m.dst), 0, 0})
	c.addrs = append(c.addrs, addrPatch{target: m.target, pos: len(c.text) - 2})
	return nil
}

func (r Reg8) String() string {
	return [...]string{"al", "cl", "dl", "bl", "ah", "ch", "dh", "bh"}[r&7]
}

func (r Reg16) String() string {
	return [...]string{"ax", "cx", "dx", "bx", "sp", "bp", "si", "di"}[r&7]
}

func (s SegReg) String() string {
	return [...]string{"es", "cs", "ss", "ds"}[s&3]
}

func (m Mem) String() string {
	prefix := ""
	if m.Override {
		prefix = m.Seg.String() + ":"
	}
	if m.Disp == 0 {
		return fmt.Sprintf("%s[%s]", prefix, m.Base)
	}
	return fmt.Sprintf("%s[%s%+d]", prefix, m.Base, m.Disp)
}
