package asm

import (
	"fmt"
	"maps"
)

type Value interface {
}

// Variable names a piece of data emitted alongside the code.
type Variable int

var (
	_ Value = Variable(0)
)

type Context interface {
	AddConstant(target Variable, data []byte)
	EmitBytes(data []byte)

	GetLabel(label Label) (int, bool)
	SetLabel(label Label)
}

type Fragment interface {
	Emit(ctx Context) error
}

type Group []Fragment

var (
	_ Fragment = Group{}
)

func (g Group) Emit(ctx Context) error {
	for _, frag := range g {
		if err := frag.Emit(ctx); err != nil {
			return err
		}
	}
	return nil
}

type Label string

type labelDef struct {
	label Label
}

func MarkLabel(label Label) Fragment {
	return &labelDef{label: label}
}

func (l *labelDef) Emit(ctx Context) error {
	if _, exists := ctx.GetLabel(l.label); exists {
		return fmt.Errorf("label %q already defined", l.label)
	}
	ctx.SetLabel(l.label)
	return nil
}

// Program is assembled machine code together with the offsets of its labels.
type Program struct {
	code   []byte
	labels map[Label]int
}

func (p Program) Bytes() []byte {
	return append([]byte(nil), p.code...)
}

func (p Program) Size() int {
	return len(p.code)
}

// Label returns the offset of label from the start of the program.
func (p Program) Label(label Label) (int, bool) {
	off, ok := p.labels[label]
	return off, ok
}

func NewProgram(code []byte, labels map[Label]int) Program {
	return Program{
		code:   append([]byte(nil), code...),
		labels: maps.Clone(labels),
	}
}

type LiteralValue struct {
	Data     []byte
	ZeroTerm bool
}

var (
	_ Value = LiteralValue{}
)

// String is a NUL terminated literal.
func String(s string) Value {
	return LiteralValue{
		Data:     []byte(s),
		ZeroTerm: true,
	}
}

// Bytes returns the literal as it is laid out in memory.
func (l LiteralValue) Bytes() []byte {
	out := append([]byte(nil), l.Data...)
	if l.ZeroTerm {
		out = append(out, 0)
	}
	return out
}
