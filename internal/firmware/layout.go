// Package firmware lays out the real-mode guest: the interrupt vector table,
// the shared interrupt-return stub, the boot program and the firmware image.
package firmware

import (
	"encoding/binary"
	"fmt"
)

// Guest-physical layout of the conventional 1MiB real-mode address space.
const (
	IVTBase    = 0x00000
	IVTEntries = 256
	IVTSize    = IVTEntries * 4

	// HandlerBase holds the one-byte IRET every vector points at.
	HandlerBase = 0x00400

	ProgramBase    = 0x07c00
	ProgramSegment = 0x0000

	// FirmwareBase is the historical BIOS location at the top of the first
	// megabyte. Execution starts at FirmwareSegment:0.
	FirmwareBase    = 0xf0000
	FirmwareSegment = 0xf000
	MaxFirmwareSize = MemorySize - FirmwareBase

	MemorySize = 0x100000

	DiagnosticPort = 0x3f8

	// TSSAddr is the three-page region KVM needs on Intel hosts to run
	// real-mode code. It sits above guest RAM and is never written by the
	// monitor.
	TSSAddr = 0xfffbd000
)

const iretOpcode = 0xcf

// Vector is one real-mode interrupt vector.
type Vector struct {
	Offset  uint16
	Segment uint16
}

func (v Vector) String() string {
	return fmt.Sprintf("%04x:%04x", v.Segment, v.Offset)
}

// DefaultVector points at the IRET stub at HandlerBase.
var DefaultVector = Vector{Offset: HandlerBase, Segment: 0}

// EncodeIVT returns the 1KiB table with every vector set to v.
func EncodeIVT(v Vector) []byte {
	table := make([]byte, IVTSize)
	for i := range IVTEntries {
		binary.LittleEndian.PutUint16(table[i*4:], v.Offset)
		binary.LittleEndian.PutUint16(table[i*4+2:], v.Segment)
	}
	return table
}

// DecodeIVT parses a table previously read from guest memory.
func DecodeIVT(table []byte) ([IVTEntries]Vector, error) {
	var out [IVTEntries]Vector
	if len(table) != IVTSize {
		return out, fmt.Errorf("interrupt vector table is %d bytes, want %d", len(table), IVTSize)
	}
	for i := range out {
		out[i] = Vector{
			Offset:  binary.LittleEndian.Uint16(table[i*4:]),
			Segment: binary.LittleEndian.Uint16(table[i*4+2:]),
		}
	}
	return out, nil
}
