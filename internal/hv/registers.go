package hv

import "fmt"

// FlagsReserved is bit 1 of RFLAGS, which the architecture requires to be set.
const FlagsReserved uint64 = 1 << 1

// Registers is the general-purpose register file of an x86 vCPU.
//
// A snapshot is only valid until the vCPU runs again.
type Registers struct {
	Rax    uint64
	Rbx    uint64
	Rcx    uint64
	Rdx    uint64
	Rsi    uint64
	Rdi    uint64
	Rsp    uint64
	Rbp    uint64
	Rip    uint64
	Rflags uint64
}

// AL returns the low byte of RAX.
func (r Registers) AL() uint8 { return uint8(r.Rax) }

// Segment is an x86 segment descriptor cache entry.
type Segment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Type     uint8
	Present  uint8
	Dpl      uint8
	Db       uint8
	S        uint8
	L        uint8
	G        uint8
}

// Segments holds the six segment registers.
type Segments struct {
	CS, DS, ES, FS, GS, SS Segment
}

const (
	segmentTypeData = 3  // read/write, accessed
	segmentTypeCode = 11 // execute/read, accessed
)

// RealModeSegment returns a real-mode descriptor for selector. The base is
// always selector*16 and the limit 64KiB.
func RealModeSegment(selector uint16, code bool) Segment {
	typ := uint8(segmentTypeData)
	if code {
		typ = segmentTypeCode
	}
	return Segment{
		Base:     uint64(selector) << 4,
		Limit:    0xffff,
		Selector: selector,
		Type:     typ,
		Present:  1,
		S:        1,
	}
}

// RealModeAddress is the linear address of seg:off.
func RealModeAddress(seg Segment, off uint64) uint64 {
	return seg.Base + (off & 0xffff)
}

// CheckRealMode reports an error if seg cannot address memory in real mode.
func CheckRealMode(name string, seg Segment) error {
	if seg.Base != uint64(seg.Selector)<<4 {
		return fmt.Errorf("%s: base 0x%x does not match selector 0x%04x", name, seg.Base, seg.Selector)
	}
	return nil
}
