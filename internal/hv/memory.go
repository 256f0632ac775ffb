package hv

import (
	"fmt"
	"os"
)

// GuestMemory is a contiguous block of host memory mapped at a fixed
// guest-physical base.
//
// The backing slice is owned by whoever allocated it (usually a hypervisor
// backend using mmap) and must outlive every VM it is registered with.
// Offsets passed to ReadAt and WriteAt are guest-physical addresses.
type GuestMemory struct {
	mem  []byte
	base uint64
}

// NewGuestMemory wraps mem as guest memory starting at base. The length must
// be a non-zero multiple of the host page size.
func NewGuestMemory(mem []byte, base uint64) (*GuestMemory, error) {
	pageSize := os.Getpagesize()
	if len(mem) == 0 {
		return nil, fmt.Errorf("guest memory: empty region")
	}
	if len(mem)%pageSize != 0 {
		return nil, fmt.Errorf("guest memory: size 0x%x is not a multiple of the page size 0x%x", len(mem), pageSize)
	}
	return &GuestMemory{mem: mem, base: base}, nil
}

func (m *GuestMemory) Base() uint64  { return m.base }
func (m *GuestMemory) Size() uint64  { return uint64(len(m.mem)) }
func (m *GuestMemory) End() uint64   { return m.base + uint64(len(m.mem)) }
func (m *GuestMemory) Bytes() []byte { return m.mem }

// span translates [gpa, gpa+n) into host offsets. The whole range must fit.
func (m *GuestMemory) span(gpa int64, n int) (int, error) {
	if gpa < 0 || uint64(gpa) < m.base {
		return 0, fmt.Errorf("%w: gpa 0x%x below base 0x%x", ErrOutOfBounds, gpa, m.base)
	}
	off := uint64(gpa) - m.base
	if off > uint64(len(m.mem)) || uint64(n) > uint64(len(m.mem))-off {
		return 0, fmt.Errorf("%w: [0x%x, 0x%x) exceeds region [0x%x, 0x%x)",
			ErrOutOfBounds, gpa, uint64(gpa)+uint64(n), m.base, m.End())
	}
	return int(off), nil
}

// ReadAt implements io.ReaderAt. Reads that do not fit entirely are rejected.
func (m *GuestMemory) ReadAt(p []byte, gpa int64) (int, error) {
	if m.mem == nil {
		return 0, fmt.Errorf("guest memory: read after release")
	}
	off, err := m.span(gpa, len(p))
	if err != nil {
		return 0, err
	}
	return copy(p, m.mem[off:]), nil
}

// WriteAt implements io.WriterAt. Writes that do not fit entirely are
// rejected and nothing is copied.
func (m *GuestMemory) WriteAt(p []byte, gpa int64) (int, error) {
	if m.mem == nil {
		return 0, fmt.Errorf("guest memory: write after release")
	}
	off, err := m.span(gpa, len(p))
	if err != nil {
		return 0, err
	}
	return copy(m.mem[off:], p), nil
}

// Release detaches the backing slice and returns it so the owner can unmap it.
func (m *GuestMemory) Release() []byte {
	mem := m.mem
	m.mem = nil
	return mem
}
