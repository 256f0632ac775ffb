package hv

import (
	"bytes"
	"errors"
	"os"
	"testing"
)

func newTestMemory(t *testing.T, pages int, base uint64) *GuestMemory {
	t.Helper()

	mem, err := NewGuestMemory(make([]byte, pages*os.Getpagesize()), base)
	if err != nil {
		t.Fatalf("NewGuestMemory: %v", err)
	}
	return mem
}

func TestNewGuestMemoryRejectsPartialPage(t *testing.T) {
	if _, err := NewGuestMemory(make([]byte, os.Getpagesize()+1), 0); err == nil {
		t.Fatalf("NewGuestMemory accepted a size that is not page aligned")
	}
	if _, err := NewGuestMemory(nil, 0); err == nil {
		t.Fatalf("NewGuestMemory accepted an empty region")
	}
}

func TestGuestMemoryWriteRead(t *testing.T) {
	mem := newTestMemory(t, 1, 0x1000)

	want := []byte{0xb0, 0x25, 0xf4}
	if n, err := mem.WriteAt(want, 0x1010); err != nil || n != len(want) {
		t.Fatalf("WriteAt = %d, %v", n, err)
	}

	got := make([]byte, len(want))
	if _, err := mem.ReadAt(got, 0x1010); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("ReadAt = % x, want % x", got, want)
	}
	if mem.Bytes()[0x10] != 0xb0 {
		t.Fatalf("write did not land at host offset 0x10")
	}
}

func TestGuestMemoryWriteAtEnd(t *testing.T) {
	mem := newTestMemory(t, 1, 0)
	size := int64(mem.Size())

	if _, err := mem.WriteAt([]byte{1, 2}, size-2); err != nil {
		t.Fatalf("WriteAt exactly filling the region: %v", err)
	}
	if _, err := mem.WriteAt(nil, size); err != nil {
		t.Fatalf("empty WriteAt at the end: %v", err)
	}
}

func TestGuestMemoryRejectsOverflowWithoutTruncating(t *testing.T) {
	mem := newTestMemory(t, 1, 0)
	size := int64(mem.Size())

	n, err := mem.WriteAt([]byte{1, 2, 3, 4}, size-2)
	if !errors.Is(err, ErrOutOfBounds) {
		t.Fatalf("WriteAt past end error = %v, want ErrOutOfBounds", err)
	}
	if n != 0 {
		t.Fatalf("WriteAt past end wrote %d bytes, want 0", n)
	}
	if tail := mem.Bytes()[size-2:]; tail[0] != 0 || tail[1] != 0 {
		t.Fatalf("rejected write modified memory: % x", tail)
	}
}

func TestGuestMemoryRejectsBelowBase(t *testing.T) {
	mem := newTestMemory(t, 1, 0x2000)

	if _, err := mem.WriteAt([]byte{1}, 0x1fff); !errors.Is(err, ErrOutOfBounds) {
		t.Fatalf("WriteAt below base error = %v, want ErrOutOfBounds", err)
	}
	if _, err := mem.ReadAt(make([]byte, 1), -1); !errors.Is(err, ErrOutOfBounds) {
		t.Fatalf("ReadAt negative offset error = %v, want ErrOutOfBounds", err)
	}
}

func TestGuestMemoryRelease(t *testing.T) {
	mem := newTestMemory(t, 1, 0)

	if got := mem.Release(); len(got) != os.Getpagesize() {
		t.Fatalf("Release returned %d bytes", len(got))
	}
	if _, err := mem.WriteAt([]byte{1}, 0); err == nil {
		t.Fatalf("WriteAt after Release succeeded")
	}
}
