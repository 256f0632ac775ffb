package hv

import (
	"errors"
	"testing"
)

func TestAddressSpaceRegisterRAM(t *testing.T) {
	as := NewAddressSpace()

	if err := as.RegisterRAM(0, 0, 0x100000); err != nil {
		t.Fatalf("RegisterRAM: %v", err)
	}
	if err := as.RegisterRAM(1, 0x100000, 0x1000); err != nil {
		t.Fatalf("RegisterRAM adjacent region: %v", err)
	}

	regions := as.Regions()
	if len(regions) != 2 {
		t.Fatalf("Regions() has %d entries, want 2", len(regions))
	}
	if regions[0].Slot != 0 || regions[1].Base != 0x100000 || regions[1].End() != 0x101000 {
		t.Fatalf("Regions() = %+v", regions)
	}
}

func TestAddressSpaceRejectsOverlap(t *testing.T) {
	as := NewAddressSpace()

	if err := as.RegisterRAM(0, 0x10000, 0x10000); err != nil {
		t.Fatalf("RegisterRAM: %v", err)
	}

	tests := []struct {
		name string
		base uint64
		size uint64
	}{
		{"same", 0x10000, 0x10000},
		{"head", 0x8000, 0x9000},
		{"tail", 0x1f000, 0x2000},
		{"inside", 0x12000, 0x1000},
		{"covering", 0x0, 0x40000},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := as.RegisterRAM(uint32(i+1), tt.base, tt.size)
			if !errors.Is(err, ErrRegionOverlap) {
				t.Fatalf("RegisterRAM(0x%x, 0x%x) = %v, want ErrRegionOverlap", tt.base, tt.size, err)
			}
		})
	}
}

func TestAddressSpaceSlotReuse(t *testing.T) {
	as := NewAddressSpace()

	if err := as.RegisterRAM(0, 0, 0x1000); err != nil {
		t.Fatalf("RegisterRAM: %v", err)
	}
	if err := as.RegisterRAM(0, 0x2000, 0x1000); err == nil {
		t.Fatalf("RegisterRAM reused slot 0")
	}
	if err := as.RegisterRAM(1, 0x2000, 0); err == nil {
		t.Fatalf("RegisterRAM accepted a zero-size region")
	}

	if err := as.Unregister(0); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	if len(as.Regions()) != 0 {
		t.Fatalf("Regions() = %+v after Unregister, want none", as.Regions())
	}
	if err := as.RegisterRAM(0, 0, 0x1000); err != nil {
		t.Fatalf("RegisterRAM after Unregister: %v", err)
	}
}
