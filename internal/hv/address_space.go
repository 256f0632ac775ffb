package hv

import (
	"fmt"
	"sort"
	"sync"
)

// RAMRegion is a guest-physical range backed by host memory.
type RAMRegion struct {
	Slot uint32
	Base uint64
	Size uint64
}

func (r RAMRegion) End() uint64 { return r.Base + r.Size }

// AddressSpace tracks the RAM regions registered with a VM so the same
// guest-physical range is never bound twice.
type AddressSpace struct {
	mu sync.Mutex

	regions []RAMRegion
}

// NewAddressSpace creates an empty guest-physical address map.
func NewAddressSpace() *AddressSpace {
	return &AddressSpace{}
}

// RegisterRAM records a RAM region. Overlapping another region or reusing a
// slot is a configuration error.
func (a *AddressSpace) RegisterRAM(slot uint32, base, size uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if size == 0 {
		return fmt.Errorf("address_space: cannot register zero-size region in slot %d", slot)
	}
	if base+size < base {
		return fmt.Errorf("address_space: region [0x%x+0x%x) wraps the address space", base, size)
	}

	for _, r := range a.regions {
		if r.Slot == slot {
			return fmt.Errorf("address_space: slot %d already in use by [0x%x-0x%x)", slot, r.Base, r.End())
		}
		if base < r.End() && base+size > r.Base {
			return fmt.Errorf("%w: [0x%x-0x%x) overlaps slot %d [0x%x-0x%x)",
				ErrRegionOverlap, base, base+size, r.Slot, r.Base, r.End())
		}
	}

	a.regions = append(a.regions, RAMRegion{Slot: slot, Base: base, Size: size})
	sort.Slice(a.regions, func(i, j int) bool { return a.regions[i].Base < a.regions[j].Base })

	return nil
}

// Unregister forgets the region in slot.
func (a *AddressSpace) Unregister(slot uint32) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i, r := range a.regions {
		if r.Slot == slot {
			a.regions = append(a.regions[:i], a.regions[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("address_space: slot %d not registered", slot)
}

// Regions returns a copy of all RAM regions ordered by base address.
func (a *AddressSpace) Regions() []RAMRegion {
	a.mu.Lock()
	defer a.mu.Unlock()

	result := make([]RAMRegion, len(a.regions))
	copy(result, a.regions)
	return result
}
