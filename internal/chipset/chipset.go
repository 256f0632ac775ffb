// Package chipset routes port I/O from exits to the devices that claim it.
package chipset

import (
	"fmt"

	"github.com/tinyrange/bootmon/internal/hv"
)

// Named is implemented by devices that report a stable name in errors and
// logs. Other devices are named after their type.
type Named interface {
	Name() string
}

func deviceName(dev hv.X86IOPortDevice) string {
	if n, ok := dev.(Named); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", dev)
}

type binding struct {
	name    string
	handler hv.X86IOPortDevice
}

// Builder registers devices and their ports before creating a Chipset.
type Builder struct {
	devices []hv.X86IOPortDevice
	pio     map[uint16]binding
}

func NewBuilder() *Builder {
	return &Builder{
		pio: make(map[uint16]binding),
	}
}

// RegisterDevice adds dev and claims every port it lists. A port can only be
// claimed once.
func (b *Builder) RegisterDevice(dev hv.X86IOPortDevice) error {
	if dev == nil {
		return fmt.Errorf("chipset: device is nil")
	}

	name := deviceName(dev)
	ports := dev.IOPorts()
	for i, port := range ports {
		if existing, ok := b.pio[port]; ok {
			// undo the ports claimed so far
			for _, p := range ports[:i] {
				delete(b.pio, p)
			}
			return fmt.Errorf("chipset: device %q: I/O port 0x%04x already claimed by %q", name, port, existing.name)
		}
		b.pio[port] = binding{name: name, handler: dev}
	}

	b.devices = append(b.devices, dev)
	return nil
}

// Build returns the dispatch table. The builder may keep being used.
func (b *Builder) Build() *Chipset {
	pio := make(map[uint16]binding, len(b.pio))
	for port, h := range b.pio {
		pio[port] = h
	}
	return &Chipset{
		devices: append([]hv.X86IOPortDevice(nil), b.devices...),
		pio:     pio,
	}
}

// Chipset is a built port dispatch table.
type Chipset struct {
	devices []hv.X86IOPortDevice
	pio     map[uint16]binding
}

// Init initializes every device in registration order.
func (c *Chipset) Init(vm hv.VirtualMachine) error {
	for _, dev := range c.devices {
		if err := dev.Init(vm); err != nil {
			return fmt.Errorf("chipset: init device %q: %w", deviceName(dev), err)
		}
	}
	return nil
}

// Claimed reports whether a device serves port.
func (c *Chipset) Claimed(port uint16) bool {
	_, ok := c.pio[port]
	return ok
}

// HandlePIO dispatches one port access. It reports false without an error
// when no device claims the port.
func (c *Chipset) HandlePIO(port uint16, data []byte, isWrite bool) (bool, error) {
	b, ok := c.pio[port]
	if !ok {
		return false, nil
	}

	var err error
	if isWrite {
		err = b.handler.WriteIOPort(port, data)
	} else {
		err = b.handler.ReadIOPort(port, data)
	}
	if err != nil {
		return true, fmt.Errorf("chipset: %s I/O port 0x%04x: %w", b.name, port, err)
	}
	return true, nil
}
