package hv

import (
	"context"
	"errors"
	"fmt"
	"io"
)

var (
	ErrHypervisorUnsupported = errors.New("hypervisor unsupported on this platform")
	ErrOutOfBounds           = errors.New("guest memory access out of bounds")
	ErrRegionOverlap         = errors.New("guest memory region overlaps an existing region")
)

type CpuArchitecture string

const (
	ArchitectureInvalid CpuArchitecture = "invalid"
	ArchitectureX86_64  CpuArchitecture = "x86_64"
)

type VirtualCPU interface {
	VirtualMachine() VirtualMachine
	ID() int

	GetRegisters() (Registers, error)
	SetRegisters(regs Registers) error

	GetSegments() (Segments, error)
	SetSegments(segs Segments) error

	// SetSingleStep arms or disarms a debug exit after every guest instruction.
	SetSingleStep(enabled bool) error

	// Run enters the guest and blocks until it exits. The returned Exit is
	// only valid until the next call to Run.
	Run(ctx context.Context) (Exit, error)
}

type RunConfig interface {
	Run(ctx context.Context, vcpu VirtualCPU) error
}

// RunConfigFunc adapts a function to RunConfig.
type RunConfigFunc func(ctx context.Context, vcpu VirtualCPU) error

func (f RunConfigFunc) Run(ctx context.Context, vcpu VirtualCPU) error { return f(ctx, vcpu) }

type Device interface {
	Init(vm VirtualMachine) error
}

type X86IOPortDevice interface {
	Device

	IOPorts() []uint16

	ReadIOPort(port uint16, data []byte) error
	WriteIOPort(port uint16, data []byte) error
}

type SimpleX86IOPortDevice struct {
	Ports []uint16

	ReadFunc  func(port uint16, data []byte) error
	WriteFunc func(port uint16, data []byte) error
}

func (d SimpleX86IOPortDevice) IOPorts() []uint16 { return d.Ports }
func (d SimpleX86IOPortDevice) ReadIOPort(port uint16, data []byte) error {
	if d.ReadFunc != nil {
		return d.ReadFunc(port, data)
	}
	return fmt.Errorf("unhandled read from I/O port 0x%X", port)
}
func (d SimpleX86IOPortDevice) WriteIOPort(port uint16, data []byte) error {
	if d.WriteFunc != nil {
		return d.WriteFunc(port, data)
	}
	return fmt.Errorf("unhandled write to I/O port 0x%X", port)
}
func (d SimpleX86IOPortDevice) Init(vm VirtualMachine) error {
	return nil
}

var (
	_ X86IOPortDevice = SimpleX86IOPortDevice{}
)

type VirtualMachine interface {
	io.ReaderAt
	io.WriterAt

	io.Closer

	Hypervisor() Hypervisor

	MemorySize() uint64
	MemoryBase() uint64

	Run(ctx context.Context, cfg RunConfig) error

	VirtualCPUCall(id int, f func(vcpu VirtualCPU) error) error
}

type VMLoader interface {
	Load(vm VirtualMachine) error
}

// VMLoaderFunc adapts a function to VMLoader.
type VMLoaderFunc func(vm VirtualMachine) error

func (f VMLoaderFunc) Load(vm VirtualMachine) error { return f(vm) }

type VMCallbacks interface {
	OnCreateVM(vm VirtualMachine) error
	OnCreateVCPU(vCpu VirtualCPU) error
}

type VMConfig interface {
	// Assume all methods here will be treated as dumb getters
	// which can be called multiple times.

	CPUCount() int
	MemorySize() uint64
	MemoryBase() uint64
	Callbacks() VMCallbacks
	Loader() VMLoader
}

type SimpleVMConfig struct {
	NumCPUs  int
	MemSize  uint64
	MemBase  uint64
	VMLoader VMLoader

	CreateVM   func(vm VirtualMachine) error
	CreateVCPU func(vCpu VirtualCPU) error
}

// OnCreateVM implements VMCallbacks.
func (c SimpleVMConfig) OnCreateVM(vm VirtualMachine) error {
	if c.CreateVM != nil {
		return c.CreateVM(vm)
	}
	return nil
}

// OnCreateVCPU implements VMCallbacks.
func (c SimpleVMConfig) OnCreateVCPU(vCpu VirtualCPU) error {
	if c.CreateVCPU != nil {
		return c.CreateVCPU(vCpu)
	}
	return nil
}

func (c SimpleVMConfig) CPUCount() int          { return c.NumCPUs }
func (c SimpleVMConfig) MemorySize() uint64     { return c.MemSize }
func (c SimpleVMConfig) MemoryBase() uint64     { return c.MemBase }
func (c SimpleVMConfig) Callbacks() VMCallbacks { return c }
func (c SimpleVMConfig) Loader() VMLoader       { return c.VMLoader }

var (
	_ VMConfig = SimpleVMConfig{}
)

type Hypervisor interface {
	io.Closer

	Architecture() CpuArchitecture

	NewVirtualMachine(config VMConfig) (VirtualMachine, error)
}
