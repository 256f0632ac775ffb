//go:build linux

package kvm

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"unsafe"

	"github.com/tinyrange/bootmon/internal/hv"
	"github.com/tinyrange/bootmon/internal/timeslice"
	"golang.org/x/sys/unix"
)

var (
	tsKvmOpen                = timeslice.RegisterKind("kvm_open", timeslice.SliceFlagSetupTime)
	tsKvmCreateVm            = timeslice.RegisterKind("kvm_create_vm", timeslice.SliceFlagSetupTime)
	tsKvmMmapGuestMemory     = timeslice.RegisterKind("kvm_mmap_guest_memory", timeslice.SliceFlagSetupTime)
	tsKvmSetUserMemoryRegion = timeslice.RegisterKind("kvm_set_user_memory_region", timeslice.SliceFlagSetupTime)
	tsKvmCreateVCPU          = timeslice.RegisterKind("kvm_create_vcpu", timeslice.SliceFlagSetupTime)
	tsKvmMmapVCPU            = timeslice.RegisterKind("kvm_mmap_vcpu", timeslice.SliceFlagSetupTime)
	tsKvmLoaded              = timeslice.RegisterKind("firmware_load", timeslice.SliceFlagSetupTime)
	tsKvmHostTime            = timeslice.RegisterKind("kvm_host_time", 0)
	tsKvmGuestTime           = timeslice.RegisterKind("vcpu_run", timeslice.SliceFlagGuestTime)
)

type virtualCPU struct {
	rec *timeslice.Recorder

	vm       *virtualMachine
	runQueue chan func()
	id       int
	fd       int
	run      []byte
}

// implements hv.VirtualCPU.
func (v *virtualCPU) ID() int                           { return v.id }
func (v *virtualCPU) VirtualMachine() hv.VirtualMachine { return v.vm }

// start services the run queue on a dedicated OS thread. KVM requires every
// vCPU ioctl to come from the thread that will be signalled on cancellation.
func (v *virtualCPU) start() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for fn := range v.runQueue {
		fn()
	}
}

func (v *virtualCPU) runData() *kvmRunData {
	return (*kvmRunData)(unsafe.Pointer(&v.run[0]))
}

func (v *virtualCPU) RequestImmediateExit(tid int) error {
	// set immediate_exit so a KVM_RUN that has not started yet returns at once
	v.runData().immediate_exit = 1

	// kick the vCPU thread out of a KVM_RUN that is already in progress
	if err := unix.Tgkill(unix.Getpid(), tid, unix.SIGUSR1); err != nil {
		return fmt.Errorf("kvm: request immediate exit: %w", err)
	}

	return nil
}

var (
	_ hv.VirtualCPU = &virtualCPU{}
)

type virtualMachine struct {
	rec *timeslice.Recorder
	log *slog.Logger

	hv     *hypervisor
	vmFd   int
	vcpus  map[int]*virtualCPU
	memMu  sync.RWMutex
	memory *hv.GuestMemory

	addressSpace *hv.AddressSpace
	slots        map[uint32]*hv.GuestMemory
	nextSlot     uint32
}

// implements hv.VirtualMachine.
func (v *virtualMachine) MemoryBase() uint64        { return v.memory.Base() }
func (v *virtualMachine) MemorySize() uint64        { return v.memory.Size() }
func (v *virtualMachine) Hypervisor() hv.Hypervisor { return v.hv }

// RegisterMemory binds mem to its guest-physical base in a new memory slot.
// The caller keeps ownership of the backing allocation and must keep it
// mapped until the VM is closed.
func (v *virtualMachine) RegisterMemory(mem *hv.GuestMemory) (uint32, error) {
	slot := v.nextSlot

	if err := v.addressSpace.RegisterRAM(slot, mem.Base(), mem.Size()); err != nil {
		return 0, fmt.Errorf("register memory: %w", err)
	}

	host := mem.Bytes()
	if err := setUserMemoryRegion(v.vmFd, &kvmUserspaceMemoryRegion{
		Slot:          slot,
		Flags:         0,
		GuestPhysAddr: mem.Base(),
		MemorySize:    mem.Size(),
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&host[0]))),
	}); err != nil {
		_ = v.addressSpace.Unregister(slot)
		return 0, fmt.Errorf("set user memory region: %w", err)
	}

	v.rec.Record(tsKvmSetUserMemoryRegion)

	v.slots[slot] = mem
	v.nextSlot++

	return slot, nil
}

// unregisterMemory removes a slot from the VM. KVM deletes a slot when it is
// set again with a zero size.
func (v *virtualMachine) unregisterMemory(slot uint32) error {
	if err := setUserMemoryRegion(v.vmFd, &kvmUserspaceMemoryRegion{Slot: slot}); err != nil {
		return fmt.Errorf("delete user memory region %d: %w", slot, err)
	}
	delete(v.slots, slot)
	return v.addressSpace.Unregister(slot)
}

// Close implements hv.VirtualMachine.
func (v *virtualMachine) Close() error {
	vcpus := v.vcpus
	v.vcpus = nil

	for _, vcpu := range vcpus {
		close(vcpu.runQueue)
		if err := unix.Munmap(vcpu.run); err != nil {
			v.log.Error("kvm: munmap vcpu run", "error", err)
		}
		if err := unix.Close(vcpu.fd); err != nil {
			v.log.Error("kvm: close vcpu fd", "error", err)
		}
	}

	v.memMu.Lock()
	defer v.memMu.Unlock()

	// Slots must be removed before their backing memory is unmapped.
	for _, region := range v.addressSpace.Regions() {
		mem, ok := v.slots[region.Slot]
		if !ok {
			continue
		}
		if v.vmFd >= 0 {
			if err := v.unregisterMemory(region.Slot); err != nil {
				v.log.Error("kvm: unregister memory", "slot", region.Slot, "error", err)
			}
		}
		if host := mem.Release(); host != nil {
			if err := unix.Munmap(host); err != nil {
				v.log.Error("kvm: munmap memory", "error", err)
			}
		}
	}

	if v.vmFd >= 0 {
		if err := unix.Close(v.vmFd); err != nil {
			return fmt.Errorf("kvm: close vm fd: %w", err)
		}
		v.vmFd = -1
	}

	return nil
}

// Run implements hv.VirtualMachine.
func (v *virtualMachine) Run(ctx context.Context, cfg hv.RunConfig) error {
	if cfg == nil {
		return fmt.Errorf("kvm: RunConfig is nil")
	}

	return v.VirtualCPUCall(0, func(vcpu hv.VirtualCPU) error {
		return cfg.Run(ctx, vcpu)
	})
}

func (v *virtualMachine) ReadAt(p []byte, off int64) (n int, err error) {
	v.memMu.RLock()
	defer v.memMu.RUnlock()

	return v.memory.ReadAt(p, off)
}

func (v *virtualMachine) WriteAt(p []byte, off int64) (n int, err error) {
	v.memMu.RLock()
	defer v.memMu.RUnlock()

	return v.memory.WriteAt(p, off)
}

func (v *virtualMachine) VirtualCPUCall(id int, f func(vcpu hv.VirtualCPU) error) error {
	vcpu, ok := v.vcpus[id]
	if !ok {
		return fmt.Errorf("kvm: no vCPU %d found", id)
	}

	done := make(chan error, 1)

	vcpu.runQueue <- func() {
		done <- f(vcpu)
	}

	return <-done
}

var (
	_ hv.VirtualMachine = &virtualMachine{}
)

type hypervisor struct {
	fd  int
	log *slog.Logger
}

func (h *hypervisor) Close() error {
	if err := unix.Close(h.fd); err != nil {
		return fmt.Errorf("close kvm fd: %w", err)
	}

	return nil
}

// NewVirtualMachine implements hv.Hypervisor.
func (h *hypervisor) NewVirtualMachine(config hv.VMConfig) (hv.VirtualMachine, error) {
	if config.CPUCount() != 1 {
		return nil, fmt.Errorf("kvm: only 1 vCPU supported, got %d", config.CPUCount())
	}
	if config.MemorySize() == 0 {
		return nil, fmt.Errorf("kvm: memory size must be greater than 0")
	}
	if config.MemorySize() > uint64(^uint(0)>>1) {
		return nil, fmt.Errorf("kvm: memory size %d exceeds host address limit", config.MemorySize())
	}

	vm := &virtualMachine{
		hv:           h,
		rec:          timeslice.NewRecorder(),
		log:          h.log,
		vmFd:         -1,
		vcpus:        make(map[int]*virtualCPU),
		slots:        make(map[uint32]*hv.GuestMemory),
		addressSpace: hv.NewAddressSpace(),
	}

	vmFd, err := createVm(h.fd)
	if err != nil {
		return nil, fmt.Errorf("kvm: create VM: %w", err)
	}
	vm.vmFd = vmFd

	vm.rec.Record(tsKvmCreateVm)

	fail := func(err error) (hv.VirtualMachine, error) {
		if cerr := vm.Close(); cerr != nil {
			h.log.Error("kvm: close VM after failed setup", "error", cerr)
		}
		return nil, err
	}

	if err := vm.archVMInit(); err != nil {
		return fail(fmt.Errorf("initialize VM: %w", err))
	}

	if err := config.Callbacks().OnCreateVM(vm); err != nil {
		return fail(fmt.Errorf("VM callback OnCreateVM: %w", err))
	}

	host, err := unix.Mmap(
		-1,
		0,
		int(config.MemorySize()),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANONYMOUS|unix.MAP_PRIVATE|unix.MAP_NORESERVE,
	)
	if err != nil {
		return fail(fmt.Errorf("mmap guest memory: %w", err))
	}

	// Merging identical guest pages is an optimisation only.
	if err := unix.Madvise(host, unix.MADV_MERGEABLE); err != nil {
		h.log.Debug("kvm: madvise guest memory", "error", err)
	}

	vm.rec.Record(tsKvmMmapGuestMemory)

	mem, err := hv.NewGuestMemory(host, config.MemoryBase())
	if err != nil {
		unix.Munmap(host)
		return fail(err)
	}

	if _, err := vm.RegisterMemory(mem); err != nil {
		unix.Munmap(host)
		return fail(err)
	}
	vm.memory = mem

	mmapSize, err := getVcpuMmapSize(h.fd)
	if err != nil {
		return fail(fmt.Errorf("get kvm_run mmap size: %w", err))
	}
	if mmapSize < int(unsafe.Sizeof(kvmRunData{})) {
		return fail(fmt.Errorf("kvm: kvm_run mmap size %d too small", mmapSize))
	}

	for i := range config.CPUCount() {
		vcpuFd, err := createVCPU(vm.vmFd, i)
		if err != nil {
			return fail(fmt.Errorf("create vCPU %d: %w", i, err))
		}

		vm.rec.Record(tsKvmCreateVCPU)

		run, err := unix.Mmap(
			vcpuFd,
			0,
			mmapSize,
			unix.PROT_READ|unix.PROT_WRITE,
			unix.MAP_SHARED,
		)
		if err != nil {
			unix.Close(vcpuFd)
			return fail(fmt.Errorf("mmap vCPU %d kvm_run: %w", i, err))
		}

		vm.rec.Record(tsKvmMmapVCPU)

		vcpu := &virtualCPU{
			rec:      timeslice.NewRecorder(),
			vm:       vm,
			id:       i,
			fd:       vcpuFd,
			run:      run,
			runQueue: make(chan func(), 16),
		}

		vm.vcpus[i] = vcpu

		go vcpu.start()

		if err := config.Callbacks().OnCreateVCPU(vcpu); err != nil {
			return fail(fmt.Errorf("VM callback OnCreateVCPU %d: %w", i, err))
		}
	}

	if loader := config.Loader(); loader != nil {
		if err := loader.Load(vm); err != nil {
			return fail(fmt.Errorf("load VM: %w", err))
		}

		vm.rec.Record(tsKvmLoaded)
	}

	return vm, nil
}

var (
	_ hv.Hypervisor = &hypervisor{}
)

// Open acquires the KVM device and checks that it speaks exactly the API
// version this package was written against.
func Open() (hv.Hypervisor, error) {
	return OpenWithLogger(slog.Default())
}

func OpenWithLogger(log *slog.Logger) (hv.Hypervisor, error) {
	rec := timeslice.NewRecorder()

	fd, err := unix.Open("/dev/kvm", unix.O_CLOEXEC|unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open /dev/kvm: %w", err)
	}

	version, err := getApiVersion(fd)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("get KVM API version: %w", err)
	}
	if version != kvmApiVersion {
		unix.Close(fd)
		return nil, fmt.Errorf("kvm: unsupported API version %d, want %d", version, kvmApiVersion)
	}

	rec.Record(tsKvmOpen)

	return &hypervisor{fd: fd, log: log}, nil
}
