//go:build linux

package kvm

import "fmt"

const (
	kvmApiVersion = 12

	kvmGetApiVersion       = 0xae00
	kvmCreateVm            = 0xae01
	kvmCheckExtension      = 0xae03
	kvmGetVcpuMmapSize     = 0xae04
	kvmCreateVcpu          = 0xae41
	kvmSetUserMemoryRegion = 0x4020ae46
	kvmSetTssAddr          = 0xae47
	kvmRun                 = 0xae80
	kvmGetRegs             = 0x8090ae81
	kvmSetRegs             = 0x4090ae82
	kvmGetSregs            = 0x8138ae83
	kvmSetSregs            = 0x4138ae84
	kvmSetGuestDebug       = 0x4048ae9b

	kvmCapNrMemslots  = 10
	kvmCapSetGuestDbg = 23
)

// tssAddr is a three page region above the guest RAM that Intel hosts
// need for real-mode emulation. The value is the conventional one used by
// QEMU and is not derived from anything.
const tssAddr = 0xfffbd000

const (
	kvmGuestDbgEnable     = 1 << 0
	kvmGuestDbgSingleStep = 1 << 1
)

const (
	kvmExitIoIn  = 0
	kvmExitIoOut = 1
)

type kvmExitReason uint32

const (
	kvmExitUnknown       kvmExitReason = 0
	kvmExitException     kvmExitReason = 1
	kvmExitIo            kvmExitReason = 2
	kvmExitHypercall     kvmExitReason = 3
	kvmExitDebug         kvmExitReason = 4
	kvmExitHlt           kvmExitReason = 5
	kvmExitMmio          kvmExitReason = 6
	kvmExitIrqWindowOpen kvmExitReason = 7
	kvmExitShutdown      kvmExitReason = 8
	kvmExitFailEntry     kvmExitReason = 9
	kvmExitIntr          kvmExitReason = 10
	kvmExitSetTpr        kvmExitReason = 11
	kvmExitTprAccess     kvmExitReason = 12
	kvmExitNmi           kvmExitReason = 16
	kvmExitInternalError kvmExitReason = 17
	kvmExitSystemEvent   kvmExitReason = 24
	kvmExitIoapicEoi     kvmExitReason = 26
	kvmExitHyperv        kvmExitReason = 27
	kvmExitX86Rdmsr      kvmExitReason = 29
	kvmExitX86Wrmsr      kvmExitReason = 30
	kvmExitDirtyRingFull kvmExitReason = 31
	kvmExitX86BusLock    kvmExitReason = 33
	kvmExitNotify        kvmExitReason = 37
	kvmExitMemoryFault   kvmExitReason = 39
)

var exitReasonNames = map[kvmExitReason]string{
	kvmExitUnknown:       "KVM_EXIT_UNKNOWN",
	kvmExitException:     "KVM_EXIT_EXCEPTION",
	kvmExitIo:            "KVM_EXIT_IO",
	kvmExitHypercall:     "KVM_EXIT_HYPERCALL",
	kvmExitDebug:         "KVM_EXIT_DEBUG",
	kvmExitHlt:           "KVM_EXIT_HLT",
	kvmExitMmio:          "KVM_EXIT_MMIO",
	kvmExitIrqWindowOpen: "KVM_EXIT_IRQ_WINDOW_OPEN",
	kvmExitShutdown:      "KVM_EXIT_SHUTDOWN",
	kvmExitFailEntry:     "KVM_EXIT_FAIL_ENTRY",
	kvmExitIntr:          "KVM_EXIT_INTR",
	kvmExitSetTpr:        "KVM_EXIT_SET_TPR",
	kvmExitTprAccess:     "KVM_EXIT_TPR_ACCESS",
	kvmExitNmi:           "KVM_EXIT_NMI",
	kvmExitInternalError: "KVM_EXIT_INTERNAL_ERROR",
	kvmExitSystemEvent:   "KVM_EXIT_SYSTEM_EVENT",
	kvmExitIoapicEoi:     "KVM_EXIT_IOAPIC_EOI",
	kvmExitHyperv:        "KVM_EXIT_HYPERV",
	kvmExitX86Rdmsr:      "KVM_EXIT_X86_RDMSR",
	kvmExitX86Wrmsr:      "KVM_EXIT_X86_WRMSR",
	kvmExitDirtyRingFull: "KVM_EXIT_DIRTY_RING_FULL",
	kvmExitX86BusLock:    "KVM_EXIT_X86_BUS_LOCK",
	kvmExitNotify:        "KVM_EXIT_NOTIFY",
	kvmExitMemoryFault:   "KVM_EXIT_MEMORY_FAULT",
}

func (kr kvmExitReason) String() string {
	if name, ok := exitReasonNames[kr]; ok {
		return name
	}
	return fmt.Sprintf("KVM_EXIT_???(%d)", uint32(kr))
}
