//go:build linux && amd64

package kvm

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/tinyrange/bootmon/internal/hv"
)

const testProgramBase = 0x1000

// newRealModeVM creates a 1MiB VM with code at 0000:1000 and every segment
// register flattened to selector 0.
func newRealModeVM(t *testing.T, code []byte) hv.VirtualMachine {
	t.Helper()

	checkKVMAvailable(t)

	kvm, err := Open()
	if err != nil {
		t.Fatalf("Open KVM hypervisor: %v", err)
	}
	t.Cleanup(func() { kvm.Close() })

	vm, err := kvm.NewVirtualMachine(hv.SimpleVMConfig{
		NumCPUs: 1,
		MemSize: 0x100000,
		VMLoader: hv.VMLoaderFunc(func(vm hv.VirtualMachine) error {
			_, err := vm.WriteAt(code, testProgramBase)
			return err
		}),
		CreateVCPU: func(vcpu hv.VirtualCPU) error {
			data := hv.RealModeSegment(0, false)
			if err := vcpu.SetSegments(hv.Segments{
				CS: hv.RealModeSegment(0, true),
				DS: data, ES: data, FS: data, GS: data, SS: data,
			}); err != nil {
				return err
			}
			return vcpu.SetRegisters(hv.Registers{
				Rip:    testProgramBase,
				Rsp:    0x7000,
				Rflags: hv.FlagsReserved,
			})
		},
	})
	if err != nil {
		t.Fatalf("Create KVM virtual machine: %v", err)
	}
	t.Cleanup(func() { vm.Close() })

	return vm
}

func TestRunHaltPreservesRegisters(t *testing.T) {
	vm := newRealModeVM(t, []byte{
		0xb0, 0x25, // mov al, 0x25
		0xf4, // hlt
	})

	if err := vm.VirtualCPUCall(0, func(vcpu hv.VirtualCPU) error {
		exit, err := vcpu.Run(context.Background())
		if err != nil {
			return err
		}
		if _, ok := exit.(hv.ExitHalt); !ok {
			return fmt.Errorf("exit = %v, want halt", exit)
		}

		regs, err := vcpu.GetRegisters()
		if err != nil {
			return err
		}
		if regs.AL() != 0x25 {
			return fmt.Errorf("AL = 0x%02x, want 0x25", regs.AL())
		}
		if regs.Rip != testProgramBase+3 {
			return fmt.Errorf("RIP = 0x%x, want 0x%x", regs.Rip, testProgramBase+3)
		}
		return nil
	}); err != nil {
		t.Fatalf("VirtualCPUCall: %v", err)
	}
}

func TestRunPortWritesInOrder(t *testing.T) {
	vm := newRealModeVM(t, []byte{
		0xba, 0xf8, 0x03, // mov dx, 0x3f8
		0xb0, 'H', // mov al, 'H'
		0xee,      // out dx, al
		0xb0, 'i', // mov al, 'i'
		0xee, // out dx, al
		0xf4, // hlt
	})

	var out []byte
	err := vm.Run(context.Background(), hv.RunConfigFunc(func(ctx context.Context, vcpu hv.VirtualCPU) error {
		for {
			exit, err := vcpu.Run(ctx)
			if err != nil {
				return err
			}
			switch exit := exit.(type) {
			case hv.ExitIO:
				if exit.Direction != hv.IODirectionOut || exit.Port != 0x3f8 || exit.Size != 1 {
					return fmt.Errorf("unexpected I/O exit %v", exit)
				}
				out = append(out, exit.Data...)
			case hv.ExitHalt:
				return nil
			default:
				return fmt.Errorf("unexpected exit %v", exit)
			}
		}
	}))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if string(out) != "Hi" {
		t.Fatalf("port output = %q, want %q", out, "Hi")
	}
}

func TestRunUnmappedWriteIsUnknownExit(t *testing.T) {
	vm := newRealModeVM(t, []byte{
		0xb8, 0xff, 0xff, // mov ax, 0xffff
		0x8e, 0xd8, // mov ds, ax
		0xc6, 0x06, 0x10, 0x00, 0xaa, // mov byte [0x10], 0xaa ; linear 0x100000
		0xf4, // hlt
	})

	if err := vm.VirtualCPUCall(0, func(vcpu hv.VirtualCPU) error {
		exit, err := vcpu.Run(context.Background())
		if err != nil {
			return err
		}
		unk, ok := exit.(hv.ExitUnknown)
		if !ok {
			return fmt.Errorf("exit = %v, want unknown", exit)
		}
		if unk.Code() != uint32(kvmExitMmio) {
			return fmt.Errorf("Code() = %d, want %d", unk.Code(), kvmExitMmio)
		}
		return nil
	}); err != nil {
		t.Fatalf("VirtualCPUCall: %v", err)
	}
}

func TestRunSingleStep(t *testing.T) {
	vm := newRealModeVM(t, []byte{
		0xb0, 0x25, // mov al, 0x25
		0xb0, 0x26, // mov al, 0x26
		0xf4, // hlt
	})

	if err := vm.VirtualCPUCall(0, func(vcpu hv.VirtualCPU) error {
		if err := vcpu.SetSingleStep(true); err != nil {
			return err
		}

		exit, err := vcpu.Run(context.Background())
		if err != nil {
			return err
		}
		if _, ok := exit.(hv.ExitDebug); !ok {
			return fmt.Errorf("exit = %v, want debug", exit)
		}

		regs, err := vcpu.GetRegisters()
		if err != nil {
			return err
		}
		if regs.Rip != testProgramBase+2 || regs.AL() != 0x25 {
			return fmt.Errorf("after one step RIP=0x%x AL=0x%02x", regs.Rip, regs.AL())
		}

		if err := vcpu.SetSingleStep(false); err != nil {
			return err
		}

		exit, err = vcpu.Run(context.Background())
		if err != nil {
			return err
		}
		if _, ok := exit.(hv.ExitHalt); !ok {
			return fmt.Errorf("exit = %v, want halt", exit)
		}
		return nil
	}); err != nil {
		t.Fatalf("VirtualCPUCall: %v", err)
	}
}

func TestRunContextCancel(t *testing.T) {
	vm := newRealModeVM(t, []byte{
		0xeb, 0xfe, // jmp $
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := vm.VirtualCPUCall(0, func(vcpu hv.VirtualCPU) error {
		_, err := vcpu.Run(ctx)
		return err
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run error = %v, want context.DeadlineExceeded", err)
	}
}

func TestSegmentsRoundTrip(t *testing.T) {
	vm := newRealModeVM(t, []byte{0xf4})

	if err := vm.VirtualCPUCall(0, func(vcpu hv.VirtualCPU) error {
		segs, err := vcpu.GetSegments()
		if err != nil {
			return err
		}
		segs.CS = hv.RealModeSegment(0xf000, true)
		if err := vcpu.SetSegments(segs); err != nil {
			return err
		}

		got, err := vcpu.GetSegments()
		if err != nil {
			return err
		}
		if got.CS.Selector != 0xf000 || got.CS.Base != 0xf0000 {
			return fmt.Errorf("CS = %+v", got.CS)
		}
		return hv.CheckRealMode("cs", got.CS)
	}); err != nil {
		t.Fatalf("VirtualCPUCall: %v", err)
	}
}
