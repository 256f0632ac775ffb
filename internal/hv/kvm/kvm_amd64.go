//go:build linux && amd64

package kvm

import (
	"context"
	"errors"
	"fmt"

	"github.com/tinyrange/bootmon/internal/hv"
	"golang.org/x/sys/unix"
)

func (v *virtualCPU) GetRegisters() (hv.Registers, error) {
	regs, err := getRegisters(v.fd)
	if err != nil {
		return hv.Registers{}, fmt.Errorf("kvm: get registers: %w", err)
	}

	return hv.Registers{
		Rax:    regs.Rax,
		Rbx:    regs.Rbx,
		Rcx:    regs.Rcx,
		Rdx:    regs.Rdx,
		Rsi:    regs.Rsi,
		Rdi:    regs.Rdi,
		Rsp:    regs.Rsp,
		Rbp:    regs.Rbp,
		Rip:    regs.Rip,
		Rflags: regs.Rflags,
	}, nil
}

// SetRegisters replaces the general-purpose registers. R8-R15 are not
// reachable from real mode and keep whatever value KVM holds.
func (v *virtualCPU) SetRegisters(r hv.Registers) error {
	regs, err := getRegisters(v.fd)
	if err != nil {
		return fmt.Errorf("kvm: get registers: %w", err)
	}

	regs.Rax = r.Rax
	regs.Rbx = r.Rbx
	regs.Rcx = r.Rcx
	regs.Rdx = r.Rdx
	regs.Rsi = r.Rsi
	regs.Rdi = r.Rdi
	regs.Rsp = r.Rsp
	regs.Rbp = r.Rbp
	regs.Rip = r.Rip
	regs.Rflags = r.Rflags

	if err := setRegisters(v.fd, &regs); err != nil {
		return fmt.Errorf("kvm: set registers: %w", err)
	}

	return nil
}

func segmentFromKVM(s kvmSegment) hv.Segment {
	return hv.Segment{
		Base:     s.Base,
		Limit:    s.Limit,
		Selector: s.Selector,
		Type:     s.Type,
		Present:  s.Present,
		Dpl:      s.Dpl,
		Db:       s.Db,
		S:        s.S,
		L:        s.L,
		G:        s.G,
	}
}

func segmentToKVM(dst *kvmSegment, s hv.Segment) {
	dst.Base = s.Base
	dst.Limit = s.Limit
	dst.Selector = s.Selector
	dst.Type = s.Type
	dst.Present = s.Present
	dst.Dpl = s.Dpl
	dst.Db = s.Db
	dst.S = s.S
	dst.L = s.L
	dst.G = s.G
	dst.Avl = 0
	dst.Unusable = 0
}

func (v *virtualCPU) GetSegments() (hv.Segments, error) {
	sregs, err := getSRegs(v.fd)
	if err != nil {
		return hv.Segments{}, fmt.Errorf("kvm: get special registers: %w", err)
	}

	return hv.Segments{
		CS: segmentFromKVM(sregs.Cs),
		DS: segmentFromKVM(sregs.Ds),
		ES: segmentFromKVM(sregs.Es),
		FS: segmentFromKVM(sregs.Fs),
		GS: segmentFromKVM(sregs.Gs),
		SS: segmentFromKVM(sregs.Ss),
	}, nil
}

// SetSegments updates the six segment registers and leaves the control
// registers, descriptor tables and EFER untouched.
func (v *virtualCPU) SetSegments(segs hv.Segments) error {
	sregs, err := getSRegs(v.fd)
	if err != nil {
		return fmt.Errorf("kvm: get special registers: %w", err)
	}

	segmentToKVM(&sregs.Cs, segs.CS)
	segmentToKVM(&sregs.Ds, segs.DS)
	segmentToKVM(&sregs.Es, segs.ES)
	segmentToKVM(&sregs.Fs, segs.FS)
	segmentToKVM(&sregs.Gs, segs.GS)
	segmentToKVM(&sregs.Ss, segs.SS)

	if err := setSRegs(v.fd, &sregs); err != nil {
		return fmt.Errorf("kvm: set special registers: %w", err)
	}

	return nil
}

func (v *virtualCPU) SetSingleStep(enabled bool) error {
	var dbg kvmGuestDebug
	if enabled {
		dbg.Control = kvmGuestDbgEnable | kvmGuestDbgSingleStep
	}

	if err := setGuestDebug(v.fd, &dbg); err != nil {
		return fmt.Errorf("kvm: set guest debug: %w", err)
	}

	return nil
}

// Run implements hv.VirtualCPU.
func (v *virtualCPU) Run(ctx context.Context) (hv.Exit, error) {
	run := v.runData()

	// clear immediate_exit before arming cancellation so a cancel that races
	// with entry is not lost
	run.immediate_exit = 0

	usingContext := false
	var stopNotify func() bool
	if done := ctx.Done(); done != nil {
		usingContext = true
		tid := unix.Gettid()
		stopNotify = context.AfterFunc(ctx, func() {
			_ = v.RequestImmediateExit(tid)
		})
	}
	if stopNotify != nil {
		defer stopNotify()
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v.rec.Record(tsKvmHostTime)

	// keep trying to run the vCPU until it exits or an error occurs
	for {
		_, err := ioctl(uintptr(v.fd), uint64(kvmRun), 0)
		if errors.Is(err, unix.EINTR) {
			if usingContext && ctx.Err() != nil {
				return nil, ctx.Err()
			}

			continue
		} else if err != nil {
			return nil, fmt.Errorf("kvm: run vCPU %d: %w", v.id, err)
		}

		break
	}
	v.rec.Record(tsKvmGuestTime)

	return classifyExit(v.run), nil
}

func (v *virtualMachine) archVMInit() error {
	if err := setTSSAddr(v.vmFd, tssAddr); err != nil {
		return fmt.Errorf("setting TSS addr: %w", err)
	}

	return nil
}

func (*hypervisor) Architecture() hv.CpuArchitecture {
	return hv.ArchitectureX86_64
}
