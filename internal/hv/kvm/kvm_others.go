//go:build linux && !amd64

package kvm

import (
	"context"
	"fmt"

	"github.com/tinyrange/bootmon/internal/hv"
)

func (v *virtualCPU) GetRegisters() (hv.Registers, error) {
	return hv.Registers{}, fmt.Errorf("kvm: GetRegisters not supported on this architecture")
}

func (v *virtualCPU) SetRegisters(hv.Registers) error {
	return fmt.Errorf("kvm: SetRegisters not supported on this architecture")
}

func (v *virtualCPU) GetSegments() (hv.Segments, error) {
	return hv.Segments{}, fmt.Errorf("kvm: GetSegments not supported on this architecture")
}

func (v *virtualCPU) SetSegments(hv.Segments) error {
	return fmt.Errorf("kvm: SetSegments not supported on this architecture")
}

func (v *virtualCPU) SetSingleStep(bool) error {
	return fmt.Errorf("kvm: SetSingleStep not supported on this architecture")
}

func (v *virtualCPU) Run(ctx context.Context) (hv.Exit, error) {
	return nil, fmt.Errorf("kvm: Run not supported on this architecture")
}

func (v *virtualMachine) archVMInit() error {
	return fmt.Errorf("kvm: real-mode guests need an x86_64 host: %w", hv.ErrHypervisorUnsupported)
}

func (*hypervisor) Architecture() hv.CpuArchitecture {
	return hv.ArchitectureInvalid
}
