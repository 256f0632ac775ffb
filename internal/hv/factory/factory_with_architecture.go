// Package factory picks the hypervisor backend for the host.
package factory

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/bootmon/internal/hv"
)

// Open returns the host's hypervisor. Only KVM on linux/amd64 can run
// real-mode guests; every other host gets hv.ErrHypervisorUnsupported.
func Open() (hv.Hypervisor, error) {
	return open(slog.Default())
}

// OpenWithLogger is Open with a caller supplied logger for backend
// diagnostics.
func OpenWithLogger(log *slog.Logger) (hv.Hypervisor, error) {
	if log == nil {
		log = slog.Default()
	}
	return open(log)
}

// NewWithArchitecture opens the host hypervisor and checks that it runs
// guests of the requested architecture.
func NewWithArchitecture(arch hv.CpuArchitecture) (hv.Hypervisor, error) {
	switch arch {
	case hv.ArchitectureX86_64:
	default:
		return nil, fmt.Errorf("unsupported architecture %q: %w", arch, hv.ErrHypervisorUnsupported)
	}

	h, err := Open()
	if err != nil {
		return nil, err
	}
	if got := h.Architecture(); got != arch {
		h.Close()
		return nil, fmt.Errorf("host hypervisor runs %q guests, want %q: %w", got, arch, hv.ErrHypervisorUnsupported)
	}
	return h, nil
}
