//go:build linux && amd64

package factory

import (
	"log/slog"

	"github.com/tinyrange/bootmon/internal/hv"
	"github.com/tinyrange/bootmon/internal/hv/kvm"
)

func open(log *slog.Logger) (hv.Hypervisor, error) {
	return kvm.OpenWithLogger(log)
}
