//go:build !(linux && amd64)

package factory

import (
	"log/slog"

	"github.com/tinyrange/bootmon/internal/hv"
)

func open(*slog.Logger) (hv.Hypervisor, error) {
	return nil, hv.ErrHypervisorUnsupported
}
