//go:build linux

package kvm

import (
	"fmt"
	"unsafe"

	"github.com/tinyrange/bootmon/internal/hv"
)

const kvmRunUnionOffset = unsafe.Offsetof(kvmRunData{}.anon0)

// classifyExit turns the shared run page into an hv.Exit. The run page must be
// at least as large as kvmRunData.
func classifyExit(page []byte) hv.Exit {
	run := (*kvmRunData)(unsafe.Pointer(&page[0]))
	reason := kvmExitReason(run.exit_reason)

	switch reason {
	case kvmExitHlt:
		return hv.ExitHalt{}
	case kvmExitIo:
		io := (*kvmExitIoData)(unsafe.Pointer(&run.anon0[0]))

		n := uint64(io.size) * uint64(io.count)
		if io.dataOffset < uint64(unsafe.Sizeof(kvmRunData{})) || io.dataOffset+n > uint64(len(page)) {
			return hv.ExitUnknown{
				Reason: uint32(reason),
				Detail: fmt.Sprintf("%s payload [0x%x+%d] outside run page", reason, io.dataOffset, n),
			}
		}

		return hv.ExitIO{
			Direction: hv.IODirection(io.direction),
			Port:      io.port,
			Size:      io.size,
			Count:     io.count,
			Data:      page[io.dataOffset : io.dataOffset+n],
		}
	case kvmExitDebug:
		dbg := (*kvmDebugExitArch)(unsafe.Pointer(&run.anon0[0]))

		return hv.ExitDebug{
			Exception: dbg.exception,
			PC:        dbg.pc,
			DR6:       dbg.dr6,
			DR7:       dbg.dr7,
		}
	case kvmExitInternalError:
		ie := (*internalError)(unsafe.Pointer(&run.anon0[0]))

		return hv.ExitUnknown{
			Reason: uint32(reason),
			Detail: fmt.Sprintf("%s: %s", reason, ie.Suberror),
		}
	case kvmExitFailEntry:
		fe := (*kvmExitFailEntryData)(unsafe.Pointer(&run.anon0[0]))

		return hv.ExitUnknown{
			Reason: uint32(reason),
			Detail: fmt.Sprintf("%s: hardware reason 0x%x on cpu %d", reason, fe.hardwareEntryFailureReason, fe.cpu),
		}
	default:
		return hv.ExitUnknown{Reason: uint32(reason), Detail: reason.String()}
	}
}
