package hv

import "fmt"

// Exit describes why a virtual CPU returned control to the monitor.
//
// The set of implementations is closed: ExitHalt, ExitIO, ExitDebug and
// ExitUnknown. Anything the backend cannot classify is reported as
// ExitUnknown with the raw code so callers never see a bare integer.
type Exit interface {
	// Code is the backend's numeric exit reason.
	Code() uint32

	isExit()
}

// Numeric exit reasons shared with the Linux KVM ABI.
const (
	ExitCodeIO    uint32 = 2
	ExitCodeDebug uint32 = 4
	ExitCodeHalt  uint32 = 5
)

type IODirection uint8

const (
	IODirectionIn  IODirection = 0
	IODirectionOut IODirection = 1
)

func (d IODirection) String() string {
	switch d {
	case IODirectionIn:
		return "in"
	case IODirectionOut:
		return "out"
	default:
		return fmt.Sprintf("IODirection(%d)", uint8(d))
	}
}

// ExitHalt is reported when the guest executes HLT.
type ExitHalt struct{}

func (ExitHalt) Code() uint32 { return ExitCodeHalt }
func (ExitHalt) isExit()      {}

func (ExitHalt) String() string { return "halt" }

// ExitIO is reported when the guest executes an IN or OUT instruction.
//
// Data aliases the shared run page: for OUT it holds Size*Count bytes
// written by the guest, for IN the monitor may fill it before the next Run.
// It must not be retained past the next Run.
type ExitIO struct {
	Direction IODirection
	Port      uint16
	Size      uint8
	Count     uint32
	Data      []byte
}

func (ExitIO) Code() uint32 { return ExitCodeIO }
func (ExitIO) isExit()      {}

func (e ExitIO) String() string {
	return fmt.Sprintf("io %s port=0x%04x size=%d count=%d", e.Direction, e.Port, e.Size, e.Count)
}

// ExitDebug is reported after a single-step trap or another debug exception.
type ExitDebug struct {
	Exception uint32
	PC        uint64
	DR6       uint64
	DR7       uint64
}

func (ExitDebug) Code() uint32 { return ExitCodeDebug }
func (ExitDebug) isExit()      {}

func (e ExitDebug) String() string {
	return fmt.Sprintf("debug exception=%d pc=0x%x", e.Exception, e.PC)
}

// ExitUnknown is any exit the monitor has no model for.
type ExitUnknown struct {
	Reason uint32
	Detail string
}

func (e ExitUnknown) Code() uint32 { return e.Reason }
func (ExitUnknown) isExit()        {}

func (e ExitUnknown) String() string {
	if e.Detail == "" {
		return fmt.Sprintf("unknown exit %d", e.Reason)
	}
	return fmt.Sprintf("unknown exit %d (%s)", e.Reason, e.Detail)
}

var (
	_ Exit = ExitHalt{}
	_ Exit = ExitIO{}
	_ Exit = ExitDebug{}
	_ Exit = ExitUnknown{}
)
