// Package monitor drives a real-mode vCPU: it sets up the entry state, runs
// the guest and dispatches every exit until the guest halts.
package monitor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/tinyrange/bootmon/internal/chipset"
	"github.com/tinyrange/bootmon/internal/hv"
	"github.com/tinyrange/bootmon/internal/timeslice"
)

var (
	tsExitDispatch = timeslice.RegisterKind("exit_dispatch", 0)
	tsConfigure    = timeslice.RegisterKind("vcpu_configure", timeslice.SliceFlagSetupTime)
)

type Action int

const (
	ActionResume Action = iota
	ActionStop
)

func (a Action) String() string {
	switch a {
	case ActionResume:
		return "resume"
	case ActionStop:
		return "stop"
	default:
		return fmt.Sprintf("Action(%d)", int(a))
	}
}

// Entry is the real-mode address of the first instruction.
type Entry struct {
	Segment uint16
	Offset  uint16
}

func (e Entry) String() string { return fmt.Sprintf("%04x:%04x", e.Segment, e.Offset) }

type Options struct {
	Entry Entry

	// Devices claim I/O ports. Accesses to unclaimed ports are ignored.
	Devices []hv.X86IOPortDevice

	// SingleStep traps after every guest instruction.
	SingleStep bool

	// MaxExits bounds the number of exits handled by Run. Zero is unlimited.
	MaxExits int

	// State receives a register dump on every debug trap.
	State io.Writer

	// Memory lets register dumps include the instruction at CS:IP.
	Memory io.ReaderAt

	// Color styles register dumps for a terminal.
	Color bool

	// RecordTrace keeps every exit for Trace.
	RecordTrace bool

	Log *slog.Logger
}

// Event is one handled exit. IO data is copied out of the run page.
type Event struct {
	Exit   hv.Exit
	Action Action
}

type Monitor struct {
	opts  Options
	log   *slog.Logger
	rec   *timeslice.Recorder
	chips *chipset.Chipset

	configured bool
	exits      int
	trace      []Event
}

func New(opts Options) (*Monitor, error) {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}

	b := chipset.NewBuilder()
	for _, dev := range opts.Devices {
		if err := b.RegisterDevice(dev); err != nil {
			return nil, err
		}
	}

	return &Monitor{
		opts:  opts,
		log:   log,
		rec:   timeslice.NewRecorder(),
		chips: b.Build(),
	}, nil
}

// InitDevices calls Init on every device.
func (m *Monitor) InitDevices(vm hv.VirtualMachine) error {
	return Setup("initialize devices", m.chips.Init(vm))
}

// EntryState returns the registers and segments the guest starts with.
// Data segments and the stack are flat at segment 0.
func EntryState(entry Entry) (hv.Registers, hv.Segments) {
	regs := hv.Registers{
		Rip:    uint64(entry.Offset),
		Rflags: hv.FlagsReserved,
	}
	data := hv.RealModeSegment(0, false)
	segs := hv.Segments{
		CS: hv.RealModeSegment(entry.Segment, true),
		DS: data,
		ES: data,
		FS: data,
		GS: data,
		SS: data,
	}
	return regs, segs
}

// ValidateEntry checks that the vCPU will fetch its first instruction from
// entry in real mode.
func ValidateEntry(regs hv.Registers, segs hv.Segments, entry Entry) error {
	if regs.Rip != uint64(entry.Offset) {
		return fmt.Errorf("instruction pointer is 0x%x, want 0x%x", regs.Rip, entry.Offset)
	}
	if regs.Rflags&hv.FlagsReserved == 0 {
		return fmt.Errorf("flags 0x%x do not have the reserved bit set", regs.Rflags)
	}
	if segs.CS.Selector != entry.Segment {
		return fmt.Errorf("code segment is 0x%04x, want 0x%04x", segs.CS.Selector, entry.Segment)
	}
	for _, s := range []struct {
		name string
		seg  hv.Segment
	}{
		{"cs", segs.CS}, {"ds", segs.DS}, {"es", segs.ES},
		{"fs", segs.FS}, {"gs", segs.GS}, {"ss", segs.SS},
	} {
		if err := hv.CheckRealMode(s.name, s.seg); err != nil {
			return err
		}
	}
	return nil
}

// Configure loads the entry state into vcpu and reads it back to validate it.
func (m *Monitor) Configure(vcpu hv.VirtualCPU) error {
	regs, segs := EntryState(m.opts.Entry)

	if err := vcpu.SetSegments(segs); err != nil {
		return Setup("set segments", err)
	}
	if err := vcpu.SetRegisters(regs); err != nil {
		return Setup("set registers", err)
	}

	gotRegs, err := vcpu.GetRegisters()
	if err != nil {
		return Setup("get registers", err)
	}
	gotSegs, err := vcpu.GetSegments()
	if err != nil {
		return Setup("get segments", err)
	}
	if err := ValidateEntry(gotRegs, gotSegs, m.opts.Entry); err != nil {
		return Setup("validate entry state", err)
	}

	if m.opts.SingleStep {
		if err := vcpu.SetSingleStep(true); err != nil {
			return Setup("enable single step", err)
		}
	}

	m.configured = true
	m.rec.Record(tsConfigure)
	m.log.Debug("vCPU configured", "entry", m.opts.Entry, "single_step", m.opts.SingleStep)

	return nil
}

// Dispatch performs the handling for one exit and reports whether the guest
// may be resumed. Resuming needs no register changes: the guest continues
// after the instruction that exited.
func (m *Monitor) Dispatch(vcpu hv.VirtualCPU, exit hv.Exit) (Action, error) {
	switch exit := exit.(type) {
	case hv.ExitHalt:
		return ActionStop, nil
	case hv.ExitIO:
		return ActionResume, m.handleIO(exit)
	case hv.ExitDebug:
		if err := m.dumpState(vcpu); err != nil {
			return ActionStop, err
		}
		return ActionResume, nil
	case hv.ExitUnknown:
		return ActionStop, &UnhandledExitError{Code: exit.Code(), Reason: exit.Detail}
	default:
		return ActionStop, &UnhandledExitError{Code: exit.Code(), Reason: fmt.Sprintf("%T", exit)}
	}
}

func (m *Monitor) handleIO(exit hv.ExitIO) error {
	handled, err := m.chips.HandlePIO(exit.Port, exit.Data, exit.Direction == hv.IODirectionOut)
	if err != nil {
		return err
	}
	if !handled {
		m.log.Debug("ignoring I/O to unclaimed port", "exit", exit)
	}
	return nil
}

func (m *Monitor) dumpState(vcpu hv.VirtualCPU) error {
	if m.opts.State == nil {
		return nil
	}

	regs, err := vcpu.GetRegisters()
	if err != nil {
		return err
	}
	segs, err := vcpu.GetSegments()
	if err != nil {
		return err
	}

	return RenderState(m.opts.State, regs, segs, RenderOptions{
		Memory: m.opts.Memory,
		Color:  m.opts.Color,
	})
}

// Run implements hv.RunConfig. It configures vcpu on first use and then runs
// it until an exit stops it.
func (m *Monitor) Run(ctx context.Context, vcpu hv.VirtualCPU) error {
	if !m.configured {
		if err := m.Configure(vcpu); err != nil {
			return err
		}
	}

	for {
		if m.opts.MaxExits > 0 && m.exits >= m.opts.MaxExits {
			return fmt.Errorf("after %d exits: %w", m.exits, ErrExitLimit)
		}

		exit, err := vcpu.Run(ctx)
		if err != nil {
			return fmt.Errorf("run vCPU %d: %w", vcpu.ID(), err)
		}
		m.exits++

		start := time.Now()
		action, err := m.Dispatch(vcpu, exit)
		timeslice.Record(tsExitDispatch, time.Since(start))
		m.record(exit, action)
		if err != nil {
			return err
		}

		if action == ActionStop {
			m.log.Debug("guest stopped", "exit", exit, "exits", m.exits)
			return nil
		}
	}
}

func (m *Monitor) record(exit hv.Exit, action Action) {
	if !m.opts.RecordTrace {
		return
	}
	if e, ok := exit.(hv.ExitIO); ok {
		e.Data = append([]byte(nil), e.Data...)
		exit = e
	}
	m.trace = append(m.trace, Event{Exit: exit, Action: action})
}

// Exits is the number of exits handled so far.
func (m *Monitor) Exits() int { return m.exits }

// Trace returns the recorded exits in order.
func (m *Monitor) Trace() []Event {
	return append([]Event(nil), m.trace...)
}

var (
	_ hv.RunConfig = &Monitor{}
)
