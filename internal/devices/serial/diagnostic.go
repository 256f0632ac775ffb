// Package serial provides the diagnostic byte sink a real-mode guest writes to
// with single-byte OUT instructions.
package serial

import (
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/tinyrange/bootmon/internal/hv"
)

// DefaultPort is COM1, the conventional diagnostic port.
const DefaultPort uint16 = 0x3f8

type Options struct {
	// LinePerByte terminates every byte with a newline.
	LinePerByte bool

	Log *slog.Logger
}

type diagnosticStats struct {
	written uint64
	ignored uint64
}

// DiagnosticPort forwards every single-byte OUT on its port to a writer.
// Reads and wider or repeated writes are accepted and ignored.
type DiagnosticPort struct {
	mu sync.Mutex

	port uint16
	out  io.Writer
	opts Options
	log  *slog.Logger

	stats diagnosticStats
}

func NewDiagnosticPort(port uint16, out io.Writer, opts Options) *DiagnosticPort {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	if out == nil {
		out = io.Discard
	}
	return &DiagnosticPort{
		port: port,
		out:  out,
		opts: opts,
		log:  log,
	}
}

// Name implements chipset.Named.
func (d *DiagnosticPort) Name() string { return "diagnostic" }

// Init implements hv.Device.
func (d *DiagnosticPort) Init(vm hv.VirtualMachine) error {
	return nil
}

// IOPorts implements hv.X86IOPortDevice.
func (d *DiagnosticPort) IOPorts() []uint16 {
	return []uint16{d.port}
}

// ReadIOPort implements hv.X86IOPortDevice. The guest's buffer is left as is.
func (d *DiagnosticPort) ReadIOPort(port uint16, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stats.ignored++
	d.log.Debug("diagnostic port: ignoring read", "port", fmt.Sprintf("0x%x", port), "size", len(data))
	return nil
}

// WriteIOPort implements hv.X86IOPortDevice.
func (d *DiagnosticPort) WriteIOPort(port uint16, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if port != d.port || len(data) != 1 {
		d.stats.ignored++
		d.log.Debug("diagnostic port: ignoring write", "port", fmt.Sprintf("0x%x", port), "size", len(data))
		return nil
	}

	buf := data
	if d.opts.LinePerByte {
		buf = []byte{data[0], '\n'}
	}
	if _, err := d.out.Write(buf); err != nil {
		return fmt.Errorf("diagnostic port 0x%x: %w", d.port, err)
	}
	d.stats.written++

	return nil
}

// Written is the number of bytes forwarded to the writer.
func (d *DiagnosticPort) Written() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats.written
}

// Ignored is the number of accesses that were accepted but dropped.
func (d *DiagnosticPort) Ignored() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats.ignored
}

var (
	_ hv.X86IOPortDevice = &DiagnosticPort{}
)
