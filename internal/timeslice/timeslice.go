// Package timeslice records how long each phase of VM setup and execution
// takes. Records are streamed to a binary file that ReadAllRecords and
// Summarize can decode later.
package timeslice

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync/atomic"
	"time"
)

const (
	Magic   uint32 = 0x544d4f4e // "TMON"
	Version uint32 = 1

	headerAlign = 4096
)

type header struct {
	Magic        uint32
	Version      uint32
	KindsLength  uint32
	RecordLength uint32
}

type TimesliceID uint64

const InvalidTimesliceID = TimesliceID(0)

type SliceInfo struct {
	Name  string
	Flags SliceFlags
}

type SliceFlags uint32

func (f SliceFlags) String() string {
	flags := []string{}
	if f&SliceFlagGuestTime != 0 {
		flags = append(flags, "guest")
	}
	if f&SliceFlagSetupTime != 0 {
		flags = append(flags, "setup")
	}
	return strings.Join(flags, ",")
}

const (
	SliceFlagGuestTime SliceFlags = 1 << iota
	SliceFlagSetupTime
)

var kinds = make(map[TimesliceID]SliceInfo)

// RegisterKind adds a named kind of timeslice. It must only be called from
// package initialisation.
func RegisterKind(name string, flags SliceFlags) TimesliceID {
	id := TimesliceID(len(kinds) + 1)
	kinds[id] = SliceInfo{
		Name:  name,
		Flags: flags,
	}
	return id
}

type record struct {
	ID       TimesliceID
	Duration int64
}

var recordSize = binary.Size(record{})

type writer struct {
	w       io.Writer
	done    chan error
	records chan record
	dropped atomic.Uint64
}

func (w *writer) run() {
	defer close(w.done)

	bw := bufio.NewWriterSize(w.w, headerAlign)
	var buf [16]byte

	for rec := range w.records {
		binary.LittleEndian.PutUint64(buf[0:8], uint64(rec.ID))
		binary.LittleEndian.PutUint64(buf[8:16], uint64(rec.Duration))
		if _, err := bw.Write(buf[:recordSize]); err != nil {
			w.done <- err
			// drain so Record never blocks on a dead writer
			for range w.records {
			}
			return
		}
	}

	w.done <- bw.Flush()
}

func (w *writer) Close() error {
	if !current.CompareAndSwap(w, nil) {
		return fmt.Errorf("timeslice: already closed")
	}

	close(w.records)

	if err := <-w.done; err != nil {
		return fmt.Errorf("timeslice: write records: %w", err)
	}

	return nil
}

var current atomic.Pointer[writer]

// Recorder measures the time between consecutive calls to Record.
// It is not safe for concurrent use.
type Recorder struct {
	last time.Time
}

func NewRecorder() *Recorder {
	return &Recorder{
		last: time.Now(),
	}
}

// Record attributes the time since the previous call to id.
func (r *Recorder) Record(id TimesliceID) {
	now := time.Now()
	Record(id, now.Sub(r.last))
	r.last = now
}

// Record writes a single record if recording is active.
func Record(id TimesliceID, duration time.Duration) {
	w := current.Load()
	if w == nil {
		return
	}

	select {
	case w.records <- record{ID: id, Duration: duration.Nanoseconds()}:
	default:
		w.dropped.Add(1)
	}
}

// StartRecording writes the kind table to w and streams every subsequent
// record to it until the returned Closer is closed. Only one recording may be
// active at a time.
func StartRecording(w io.Writer) (io.Closer, error) {
	if current.Load() != nil {
		return nil, fmt.Errorf("timeslice: already recording")
	}

	table, err := json.Marshal(kinds)
	if err != nil {
		return nil, fmt.Errorf("timeslice: marshal kinds: %w", err)
	}

	hdr := header{
		Magic:        Magic,
		Version:      Version,
		KindsLength:  uint32(len(table)),
		RecordLength: uint32(recordSize),
	}
	if err := binary.Write(w, binary.LittleEndian, hdr); err != nil {
		return nil, fmt.Errorf("timeslice: write header: %w", err)
	}
	if _, err := w.Write(table); err != nil {
		return nil, fmt.Errorf("timeslice: write kinds: %w", err)
	}

	off := binary.Size(hdr) + len(table)
	if pad := padding(off); pad > 0 {
		if _, err := w.Write(make([]byte, pad)); err != nil {
			return nil, fmt.Errorf("timeslice: write padding: %w", err)
		}
	}

	wr := &writer{
		w:       w,
		records: make(chan record, 4096),
		done:    make(chan error, 1),
	}
	if !current.CompareAndSwap(nil, wr) {
		return nil, fmt.Errorf("timeslice: already recording")
	}
	go wr.run()

	return wr, nil
}

func padding(off int) int {
	if off%headerAlign == 0 {
		return 0
	}
	return headerAlign - off%headerAlign
}

// ReadAllRecords decodes a recording and calls fn once per record in the
// order they were written.
func ReadAllRecords(r io.Reader, fn func(name string, flags SliceFlags, duration time.Duration) error) error {
	buf := bufio.NewReaderSize(r, headerAlign)

	var hdr header
	if err := binary.Read(buf, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("timeslice: read header: %w", err)
	}
	if hdr.Magic != Magic {
		return fmt.Errorf("timeslice: invalid magic 0x%08x", hdr.Magic)
	}
	if hdr.Version != Version {
		return fmt.Errorf("timeslice: unsupported version %d", hdr.Version)
	}
	if int(hdr.RecordLength) != recordSize {
		return fmt.Errorf("timeslice: unsupported record length %d", hdr.RecordLength)
	}

	var table map[TimesliceID]SliceInfo
	if err := json.NewDecoder(io.LimitReader(buf, int64(hdr.KindsLength))).Decode(&table); err != nil {
		return fmt.Errorf("timeslice: decode kinds: %w", err)
	}

	if pad := padding(binary.Size(hdr) + int(hdr.KindsLength)); pad > 0 {
		if _, err := buf.Discard(pad); err != nil {
			return fmt.Errorf("timeslice: skip padding: %w", err)
		}
	}

	for {
		var rec record
		if err := binary.Read(buf, binary.LittleEndian, &rec); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("timeslice: read record: %w", err)
		}
		kind, ok := table[rec.ID]
		if !ok {
			return fmt.Errorf("timeslice: unknown kind %d", rec.ID)
		}
		if err := fn(kind.Name, kind.Flags, time.Duration(rec.Duration)); err != nil {
			return err
		}
	}
}

// Total is the accumulated time for one kind.
type Total struct {
	Name     string
	Flags    SliceFlags
	Count    int
	Duration time.Duration
	Min      time.Duration
	Max      time.Duration
}

// Average is the mean duration of one record.
func (t Total) Average() time.Duration {
	if t.Count == 0 {
		return 0
	}
	return t.Duration / time.Duration(t.Count)
}

// Summarize totals a recording by kind, largest first.
func Summarize(r io.Reader) ([]Total, error) {
	byName := make(map[string]*Total)

	if err := ReadAllRecords(r, func(name string, flags SliceFlags, duration time.Duration) error {
		t, ok := byName[name]
		if !ok {
			t = &Total{Name: name, Flags: flags}
			byName[name] = t
		}
		if t.Count == 0 || duration < t.Min {
			t.Min = duration
		}
		if duration > t.Max {
			t.Max = duration
		}
		t.Count++
		t.Duration += duration
		return nil
	}); err != nil {
		return nil, err
	}

	totals := make([]Total, 0, len(byName))
	for _, t := range byName {
		totals = append(totals, *t)
	}
	sort.Slice(totals, func(i, j int) bool {
		if totals[i].Duration != totals[j].Duration {
			return totals[i].Duration > totals[j].Duration
		}
		return totals[i].Name < totals[j].Name
	})

	return totals, nil
}
