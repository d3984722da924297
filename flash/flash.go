// Package flash defines the byte-addressed erase/write/read contract the
// nvol engine is built against, and a MemDevice fake that enforces the
// bit-clear write discipline so tests can exercise the engine without real
// NOR-flash hardware.
package flash

import (
	"fmt"

	"github.com/navaro-labs/nvol/nvolerr"
)

// Device is the external flash collaborator. The engine never assumes
// anything about the medium beyond this contract: erased bytes read as
// 0xFF, and Write may only clear bits (1->0) until the next Erase of the
// containing sector.
type Device interface {
	// Read copies len(buf) bytes starting at addr into buf.
	Read(addr uint32, buf []byte) error

	// Write ANDs data into the existing content at addr (bit-clear
	// semantics): a 1 in data leaves the underlying bit untouched, a 0
	// clears it. Writing 0 over an already-cleared bit is a no-op;
	// attempting to set a cleared bit back to 1 is not an error, it is
	// simply not honoured.
	Write(addr uint32, data []byte) error

	// Erase sets every byte in [start, end) to 0xFF. end is clamped to
	// the device's capacity.
	Erase(start, end uint32) error
}

// MemDevice is an in-memory Device used by tests and local experimentation.
// It is not the flash backend spec.md excludes from scope (that is a real
// hardware driver) — it is the fake the engine's own tests drive against,
// the same way the teacher's segment manager tests drive a temp file.
type MemDevice struct {
	buf []byte
}

// NewMemDevice returns a device of the given capacity, pre-erased to 0xFF.
func NewMemDevice(capacity uint32) *MemDevice {
	buf := make([]byte, capacity)
	for i := range buf {
		buf[i] = 0xFF
	}
	return &MemDevice{buf: buf}
}

func (d *MemDevice) Read(addr uint32, out []byte) error {
	if uint64(addr)+uint64(len(out)) > uint64(len(d.buf)) {
		return nvolerr.New(nvolerr.CodeIO, "flash.Read")
	}
	copy(out, d.buf[addr:])
	return nil
}

func (d *MemDevice) Write(addr uint32, data []byte) error {
	if uint64(addr)+uint64(len(data)) > uint64(len(d.buf)) {
		return nvolerr.New(nvolerr.CodeIO, "flash.Write")
	}
	for i, b := range data {
		// AND into existing content: clears bits, never sets them.
		d.buf[int(addr)+i] &= b
	}
	return nil
}

func (d *MemDevice) Erase(start, end uint32) error {
	if end > uint32(len(d.buf)) {
		end = uint32(len(d.buf))
	}
	if start > end {
		return nvolerr.New(nvolerr.CodeParam, "flash.Erase")
	}
	for i := start; i < end; i++ {
		d.buf[i] = 0xFF
	}
	return nil
}

// FaultInjector wraps a Device and fails the Nth flash operation (Read,
// Write or Erase, counted together) with the given error, then passes every
// subsequent call through. It exists to drive the crash-safety property
// (spec.md §8 property 6): call Load again on a fresh engine bound to the
// same FaultInjector's underlying device after a failure and check the
// store recovers to a consistent state.
type FaultInjector struct {
	Device
	FailAt int
	Err    error

	calls int
}

func (f *FaultInjector) next(op string) error {
	f.calls++
	if f.calls == f.FailAt {
		if f.Err != nil {
			return f.Err
		}
		return nvolerr.New(nvolerr.CodeIO, op)
	}
	return nil
}

func (f *FaultInjector) Read(addr uint32, buf []byte) error {
	if err := f.next("flash.Read"); err != nil {
		return err
	}
	return f.Device.Read(addr, buf)
}

func (f *FaultInjector) Write(addr uint32, data []byte) error {
	if err := f.next("flash.Write"); err != nil {
		return err
	}
	return f.Device.Write(addr, data)
}

func (f *FaultInjector) Erase(start, end uint32) error {
	if err := f.next("flash.Erase"); err != nil {
		return err
	}
	return f.Device.Erase(start, end)
}

func (d *MemDevice) String() string {
	return fmt.Sprintf("flash.MemDevice{%d bytes}", len(d.buf))
}
