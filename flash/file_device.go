package flash

import (
	"fmt"
	"os"
	"sync"

	"github.com/navaro-labs/nvol/nvolerr"
)

// FileDevice is a fixed-capacity Device backed by a single regular file,
// for callers that want the sector pair to survive a process restart
// instead of living only in a MemDevice. It is adapted from the teacher's
// disk-backed segment manager (os.File handling, a guarding mutex, and
// Sync-after-write discipline) with the rotating multi-segment-file layout
// replaced by one fixed-size region addressed the way real NOR flash is:
// a byte offset and length, no file rotation, no append-only growth.
type FileDevice struct {
	mu       sync.Mutex
	f        *os.File
	capacity uint32
}

// OpenFileDevice opens (creating if necessary) a file at path sized to
// exactly capacity bytes, erased to 0xFF on first creation. An existing
// file of the wrong size is an error: callers that resize capacity must
// migrate or delete the file themselves.
func OpenFileDevice(path string, capacity uint32) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("flash: open %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("flash: stat %s: %w", path, err)
	}

	d := &FileDevice{f: f, capacity: capacity}

	if info.Size() == 0 {
		if err := d.Erase(0, capacity); err != nil {
			f.Close()
			return nil, err
		}
	} else if uint32(info.Size()) != capacity {
		f.Close()
		return nil, fmt.Errorf("flash: %s is %d bytes, want %d", path, info.Size(), capacity)
	}

	return d, nil
}

func (d *FileDevice) Read(addr uint32, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if uint64(addr)+uint64(len(buf)) > uint64(d.capacity) {
		return nvolerr.New(nvolerr.CodeIO, "flash.Read")
	}
	if _, err := d.f.ReadAt(buf, int64(addr)); err != nil {
		return nvolerr.Wrap(nvolerr.CodeIO, "flash.Read", err)
	}
	return nil
}

// Write ANDs data into the file's existing content at addr, the same
// bit-clear discipline MemDevice enforces, so a FileDevice and a MemDevice
// are interchangeable from the engine's point of view.
func (d *FileDevice) Write(addr uint32, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if uint64(addr)+uint64(len(data)) > uint64(d.capacity) {
		return nvolerr.New(nvolerr.CodeIO, "flash.Write")
	}

	existing := make([]byte, len(data))
	if _, err := d.f.ReadAt(existing, int64(addr)); err != nil {
		return nvolerr.Wrap(nvolerr.CodeIO, "flash.Write", err)
	}
	for i, b := range data {
		existing[i] &= b
	}
	if _, err := d.f.WriteAt(existing, int64(addr)); err != nil {
		return nvolerr.Wrap(nvolerr.CodeIO, "flash.Write", err)
	}
	return d.sync()
}

func (d *FileDevice) Erase(start, end uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if end > d.capacity {
		end = d.capacity
	}
	if start > end {
		return nvolerr.New(nvolerr.CodeParam, "flash.Erase")
	}

	blank := make([]byte, end-start)
	for i := range blank {
		blank[i] = 0xFF
	}
	if _, err := d.f.WriteAt(blank, int64(start)); err != nil {
		return nvolerr.Wrap(nvolerr.CodeIO, "flash.Erase", err)
	}
	return d.sync()
}

func (d *FileDevice) sync() error {
	if err := d.f.Sync(); err != nil {
		return fmt.Errorf("flash: sync: %w", err)
	}
	return nil
}

// Close releases the underlying file handle.
func (d *FileDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.f.Close()
}

func (d *FileDevice) String() string {
	return fmt.Sprintf("flash.FileDevice{%s, %d bytes}", d.f.Name(), d.capacity)
}
