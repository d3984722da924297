package nvol

import (
	"encoding/binary"

	"github.com/go-restruct/restruct"

	"github.com/navaro-labs/nvol/nvolerr"
)

var byteOrder = binary.LittleEndian

func (e *Engine) slotOffset(idx uint16) uint32 {
	return e.cfg.pageSize() + uint32(e.cfg.RecordSize)*uint32(idx)
}

// checksum implements the exact relation spec.md §3 invariant 4 requires,
// used identically on write and on validate (original_source's
// variable_record_valid narrows the running sum differently depending on
// length; this port never does, per spec.md §9's explicit instruction).
func checksum(b []byte) uint16 {
	var sum uint32
	for _, c := range b {
		sum += uint32(c)
	}
	return uint16((0x10000 - sum) & 0xFFFF)
}

func (e *Engine) readSectorHeader(addr uint32) (sectorHeader, error) {
	buf := make([]byte, 16)
	if err := e.dev.Read(addr, buf); err != nil {
		return sectorHeader{}, nvolerr.Wrap(nvolerr.CodeIO, "readSectorHeader", err)
	}
	var h sectorHeader
	if err := restruct.Unpack(buf, byteOrder, &h); err != nil {
		return sectorHeader{}, nvolerr.Wrap(nvolerr.CodeCorruption, "readSectorHeader", err)
	}
	return h, nil
}

// sectorVersion returns the configured-space version stored in the sector
// (the bitwise complement of the on-flash field, so an erased sector reads
// as version 0) along with its raw flags.
func (e *Engine) sectorVersion(addr uint32) (uint16, uint32, error) {
	h, err := e.readSectorHeader(addr)
	if err != nil {
		return 0, 0, err
	}
	return ^uint16(h.VersionXor), h.Flags, nil
}

func (e *Engine) setSectorFlags(addr uint32, flags uint32) error {
	h := sectorHeader{
		Flags:      flags,
		Reserved1:  0x55555555,
		Reserved2:  0x55555555,
		VersionXor: ^uint32(e.cfg.Version),
	}
	buf, err := restruct.Pack(byteOrder, &h)
	if err != nil {
		return nvolerr.Wrap(nvolerr.CodeFail, "setSectorFlags", err)
	}
	if err := e.dev.Write(addr, buf); err != nil {
		return nvolerr.Wrap(nvolerr.CodeIO, "setSectorFlags", err)
	}
	return nil
}

func (e *Engine) eraseSector(addr uint32) error {
	if err := e.dev.Erase(addr, addr+e.cfg.SectorSize); err != nil {
		return nvolerr.Wrap(nvolerr.CodeIO, "eraseSector", err)
	}
	return nil
}

// readRecordHead reads and validates the header of slot idx in the active
// sector, returning ErrEmpty / ErrCorruption as appropriate. It never
// touches the payload.
func (e *Engine) readRecordHead(idx uint16) (recordHeader, error) {
	return e.readRecordHeadAt(e.active, idx)
}

func (e *Engine) readRecordHeadAt(sector uint32, idx uint16) (recordHeader, error) {
	buf := make([]byte, recordHeaderSize)
	if err := e.dev.Read(sector+e.slotOffset(idx), buf); err != nil {
		return recordHeader{}, nvolerr.Wrap(nvolerr.CodeIO, "readRecordHead", err)
	}
	var h recordHeader
	if err := restruct.Unpack(buf, byteOrder, &h); err != nil {
		return recordHeader{}, nvolerr.Wrap(nvolerr.CodeCorruption, "readRecordHead", err)
	}
	switch h.Flags {
	case RecordEmpty:
		return h, nvolerr.New(nvolerr.CodeEmpty, "readRecordHead")
	case RecordValid:
		if int(h.Length) > int(e.cfg.RecordSize)-recordHeaderSize {
			return h, nvolerr.New(nvolerr.CodeUnknown, "readRecordHead")
		}
		return h, nil
	case RecordInvalid:
		return h, nvolerr.New(nvolerr.CodeCorruption, "readRecordHead")
	default:
		// PENDING or NEW: a write that never completed, or flags we
		// don't expect to see at rest. Either way the record is not
		// readable yet.
		return h, nvolerr.New(nvolerr.CodeUnknown, "readRecordHead")
	}
}

// readRecord reads the header and up to maxBytes of key+payload from slot
// idx of the active sector. maxBytes of 0 means "read the full stored
// length" (original_source's read_variable_record bytes==0 convention).
func (e *Engine) readRecord(idx uint16, maxBytes int) (recordHeader, []byte, error) {
	return e.readRecordAt(e.active, idx, maxBytes)
}

func (e *Engine) readRecordAt(sector uint32, idx uint16, maxBytes int) (recordHeader, []byte, error) {
	h, err := e.readRecordHeadAt(sector, idx)
	if err != nil {
		return h, nil, err
	}
	n := int(h.Length)
	if maxBytes != 0 && maxBytes < n {
		n = maxBytes
	}
	if n == 0 {
		return h, nil, nil
	}
	buf := make([]byte, n)
	if err := e.dev.Read(sector+e.slotOffset(idx)+recordHeaderSize, buf); err != nil {
		return h, nil, nvolerr.Wrap(nvolerr.CodeIO, "readRecord", err)
	}
	return h, buf, nil
}

// validRecord verifies the checksum law over the full stored key+payload.
func validRecord(h recordHeader, keyAndPayload []byte) bool {
	return h.Checksum == checksum(keyAndPayload)
}

// writeRecord appends header+payload at slot idx of sector, flags set to
// either PENDING (first instance of this key) or NEW (supersedes an
// existing VALID record); the caller flips it to VALID in a second write,
// per the append-write protocol's crash-safety steps.
func (e *Engine) writeRecord(sector uint32, idx uint16, flags uint16, keyAndPayload []byte) error {
	h := recordHeader{
		Flags:    flags,
		Reserved: 0xFFFF,
		Length:   uint16(len(keyAndPayload)),
		Checksum: checksum(keyAndPayload),
	}
	hbuf, err := restruct.Pack(byteOrder, &h)
	if err != nil {
		return nvolerr.Wrap(nvolerr.CodeFail, "writeRecord", err)
	}
	buf := make([]byte, len(hbuf)+len(keyAndPayload))
	copy(buf, hbuf)
	copy(buf[len(hbuf):], keyAndPayload)
	if err := e.dev.Write(sector+e.slotOffset(idx), buf); err != nil {
		return nvolerr.Wrap(nvolerr.CodeIO, "writeRecord", err)
	}
	return nil
}

func (e *Engine) setRecordFlags(sector uint32, idx uint16, flags uint16) error {
	buf := make([]byte, 2)
	byteOrder.PutUint16(buf, flags)
	if err := e.dev.Write(sector+e.slotOffset(idx), buf); err != nil {
		return nvolerr.Wrap(nvolerr.CodeIO, "setRecordFlags", err)
	}
	return nil
}
