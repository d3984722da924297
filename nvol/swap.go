package nvol

import (
	"go.uber.org/zap"
)

// otherSector returns the sector not currently active.
func (e *Engine) otherSector() uint32 {
	if e.active == e.cfg.SectorA {
		return e.cfg.SectorB
	}
	return e.cfg.SectorA
}

// swap compacts the active sector into the other one, carrying forward
// only records reachable from the index (dead/INVALID records are simply
// not copied — this is the engine's sole compaction mechanism), then
// promotes the destination and erases the source. Every step matches the
// 8-step protocol in spec.md §4.3.
func (e *Engine) swap() error {
	src := e.active
	dst := e.otherSector()

	e.log.Info("nvol: swap begin", zap.String("name", e.cfg.Name),
		zap.Uint32("src", src), zap.Uint32("dst", dst))

	_, dstFlags, err := e.sectorVersion(dst)
	if err != nil {
		return err
	}
	if dstFlags != SectorEmpty {
		if err := e.eraseSector(dst); err != nil {
			return err
		}
	}

	if err := e.setSectorFlags(dst, SectorInitializing); err != nil {
		return err
	}

	var dstIdx uint16
	it := e.idx.Iterate()
	for it.Next() {
		v := decodeEntryValue(it.Node().Value())

		h, payload, err := e.readRecordAt(src, v.slot, 0)
		if err != nil {
			e.log.Error("nvol: swap could not read source record, dropping",
				zap.String("name", e.cfg.Name), zap.Uint16("slot", v.slot), zap.Error(err))
			continue
		}
		keyAndPayload := payload

		flags := RecordPending
		if err := e.writeRecord(dst, dstIdx, flags, keyAndPayload); err != nil {
			e.log.Error("nvol: swap write to destination failed",
				zap.String("name", e.cfg.Name), zap.Error(err))
			return err
		}
		if err := e.setRecordFlags(dst, dstIdx, RecordValid); err != nil {
			return err
		}
		_ = h

		v.slot = dstIdx
		copy(it.Node().Value(), encodeEntryValue(v))
		dstIdx++
	}

	if err := e.setSectorFlags(dst, SectorValid); err != nil {
		return err
	}

	e.active = dst
	e.cursor = dstIdx
	e.inUse = e.inUse.ClearAll()
	for i := uint16(0); i < dstIdx; i++ {
		e.inUse.Set(uint(i))
	}
	e.inuseCount = int(dstIdx)
	e.invalidCount = 0
	e.errorCount = 0

	if err := e.setSectorFlags(src, SectorInvalid); err != nil {
		return err
	}
	if err := e.eraseSector(src); err != nil {
		return err
	}

	e.log.Info("nvol: swap complete", zap.String("name", e.cfg.Name),
		zap.Uint16("records", dstIdx))

	return nil
}

// isFull reports whether the store is at the capacity limit (Headroom slots
// reserved), the condition RecordSet checks before inserting a brand new
// key.
func (e *Engine) isFull() bool {
	return e.idx.Count() >= int(e.cfg.maxSlots())-Headroom
}
