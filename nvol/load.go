package nvol

import (
	"github.com/bits-and-blooms/bitset"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/navaro-labs/nvol/dict"
	"github.com/navaro-labs/nvol/nvolerr"
)

func legalSectorFlags(f uint32) bool {
	switch f {
	case SectorEmpty, SectorInitializing, SectorValid, SectorInvalid:
		return true
	}
	return false
}

// Load executes the sector-state machine to pick the active sector, then
// linearly scans it to rebuild the index. It fails with ErrVersionMismatch
// if the chosen sector's version differs from Config.Version.
func (e *Engine) Load() error {
	e.idx = dict.New(e.cfg.KeySpec, e.cfg.BucketCount)
	e.cursor = 0
	e.inuseCount, e.invalidCount, e.errorCount = 0, 0, 0

	if err := e.initSectors(); err != nil {
		return err
	}
	if err := e.constructIndex(); err != nil {
		return err
	}
	e.logStatus(false)
	return nil
}

// initSectors reads both sector headers, erases any sector carrying
// flags outside the four legal states, then dispatches on the pair of
// states per the load-time reconstruction table (spec.md §4.3).
func (e *Engine) initSectors() error {
	v1, f1, err := e.sectorVersion(e.cfg.SectorA)
	if err != nil {
		return err
	}
	if !legalSectorFlags(f1) {
		if err := e.eraseSector(e.cfg.SectorA); err != nil {
			return err
		}
		f1 = SectorEmpty
	}
	_ = v1

	v2, f2, err := e.sectorVersion(e.cfg.SectorB)
	if err != nil {
		return err
	}
	if !legalSectorFlags(f2) {
		if err := e.eraseSector(e.cfg.SectorB); err != nil {
			return err
		}
		f2 = SectorEmpty
	}
	_ = v2

	promote := func(addr uint32) error { return e.setSectorFlags(addr, SectorValid) }
	useAsIs := func(addr uint32) { e.active = addr }
	adoptThenSwap := func(adopt, swapTo uint32) error {
		_ = swapTo // swap() derives the destination from e.active itself
		e.active = adopt
		if err := e.constructIndex(); err != nil {
			return err
		}
		return e.swap()
	}

	switch f1 {
	case SectorEmpty:
		switch f2 {
		case SectorEmpty:
			if err := e.eraseSector(e.cfg.SectorA); err != nil {
				return err
			}
			useAsIs(e.cfg.SectorA)
			return promote(e.active)
		case SectorInitializing:
			useAsIs(e.cfg.SectorB)
			return promote(e.active)
		case SectorValid:
			useAsIs(e.cfg.SectorB)
			return nil
		case SectorInvalid:
			return adoptThenSwap(e.cfg.SectorB, e.cfg.SectorA)
		}

	case SectorInitializing:
		switch f2 {
		case SectorEmpty, SectorInitializing:
			if err := e.eraseSector(e.cfg.SectorB); err != nil {
				return err
			}
			useAsIs(e.cfg.SectorA)
			return promote(e.active)
		case SectorValid:
			if err := e.eraseSector(e.cfg.SectorA); err != nil {
				return err
			}
			return adoptThenSwap(e.cfg.SectorB, e.cfg.SectorA)
		case SectorInvalid:
			if err := e.eraseSector(e.cfg.SectorB); err != nil {
				return err
			}
			useAsIs(e.cfg.SectorA)
			return promote(e.active)
		}

	case SectorValid:
		switch f2 {
		case SectorEmpty:
			useAsIs(e.cfg.SectorA)
			return nil
		case SectorInitializing:
			if err := e.eraseSector(e.cfg.SectorB); err != nil {
				return err
			}
			return adoptThenSwap(e.cfg.SectorA, e.cfg.SectorB)
		case SectorInvalid, SectorValid:
			if err := e.eraseSector(e.cfg.SectorB); err != nil {
				return err
			}
			useAsIs(e.cfg.SectorA)
			return nil
		}

	case SectorInvalid:
		switch f2 {
		case SectorEmpty:
			if err := e.eraseSector(e.cfg.SectorB); err != nil {
				return err
			}
			return adoptThenSwap(e.cfg.SectorA, e.cfg.SectorB)
		case SectorInitializing:
			if err := e.eraseSector(e.cfg.SectorA); err != nil {
				return err
			}
			useAsIs(e.cfg.SectorB)
			return promote(e.active)
		case SectorValid:
			if err := e.eraseSector(e.cfg.SectorA); err != nil {
				return err
			}
			useAsIs(e.cfg.SectorB)
			return nil
		case SectorInvalid:
			if err := e.eraseSector(e.cfg.SectorB); err != nil {
				return err
			}
			return adoptThenSwap(e.cfg.SectorA, e.cfg.SectorB)
		}
	}

	return nvolerr.New(nvolerr.CodeFail, "initSectors")
}

// constructIndex scans the active sector slot by slot, installing valid
// records into the index and counting invalid/error slots, exactly per
// spec.md §4.3's "load-time reconstruction" closing paragraph and
// original_source's construct_lookup_table (nvol3.c:266-322): an
// INVALID-flagged (superseded) slot advances invalid alone, any other
// unreadable status (an interrupted PENDING/NEW write, an oversized
// length field, a read failure) advances error alone, and only a
// checksum failure advances both.
func (e *Engine) constructIndex() error {
	e.inUse = bitset.New(uint(e.cfg.maxSlots()))
	e.inuseCount, e.invalidCount, e.errorCount = 0, 0, 0

	var idx uint16
	for idx = 0; idx < e.cfg.maxSlots(); idx++ {
		h, payload, err := e.readRecordAt(e.active, idx, 0)
		if nvolerr.IsCode(err, nvolerr.CodeEmpty) {
			break
		}
		if nvolerr.IsCode(err, nvolerr.CodeCorruption) {
			// Already flagged INVALID on flash by a prior update or
			// delete: a superseded record, not a corruption.
			e.invalidCount++
			continue
		}
		if err != nil {
			e.errorCount++
			continue
		}
		if !validRecord(h, payload) {
			e.log.Warn("nvol: corrupt record at load, marking invalid",
				zap.String("name", e.cfg.Name), zap.Uint16("slot", idx))
			_ = e.setRecordFlags(e.active, idx, RecordInvalid)
			e.errorCount++
			e.invalidCount++
			continue
		}

		e.insertIndex(payload, idx)
		e.inUse.Set(uint(idx))
		e.inuseCount++
	}

	e.cursor = idx

	version, _, err := e.sectorVersion(e.active)
	if err != nil {
		return err
	}
	if version != e.cfg.Version {
		return nvolerr.New(nvolerr.CodeVersionMismatch, "constructIndex")
	}
	return nil
}

// Validate reports whether either sector carries a legal, non-empty state
// at the configured version, without mutating anything.
func (e *Engine) Validate() error {
	mismatch := false
	for _, addr := range []uint32{e.cfg.SectorA, e.cfg.SectorB} {
		version, flags, err := e.sectorVersion(addr)
		if err != nil {
			return err
		}
		if flags == SectorInitializing || flags == SectorValid || flags == SectorInvalid {
			if version == e.cfg.Version {
				return nil
			}
			mismatch = true
		}
	}
	if mismatch {
		return nvolerr.New(nvolerr.CodeVersionMismatch, "Validate")
	}
	return nvolerr.New(nvolerr.CodeFail, "Validate")
}

// eraseBothSectors attempts to erase SectorA and SectorB unconditionally,
// continuing past a failure on the first so a bad sector never prevents an
// attempt on the other, and returns every error it hit combined
// (original_source's swap_sectors/move_sector apply the same
// continue-past-failure discipline to multi-step flash operations).
func (e *Engine) eraseBothSectors() error {
	var err error
	err = multierr.Append(err, e.eraseSector(e.cfg.SectorA))
	err = multierr.Append(err, e.eraseSector(e.cfg.SectorB))
	return err
}

// Reset erases both sectors, discards the index, and reloads to an empty
// store at the current configured version.
func (e *Engine) Reset() error {
	if e.idx != nil {
		e.idx.RemoveAll(nil)
	}
	if err := e.eraseBothSectors(); err != nil {
		return err
	}
	return e.Load()
}

// Delete erases both sectors and tears down the index without reloading.
func (e *Engine) Delete() error {
	err := e.eraseBothSectors()
	if e.idx != nil {
		e.idx.RemoveAll(nil)
	}
	e.idx = nil
	return err
}

// Unload discards the in-memory index without touching flash.
func (e *Engine) Unload() {
	if e.idx != nil {
		e.idx.RemoveAll(nil)
	}
	e.idx = nil
}
