package nvol

import (
	"bytes"

	"go.uber.org/zap"

	"github.com/navaro-labs/nvol/nvolerr"
)

// RecordSet creates or updates the record for key, whose value is
// keyAndPayload[:KeySize], storing keyAndPayload[KeySize:] as its payload.
// It implements the 11-step append-write protocol of spec.md §4.3 exactly,
// including the zero-write fast path (step 2) and the swap-on-full
// handling (steps 3-4).
func (e *Engine) RecordSet(keyAndPayload []byte) error {
	if len(keyAndPayload) < e.cfg.KeySize {
		return nvolerr.New(nvolerr.CodeParam, "RecordSet")
	}
	if len(keyAndPayload) > int(e.cfg.RecordSize)-recordHeaderSize {
		return nvolerr.New(nvolerr.CodeParam, "RecordSet")
	}

	key := keyAndPayload[:e.cfg.KeySize]

	var prevIdx uint16 = invalidIdx
	if node, ok := e.idx.Get(key); ok {
		v := decodeEntryValue(node.Value())
		prevIdx = v.slot

		_, existing, err := e.readRecord(prevIdx, 0)
		if err == nil && bytes.Equal(existing, keyAndPayload) {
			// Identical set: no write needed (step 2, spec.md §4.3).
			return nil
		}
	} else if e.isFull() {
		return nvolerr.New(nvolerr.CodeFull, "RecordSet")
	}

	if e.cursor >= e.cfg.maxSlots() {
		if err := e.swap(); err != nil {
			return err
		}
		// re-resolve prevIdx: swap renumbers every surviving slot.
		prevIdx = invalidIdx
		if node, ok := e.idx.Get(key); ok {
			prevIdx = decodeEntryValue(node.Value()).slot
		}
	}

	if e.cfg.WriteHook != nil {
		if err := e.cfg.WriteHook(e, keyAndPayload); err != nil {
			return err
		}
	}

	flags := RecordPending
	if prevIdx != invalidIdx {
		flags = RecordNew
	}

	newIdx := e.cursor
	if err := e.writeRecord(e.active, newIdx, flags, keyAndPayload); err != nil {
		_ = e.setRecordFlags(e.active, newIdx, RecordInvalid)
		e.cursor++
		e.invalidCount++
		e.errorCount++
		return err
	}
	if err := e.setRecordFlags(e.active, newIdx, RecordValid); err != nil {
		e.cursor++
		return err
	}
	e.cursor++
	e.inuseCount++
	e.inUse.Set(uint(newIdx))

	e.insertIndex(keyAndPayload, newIdx)

	if prevIdx != invalidIdx {
		if err := e.setRecordFlags(e.active, prevIdx, RecordInvalid); err != nil {
			return err
		}
		e.inuseCount--
		e.invalidCount++
		e.inUse.Clear(uint(prevIdx))
	}

	return nil
}

// RecordGet returns the full key+payload for key.
func (e *Engine) RecordGet(key []byte) ([]byte, error) {
	return e.recordGetN(key, 0)
}

// RecordGetN returns key+payload for key, reading at most maxBytes of
// payload from flash when the index's inline cache does not already cover
// the request (original_source's read_variable_record bytes parameter).
func (e *Engine) RecordGetN(key []byte, maxBytes int) ([]byte, error) {
	return e.recordGetN(key, maxBytes)
}

func (e *Engine) recordGetN(key []byte, maxBytes int) ([]byte, error) {
	node, ok := e.idx.Get(key)
	if !ok {
		return nil, nvolerr.New(nvolerr.CodeNotFound, "RecordGet")
	}
	v := decodeEntryValue(node.Value())

	if int(v.length) <= e.cfg.InlineCacheSize {
		out := make([]byte, e.cfg.KeySize+int(v.length))
		copy(out, node.Key())
		copy(out[e.cfg.KeySize:], v.local)
		return out, nil
	}

	n := 0
	if maxBytes > 0 {
		n = e.cfg.KeySize + maxBytes
	}
	_, keyAndPayload, err := e.readRecord(v.slot, n)
	if err != nil {
		return nil, err
	}
	return keyAndPayload, nil
}

// RecordDelete marks the record for key INVALID on flash and removes it
// from the index. Deletion is terminal: a subsequent RecordGet returns
// ErrNotFound and the key no longer appears in Iterate.
func (e *Engine) RecordDelete(key []byte) error {
	node, ok := e.idx.Get(key)
	if !ok {
		return nvolerr.New(nvolerr.CodeNotFound, "RecordDelete")
	}
	v := decodeEntryValue(node.Value())
	if err := e.setRecordFlags(e.active, v.slot, RecordInvalid); err != nil {
		return err
	}
	e.inuseCount--
	e.invalidCount++
	e.inUse.Clear(uint(v.slot))
	e.idx.Remove(key)
	return nil
}

// RecordHeadLength returns the stored key+payload length for key without
// reading the payload.
func (e *Engine) RecordHeadLength(key []byte) (int, error) {
	node, ok := e.idx.Get(key)
	if !ok {
		return 0, nvolerr.New(nvolerr.CodeNotFound, "RecordHeadLength")
	}
	v := decodeEntryValue(node.Value())
	return e.cfg.KeySize + int(v.length), nil
}

// RecordStatus reports whether key currently resolves to a live record.
func (e *Engine) RecordStatus(key []byte) error {
	if _, ok := e.idx.Get(key); !ok {
		return nvolerr.New(nvolerr.CodeNotFound, "RecordStatus")
	}
	return nil
}

// Entry is one live key+payload pair surfaced by Iterate.
type Entry struct {
	Key     []byte
	Payload []byte
}

// Iterate calls fn for every live record, in the index's bucket-major,
// chain order. Returning false from fn stops iteration early.
func (e *Engine) Iterate(fn func(Entry) bool) error {
	it := e.idx.Iterate()
	for it.Next() {
		node := it.Node()
		v := decodeEntryValue(node.Value())

		var payload []byte
		if int(v.length) <= e.cfg.InlineCacheSize {
			payload = append([]byte(nil), v.local...)
		} else {
			_, p, err := e.readRecord(v.slot, 0)
			if err != nil {
				return err
			}
			payload = p[e.cfg.KeySize:]
		}

		if !fn(Entry{Key: append([]byte(nil), node.Key()...), Payload: payload}) {
			return nil
		}
	}
	return nil
}

// CachedPayload returns a live reference into the index's inline cache for
// key, for callers that want to mutate a small value in place and flush it
// with EntrySave instead of reading, copying, and calling RecordSet. It
// returns ok=false when key is absent or its payload is too large to be
// cached (EntrySave is only meaningful for the cached case).
func (e *Engine) CachedPayload(key []byte) (payload []byte, ok bool) {
	node, found := e.idx.Get(key)
	if !found {
		return nil, false
	}
	v := decodeEntryValue(node.Value())
	if int(v.length) > e.cfg.InlineCacheSize {
		return nil, false
	}
	return v.local, true
}

// EntrySave re-persists the record for key from its current inline cache
// contents, used after a caller has mutated the bytes returned by
// CachedPayload in place (original_source exposes this as a way to update
// small values without a separate read-modify-write buffer).
func (e *Engine) EntrySave(key []byte) error {
	payload, ok := e.CachedPayload(key)
	if !ok {
		return nvolerr.New(nvolerr.CodeNotFound, "EntrySave")
	}
	keyAndPayload := make([]byte, e.cfg.KeySize+len(payload))
	copy(keyAndPayload, key)
	copy(keyAndPayload[e.cfg.KeySize:], payload)
	return e.RecordSet(keyAndPayload)
}

// logStatus is the internal LogStatus implementation shared by Load (always
// non-verbose) and the public LogStatus.
func (e *Engine) logStatus(verbose bool) {
	fields := []zap.Field{
		zap.String("name", e.cfg.Name),
		// inUse.Count() is the bitset's own tally of reachable slots,
		// logged instead of the inuseCount counter so a divergence
		// between the two (a bookkeeping bug in either) shows up here
		// rather than being masked by always reporting the counter.
		zap.Uint("inuse", e.inUse.Count()),
		zap.Int("invalid", e.invalidCount),
		zap.Int("errors", e.errorCount),
		zap.Uint16("cursor", e.cursor),
	}
	e.log.Info("nvol: status", fields...)

	if !verbose || e.idx == nil {
		return
	}
	for i := 0; i < e.idx.BucketCount(); i++ {
		if n := e.idx.ChainLength(i); n > 0 {
			e.log.Debug("nvol: bucket chain",
				zap.String("name", e.cfg.Name), zap.Int("bucket", i), zap.Int("length", n))
		}
	}

	// Every slot below the cursor that the occupancy bitmap reports as
	// not set is a superseded or errored record still sitting on flash,
	// reclaimed only by the next swap — exactly the "is slot i already
	// superseded" query the bitmap exists to answer without a flash read.
	for i := uint(0); i < uint(e.cursor); i++ {
		if !e.inUse.Test(i) {
			e.log.Debug("nvol: slot superseded",
				zap.String("name", e.cfg.Name), zap.Uint("slot", i))
		}
	}
}

// LogStatus surfaces the live/invalid/error counters and, when verbose,
// per-bucket hash-distribution diagnostics (original_source's
// nvol3_entry_log_status).
func (e *Engine) LogStatus(verbose bool) {
	e.logStatus(verbose)
}
