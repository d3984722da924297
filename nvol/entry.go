package nvol

import "encoding/binary"

// entryValue is the value payload this engine stores in each dict.Node: the
// slot holding the record plus an optional inline cache of its leading
// payload bytes, letting small reads skip the flash access entirely.
type entryValue struct {
	slot   uint16
	length uint16 // length of payload (key+payload length minus KeySize)
	local  []byte // cached prefix, len <= InlineCacheSize
}

const entryValueHeaderSize = 4

func encodeEntryValue(v entryValue) []byte {
	buf := make([]byte, entryValueHeaderSize+len(v.local))
	binary.LittleEndian.PutUint16(buf[0:], v.slot)
	binary.LittleEndian.PutUint16(buf[2:], v.length)
	copy(buf[entryValueHeaderSize:], v.local)
	return buf
}

func decodeEntryValue(b []byte) entryValue {
	return entryValue{
		slot:   binary.LittleEndian.Uint16(b[0:]),
		length: binary.LittleEndian.Uint16(b[2:]),
		local:  b[entryValueHeaderSize:],
	}
}

// localCacheLen clips the cacheable payload length to the configured inline
// cache budget.
func (e *Engine) localCacheLen(payloadLen int) int {
	if payloadLen > e.cfg.InlineCacheSize {
		return e.cfg.InlineCacheSize
	}
	return payloadLen
}

// insertIndex installs or re-points the index entry for keyAndPayload
// (whose leading KeySize bytes are the key) at slot idx, caching up to
// InlineCacheSize leading payload bytes. It unconditionally removes any
// existing entry for the key first, exactly as original_source's
// insert_lookup_table does via dictionary_remove+dictionary_install, so the
// later of two slots installed during a scan always wins.
func (e *Engine) insertIndex(keyAndPayload []byte, idx uint16) {
	key := keyAndPayload[:e.cfg.KeySize]
	payload := keyAndPayload[e.cfg.KeySize:]
	local := payload[:e.localCacheLen(len(payload))]

	e.idx.Remove(key)
	node := e.idx.Install(key, entryValueHeaderSize+len(local))
	v := entryValue{slot: idx, length: uint16(len(payload)), local: local}
	copy(node.Value(), encodeEntryValue(v))
}
