// Package strtab is a thin facade over nvol pinning the configuration
// navaro/nvol's strtab.c used: small uint16 numeric keys and up to 500-byte
// text values, plus an injectable substitution hook so callers can resolve
// "${123}"-style references without the facade depending on any particular
// templating or shell syntax (spec.md §9's note on replacing the source's
// global callback registration with an explicit, injectable closure).
package strtab

import (
	"bytes"
	"sync"

	"go.uber.org/zap"

	"github.com/navaro-labs/nvol/dict"
	"github.com/navaro-labs/nvol/flash"
	"github.com/navaro-labs/nvol/nvol"
)

// MaxValueLength matches STRTAB_LENGT_MAX.
const MaxValueLength = 500

const keySize = 4 // dict.Uint32's fixed inline width; strtab's uint16 key
// occupies the low two bytes, high two bytes always zero.

// Config pins the sector addresses, size and version a Table instance is
// bound to.
type Config struct {
	SectorA, SectorB uint32
	SectorSize       uint32
	Version          uint16
	Logger           *zap.Logger
}

// Table is one engine instance configured for uint16-keyed text records.
type Table struct {
	mu     sync.Mutex
	engine *nvol.Engine

	substMu sync.RWMutex
	subst   func(key uint16) ([]byte, bool)
}

// New constructs and loads a Table bound to dev.
func New(cfg Config, dev flash.Device) (*Table, error) {
	e := nvol.New(nvol.Config{
		Name:            "strtab",
		SectorA:         cfg.SectorA,
		SectorB:         cfg.SectorB,
		SectorSize:      cfg.SectorSize,
		RecordSize:      keySize + MaxValueLength + 8,
		KeySpec:         dict.Spec{Kind: dict.Uint32},
		KeySize:         keySize,
		InlineCacheSize: 32,
		BucketCount:     64,
		Version:         cfg.Version,
		Logger:          cfg.Logger,
	}, dev)

	t := &Table{engine: e}
	if err := e.Load(); err != nil {
		return nil, err
	}
	return t, nil
}

func encodeKey(key uint16) []byte {
	return []byte{byte(key), byte(key >> 8), 0, 0}
}

func decodeKey(b []byte) uint16 {
	return uint16(b[0]) | uint16(b[1])<<8
}

// Set creates or updates the value stored under key.
func (t *Table) Set(key uint16, value []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec := make([]byte, keySize+len(value))
	copy(rec, encodeKey(key))
	copy(rec[keySize:], value)
	return t.engine.RecordSet(rec)
}

// Get returns the value stored under key.
func (t *Table) Get(key uint16) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, err := t.engine.RecordGet(encodeKey(key))
	if err != nil {
		return nil, err
	}
	return rec[keySize:], nil
}

// Valid reports whether key currently resolves to a live value.
func (t *Table) Valid(key uint16) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.engine.RecordStatus(encodeKey(key)) == nil
}

// Length returns the stored value length for key without reading it.
func (t *Table) Length(key uint16) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, err := t.engine.RecordHeadLength(encodeKey(key))
	if err != nil {
		return 0, err
	}
	return n - keySize, nil
}

// Entry is one (key, value) pair surfaced by ForEach.
type Entry struct {
	Key   uint16
	Value []byte
}

// ForEach visits every live entry in the table, in index order.
func (t *Table) ForEach(fn func(Entry) bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.engine.Iterate(func(e nvol.Entry) bool {
		return fn(Entry{Key: decodeKey(e.Key), Value: e.Payload})
	})
}

// SetSubstitution registers the hook Resolve uses to look up a bracketed
// key reference. Passing nil disables substitution.
func (t *Table) SetSubstitution(fn func(key uint16) ([]byte, bool)) {
	t.substMu.Lock()
	defer t.substMu.Unlock()
	t.subst = fn
}

// Resolve expands every "${N}" reference in text with the value Get(N)
// would return (or the registered substitution hook's result, which takes
// priority so callers can layer in defaults or computed values), leaving
// unresolved references untouched. It is the Go replacement for the
// source's global string-substitution callback: an explicit, injectable
// function instead of a process-wide registration.
func (t *Table) Resolve(text []byte) []byte {
	t.substMu.RLock()
	hook := t.subst
	t.substMu.RUnlock()

	var out bytes.Buffer
	for i := 0; i < len(text); {
		start := bytes.Index(text[i:], []byte("${"))
		if start < 0 {
			out.Write(text[i:])
			break
		}
		start += i
		out.Write(text[i:start])

		end := bytes.IndexByte(text[start:], '}')
		if end < 0 {
			out.Write(text[start:])
			break
		}
		end += start

		ref := text[start+2 : end]
		key, ok := parseUint16(ref)
		if !ok {
			out.Write(text[start : end+1])
			i = end + 1
			continue
		}

		var value []byte
		var found bool
		if hook != nil {
			value, found = hook(key)
		}
		if !found {
			if v, err := t.Get(key); err == nil {
				value, found = v, true
			}
		}
		if found {
			out.Write(value)
		} else {
			out.Write(text[start : end+1])
		}
		i = end + 1
	}
	return out.Bytes()
}

func parseUint16(b []byte) (uint16, bool) {
	if len(b) == 0 || len(b) > 5 {
		return 0, false
	}
	var v uint32
	for _, c := range b {
		if c < '0' || c > '9' {
			return 0, false
		}
		v = v*10 + uint32(c-'0')
		if v > 0xFFFF {
			return 0, false
		}
	}
	return uint16(v), true
}

// LogStatus surfaces counters and, when verbose, hash-distribution
// diagnostics for this table's engine instance.
func (t *Table) LogStatus(verbose bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.engine.LogStatus(verbose)
}

var (
	defaultOnce sync.Once
	defaultTbl  *Table
	defaultErr  error
)

// Default lazily constructs a process-wide Table the first time it is
// called, the same lazy-singleton shape registry.Default uses.
func Default(cfg Config, dev flash.Device) (*Table, error) {
	defaultOnce.Do(func() {
		defaultTbl, defaultErr = New(cfg, dev)
	})
	return defaultTbl, defaultErr
}
