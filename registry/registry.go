// Package registry is a thin facade over nvol pinning the configuration
// navaro/nvol's registry.c used: fixed-width NUL-terminated string keys and
// free-form text/binary values, one process-wide engine instance guarded by
// a single lock (spec.md §4.4 and §9's note on replacing process-wide
// singletons with an explicit instance behind a lazy accessor).
package registry

import (
	"sync"

	"go.uber.org/zap"

	"github.com/navaro-labs/nvol/dict"
	"github.com/navaro-labs/nvol/flash"
	"github.com/navaro-labs/nvol/nvol"
)

const (
	// KeyLength matches REGISTRY_KEY_LENGTH from the source configuration.
	KeyLength = 24
	// MaxValueLength matches REGISTRY_VALUE_LENGT_MAX.
	MaxValueLength = 224
)

// Config pins the sector addresses, size and version a Registry instance
// is bound to.
type Config struct {
	SectorA, SectorB uint32
	SectorSize       uint32
	Version          uint16
	Logger           *zap.Logger
}

// Registry is one engine instance configured for string-keyed records, plus
// the facade-level lock the spec describes as (in the provided source)
// stubbed — here a real sync.Mutex, since nothing in the surrounding code
// provides external serialisation for us.
type Registry struct {
	mu     sync.Mutex
	engine *nvol.Engine
}

// New constructs and loads a Registry bound to dev.
func New(cfg Config, dev flash.Device) (*Registry, error) {
	e := nvol.New(nvol.Config{
		Name:            "registry",
		SectorA:         cfg.SectorA,
		SectorB:         cfg.SectorB,
		SectorSize:      cfg.SectorSize,
		RecordSize:      KeyLength + MaxValueLength + 8,
		KeySpec:         dict.Spec{Kind: dict.OwnedString, Size: KeyLength},
		KeySize:         KeyLength,
		InlineCacheSize: 16,
		BucketCount:     64,
		Version:         cfg.Version,
		Logger:          cfg.Logger,
	}, dev)

	r := &Registry{engine: e}
	if err := e.Load(); err != nil {
		return nil, err
	}
	return r, nil
}

func padKey(id string) []byte {
	key := make([]byte, KeyLength)
	copy(key, id)
	return key
}

// Set creates or updates the value for id.
func (r *Registry) Set(id string, value []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := make([]byte, KeyLength+len(value))
	copy(rec, padKey(id))
	copy(rec[KeyLength:], value)
	return r.engine.RecordSet(rec)
}

// Get returns the value stored for id.
func (r *Registry) Get(id string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.engine.RecordGet(padKey(id))
	if err != nil {
		return nil, err
	}
	return rec[KeyLength:], nil
}

// Delete removes id. It is terminal: Get(id) subsequently returns NotFound.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.engine.RecordDelete(padKey(id))
}

// Length returns the stored value length for id without reading it.
func (r *Registry) Length(id string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, err := r.engine.RecordHeadLength(padKey(id))
	if err != nil {
		return 0, err
	}
	return n - KeyLength, nil
}

// Valid reports whether id currently resolves to a live value.
func (r *Registry) Valid(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.engine.RecordStatus(padKey(id)) == nil
}

// Entry is one (id, value) pair surfaced by ForEach.
type Entry struct {
	ID    string
	Value []byte
}

// ForEach visits every live entry in the registry, in index order.
func (r *Registry) ForEach(fn func(Entry) bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.engine.Iterate(func(e nvol.Entry) bool {
		id := string(trimNul(e.Key))
		return fn(Entry{ID: id, Value: e.Payload})
	})
}

func trimNul(b []byte) []byte {
	for i, c := range b {
		if c == 0 {
			return b[:i]
		}
	}
	return b
}

// LogStatus surfaces counters and, when verbose, hash-distribution
// diagnostics for this registry's engine instance.
func (r *Registry) LogStatus(verbose bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engine.LogStatus(verbose)
}

var (
	once     sync.Once
	instance *Registry
	initErr  error
)

// Default lazily constructs a process-wide Registry the first time it is
// called, preserving the look of the source's singleton without resorting
// to module-level mutable state before construction (spec.md §9).
func Default(cfg Config, dev flash.Device) (*Registry, error) {
	once.Do(func() {
		instance, initErr = New(cfg, dev)
	})
	return instance, initErr
}
