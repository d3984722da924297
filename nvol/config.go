// Package nvol implements the two-sector, log-structured record engine:
// crash-safe sector lifecycle, append-only writes with in-place
// invalidation, checksum validation, and compaction ("swap"). It is the
// Go port of navaro/nvol's nvol3.c, built the way the retrieved pack's
// log-structured stores (FlashLogGo's WAL, segment manager) are built:
// explicit wire structs, a small sentinel-error vocabulary, and a single
// owning goroutine per instance.
package nvol

import (
	"github.com/bits-and-blooms/bitset"
	"go.uber.org/zap"

	"github.com/navaro-labs/nvol/dict"
	"github.com/navaro-labs/nvol/flash"
)

// Sector lifecycle flags. Each later state is a strict bit-subset of the
// one before it, so state can advance without erasing the sector.
const (
	SectorEmpty        uint32 = 0xFFFFFFFF
	SectorInitializing uint32 = 0xAAFFFFFF
	SectorValid        uint32 = 0xAAAAFFFF
	SectorInvalid      uint32 = 0xAAAAAAAA
)

// Record slot flags, also a strict bit-clearing sequence.
const (
	RecordEmpty   uint16 = 0xFFFF
	RecordPending uint16 = 0xFFFE
	RecordNew     uint16 = 0xFFFC
	RecordValid   uint16 = 0xFFF8
	RecordInvalid uint16 = 0xFFF0
)

// DefaultPageSize is the sector header region size assumed when
// Config.PageSize is left at zero.
const DefaultPageSize = 256

// Headroom is the number of slots reserved so that a swap-triggering write
// always has room for its replacement record in the destination sector.
const Headroom = 2

const invalidIdx uint16 = 0xFFFF

// sectorHeader is the bit-exact first 16 bytes of a sector. It is packed
// with restruct the way go-exfat's structures.go packs boot-sector
// structs, instead of hand-rolled byte slicing, to keep the wire layout a
// single source of truth.
type sectorHeader struct {
	Flags      uint32
	Reserved1  uint32
	Reserved2  uint32
	VersionXor uint32
}

// recordHeader is the bit-exact 8-byte header preceding every slot's
// key+payload bytes.
type recordHeader struct {
	Flags    uint16
	Reserved uint16
	Length   uint16
	Checksum uint16
}

const recordHeaderSize = 8

// WriteHook is invoked just before a new record is flushed to flash; it
// may reject the write by returning a non-nil error, in which case the new
// record is not written. A swap that RecordSet needed to make room runs
// before the hook and is not undone by a rejection.
type WriteHook func(e *Engine, keyAndPayload []byte) error

// Config is the immutable, construction-time configuration of an Engine.
// Changing Version after records exist on flash forces Load to fail with
// ErrVersionMismatch until Reset is called.
type Config struct {
	Name string

	SectorA, SectorB uint32
	SectorSize       uint32
	RecordSize       uint32
	PageSize         uint32

	KeySpec dict.Spec
	KeySize int

	// InlineCacheSize is the number of leading payload bytes cached in
	// the in-memory index node so small values can be read without a
	// flash access.
	InlineCacheSize int

	BucketCount int
	Version     uint16

	WriteHook WriteHook
	Logger    *zap.Logger
}

func (c *Config) pageSize() uint32 {
	if c.PageSize == 0 {
		return DefaultPageSize
	}
	return c.PageSize
}

func (c *Config) maxSlots() uint16 {
	return uint16((c.SectorSize - c.pageSize()) / c.RecordSize)
}

func (c *Config) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}

// Engine owns the two sectors, the append cursor, the live/invalid/error
// counters, and the in-memory index built over them. It is single-threaded:
// spec.md's concurrency model puts the exclusion lock on callers (see the
// registry/strtab facades), not in the engine itself.
type Engine struct {
	cfg Config
	dev flash.Device
	log *zap.Logger

	idx *dict.Dict

	active uint32
	cursor uint16

	// inUse tracks, per slot index of the active sector, whether the
	// slot is currently reachable from idx. It is rebuilt on every Load
	// and Swap alongside the index rather than derived from counters
	// alone, so LogStatus can report exact occupancy without re-reading
	// flash.
	inUse *bitset.BitSet

	inuseCount   int
	invalidCount int
	errorCount   int
}

// New constructs an Engine bound to dev. Call Load before using it.
func New(cfg Config, dev flash.Device) *Engine {
	return &Engine{cfg: cfg, dev: dev, log: cfg.logger()}
}

// Counts reports the in-use, invalid and error record counts measured at
// the last Load, Swap, or mutating operation.
func (e *Engine) Counts() (inuse, invalid, errs int) {
	return e.inuseCount, e.invalidCount, e.errorCount
}

// MaxSlots is the number of record slots in one sector.
func (e *Engine) MaxSlots() uint16 { return e.cfg.maxSlots() }
