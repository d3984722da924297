// Package dict implements the open-chained hash index shared by the nvol
// record engine and its facades. A Dict is parameterised on one of four key
// disciplines at construction and never mixes them, matching the function-
// table-over-key-type dispatch of the original C dictionary.c — here
// expressed as a Kind tag plus specialised hash/compare instead of a vtable,
// since Go gives static dispatch for free on an unexported switch.
package dict

import (
	"bytes"
	"encoding/binary"
)

// Kind selects the key discipline. It is fixed for the lifetime of a Dict.
type Kind int

const (
	// OwnedString keys are copied into the node on Install; the caller's
	// backing array can be reused or discarded afterwards.
	OwnedString Kind = iota
	// BorrowedString keys are kept by reference; the Dict never copies or
	// frees them, so the caller must keep the backing array alive for as
	// long as the node exists.
	BorrowedString
	// Uint32 keys are exactly 4 bytes, little-endian, stored inline.
	Uint32
	// Binary keys are Words*4 bytes, stored inline, compared word-wise.
	Binary
)

// Spec fixes the key discipline of a Dict.
type Spec struct {
	Kind Kind
	// Words is the tuple width for Binary keys (key size = Words*4).
	Words int
	// Size is the fixed key size for String kinds; 0 means "use the
	// length of the probe up to its first NUL byte", mirroring
	// keysize==0 meaning strlen() in the source.
	Size int
}

func (s Spec) keySize(probe []byte) int {
	switch s.Kind {
	case Uint32:
		return 4
	case Binary:
		return s.Words * 4
	default:
		if s.Size != 0 {
			return s.Size
		}
		return strnlen(probe)
	}
}

func strnlen(b []byte) int {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return i
	}
	return len(b)
}

func (s Spec) hash(key []byte, buckets int) int {
	switch s.Kind {
	case Uint32:
		v := binary.LittleEndian.Uint32(key)
		return int(v % uint32(buckets))
	case Binary:
		var sum uint32
		for w := 0; w < s.Words; w++ {
			sum += binary.LittleEndian.Uint32(key[w*4:])
		}
		return int(sum % uint32(buckets))
	default:
		// Polynomial hash in base 31 over the key bytes, computed via
		// Horner's rule (h = h*31 + s[i], so s[0] carries the highest
		// power), modulo the bucket count.
		h := 0
		n := strnlen(key)
		for i := 0; i < n; i++ {
			h = h*31 + int(key[i])
		}
		if h < 0 {
			h = -h
		}
		return h % buckets
	}
}

func (s Spec) equal(a, b []byte) bool {
	switch s.Kind {
	case Uint32:
		return binary.LittleEndian.Uint32(a) == binary.LittleEndian.Uint32(b)
	case Binary:
		for w := 0; w < s.Words; w++ {
			if binary.LittleEndian.Uint32(a[w*4:]) != binary.LittleEndian.Uint32(b[w*4:]) {
				return false
			}
		}
		return true
	default:
		na, nb := strnlen(a), strnlen(b)
		return na == nb && bytes.Equal(a[:na], b[:nb])
	}
}

// Node is one entry of a bucket chain. Its value payload shape is owned by
// the consumer (the nvol engine packs {slot, length, local[]} into it); the
// Dict only ever copies or compares bytes.
type Node struct {
	next  *Node
	key   []byte
	value []byte
}

func (n *Node) Key() []byte   { return n.key }
func (n *Node) Value() []byte { return n.value }

// Dict is the bucket array. Bucket count is fixed at construction.
type Dict struct {
	spec    Spec
	buckets []*Node
	count   int
}

// New constructs a Dict with the given key discipline and a fixed number of
// buckets.
func New(spec Spec, bucketCount int) *Dict {
	if bucketCount < 1 {
		bucketCount = 1
	}
	return &Dict{spec: spec, buckets: make([]*Node, bucketCount)}
}

func (d *Dict) keyCopy(key []byte) []byte {
	if d.spec.Kind == BorrowedString {
		return key
	}
	n := d.spec.keySize(key)
	cp := make([]byte, n)
	copy(cp, key[:n])
	return cp
}

func (d *Dict) find(key []byte) (bucket int, node *Node, prev *Node) {
	bucket = d.spec.hash(key, len(d.buckets))
	n := d.spec.keySize(key)
	for cur, p := d.buckets[bucket], (*Node)(nil); cur != nil; cur = cur.next {
		if d.spec.equal(cur.key, key[:n]) {
			return bucket, cur, p
		}
		p = cur
	}
	return bucket, nil, nil
}

// Install returns the node for key, creating one with a value buffer of
// valueSize bytes if absent. An existing node is returned unchanged.
func (d *Dict) Install(key []byte, valueSize int) *Node {
	bucket, existing, _ := d.find(key)
	if existing != nil {
		return existing
	}
	node := &Node{key: d.keyCopy(key), value: make([]byte, valueSize)}
	node.next = d.buckets[bucket]
	d.buckets[bucket] = node
	d.count++
	return node
}

// Upsert installs (if absent) and copies value into the node's value
// buffer, resizing it to len(value).
func (d *Dict) Upsert(key []byte, value []byte) *Node {
	node := d.Install(key, len(value))
	if cap(node.value) < len(value) || len(node.value) != len(value) {
		node.value = make([]byte, len(value))
	}
	copy(node.value, value)
	return node
}

// Get returns the node for key, if any.
func (d *Dict) Get(key []byte) (*Node, bool) {
	_, node, _ := d.find(key)
	return node, node != nil
}

// Remove unlinks and discards the node for key. Returns false if absent.
func (d *Dict) Remove(key []byte) bool {
	bucket := d.spec.hash(key, len(d.buckets))
	n := d.spec.keySize(key)
	var prev *Node
	for cur := d.buckets[bucket]; cur != nil; cur = cur.next {
		if d.spec.equal(cur.key, key[:n]) {
			if prev == nil {
				d.buckets[bucket] = cur.next
			} else {
				prev.next = cur.next
			}
			d.count--
			return true
		}
		prev = cur
	}
	return false
}

// RemoveAll frees every node, invoking cb for each before it is discarded.
// After it returns, Count is 0.
func (d *Dict) RemoveAll(cb func(key, value []byte)) {
	for i, head := range d.buckets {
		for cur := head; cur != nil; {
			next := cur.next
			if cb != nil {
				cb(cur.key, cur.value)
			}
			cur = next
		}
		d.buckets[i] = nil
	}
	d.count = 0
}

// Count is the number of installed keys.
func (d *Dict) Count() int { return d.count }

// BucketCount is the fixed bucket array size.
func (d *Dict) BucketCount() int { return len(d.buckets) }

// ChainLength returns the number of nodes chained off bucket i.
func (d *Dict) ChainLength(i int) int {
	n := 0
	for cur := d.buckets[i]; cur != nil; cur = cur.next {
		n++
	}
	return n
}

// Iterator walks nodes bucket-major, chain order within a bucket. It is
// restartable from the first bucket but is invalidated by any mutation
// performed outside of RemoveCurrent during a traversal.
type Iterator struct {
	d       *Dict
	bucket  int
	cur     *Node
	prev    *Node
	forced  bool  // true right after RemoveCurrent: forcedN is where Next() must resume
	forcedN *Node // node after the one just removed, in its original chain
}

// Iterate returns an Iterator positioned before the first node.
func (d *Dict) Iterate() *Iterator {
	return &Iterator{d: d, bucket: -1}
}

// Next advances to the next node in bucket-major, chain order and reports
// whether one was found.
func (it *Iterator) Next() bool {
	if it.forced {
		it.forced = false
		if it.forcedN != nil {
			it.cur = it.forcedN
			return true
		}
		// The removed node was the last in its bucket; fall through to
		// scanning forward from the next bucket.
		it.cur = nil
	} else if it.cur != nil && it.cur.next != nil {
		it.prev = it.cur
		it.cur = it.cur.next
		return true
	}
	for it.bucket++; it.bucket < len(it.d.buckets); it.bucket++ {
		if it.d.buckets[it.bucket] != nil {
			it.prev = nil
			it.cur = it.d.buckets[it.bucket]
			return true
		}
	}
	it.cur = nil
	return false
}

// Node returns the node the iterator currently sits on.
func (it *Iterator) Node() *Node { return it.cur }

// SeekTo repositions the iterator onto the node for key, or reports false
// if key is absent. Used by callers that want to resume iteration at a
// known key rather than from the start.
func (it *Iterator) SeekTo(key []byte) bool {
	bucket, node, prev := it.d.find(key)
	if node == nil {
		return false
	}
	it.bucket = bucket
	it.cur = node
	it.prev = prev
	it.forced = false
	return true
}

// RemoveCurrent deletes the node the iterator is on; the following Next()
// call resumes exactly where the removed node was. It is the only mutation
// an Iterator may safely observe mid-traversal.
func (it *Iterator) RemoveCurrent() bool {
	if it.cur == nil {
		return false
	}
	next := it.cur.next
	if it.prev == nil {
		it.d.buckets[it.bucket] = next
	} else {
		it.prev.next = next
	}
	it.d.count--
	it.forced = true
	it.forcedN = next
	it.cur = nil
	return true
}
