// Package slotindex maintains, per database, a constant-time mapping from
// logical slot to the keys that hash to it, plus an ordered index of keys
// that carry an explicit hash tag.
//
// A key k maps to slot crc32(tag(k)) & Mask, where tag(k) is the substring
// between the first '{' and the next '}' if both exist and enclose a
// non-empty region, else k itself. Insert/Remove are idempotent; CheckInvariants
// is read-only.
package slotindex

import (
	"hash/crc32"
	"sort"
	"sync"
)

// Mask is the single named constant shared by the hashing routine and every
// consumer. 1023 gives 1024 slots, the spec's suggested default.
const Mask = 1023

// SlotCount is the number of logical slots (Mask+1).
const SlotCount = Mask + 1

// Tag returns the hash tag of key: the substring between the first '{' and
// the next '}' if both exist and enclose a non-empty region, else key itself.
func Tag(key string) string {
	start := -1

	for i := 0; i < len(key); i++ {
		if key[i] == '{' {
			start = i

			break
		}
	}

	if start == -1 {
		return key
	}

	end := -1

	for i := start + 1; i < len(key); i++ {
		if key[i] == '}' {
			end = i

			break
		}
	}

	if end == -1 || end == start+1 {
		return key
	}

	return key[start+1 : end]
}

// HasTag reports whether key carries an explicit, non-empty hash tag.
func HasTag(key string) bool {
	return Tag(key) != key
}

// Locate derives the authoritative (slot, crc, hasTag) triple for key. This
// is the single routine producers and consumers must share.
func Locate(key string) (slot uint16, crc uint32, hasTag bool) {
	tag := Tag(key)
	hasTag = tag != key
	crc = crc32.ChecksumIEEE([]byte(tag))
	slot = uint16(crc & Mask)

	return slot, crc, hasTag
}

// tagEntry is one row of the by-tag index: a key sharing crc, kept so
// TagRange can return them in (crc, key) order.
type tagEntry struct {
	crc uint32
	key string
}

// Index is a per-database slot index.
//
// All methods are safe for concurrent use; the zero value is not usable,
// use New.
type Index struct {
	mu     sync.RWMutex
	bySlot map[uint16]map[string]struct{}
	byTag  map[uint32]map[string]struct{}
}

// New returns an empty Index.
func New() *Index {
	return &Index{
		bySlot: make(map[uint16]map[string]struct{}),
		byTag:  make(map[uint32]map[string]struct{}),
	}
}

// Insert records that key is now live. Idempotent.
func (idx *Index) Insert(key string) {
	slot, crc, hasTag := Locate(key)

	idx.mu.Lock()
	defer idx.mu.Unlock()

	bucket, ok := idx.bySlot[slot]
	if !ok {
		bucket = make(map[string]struct{})
		idx.bySlot[slot] = bucket
	}

	bucket[key] = struct{}{}

	if hasTag {
		tagged, ok := idx.byTag[crc]
		if !ok {
			tagged = make(map[string]struct{})
			idx.byTag[crc] = tagged
		}

		tagged[key] = struct{}{}
	}
}

// Remove records that key is no longer live. Idempotent.
func (idx *Index) Remove(key string) {
	slot, crc, hasTag := Locate(key)

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if bucket, ok := idx.bySlot[slot]; ok {
		delete(bucket, key)

		if len(bucket) == 0 {
			delete(idx.bySlot, slot)
		}
	}

	if hasTag {
		if tagged, ok := idx.byTag[crc]; ok {
			delete(tagged, key)

			if len(tagged) == 0 {
				delete(idx.byTag, crc)
			}
		}
	}
}

// EnumerateSlot returns a snapshot of every key currently in slot s.
func (idx *Index) EnumerateSlot(s uint16) []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	bucket := idx.bySlot[s]
	out := make([]string, 0, len(bucket))

	for k := range bucket {
		out = append(out, k)
	}

	sort.Strings(out)

	return out
}

// RandomFromSlot returns an arbitrary key from slot s, or ok=false if empty.
//
// The implementation does not guarantee uniform randomness across calls; it
// is a cheap single-probe pick suitable for the dispatcher's slot-variant
// sampling (spec §4.7), which issues several probes and aggregates.
func (idx *Index) RandomFromSlot(s uint16) (key string, ok bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	for k := range idx.bySlot[s] {
		return k, true
	}

	return "", false
}

// TagRange returns every key whose tag hashes to crc, in (crc, key) order.
// Since TagRange is always called for a single crc value, the ordering
// degenerates to lexicographic key order.
func (idx *Index) TagRange(crc uint32) []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	tagged := idx.byTag[crc]
	out := make([]string, 0, len(tagged))

	for k := range tagged {
		out = append(out, k)
	}

	sort.Strings(out)

	return out
}

// Len returns the number of keys currently indexed, across all slots.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	n := 0
	for _, bucket := range idx.bySlot {
		n += len(bucket)
	}

	return n
}

// CheckInvariants verifies, for every indexed key, that:
//   - k is present in bySlot[slot(k)] and in no other bucket
//   - k exists in the main keyspace (via exists)
//   - every tagged k appears in byTag with score crc(tag(k))
//
// It returns the first key that violates any of these, or ("", true) if
// none do. CheckInvariants never mutates the index.
func (idx *Index) CheckInvariants(exists func(key string) bool) (firstMissing string, ok bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	for slot, bucket := range idx.bySlot {
		for k := range bucket {
			wantSlot, crc, hasTag := Locate(k)
			if wantSlot != slot {
				return k, false
			}

			if exists != nil && !exists(k) {
				return k, false
			}

			if hasTag {
				tagged, ok := idx.byTag[crc]
				if !ok {
					return k, false
				}

				if _, present := tagged[k]; !present {
					return k, false
				}
			}
		}
	}

	return "", true
}
