package kv

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/kvslot/migrate/internal/slotindex"
)

// Handle is a refcounted reference to a Value.
//
// The main keyspace holds one reference for as long as the key is live.
// An iterator capturing a value at PREPARE (spec §4.2) retains an
// additional reference so the value stays valid past key deletion; the
// reference is released once the iterator has emitted the value (directly,
// for small values, or via LazyReleaseWorker for values that took the
// CHUNKED path). This is the "cyclic reference from iterators to their
// backing values" design note (spec §9) made concrete.
type Handle struct {
	refs  int32
	Value *Value
}

// NewHandle wraps v with an initial reference count of 1.
func NewHandle(v *Value) *Handle {
	return &Handle{refs: 1, Value: v}
}

// Retain increments the reference count and returns h for chaining.
func (h *Handle) Retain() *Handle {
	atomic.AddInt32(&h.refs, 1)

	return h
}

// Release decrements the reference count. It returns true exactly once,
// the call that drops the count to zero - the caller that sees true is the
// one responsible for reclaiming the value (directly, or by handing it to
// LazyReleaseWorker).
func (h *Handle) Release() bool {
	return atomic.AddInt32(&h.refs, -1) == 0
}

// RefCount returns the current reference count, for tests and diagnostics.
func (h *Handle) RefCount() int32 {
	return atomic.LoadInt32(&h.refs)
}

// Record is one live entry in a database: its value handle and expiry.
type Record struct {
	Handle *Handle
	Expiry Expiry
}

// Keyspace is a single logical database: a map of live keys to records,
// backed by a slotindex.Index kept in sync on every mutation.
//
// Keyspace is the "ambient key/value store" the spec (§1) treats as an
// external collaborator; this is a concrete, in-memory implementation
// given so the engine has something real to operate against.
type Keyspace struct {
	mu      sync.RWMutex
	records map[string]*Record
	slots   *slotindex.Index
}

// NewKeyspace returns an empty Keyspace with a fresh slot index.
func NewKeyspace() *Keyspace {
	return &Keyspace{
		records: make(map[string]*Record),
		slots:   slotindex.New(),
	}
}

// Slots returns the Keyspace's backing slot index, for the migration
// dispatcher's slot-variant key selection.
func (ks *Keyspace) Slots() *slotindex.Index { return ks.slots }

// Get returns the record for key, retaining a reference on its handle. The
// caller must call Release on the returned handle when done.
func (ks *Keyspace) Get(key string) (*Handle, Expiry, bool) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()

	rec, ok := ks.records[key]
	if !ok {
		return nil, Expiry{}, false
	}

	return rec.Handle.Retain(), rec.Expiry, true
}

// Exists reports whether key is live, without touching refcounts.
func (ks *Keyspace) Exists(key string) bool {
	ks.mu.RLock()
	defer ks.mu.RUnlock()

	_, ok := ks.records[key]

	return ok
}

// Set installs value under key with the given expiry, replacing any
// existing record. The new record starts with a fresh handle of refcount 1.
func (ks *Keyspace) Set(key string, value *Value, expiry Expiry) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if _, existed := ks.records[key]; !existed {
		ks.slots.Insert(key)
	}

	ks.records[key] = &Record{Handle: NewHandle(value), Expiry: expiry}
}

// SetExpiry updates only the expiry of an existing key. A zero Expiry
// clears any existing expiration (spec §4.5's `expire key ttl` semantics).
func (ks *Keyspace) SetExpiry(key string, expiry Expiry) (existed bool) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	rec, ok := ks.records[key]
	if !ok {
		return false
	}

	rec.Expiry = expiry

	return true
}

// Delete removes key and releases the keyspace's own reference on its
// handle, returning true if key existed. If the release brought the
// refcount to zero, drained is also true, meaning the caller may reclaim
// the value immediately (or, for large values, hand it to
// LazyReleaseWorker instead of doing so inline).
func (ks *Keyspace) Delete(key string) (existed, drained bool) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	rec, ok := ks.records[key]
	if !ok {
		return false, false
	}

	delete(ks.records, key)
	ks.slots.Remove(key)

	return true, rec.Handle.Release()
}

// Len returns the number of live keys.
func (ks *Keyspace) Len() int {
	ks.mu.RLock()
	defer ks.mu.RUnlock()

	return len(ks.records)
}

// ExpireNow evicts any key whose deadline is at or before now. It is the
// active-expire-cycle analogue noted in SPEC_FULL.md's supplemented
// features: a key the migration batch has already queued may vanish here
// before the iterator reaches PREPARE, which PREPARE already handles by
// treating an absent key as a no-op.
func (ks *Keyspace) ExpireNow(now time.Time) (expired []string) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	for key, rec := range ks.records {
		if rec.Expiry.HasDeadline() && !rec.Expiry.Deadline.After(now) {
			expired = append(expired, key)
		}
	}

	for _, key := range expired {
		rec := ks.records[key]
		delete(ks.records, key)
		ks.slots.Remove(key)
		rec.Handle.Release()
	}

	return expired
}
