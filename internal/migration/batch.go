package migration

import (
	"time"

	"github.com/kvslot/migrate/internal/kv"
	"github.com/kvslot/migrate/internal/slotindex"
)

// BatchedObjectIterator aggregates many SingleObjectIterators into one
// migration batch: key dedup, tag-closure expansion (hash-tag atomicity),
// and bookkeeping of removed keys and values deferred to LazyReleaseWorker
// (spec §4.3).
type BatchedObjectIterator struct {
	ks  *kv.Keyspace
	idx *slotindex.Index

	keys    map[string]struct{}
	pending []*SingleObjectIterator
	tagSet  map[uint32]struct{}

	TimeoutMs int64
	MaxBulks  int
	MaxBytes  int

	RemovedKeysList   []string
	ChunkedValsList   []*kv.Handle
	EstimateMsgsCount int
}

// NewBatchedObjectIterator builds an empty batch against ks, consulting idx
// (the source slot index) for tag-closure expansion. idx may be nil if the
// caller never intends to migrate tagged keys.
func NewBatchedObjectIterator(ks *kv.Keyspace, idx *slotindex.Index, timeoutMs int64, maxBulks, maxBytes int) *BatchedObjectIterator {
	return &BatchedObjectIterator{
		ks:        ks,
		idx:       idx,
		keys:      make(map[string]struct{}),
		tagSet:    make(map[uint32]struct{}),
		TimeoutMs: timeoutMs,
		MaxBulks:  maxBulks,
		MaxBytes:  maxBytes,
	}
}

// Contains reports whether key is already part of the batch, directly or
// (if useTag) via its hash tag having already been expanded. EXEC-WRAPPER
// uses useTag=true to detect "this key's whole tag group is migrating"
// even before the sibling key's own SingleObjectIterator has run.
func (b *BatchedObjectIterator) Contains(key string, useTag bool) bool {
	if _, ok := b.keys[key]; ok {
		return true
	}

	if useTag {
		_, crc, hasTag := slotindex.Locate(key)
		if hasTag {
			_, ok := b.tagSet[crc]

			return ok
		}
	}

	return false
}

// AddKey enqueues key, deduplicating against keys already in the batch. If
// expandTag is set and key carries a hash tag not yet expanded, every other
// key sharing that tag (per idx's TagRange) is enqueued alongside it in the
// same batch — hash-tag atomicity (spec §4.3, the "Tag atomicity" testable
// property in §8).
func (b *BatchedObjectIterator) AddKey(key string, expandTag bool) {
	if _, ok := b.keys[key]; ok {
		return
	}

	b.addOne(key)

	if !expandTag {
		return
	}

	_, crc, hasTag := slotindex.Locate(key)
	if !hasTag {
		return
	}

	if _, expanded := b.tagSet[crc]; expanded {
		return
	}

	b.tagSet[crc] = struct{}{}

	if b.idx == nil {
		return
	}

	for _, sibling := range b.idx.TagRange(crc) {
		if _, ok := b.keys[sibling]; !ok {
			b.addOne(sibling)
		}
	}
}

func (b *BatchedObjectIterator) addOne(key string) {
	b.keys[key] = struct{}{}
	b.pending = append(b.pending, NewSingleObjectIterator(b.ks, key, b.TimeoutMs*3))
	b.EstimateMsgsCount += b.estimateFor(key)
}

// estimateFor computes ceil(element_count / max_bulks), capped at 1 for
// small values (spec §4.3).
func (b *BatchedObjectIterator) estimateFor(key string) int {
	handle, _, ok := b.ks.Get(key)
	if !ok {
		return 1
	}
	defer handle.Release()

	n := handle.Value.ElementCount()
	if n <= 1 || b.MaxBulks <= 0 {
		return 1
	}

	return (n + b.MaxBulks - 1) / b.MaxBulks
}

// HasNext reports whether the batch has keys left to drain.
func (b *BatchedObjectIterator) HasNext() bool { return len(b.pending) > 0 }

// PendingCount returns the number of keys still queued or in progress, for
// MGRT-STATUS's iterator_summary.
func (b *BatchedObjectIterator) PendingCount() int { return len(b.pending) }

// NextMessage dispatches to the head SingleObjectIterator, computing
// max_bytes_budget from the client's current outstanding (unacked) byte
// count (spec §4.3's back-pressure rule), and finalizes the head once it
// reaches DONE.
func (b *BatchedObjectIterator) NextMessage(client *Client) (int, error) {
	if len(b.pending) == 0 {
		return 0, nil
	}

	head := b.pending[0]

	budget := b.MaxBytes - client.outstandingBytes
	if budget < 0 {
		budget = 0
	}

	ctx := EmitCtx{MaxBulks: b.MaxBulks, MaxBytesBudget: budget, Now: time.Now()}

	n, err := head.Next(client, ctx)
	if err != nil {
		return 0, err
	}

	if !head.HasNext() {
		b.finalizeHead(head)
		b.pending = b.pending[1:]
	}

	return n, nil
}

// finalizeHead records a drained key for the commit step (spec §4.4). A
// key that went via PAYLOAD is small enough to release its extra reference
// immediately; a key that went via CHUNKED is handed to LazyReleaseWorker
// at commit instead, since it may be large.
func (b *BatchedObjectIterator) finalizeHead(it *SingleObjectIterator) {
	if it.Handle() == nil {
		return // key was already absent at PREPARE: nothing to delete
	}

	b.RemovedKeysList = append(b.RemovedKeysList, it.Key)

	if it.WasChunked() {
		b.ChunkedValsList = append(b.ChunkedValsList, it.Handle())
	} else {
		it.Handle().Release()
	}
}
