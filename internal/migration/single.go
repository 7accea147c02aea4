package migration

import (
	"time"

	"github.com/kvslot/migrate/internal/kv"
	"github.com/kvslot/migrate/internal/rdbcodec"
	"github.com/kvslot/migrate/internal/wire"
)

// Stage is one state of the SingleObjectIterator state machine (spec §4.2).
// Modeling the machine as stored fields on the iterator struct, rather than
// a coroutine, is the "coroutine-style staged iteration" design note (§9):
// pause/resume across event-loop turns is just "call Next again".
type Stage int

const (
	StagePrepare Stage = iota
	StagePayload
	StageChunked
	StageFillTTL
	StageDone
)

// EmitCtx carries the per-call knobs SingleObjectIterator.Next needs: the
// batch's max_bulks/max_bytes_budget policy (spec §4.2/§4.3) and the current
// time, used for TTL arithmetic.
type EmitCtx struct {
	MaxBulks       int
	MaxBytesBudget int
	Now            time.Time
}

// SingleObjectIterator turns one (key, value) pair into a sequence of wire
// messages, per the PREPARE -> {PAYLOAD | CHUNKED -> FILLTTL} -> DONE state
// machine spec §4.2 describes.
type SingleObjectIterator struct {
	Key string

	ks *kv.Keyspace

	stage   Stage
	handle  *kv.Handle
	expiry  kv.Expiry
	wasChunked bool

	// Cursors, advanced during CHUNKED.
	listIndex  int
	hashCursor int
	zsetIndex  int

	hashKeysCache   []string
	setMembersCache []string
	zmembersCache   []kv.ZMember // reversed: highest score first

	chunkTTLMs int64 // defensive upper bound used on chunk messages, spec §4.2/§9
}

// NewSingleObjectIterator builds an iterator over key, not yet started
// (stage PREPARE). chunkTTLMs is the defensive upper bound attached to
// CHUNKED messages (the spec's example is "3 x timeout_ms").
func NewSingleObjectIterator(ks *kv.Keyspace, key string, chunkTTLMs int64) *SingleObjectIterator {
	return &SingleObjectIterator{Key: key, ks: ks, chunkTTLMs: chunkTTLMs}
}

// HasNext reports whether the iterator has more work.
func (it *SingleObjectIterator) HasNext() bool { return it.stage != StageDone }

// Handle returns the captured value handle, or nil if the key was absent at
// PREPARE. Valid only once the iterator has left StagePrepare.
func (it *SingleObjectIterator) Handle() *kv.Handle { return it.handle }

// WasChunked reports whether the value went via the CHUNKED path, the
// signal BatchedObjectIterator uses to decide between an immediate Release
// and handing the handle to LazyReleaseWorker (spec §4.4/§4.6).
func (it *SingleObjectIterator) WasChunked() bool { return it.wasChunked }

// Next advances the state machine by one stage step, writing its frames to
// client's sink and returning the number of messages emitted. PREPARE emits
// the connection preamble (on the client's first use) together with the
// delete; every later step emits one message. Next returns 0 when the key
// was absent at PREPARE. A CHUNKED message always carries at least one
// element, so a small byte budget shrinks chunks but never stalls them.
func (it *SingleObjectIterator) Next(client *Client, ctx EmitCtx) (int, error) {
	switch it.stage {
	case StagePrepare:
		return it.doPrepare(client, ctx)
	case StagePayload:
		return it.doPayload(client, ctx)
	case StageChunked:
		return it.doChunked(client, ctx)
	case StageFillTTL:
		return it.doFillTTL(client, ctx)
	default:
		return 0, nil
	}
}

func (it *SingleObjectIterator) doPrepare(client *Client, ctx EmitCtx) (int, error) {
	handle, expiry, ok := it.ks.Get(it.Key)
	if !ok {
		// Absent at PREPARE: a normal occurrence when a key expires or is
		// deleted between being added to the batch and being drained (the
		// active-expire-cycle interaction noted in SPEC_FULL.md §3).
		it.stage = StageDone

		return 0, nil
	}

	it.handle = handle
	it.expiry = expiry

	msgs := 0

	if !client.preambleSent {
		if client.password != "" {
			client.emit(wire.AuthFrame(client.password))
			msgs++
		}

		client.emit(wire.SelectFrame(client.db))
		msgs++
		client.preambleSent = true
	}

	client.emit(wire.DeleteFrame(it.Key))
	msgs++

	v := handle.Value
	if v.IsComposite() && v.ElementCount() > ctx.MaxBulks {
		it.wasChunked = true
		it.stage = StageChunked
		it.primeCursors(v)
	} else {
		it.stage = StagePayload
	}

	return msgs, nil
}

func (it *SingleObjectIterator) doPayload(client *Client, ctx EmitCtx) (int, error) {
	v := it.handle.Value
	ttl := it.expiry.TTLMillis(ctx.Now)

	if v.Kind == kv.String {
		client.emit(wire.StringFrame(it.Key, ttl, v.Str))
	} else {
		client.emit(wire.ObjectFrame(it.Key, ttl, rdbcodec.EncodeObject(v)))
	}

	it.stage = StageDone

	return 1, nil
}

func (it *SingleObjectIterator) primeCursors(v *kv.Value) {
	switch v.Kind {
	case kv.Hash:
		it.hashKeysCache = v.HashKeys()
	case kv.Set:
		it.setMembersCache = v.SetMembers()
	case kv.SortedSet:
		members := v.SortedMembers() // ascending
		rev := make([]kv.ZMember, len(members))

		for i, m := range members {
			rev[len(members)-1-i] = m
		}

		it.zmembersCache = rev
	}
}

func (it *SingleObjectIterator) doChunked(client *Client, ctx EmitCtx) (int, error) {
	v := it.handle.Value

	switch v.Kind {
	case kv.List:
		return it.chunkList(client, v, ctx)
	case kv.Hash:
		return it.chunkHash(client, v, ctx)
	case kv.Set:
		return it.chunkSet(client, v, ctx)
	case kv.SortedSet:
		return it.chunkZSet(client, v, ctx)
	default:
		it.stage = StageFillTTL

		return 0, nil
	}
}

// windowEnd picks the largest end such that [start, end) holds at most
// maxBulks elements and, past the first element, at most maxBytes bytes of
// content (sizeAt(i)). The first element is never rejected on size alone —
// a single oversized element must not stall the transfer forever (spec §9's
// back-pressure note describes the budget as a throttle, not a deadlock).
func windowEnd(start, total, maxBulks, maxBytes int, sizeAt func(i int) int) int {
	end := start
	bytes := 0

	for end < total && end-start < maxBulks {
		sz := sizeAt(end)
		if end > start && bytes+sz > maxBytes {
			break
		}

		bytes += sz
		end++
	}

	return end
}

func (it *SingleObjectIterator) chunkList(client *Client, v *kv.Value, ctx EmitCtx) (int, error) {
	total := len(v.Lst)
	end := windowEnd(it.listIndex, total, ctx.MaxBulks, ctx.MaxBytesBudget, func(i int) int { return len(v.Lst[i]) })

	client.emit(wire.ListChunkFrame(it.Key, it.chunkTTLMs, total, v.Lst[it.listIndex:end]))
	it.listIndex = end

	if it.listIndex >= total {
		it.stage = StageFillTTL
	}

	return 1, nil
}

func (it *SingleObjectIterator) chunkHash(client *Client, v *kv.Value, ctx EmitCtx) (int, error) {
	total := len(it.hashKeysCache)
	end := windowEnd(it.hashCursor, total, ctx.MaxBulks, ctx.MaxBytesBudget,
		func(i int) int { return len(it.hashKeysCache[i]) + len(v.Hsh[it.hashKeysCache[i]]) })

	pairs := make([][2][]byte, 0, end-it.hashCursor)
	for i := it.hashCursor; i < end; i++ {
		k := it.hashKeysCache[i]
		pairs = append(pairs, [2][]byte{[]byte(k), v.Hsh[k]})
	}

	client.emit(wire.HashChunkFrame(it.Key, it.chunkTTLMs, total, pairs))
	it.hashCursor = end

	if it.hashCursor >= total {
		it.stage = StageFillTTL
	}

	return 1, nil
}

func (it *SingleObjectIterator) chunkSet(client *Client, v *kv.Value, ctx EmitCtx) (int, error) {
	total := len(it.setMembersCache)
	end := windowEnd(it.hashCursor, total, ctx.MaxBulks, ctx.MaxBytesBudget,
		func(i int) int { return len(it.setMembersCache[i]) })

	elems := make([][]byte, 0, end-it.hashCursor)
	for i := it.hashCursor; i < end; i++ {
		elems = append(elems, []byte(it.setMembersCache[i]))
	}

	client.emit(wire.DictChunkFrame(it.Key, it.chunkTTLMs, total, elems))
	it.hashCursor = end

	if it.hashCursor >= total {
		it.stage = StageFillTTL
	}

	return 1, nil
}

func (it *SingleObjectIterator) chunkZSet(client *Client, v *kv.Value, ctx EmitCtx) (int, error) {
	total := len(it.zmembersCache)
	end := windowEnd(it.zsetIndex, total, ctx.MaxBulks, ctx.MaxBytesBudget,
		func(i int) int { return len(it.zmembersCache[i].Member) + 8 })

	members := make([]wire.ZSetMember, 0, end-it.zsetIndex)
	for i := it.zsetIndex; i < end; i++ {
		m := it.zmembersCache[i]
		members = append(members, wire.ZSetMember{Member: []byte(m.Member), ScoreBits: kv.ScoreBits(m.Score)})
	}

	client.emit(wire.ZSetChunkFrame(it.Key, it.chunkTTLMs, total, members))
	it.zsetIndex = end

	if it.zsetIndex >= total {
		it.stage = StageFillTTL
	}

	return 1, nil
}

func (it *SingleObjectIterator) doFillTTL(client *Client, ctx EmitCtx) (int, error) {
	ttl := it.expiry.TTLMillis(ctx.Now)
	client.emit(wire.ExpireFrame(it.Key, ttl))
	it.stage = StageDone

	return 1, nil
}
