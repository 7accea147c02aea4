package migration

import (
	"crypto/subtle"
	"fmt"
	"time"

	"github.com/kvslot/migrate/internal/kv"
	"github.com/kvslot/migrate/internal/rdbcodec"
	"github.com/kvslot/migrate/internal/wire"
)

// Receiver implements the destination side of the protocol, ReceiverCommands
// (spec §4.5): validates and applies each RESTORE-ASYNC* message against
// one of several per-database Keyspaces, switching between them on
// RESTORE-ASYNC-SELECT, and replying with an ack frame.
type Receiver struct {
	keyspaces []*kv.Keyspace
	password  string

	authenticated bool
	selectedDB    int
}

// NewReceiver builds a Receiver applying messages to one of keyspaces
// (index = db), starting on db 0. AUTH succeeds only when its argument
// equals password; with an empty password, only an AUTH carrying an empty
// password succeeds.
func NewReceiver(keyspaces []*kv.Keyspace, password string) *Receiver {
	return &Receiver{keyspaces: keyspaces, password: password}
}

// ks returns the keyspace currently selected for this connection.
func (r *Receiver) ks() *kv.Keyspace {
	return r.keyspaces[r.selectedDB]
}

// SelectedDB returns the database index this connection currently has
// selected, shared between the RESTORE-ASYNC-SELECT preamble and the plain
// SELECT command the server's administrative surface accepts.
func (r *Receiver) SelectedDB() int { return r.selectedDB }

// SetDB changes the selected database directly, for the plain SELECT
// command (as opposed to RESTORE-ASYNC-SELECT's preamble form). Returns
// false if db is out of range, leaving the selection unchanged.
func (r *Receiver) SetDB(db int) bool {
	if db < 0 || db >= len(r.keyspaces) {
		return false
	}

	r.selectedDB = db

	return true
}

// Handle processes one inbound multi-bulk command and returns the ack
// frame to write back plus whether the connection must be closed
// afterward (spec §4.5: "Any handler that returns an error must close the
// connection after replying").
func (r *Receiver) Handle(args wire.Args) (ackFrame []byte, closeConn bool) {
	if len(args) == 0 {
		return wire.AckFrame(-1, "empty command"), true
	}

	switch string(args[0]) {
	case wire.CmdAuth:
		return r.handleAuth(args)
	case wire.CmdSelect:
		return r.handleSelect(args)
	case wire.CmdMain:
		return r.handleMain(args)
	default:
		return wire.AckFrame(-1, fmt.Sprintf("unknown command %q", args[0])), true
	}
}

func (r *Receiver) handleAuth(args wire.Args) ([]byte, bool) {
	if len(args) != 2 {
		return wire.AckFrame(-1, "wrong number of arguments"), true
	}

	want := []byte(r.password)
	got := args[1]

	if len(want) != len(got) || subtle.ConstantTimeCompare(want, got) != 1 {
		return wire.AckFrame(-1, "invalid password"), true
	}

	r.authenticated = true

	return wire.AckFrame(0, "ok"), false
}

func (r *Receiver) handleSelect(args wire.Args) ([]byte, bool) {
	if len(args) != 2 {
		return wire.AckFrame(-1, "wrong number of arguments"), true
	}

	db, err := wire.ParseInt64(args[1])
	if err != nil || db < 0 || int(db) >= len(r.keyspaces) {
		return wire.AckFrame(-1, "bad db index"), true
	}

	r.selectedDB = int(db)

	return wire.AckFrame(0, "ok"), false
}

func (r *Receiver) handleMain(args wire.Args) ([]byte, bool) {
	if len(args) < 2 {
		return wire.AckFrame(-1, "wrong number of arguments"), true
	}

	switch string(args[1]) {
	case wire.SubDelete:
		return r.applyDelete(args)
	case wire.SubString:
		return r.applyString(args)
	case wire.SubObject:
		return r.applyObject(args)
	case wire.SubExpire:
		return r.applyExpire(args)
	case wire.SubList:
		return r.applyList(args)
	case wire.SubHash:
		return r.applyHash(args)
	case wire.SubDict:
		return r.applyDict(args)
	case wire.SubZSet:
		return r.applyZSet(args)
	default:
		return wire.AckFrame(-1, fmt.Sprintf("unknown sub-command %q", args[1])), true
	}
}

func (r *Receiver) applyDelete(args wire.Args) ([]byte, bool) {
	if len(args) != 3 {
		return wire.AckFrame(-1, "wrong number of arguments"), true
	}

	existed, _ := r.ks().Delete(string(args[2]))
	if existed {
		return wire.AckFrame(0, "1"), false
	}

	return wire.AckFrame(0, "0"), false
}

func (r *Receiver) applyString(args wire.Args) ([]byte, bool) {
	if len(args) != 5 {
		return wire.AckFrame(-1, "wrong number of arguments"), true
	}

	key := string(args[2])
	if r.ks().Exists(key) {
		return wire.AckFrame(-1, "key exists"), true
	}

	ttlMs, err := wire.ParseInt64(args[3])
	if err != nil {
		return wire.AckFrame(-1, "bad ttl"), true
	}

	payload := append([]byte(nil), args[4]...)
	r.ks().Set(key, kv.NewString(payload), kv.ExpiryFromTTLMillis(ttlMs, time.Now()))

	return wire.AckFrame(0, "ok"), false
}

func (r *Receiver) applyObject(args wire.Args) ([]byte, bool) {
	if len(args) != 5 {
		return wire.AckFrame(-1, "wrong number of arguments"), true
	}

	key := string(args[2])
	if r.ks().Exists(key) {
		return wire.AckFrame(-1, "key exists"), true
	}

	ttlMs, err := wire.ParseInt64(args[3])
	if err != nil {
		return wire.AckFrame(-1, "bad ttl"), true
	}

	val, err := rdbcodec.DecodeObject(args[4])
	if err != nil {
		return wire.AckFrame(-1, err.Error()), true
	}

	r.ks().Set(key, val, kv.ExpiryFromTTLMillis(ttlMs, time.Now()))

	return wire.AckFrame(0, "ok"), false
}

func (r *Receiver) applyExpire(args wire.Args) ([]byte, bool) {
	if len(args) != 4 {
		return wire.AckFrame(-1, "wrong number of arguments"), true
	}

	ttlMs, err := wire.ParseInt64(args[3])
	if err != nil {
		return wire.AckFrame(-1, "bad ttl"), true
	}

	if existed := r.ks().SetExpiry(string(args[2]), kv.ExpiryFromTTLMillis(ttlMs, time.Now())); !existed {
		return wire.AckFrame(-1, "no such key"), true
	}

	return wire.AckFrame(0, "ok"), false
}

// applyList implements `list key ttl hint elem...`: on an existing key it
// requires a List encoding and appends; on an absent key it creates one,
// refusing to create an empty list (spec §4.5).
func (r *Receiver) applyList(args wire.Args) ([]byte, bool) {
	if len(args) < 5 {
		return wire.AckFrame(-1, "wrong number of arguments"), true
	}

	key := string(args[2])

	ttlMs, err := wire.ParseInt64(args[3])
	if err != nil {
		return wire.AckFrame(-1, "bad ttl"), true
	}

	elems := args[5:]

	handle, _, exists := r.ks().Get(key)
	if exists {
		defer handle.Release()

		if handle.Value.Kind != kv.List {
			return wire.AckFrame(-1, "wrong value encoding"), true
		}

		handle.Value.Lst = append(handle.Value.Lst, copyBulks(elems)...)
		r.ks().SetExpiry(key, kv.ExpiryFromTTLMillis(ttlMs, time.Now()))

		return wire.AckFrame(0, "ok"), false
	}

	if len(elems) == 0 {
		return wire.AckFrame(-1, "refusing to create empty list"), true
	}

	r.ks().Set(key, kv.NewList(copyBulks(elems)...), kv.ExpiryFromTTLMillis(ttlMs, time.Now()))

	return wire.AckFrame(0, "ok"), false
}

// applyHash implements `hash key ttl hint [k v ...]`.
func (r *Receiver) applyHash(args wire.Args) ([]byte, bool) {
	if len(args) < 5 {
		return wire.AckFrame(-1, "wrong number of arguments"), true
	}

	key := string(args[2])

	ttlMs, err := wire.ParseInt64(args[3])
	if err != nil {
		return wire.AckFrame(-1, "bad ttl"), true
	}

	pairs := args[5:]
	if len(pairs)%2 != 0 {
		return wire.AckFrame(-1, "odd number of hash fields"), true
	}

	handle, _, exists := r.ks().Get(key)

	var target *kv.Value

	if exists {
		defer handle.Release()

		if handle.Value.Kind != kv.Hash {
			return wire.AckFrame(-1, "wrong value encoding"), true
		}

		target = handle.Value
	} else {
		if len(pairs) == 0 {
			return wire.AckFrame(-1, "refusing to create empty hash"), true
		}

		target = kv.NewHash(make(map[string][]byte, len(pairs)/2))
		r.ks().Set(key, target, kv.Expiry{})
	}

	for i := 0; i < len(pairs); i += 2 {
		target.Hsh[string(pairs[i])] = append([]byte(nil), pairs[i+1]...)
	}

	r.ks().SetExpiry(key, kv.ExpiryFromTTLMillis(ttlMs, time.Now()))

	return wire.AckFrame(0, "ok"), false
}

// applyDict implements `dict key ttl hint e...` (Set).
func (r *Receiver) applyDict(args wire.Args) ([]byte, bool) {
	if len(args) < 5 {
		return wire.AckFrame(-1, "wrong number of arguments"), true
	}

	key := string(args[2])

	ttlMs, err := wire.ParseInt64(args[3])
	if err != nil {
		return wire.AckFrame(-1, "bad ttl"), true
	}

	elems := args[5:]

	handle, _, exists := r.ks().Get(key)

	var target *kv.Value

	if exists {
		defer handle.Release()

		if handle.Value.Kind != kv.Set {
			return wire.AckFrame(-1, "wrong value encoding"), true
		}

		target = handle.Value
	} else {
		if len(elems) == 0 {
			return wire.AckFrame(-1, "refusing to create empty set"), true
		}

		target = kv.NewSet()
		r.ks().Set(key, target, kv.Expiry{})
	}

	for _, e := range elems {
		target.St[string(e)] = struct{}{}
	}

	r.ks().SetExpiry(key, kv.ExpiryFromTTLMillis(ttlMs, time.Now()))

	return wire.AckFrame(0, "ok"), false
}

// applyZSet implements `zset key ttl hint [e sbits ...]`: sbits is the raw
// 8-byte big-endian score bit pattern; an existing member is removed then
// re-inserted with the new score (spec §4.5).
func (r *Receiver) applyZSet(args wire.Args) ([]byte, bool) {
	if len(args) < 5 {
		return wire.AckFrame(-1, "wrong number of arguments"), true
	}

	key := string(args[2])

	ttlMs, err := wire.ParseInt64(args[3])
	if err != nil {
		return wire.AckFrame(-1, "bad ttl"), true
	}

	rest := args[5:]
	if len(rest)%2 != 0 {
		return wire.AckFrame(-1, "malformed zset chunk"), true
	}

	handle, _, exists := r.ks().Get(key)

	var target *kv.Value

	if exists {
		defer handle.Release()

		if handle.Value.Kind != kv.SortedSet {
			return wire.AckFrame(-1, "wrong value encoding"), true
		}

		target = handle.Value
	} else {
		if len(rest) == 0 {
			return wire.AckFrame(-1, "refusing to create empty zset"), true
		}

		target = kv.NewSortedSet(make(map[string]float64, len(rest)/2))
		r.ks().Set(key, target, kv.Expiry{})
	}

	for i := 0; i < len(rest); i += 2 {
		member := string(rest[i])

		bits, err := wire.ScoreFromBytes(rest[i+1])
		if err != nil {
			return wire.AckFrame(-1, "bad score bytes"), true
		}

		delete(target.ZSet, member)
		target.ZSet[member] = kv.ScoreFromBits(bits)
	}

	r.ks().SetExpiry(key, kv.ExpiryFromTTLMillis(ttlMs, time.Now()))

	return wire.AckFrame(0, "ok"), false
}

func copyBulks(in [][]byte) [][]byte {
	out := make([][]byte, len(in))
	for i, b := range in {
		out[i] = append([]byte(nil), b...)
	}

	return out
}
