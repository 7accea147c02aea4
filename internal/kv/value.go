// Package kv models the in-memory key/value data the migration engine
// moves: typed composite values (String, List, Hash, Set, SortedSet) plus
// per-key expiration, and a small single-database Keyspace the engine treats
// as its ambient collaborator (the plain Redis command surface itself is
// out of scope; this package exists only so the engine has something real
// to migrate in tests and in the reference server).
package kv

import (
	"math"
	"sort"
	"time"
)

// Type identifies the encoding of a Value.
type Type int

const (
	// String is a scalar byte string.
	String Type = iota
	// List is an ordered sequence of byte strings.
	List
	// Hash is a field -> byte-string map.
	Hash
	// Set is an unordered collection of unique byte strings.
	Set
	// SortedSet is a member -> float64 score map, iterated by rank.
	SortedSet
)

// String implements fmt.Stringer for log/diagnostic output.
func (t Type) String() string {
	switch t {
	case String:
		return "string"
	case List:
		return "list"
	case Hash:
		return "hash"
	case Set:
		return "set"
	case SortedSet:
		return "zset"
	default:
		return "unknown"
	}
}

// Value is a tagged-union container for one of the five supported types.
//
// Exactly one of the fields matching Kind is meaningful; the others are
// zero. This mirrors the spec's "dynamic dispatch over value types: use
// tagged variants with a small interface, not polymorphic class
// hierarchies" design note (spec §9).
type Value struct {
	Kind Type

	Str  []byte
	Lst  [][]byte
	Hsh  map[string][]byte
	St   map[string]struct{}
	ZSet map[string]float64
}

// NewString returns a String value.
func NewString(b []byte) *Value { return &Value{Kind: String, Str: b} }

// NewList returns a List value.
func NewList(elems ...[]byte) *Value { return &Value{Kind: List, Lst: elems} }

// NewHash returns a Hash value.
func NewHash(fields map[string][]byte) *Value { return &Value{Kind: Hash, Hsh: fields} }

// NewSet returns a Set value.
func NewSet(members ...string) *Value {
	s := make(map[string]struct{}, len(members))
	for _, m := range members {
		s[m] = struct{}{}
	}

	return &Value{Kind: Set, St: s}
}

// NewSortedSet returns a SortedSet value.
func NewSortedSet(scores map[string]float64) *Value {
	return &Value{Kind: SortedSet, ZSet: scores}
}

// IsComposite reports whether the value is a multi-element collection
// (List, Hash, Set, SortedSet) as opposed to a scalar String. Composite
// values are the ones that may warrant the CHUNKED transfer path.
func (v *Value) IsComposite() bool {
	return v.Kind != String
}

// ElementCount is the number of logical elements the value holds: 1 for
// String (transferred whole, never chunked), len(Lst) for List, number of
// fields for Hash, number of members for Set/SortedSet.
func (v *Value) ElementCount() int {
	switch v.Kind {
	case String:
		return 1
	case List:
		return len(v.Lst)
	case Hash:
		return len(v.Hsh)
	case Set:
		return len(v.St)
	case SortedSet:
		return len(v.ZSet)
	default:
		return 0
	}
}

// SortedMembers returns SortedSet members ordered by (score, member)
// ascending, matching the conventional Redis zset rank order. CHUNKED
// traversal (spec §4.2) walks this slice highest-rank first.
func (v *Value) SortedMembers() []ZMember {
	members := make([]ZMember, 0, len(v.ZSet))
	for m, s := range v.ZSet {
		members = append(members, ZMember{Member: m, Score: s})
	}

	sort.Slice(members, func(i, j int) bool {
		if members[i].Score != members[j].Score {
			return members[i].Score < members[j].Score
		}

		return members[i].Member < members[j].Member
	})

	return members
}

// ZMember is one (member, score) pair of a SortedSet, in rank order.
type ZMember struct {
	Member string
	Score  float64
}

// HashKeys returns Hash field names in a stable order, used to drive the
// cursor-scan emit path deterministically in tests.
func (v *Value) HashKeys() []string {
	keys := make([]string, 0, len(v.Hsh))
	for k := range v.Hsh {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}

// SetMembers returns Set members in a stable order.
func (v *Value) SetMembers() []string {
	keys := make([]string, 0, len(v.St))
	for k := range v.St {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}

// Expiry is a key's optional absolute deadline.
type Expiry struct {
	// Deadline is the absolute expiration instant. The zero value means
	// "no expiration".
	Deadline time.Time
}

// HasDeadline reports whether e carries an expiration.
func (e Expiry) HasDeadline() bool { return !e.Deadline.IsZero() }

// TTLMillis returns ttl_ms(k) as defined in spec §3: max(1, deadline-now)
// when an expiration is set, else 0 ("no expiration").
func (e Expiry) TTLMillis(now time.Time) int64 {
	if !e.HasDeadline() {
		return 0
	}

	remaining := e.Deadline.Sub(now).Milliseconds()
	if remaining < 1 {
		return 1
	}

	return remaining
}

// ScoreBits returns the raw 64-bit big-endian-ordered bit pattern of s,
// the wire representation spec §3/§6 mandates for SortedSet scores so that
// round-trip is exact (never transmitted as decimal text).
func ScoreBits(s float64) uint64 {
	return math.Float64bits(s)
}

// ScoreFromBits is the inverse of ScoreBits.
func ScoreFromBits(bits uint64) float64 {
	return math.Float64frombits(bits)
}

// ExpiryFromTTLMillis converts a wire ttl (0 = no expiration) back into an
// Expiry anchored at now, the inverse of TTLMillis.
func ExpiryFromTTLMillis(ttlMs int64, now time.Time) Expiry {
	if ttlMs <= 0 {
		return Expiry{}
	}

	return Expiry{Deadline: now.Add(time.Duration(ttlMs) * time.Millisecond)}
}
