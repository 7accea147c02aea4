// Package rdbcodec gives the spec's two opaque, assumed-available
// operations - EncodeObject(val) -> bytes and DecodeObject(bytes) -> val,
// err - a concrete body. The wire format here is this repo's own
// invention: a small versioned, checksummed envelope around a type tag and
// a type-specific payload, in the spirit of (but not a reimplementation
// of) RDB, which spec §1 explicitly keeps out of scope.
package rdbcodec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/kvslot/migrate/internal/kv"
)

// Envelope layout constants, mirroring the header/checksum/version
// discipline pkg/slotcache/format.go uses for its own on-disk records.
const (
	magic          = "RDBX"
	formatVersion  = 1
	headerSize     = 4 + 4 + 1 // magic + version + type tag
	checksumSize   = 4
	minEnvelopeLen = headerSize + checksumSize
)

// Sentinel errors, classified per spec §4.5/§7 (semantic errors: payload
// checksum mismatch, payload version mismatch).
var (
	// ErrChecksumMismatch indicates the payload failed its CRC-32 (IEEE) check.
	ErrChecksumMismatch = errors.New("rdbcodec: checksum mismatch")
	// ErrVersionMismatch indicates the envelope's format version is unknown.
	ErrVersionMismatch = errors.New("rdbcodec: version mismatch")
	// ErrTruncated indicates the payload is shorter than its own header
	// claims, or does not start with the envelope magic.
	ErrTruncated = errors.New("rdbcodec: truncated payload")
	// ErrUnknownType indicates an unrecognized value type tag.
	ErrUnknownType = errors.New("rdbcodec: unknown type tag")
)

// EncodeObject serializes v into a self-describing, checksummed byte
// string suitable for the wire's `object key ttl payload` message
// (spec §4.2/§6).
func EncodeObject(v *kv.Value) []byte {
	body := encodeBody(v)

	buf := make([]byte, headerSize+len(body)+checksumSize)
	copy(buf[0:4], magic)
	binary.BigEndian.PutUint32(buf[4:8], formatVersion)
	buf[8] = byte(v.Kind)
	copy(buf[headerSize:], body)

	sum := crc32.ChecksumIEEE(buf[:headerSize+len(body)])
	binary.BigEndian.PutUint32(buf[headerSize+len(body):], sum)

	return buf
}

// DecodeObject is the inverse of EncodeObject. It verifies the magic,
// version, and checksum before interpreting the payload, surfacing
// ErrVersionMismatch / ErrChecksumMismatch / ErrTruncated / ErrUnknownType
// as appropriate - the semantic errors ReceiverCommands' `object` handler
// must classify per spec §4.5/§7.
func DecodeObject(buf []byte) (*kv.Value, error) {
	if len(buf) < minEnvelopeLen {
		return nil, ErrTruncated
	}

	if string(buf[0:4]) != magic {
		return nil, ErrTruncated
	}

	version := binary.BigEndian.Uint32(buf[4:8])
	if version != formatVersion {
		return nil, fmt.Errorf("%w: got %d want %d", ErrVersionMismatch, version, formatVersion)
	}

	kind := kv.Type(buf[8])

	body := buf[headerSize : len(buf)-checksumSize]
	wantSum := binary.BigEndian.Uint32(buf[len(buf)-checksumSize:])
	gotSum := crc32.ChecksumIEEE(buf[:len(buf)-checksumSize])

	if gotSum != wantSum {
		return nil, ErrChecksumMismatch
	}

	return decodeBody(kind, body)
}

// encodeBody serializes the type-specific payload (no header/checksum).
func encodeBody(v *kv.Value) []byte {
	switch v.Kind {
	case kv.String:
		return encodeBytes(v.Str)
	case kv.List:
		var out []byte

		out = appendUvarint(out, uint64(len(v.Lst)))
		for _, e := range v.Lst {
			out = append(out, encodeBytes(e)...)
		}

		return out
	case kv.Hash:
		keys := v.HashKeys()

		var out []byte

		out = appendUvarint(out, uint64(len(keys)))
		for _, k := range keys {
			out = append(out, encodeBytes([]byte(k))...)
			out = append(out, encodeBytes(v.Hsh[k])...)
		}

		return out
	case kv.Set:
		members := v.SetMembers()

		var out []byte

		out = appendUvarint(out, uint64(len(members)))
		for _, m := range members {
			out = append(out, encodeBytes([]byte(m))...)
		}

		return out
	case kv.SortedSet:
		members := v.SortedMembers()

		var out []byte

		out = appendUvarint(out, uint64(len(members)))

		for _, m := range members {
			out = append(out, encodeBytes([]byte(m.Member))...)

			var scoreBuf [8]byte
			binary.BigEndian.PutUint64(scoreBuf[:], kv.ScoreBits(m.Score))
			out = append(out, scoreBuf[:]...)
		}

		return out
	default:
		return nil
	}
}

func decodeBody(kind kv.Type, body []byte) (*kv.Value, error) {
	switch kind {
	case kv.String:
		b, _, err := readBytes(body, 0)
		if err != nil {
			return nil, err
		}

		return kv.NewString(b), nil
	case kv.List:
		n, off, err := readUvarint(body, 0)
		if err != nil {
			return nil, err
		}

		elems := make([][]byte, 0, n)

		for i := uint64(0); i < n; i++ {
			var e []byte

			e, off, err = readBytes(body, off)
			if err != nil {
				return nil, err
			}

			elems = append(elems, e)
		}

		return kv.NewList(elems...), nil
	case kv.Hash:
		n, off, err := readUvarint(body, 0)
		if err != nil {
			return nil, err
		}

		fields := make(map[string][]byte, n)

		for i := uint64(0); i < n; i++ {
			var k, val []byte

			k, off, err = readBytes(body, off)
			if err != nil {
				return nil, err
			}

			val, off, err = readBytes(body, off)
			if err != nil {
				return nil, err
			}

			fields[string(k)] = val
		}

		return kv.NewHash(fields), nil
	case kv.Set:
		n, off, err := readUvarint(body, 0)
		if err != nil {
			return nil, err
		}

		members := make([]string, 0, n)

		for i := uint64(0); i < n; i++ {
			var m []byte

			m, off, err = readBytes(body, off)
			if err != nil {
				return nil, err
			}

			members = append(members, string(m))
		}

		return kv.NewSet(members...), nil
	case kv.SortedSet:
		n, off, err := readUvarint(body, 0)
		if err != nil {
			return nil, err
		}

		scores := make(map[string]float64, n)

		for i := uint64(0); i < n; i++ {
			var m []byte

			m, off, err = readBytes(body, off)
			if err != nil {
				return nil, err
			}

			if off+8 > len(body) {
				return nil, ErrTruncated
			}

			bits := binary.BigEndian.Uint64(body[off : off+8])
			off += 8
			scores[string(m)] = kv.ScoreFromBits(bits)
		}

		return kv.NewSortedSet(scores), nil
	default:
		return nil, ErrUnknownType
	}
}

func encodeBytes(b []byte) []byte {
	out := appendUvarint(nil, uint64(len(b)))

	return append(out, b...)
}

func readBytes(buf []byte, off int) ([]byte, int, error) {
	n, off, err := readUvarint(buf, off)
	if err != nil {
		return nil, 0, err
	}

	if off+int(n) > len(buf) {
		return nil, 0, ErrTruncated
	}

	return buf[off : off+int(n)], off + int(n), nil
}

func appendUvarint(buf []byte, v uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte

	n := binary.PutUvarint(tmp[:], v)

	return append(buf, tmp[:n]...)
}

func readUvarint(buf []byte, off int) (uint64, int, error) {
	v, n := binary.Uvarint(buf[off:])
	if n <= 0 {
		return 0, 0, ErrTruncated
	}

	return v, off + n, nil
}
