package wire

import "strconv"

// The functions in this file render plain RESP replies for the
// administrative command surface (MGRT*, EXEC-WRAPPER, SELECT): the
// "string replies +OK, integer replies, nested multi-bulk" framing spec §6
// asks the dispatcher to follow, distinct from the RESTORE-ASYNC* frames
// in wire.go, which travel only between MigrationClient and Receiver.

// ReplyOK renders the simple string "+OK\r\n".
func ReplyOK() []byte { return []byte("+OK\r\n") }

// ReplySimple renders a simple string "+msg\r\n". msg must not contain CR/LF.
func ReplySimple(msg string) []byte { return []byte("+" + msg + "\r\n") }

// ReplyError renders an error reply "-msg\r\n".
func ReplyError(msg string) []byte { return []byte("-" + msg + "\r\n") }

// ReplyInt renders an integer reply ":n\r\n".
func ReplyInt(n int64) []byte { return []byte(":" + strconv.FormatInt(n, 10) + "\r\n") }

// ReplyBulk renders a bulk string reply, or the null bulk string if b is nil.
func ReplyBulk(b []byte) []byte {
	if b == nil {
		return []byte("$-1\r\n")
	}

	out := make([]byte, 0, len(b)+16)
	out = append(out, '$')
	out = strconv.AppendInt(out, int64(len(b)), 10)
	out = append(out, '\r', '\n')
	out = append(out, b...)
	out = append(out, '\r', '\n')

	return out
}

// ReplyArray concatenates pre-rendered replies into a RESP array, the
// "nested multi-bulk" form MGRT-STATUS uses for its keyed map.
func ReplyArray(items ...[]byte) []byte {
	out := []byte("*" + strconv.Itoa(len(items)) + "\r\n")
	for _, it := range items {
		out = append(out, it...)
	}

	return out
}

// StatusField is one ordered (key, value) pair of a MGRT-STATUS reply.
type StatusField struct {
	Key   string
	Value string
}

// ReplyStatusMap renders MGRT-STATUS's keyed map as a flat RESP array of
// alternating bulk-string keys and values, the shape redigo's
// redis.StringMap helper expects on the client side. fields is rendered in
// the order given, not map order, so tests can assert on it directly.
func ReplyStatusMap(fields []StatusField) []byte {
	items := make([][]byte, 0, 2*len(fields))
	for _, f := range fields {
		items = append(items, ReplyBulk([]byte(f.Key)), ReplyBulk([]byte(f.Value)))
	}

	return ReplyArray(items...)
}
