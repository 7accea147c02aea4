package wire

import (
	"fmt"
	"strconv"
)

// Ack is a parsed RESTORE-ASYNC-ACK reply.
type Ack struct {
	Code    int
	Message string
}

// ParseAck interprets args as a RESTORE-ASYNC-ACK frame.
func ParseAck(args Args) (Ack, error) {
	if len(args) != 3 || string(args[0]) != CmdAck {
		return Ack{}, fmt.Errorf("%w: not an ack frame", ErrProtocol)
	}

	code, err := strconv.Atoi(string(args[1]))
	if err != nil {
		return Ack{}, fmt.Errorf("%w: bad ack code", ErrProtocol)
	}

	return Ack{Code: code, Message: string(args[2])}, nil
}

// ParseInt64 is a small convenience used by ReceiverCommands to parse the
// ttl and database-index bulk arguments, which travel as decimal text (unlike scores,
// which travel as raw bit patterns).
func ParseInt64(b []byte) (int64, error) {
	v, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: not an integer: %q", ErrProtocol, b)
	}

	return v, nil
}
