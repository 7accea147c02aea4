package migration_test

import (
	"bufio"
	"net"
	"testing"

	"github.com/kvslot/migrate/internal/kv"
	"github.com/kvslot/migrate/internal/migration"
	"github.com/kvslot/migrate/internal/wire"
)

// testDestination is a minimal standalone RESTORE-ASYNC* server, playing
// the role a real migrd destination process would: every accepted
// connection gets its own Receiver sharing the destination's keyspaces,
// applying inbound commands and acking them. Tests dial it with
// DialClient/ClientCache, so these are true network round-trips, not an
// in-process fake.
type testDestination struct {
	ln        net.Listener
	ks        *kv.Keyspace
	keyspaces []*kv.Keyspace
	password  string
}

func startTestDestination(t *testing.T, password string) *testDestination {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	ks := kv.NewKeyspace()
	keyspaces := []*kv.Keyspace{ks}

	d := &testDestination{ln: ln, ks: ks, keyspaces: keyspaces, password: password}

	go d.acceptLoop(t)

	t.Cleanup(func() { ln.Close() }) //nolint:errcheck

	return d
}

// startMultiDBTestDestination is startTestDestination generalized to n
// databases, for tests asserting that the cache key includes db.
func startMultiDBTestDestination(t *testing.T, n int) *testDestination {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	keyspaces := make([]*kv.Keyspace, n)
	for i := range keyspaces {
		keyspaces[i] = kv.NewKeyspace()
	}

	d := &testDestination{ln: ln, ks: keyspaces[0], keyspaces: keyspaces}

	go d.acceptLoop(t)

	t.Cleanup(func() { ln.Close() }) //nolint:errcheck

	return d
}

func (d *testDestination) addr() (host, port string) {
	return d.ln.Addr().(*net.TCPAddr).IP.String(), portOf(d.ln)
}

func portOf(ln net.Listener) string {
	_, port, _ := net.SplitHostPort(ln.Addr().String())

	return port
}

// acceptLoop serves every inbound connection concurrently, each with its
// own Receiver sharing the destination's keyspaces slice — the same
// one-Receiver-per-connection, shared-keyspaces shape internal/server uses.
func (d *testDestination) acceptLoop(t *testing.T) {
	t.Helper()

	for {
		conn, err := d.ln.Accept()
		if err != nil {
			return
		}

		go d.serveConn(conn)
	}
}

func (d *testDestination) serveConn(conn net.Conn) {
	defer conn.Close() //nolint:errcheck

	recv := migration.NewReceiver(d.keyspaces, d.password)

	rd := wire.NewReader(bufio.NewReader(conn))
	wr := bufio.NewWriter(conn)

	for {
		args, err := rd.ReadCommand()
		if err != nil {
			return
		}

		ack, closeConn := recv.Handle(args)

		if _, err := wr.Write(ack); err != nil {
			return
		}

		if err := wr.Flush(); err != nil {
			return
		}

		if closeConn {
			return
		}
	}
}

func mustKeyspace(t *testing.T) *kv.Keyspace {
	t.Helper()

	return kv.NewKeyspace()
}
