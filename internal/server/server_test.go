package server_test

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/kvslot/migrate/internal/config"
	"github.com/kvslot/migrate/internal/kv"
	"github.com/kvslot/migrate/internal/logging"
	"github.com/kvslot/migrate/internal/metrics"
	"github.com/kvslot/migrate/internal/migration"
	"github.com/kvslot/migrate/internal/server"
	"github.com/kvslot/migrate/internal/wire"
)

// startServer builds a Server on an ephemeral loopback port, runs it in a
// goroutine for the lifetime of the test, and returns the address it ended
// up listening on: Run takes the address from cfg rather than returning the
// bound one, so the test reserves a free port up front instead of parsing
// it back out of the listener.
func startServer(t *testing.T, cfg config.Config) (addr string, srv *server.Server) {
	t.Helper()

	probe, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("probe listen: %v", err)
	}
	addr = probe.Addr().String()
	probe.Close() //nolint:errcheck

	cfg.ListenAddr = addr
	if cfg.DBCount == 0 {
		cfg.DBCount = 1
	}

	log := logging.New(logging.Options{Output: &bytes.Buffer{}})
	lazy := migration.NewLazyReleaseWorker(nil)
	mtx := metrics.New("test", func() float64 { return float64(lazy.QueueDepth()) })

	srv = server.New(cfg, log, mtx, lazy)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go srv.Run(ctx) //nolint:errcheck

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c, err := net.Dial("tcp", addr)
		if err == nil {
			c.Close() //nolint:errcheck
			return addr, srv
		}
		time.Sleep(time.Millisecond)
	}

	t.Fatalf("server at %s never came up", addr)
	return "", nil
}

// respClient is a minimal RESP multi-bulk command client driving the
// plain/MGRT*/EXEC-WRAPPER surface, mirroring the shape migrctl's own
// redigo-backed client speaks over the same wire.
type respClient struct {
	c  net.Conn
	wr *bufio.Writer
	rd *bufio.Reader
}

func dialRESP(t *testing.T, addr string) *respClient {
	t.Helper()

	c, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { c.Close() }) //nolint:errcheck

	return &respClient{c: c, wr: bufio.NewWriter(c), rd: bufio.NewReader(c)}
}

func (r *respClient) send(t *testing.T, parts ...string) {
	t.Helper()

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "*%d\r\n", len(parts))
	for _, p := range parts {
		fmt.Fprintf(&buf, "$%d\r\n%s\r\n", len(p), p)
	}

	if _, err := r.wr.Write(buf.Bytes()); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := r.wr.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
}

// readLine reads one CRLF-terminated reply line, trimmed of its CRLF. It
// does not attempt to follow bulk/array headers to their payloads; a test
// that needs a later line of a reply reads it with another call.
func (r *respClient) readLine(t *testing.T) string {
	t.Helper()

	line, err := r.rd.ReadString('\n')
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}

	return strings.TrimRight(line, "\r\n")
}

func Test_Server_Plain_Select_Switches_Database(t *testing.T) {
	t.Parallel()

	addr, _ := startServer(t, config.Config{DBCount: 2, TimeoutMs: 1000, MaxBulks: 64, MaxBytes: 1 << 20})

	c := dialRESP(t, addr)
	c.send(t, "SELECT", "1")

	if got := c.readLine(t); got != "+OK" {
		t.Fatalf("SELECT reply = %q, want +OK", got)
	}
}

func Test_Server_Select_Out_Of_Range_Is_An_Error(t *testing.T) {
	t.Parallel()

	addr, _ := startServer(t, config.Config{DBCount: 1, TimeoutMs: 1000, MaxBulks: 64, MaxBytes: 1 << 20})

	c := dialRESP(t, addr)
	c.send(t, "SELECT", "9")

	got := c.readLine(t)
	if len(got) == 0 || got[0] != '-' {
		t.Fatalf("SELECT 9 reply = %q, want an error reply", got)
	}
}

func Test_Server_Unknown_Command_Replies_With_An_Error_And_Stays_Connected(t *testing.T) {
	t.Parallel()

	addr, _ := startServer(t, config.Config{DBCount: 1, TimeoutMs: 1000, MaxBulks: 64, MaxBytes: 1 << 20})

	c := dialRESP(t, addr)
	c.send(t, "NOT-A-REAL-COMMAND")

	got := c.readLine(t)
	if len(got) == 0 || got[0] != '-' {
		t.Fatalf("unknown command reply = %q, want an error reply", got)
	}

	// the connection must still be usable afterward.
	c.send(t, "SELECT", "0")
	if got := c.readLine(t); got != "+OK" {
		t.Fatalf("SELECT after unknown command = %q, want +OK", got)
	}
}

func Test_Server_MgrtOne_Migrates_A_Key_To_A_Real_Destination(t *testing.T) {
	t.Parallel()

	dest := startTestServerDestination(t)

	addr, srv := startServer(t, config.Config{DBCount: 1, TimeoutMs: 5000, MaxBulks: 64, MaxBytes: 1 << 20})
	srv.Keyspace(0).Set("greeting", kv.NewString([]byte("hello")), kv.Expiry{})

	c := dialRESP(t, addr)
	c.send(t, "MGRTONE", dest.host, dest.port, "5000", "64", "1048576", "greeting")

	if got := c.readLine(t); got != ":1" {
		t.Fatalf("MGRTONE reply = %q, want :1", got)
	}

	if srv.Keyspace(0).Exists("greeting") {
		t.Fatal("source keyspace still has the migrated key")
	}
}

func Test_Server_ExecWrapper_Reports_Key_Absent(t *testing.T) {
	t.Parallel()

	addr, _ := startServer(t, config.Config{DBCount: 1, TimeoutMs: 1000, MaxBulks: 64, MaxBytes: 1 << 20})

	c := dialRESP(t, addr)
	c.send(t, "EXEC-WRAPPER", "missing", "GET", "missing")

	if got := c.readLine(t); got != "*2" {
		t.Fatalf("EXEC-WRAPPER reply header = %q, want *2", got)
	}

	if got := c.readLine(t); got != ":0" {
		t.Fatalf("EXEC-WRAPPER result code = %q, want :0 (key absent)", got)
	}
}

func Test_Server_Restore_Async_Traffic_Lands_In_The_Selected_Keyspace(t *testing.T) {
	t.Parallel()

	addr, srv := startServer(t, config.Config{DBCount: 2, TimeoutMs: 1000, MaxBulks: 64, MaxBytes: 1 << 20})

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() }) //nolint:errcheck

	wr := bufio.NewWriter(conn)
	rd := bufio.NewReader(conn)

	writeCommand(t, wr, wire.CmdSelect, "1")
	if _, err := rd.ReadString('\n'); err != nil {
		t.Fatalf("read select ack: %v", err)
	}

	writeCommand(t, wr, wire.CmdMain, wire.SubString, "k", "0", "v")
	if _, err := rd.ReadString('\n'); err != nil {
		t.Fatalf("read apply ack: %v", err)
	}

	if !srv.Keyspace(1).Exists("k") {
		t.Fatal("key applied after RESTORE-ASYNC-SELECT 1 should land in database 1")
	}
	if srv.Keyspace(0).Exists("k") {
		t.Fatal("key applied after RESTORE-ASYNC-SELECT 1 should not land in database 0")
	}
}

func writeCommand(t *testing.T, wr *bufio.Writer, parts ...string) {
	t.Helper()

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "*%d\r\n", len(parts))
	for _, p := range parts {
		fmt.Fprintf(&buf, "$%d\r\n%s\r\n", len(p), p)
	}

	if _, err := wr.Write(buf.Bytes()); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := wr.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
}

type testServerDestination struct {
	host, port string
}

// startTestServerDestination is a minimal standalone RESTORE-ASYNC* server
// playing the role of a real migrd destination, for Test_Server_MgrtOne to
// dial as its migration target.
func startTestServerDestination(t *testing.T) testServerDestination {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() }) //nolint:errcheck

	ks := kv.NewKeyspace()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}

			go serveTestDestinationConn(conn, ks)
		}
	}()

	host, port, _ := net.SplitHostPort(ln.Addr().String())

	return testServerDestination{host: host, port: port}
}

func serveTestDestinationConn(conn net.Conn, ks *kv.Keyspace) {
	defer conn.Close() //nolint:errcheck

	recv := migration.NewReceiver([]*kv.Keyspace{ks}, "")
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
