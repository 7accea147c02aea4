// Package server wires the migration engine's pieces — per-database
// Keyspaces, Dispatchers, the shared MigrationClient cache, and the
// LazyReleaseWorker — behind one TCP listener, the same way the host
// server's single-command dispatcher would multiplex a connection between
// plain commands and RESTORE-ASYNC* traffic (spec §1: "the single-command
// request/response dispatcher of the host server" is an external
// collaborator; this package is the minimal stand-in needed to drive it).
package server

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kvslot/migrate/internal/config"
	"github.com/kvslot/migrate/internal/kv"
	"github.com/kvslot/migrate/internal/logging"
	"github.com/kvslot/migrate/internal/metrics"
	"github.com/kvslot/migrate/internal/migration"
	"github.com/kvslot/migrate/internal/wire"
)

// Server owns the listener and every per-database engine instance.
type Server struct {
	cfg config.Config
	log *logrus.Entry
	mtx *metrics.Registry

	keyspaces   []*kv.Keyspace
	dispatchers []*migration.Dispatcher
	cache       *migration.ClientCache
	lazy        *migration.LazyReleaseWorker

	ln net.Listener
}

// New builds a Server from cfg, creating one Keyspace and one Dispatcher
// per configured database (spec §4.1's "A SlotIndex lives for the
// process" — one per database, via kv.NewKeyspace). lazy is constructed by
// the caller (cmd/migrd's main) rather than here, since the metrics
// registry's lazy_release_queue_depth gauge needs a reference to it before
// the server exists.
func New(cfg config.Config, log *logrus.Entry, mtx *metrics.Registry, lazy *migration.LazyReleaseWorker) *Server {
	keyspaces := make([]*kv.Keyspace, cfg.DBCount)
	for i := range keyspaces {
		keyspaces[i] = kv.NewKeyspace()
	}

	cache := migration.NewClientCache(
		lazy, cfg.Password,
		time.Duration(cfg.TimeoutMs)*time.Millisecond,
		time.Duration(cfg.IdleReapMs)*time.Millisecond,
		cfg.DialRetries,
		time.Duration(cfg.DialBackoffMs)*time.Millisecond,
		logging.WithComponent(log, "client-cache"),
	)

	dispatchers := make([]*migration.Dispatcher, cfg.DBCount)
	for i, ks := range keyspaces {
		dispatchers[i] = migration.NewDispatcher(i, ks, cache, lazy, mtx)
	}

	return &Server{
		cfg:         cfg,
		log:         log,
		mtx:         mtx,
		keyspaces:   keyspaces,
		dispatchers: dispatchers,
		cache:       cache,
		lazy:        lazy,
	}
}

// Keyspace returns database db's keyspace, for tests and migrctl-free
// embedding.
func (s *Server) Keyspace(db int) *kv.Keyspace { return s.keyspaces[db] }

// Run listens on cfg.ListenAddr and serves connections until ctx is
// canceled. It also starts LazyReleaseWorker.Run and the idle-client
// sweep, both in dedicated goroutines per spec §5.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.ListenAddr, err)
	}

	s.ln = ln

	go s.lazy.Run()
	go s.sweepLoop(ctx)

	go func() {
		<-ctx.Done()
		s.lazy.Stop()
		ln.Close() //nolint:errcheck // unblocks Accept below
	}()

	s.log.WithField("addr", s.cfg.ListenAddr).Info("listening")

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			return fmt.Errorf("accept: %w", err)
		}

		go s.handleConn(conn)
	}
}

func (s *Server) sweepLoop(ctx context.Context) {
	interval := time.Duration(s.cfg.IdleReapMs) * time.Millisecond
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.cache.Sweep(now)

			if s.mtx != nil {
				s.mtx.CachedClients.Set(float64(s.cache.Len()))
			}
		}
	}
}

// connState holds the per-connection state a single TCP connection
// accumulates: the Receiver applying inbound async frames, which also
// tracks the selected database (shared between the plain SELECT command
// and RESTORE-ASYNC-SELECT).
type connState struct {
	c    net.Conn
	wr   *bufio.Writer
	rd   *wire.Reader
	recv *migration.Receiver
	log  *logrus.Entry
}

func (s *Server) handleConn(c net.Conn) {
	defer c.Close() //nolint:errcheck // best-effort on teardown

	cs := &connState{
		c:    c,
		wr:   bufio.NewWriter(c),
		rd:   wire.NewReader(bufio.NewReader(c)),
		recv: migration.NewReceiver(s.keyspaces, s.cfg.Password),
		log:  logging.WithComponent(s.log, "conn").WithField("remote", c.RemoteAddr()),
	}

	for {
		args, err := cs.rd.ReadCommand()
		if err != nil {
			return
		}

		if len(args) == 0 {
			continue
		}

		closeConn := s.dispatch(cs, args)

		if err := cs.wr.Flush(); err != nil {
			return
		}

		if closeConn {
			return
		}
	}
}

// dispatch routes one command to the Receiver (RESTORE-ASYNC* traffic), the
// per-database Dispatcher (MGRT*/EXEC-WRAPPER), or the minimal plain
// command stand-in (SELECT), and writes the reply. Returns whether the
// connection must close.
func (s *Server) dispatch(cs *connState, args wire.Args) bool {
	cmd := strings.ToUpper(string(args[0]))

	switch cmd {
	case wire.CmdAuth, wire.CmdSelect, wire.CmdMain:
		ack, closeConn := cs.recv.Handle(args)
		cs.wr.Write(ack) //nolint:errcheck // surfaced by the Flush in handleConn's loop

		return closeConn

	case "SELECT":
		return s.cmdSelect(cs, args)

	case "MGRTONE", "MGRTTAGONE":
		return s.cmdMgrtKeys(cs, args, cmd == "MGRTTAGONE")

	case "MGRTSLOT", "MGRTTAGSLOT":
		return s.cmdMgrtSlot(cs, args, cmd == "MGRTTAGSLOT")

	case "MGRT-FENCE":
		return s.cmdFence(cs, args)

	case "MGRT-CANCEL":
		return s.cmdCancel(cs, args)

	case "MGRT-STATUS":
		return s.cmdStatus(cs, args)

	case "EXEC-WRAPPER":
		return s.cmdExecWrapper(cs, args)

	default:
		cs.wr.Write(wire.ReplyError("ERR unknown command '" + cmd + "'")) //nolint:errcheck

		return false
	}
}

func (s *Server) cmdSelect(cs *connState, args wire.Args) bool {
	if len(args) != 2 {
		cs.wr.Write(wire.ReplyError("ERR wrong number of arguments")) //nolint:errcheck
		return false
	}

	db, err := strconv.Atoi(string(args[1]))
	if err != nil || !cs.recv.SetDB(db) {
		cs.wr.Write(wire.ReplyError("ERR db index out of range")) //nolint:errcheck
		return false
	}

	cs.wr.Write(wire.ReplyOK()) //nolint:errcheck

	return false
}

func (s *Server) dispatcherFor(cs *connState) *migration.Dispatcher {
	return s.dispatchers[cs.recv.SelectedDB()]
}

func (s *Server) cmdMgrtKeys(cs *connState, args wire.Args, tagged bool) bool {
	if len(args) < 7 {
		cs.wr.Write(wire.ReplyError("ERR wrong number of arguments")) //nolint:errcheck
		return false
	}

	host, port := string(args[1]), string(args[2])

	timeoutMs, maxBulks, maxBytes, ok := parseMigrateNums(args[3], args[4], args[5])
	if !ok {
		cs.wr.Write(wire.ReplyError("ERR bad numeric argument")) //nolint:errcheck
		return false
	}

	keys := args[6:].Strings()

	d := s.dispatcherFor(cs)

	var (
		res migration.Result
		err error
	)

	if tagged {
		res, err = d.MgrtTagOne(host, port, timeoutMs, maxBulks, maxBytes, keys)
	} else {
		res, err = d.MgrtOne(host, port, timeoutMs, maxBulks, maxBytes, keys)
	}

	if err != nil {
		cs.wr.Write(wire.ReplyError("ERR " + err.Error())) //nolint:errcheck
		return false
	}

	cs.wr.Write(wire.ReplyInt(int64(res.RemovedCount))) //nolint:errcheck

	return false
}

func (s *Server) cmdMgrtSlot(cs *connState, args wire.Args, tagged bool) bool {
	if len(args) != 8 {
		cs.wr.Write(wire.ReplyError("ERR wrong number of arguments")) //nolint:errcheck
		return false
	}

	host, port := string(args[1]), string(args[2])

	timeoutMs, maxBulks, maxBytes, ok := parseMigrateNums(args[3], args[4], args[5])
	if !ok {
		cs.wr.Write(wire.ReplyError("ERR bad numeric argument")) //nolint:errcheck
		return false
	}

	slot64, err := strconv.ParseUint(string(args[6]), 10, 16)
	if err != nil {
		cs.wr.Write(wire.ReplyError("ERR bad slot")) //nolint:errcheck
		return false
	}

	numKeys, err := strconv.Atoi(string(args[7]))
	if err != nil {
		cs.wr.Write(wire.ReplyError("ERR bad numkeys")) //nolint:errcheck
		return false
	}

	d := s.dispatcherFor(cs)

	var res migration.SlotResult
	if tagged {
		res = d.MgrtTagSlot(host, port, timeoutMs, maxBulks, maxBytes, uint16(slot64), numKeys)
	} else {
		res = d.MgrtSlot(host, port, timeoutMs, maxBulks, maxBytes, uint16(slot64), numKeys)
	}

	if res.Err != nil {
		cs.wr.Write(wire.ReplyError("ERR " + res.Err.Error())) //nolint:errcheck
		return false
	}

	cs.wr.Write(wire.ReplyArray( //nolint:errcheck
		wire.ReplyInt(int64(res.RemovedCount)),
		wire.ReplyInt(int64(res.RemainingInSlot)),
	))

	return false
}

func (s *Server) cmdFence(cs *connState, args wire.Args) bool {
	if len(args) != 3 {
		cs.wr.Write(wire.ReplyError("ERR wrong number of arguments")) //nolint:errcheck
		return false
	}

	res, err := s.dispatcherFor(cs).Fence(string(args[1]), string(args[2]))
	if err != nil {
		cs.wr.Write(wire.ReplyError("ERR " + err.Error())) //nolint:errcheck
		return false
	}

	cs.wr.Write(wire.ReplyInt(int64(res.RemovedCount))) //nolint:errcheck

	return false
}

func (s *Server) cmdCancel(cs *connState, args wire.Args) bool {
	if len(args) != 3 {
		cs.wr.Write(wire.ReplyError("ERR wrong number of arguments")) //nolint:errcheck
		return false
	}

	if err := s.dispatcherFor(cs).Cancel(string(args[1]), string(args[2])); err != nil {
		cs.wr.Write(wire.ReplyError("ERR " + err.Error())) //nolint:errcheck
		return false
	}

	cs.wr.Write(wire.ReplyOK()) //nolint:errcheck

	return false
}

func (s *Server) cmdStatus(cs *connState, args wire.Args) bool {
	if len(args) != 3 {
		cs.wr.Write(wire.ReplyError("ERR wrong number of arguments")) //nolint:errcheck
		return false
	}

	st, err := s.dispatcherFor(cs).Status(string(args[1]), string(args[2]))
	if err != nil {
		cs.wr.Write(wire.ReplyError("ERR " + err.Error())) //nolint:errcheck
		return false
	}

	cs.wr.Write(wire.ReplyStatusMap([]wire.StatusField{ //nolint:errcheck
		{Key: "host", Value: st.Host},
		{Key: "port", Value: st.Port},
		{Key: "used", Value: strconv.FormatBool(st.Used)},
		{Key: "timeout_ms", Value: strconv.FormatInt(st.TimeoutMs, 10)},
		{Key: "last_activity_ms", Value: strconv.FormatInt(st.LastActivityMs, 10)},
		{Key: "since_last_activity_ms", Value: strconv.FormatInt(st.SinceLastActivityMs, 10)},
		{Key: "sending_msgs", Value: strconv.Itoa(st.SendingMsgs)},
		{Key: "blocked_clients", Value: strconv.Itoa(st.BlockedClients)},
		{Key: "iterator_summary", Value: st.IteratorSummary},
	}))

	return false
}

func (s *Server) cmdExecWrapper(cs *connState, args wire.Args) bool {
	if len(args) < 3 {
		cs.wr.Write(wire.ReplyError("ERR wrong number of arguments")) //nolint:errcheck
		return false
	}

	hashKey := string(args[1])
	cmd := string(args[2])
	rest := args[3:].Strings()

	code, value, err := s.dispatcherFor(cs).ExecWrapper(hashKey, cmd, rest)
	if err != nil {
		cs.wr.Write(wire.ReplyError("ERR " + err.Error())) //nolint:errcheck
		return false
	}

	if value != nil {
		cs.wr.Write(wire.ReplyArray(wire.ReplyInt(int64(code)), wire.ReplyBulk(value))) //nolint:errcheck
	} else {
		cs.wr.Write(wire.ReplyArray(wire.ReplyInt(int64(code)), wire.ReplyBulk(nil))) //nolint:errcheck
	}

	return false
}

func parseMigrateNums(timeoutB, maxBulksB, maxBytesB []byte) (timeoutMs int64, maxBulks, maxBytes int, ok bool) {
	timeoutMs, err1 := strconv.ParseInt(string(timeoutB), 10, 64)
	maxBulks64, err2 := strconv.ParseInt(string(maxBulksB), 10, 64)
	maxBytes64, err3 := strconv.ParseInt(string(maxBytesB), 10, 64)

	if err1 != nil || err2 != nil || err3 != nil {
		return 0, 0, 0, false
	}

	return timeoutMs, int(maxBulks64), int(maxBytes64), true
}
