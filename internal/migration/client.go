package migration

import (
	"bufio"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kvslot/migrate/internal/kv"
	"github.com/kvslot/migrate/internal/wire"
)

// Result is the outcome delivered to every fenced caller when a batch
// commits or fails (spec §4.4). Nothing sets RemainingInSlot on a Result;
// slot-variant commands report the remaining count through SlotResult.
type Result struct {
	RemovedCount    int
	RemainingInSlot int
	Err             error
}

// Client is the source-side outbound connection to one destination: the
// MigrationClient of spec §4.4. It owns the send buffer (accounted in
// bytes, not a literal socket probe — see internal/wire's package doc),
// the in-flight message count, the fence queue, and idle/migration
// timeouts.
type Client struct {
	Host string
	Port string
	db   int

	password string

	conn net.Conn
	wr   *bufio.Writer
	rd   *wire.Reader

	ks   *kv.Keyspace
	lazy *LazyReleaseWorker
	log  *logrus.Entry

	mu               sync.Mutex
	preambleSent     bool
	sendingMsgs      int
	outstandingBytes int
	pendingSizes     []int
	batch            *BatchedObjectIterator
	fenceQueue       []chan Result
	lastActivity     time.Time
	timeoutMs        int64
	idleTimeout      time.Duration
	closed           bool
}

// DialClient opens the bounded synchronous TCP handshake to host:port (spec
// §5's "bounded synchronous TCP handshake with a timeout_ms wait" — the
// only blocking act permitted from the event loop besides dispatch itself).
func DialClient(host, port string, db int, password string, handshakeTimeout time.Duration, log *logrus.Entry) (*Client, error) {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, port), handshakeTimeout)
	if err != nil {
		return nil, &Error{Kind: KindTransport, Err: fmt.Errorf("dial %s:%s: %w", host, port, err)}
	}

	return &Client{
		Host:         host,
		Port:         port,
		db:           db,
		password:     password,
		conn:         conn,
		wr:           bufio.NewWriter(conn),
		rd:           wire.NewReader(bufio.NewReader(conn)),
		lastActivity: time.Now(),
		log:          log,
	}, nil
}

// emit writes frame to the connection's buffered writer and accounts its
// byte size against outstandingBytes — the software stand-in for "current
// outbound buffer size" (spec §4.3/§9), since a plain net.Conn has no
// introspectable socket send-queue depth worth depending on here.
func (c *Client) emit(frame []byte) {
	c.wr.Write(frame) //nolint:errcheck // surfaced by the eventual Flush in pumpLocked
	c.outstandingBytes += len(frame)
	c.pendingSizes = append(c.pendingSizes, len(frame))
	c.sendingMsgs++
}

// StartMigration attaches batch, primes a burst of messages up to the
// byte budget, and registers the caller on the fence queue (spec §4.4).
func (c *Client) StartMigration(batch *BatchedObjectIterator, timeoutMs int64) (<-chan Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.batch != nil {
		return nil, &Error{Kind: KindPolicy, Err: ErrAlreadyMigrating}
	}

	c.batch = batch
	c.timeoutMs = timeoutMs
	c.lastActivity = time.Now()

	if err := c.pumpLocked(); err != nil {
		c.teardownLocked(err)

		return nil, err
	}

	result := make(chan Result, 1)
	c.fenceQueue = append(c.fenceQueue, result)

	if !c.batch.HasNext() && c.sendingMsgs == 0 {
		c.commitLocked()
	}

	return result, nil
}

// pumpLocked drains the attached batch up to the outstanding-bytes budget
// and flushes whatever was written. Called with c.mu held.
func (c *Client) pumpLocked() error {
	for c.batch != nil && c.batch.HasNext() {
		// Stop once the unacked bytes fill the batch's byte budget; the next
		// ack pumps again. With nothing in flight no ack is coming, so at
		// least one message is always sent.
		if c.sendingMsgs > 0 && c.outstandingBytes >= c.batch.MaxBytes {
			break
		}

		pendingBefore := len(c.batch.pending)

		n, err := c.batch.NextMessage(c)
		if err != nil {
			return &Error{Kind: KindSemantic, Err: err}
		}

		// n == 0 with the head popped means the head was absent at PREPARE
		// and nothing was emitted for it (spec §4.2, a key expiring/being
		// deleted between batching and draining); keep draining so a
		// leading absent key can't wedge still-pending present keys behind
		// it. n == 0 with the head still pending means no progress was
		// made this round.
		if n == 0 && len(c.batch.pending) == pendingBefore {
			break // no progress this round; retry on the next ack
		}
	}

	if err := c.wr.Flush(); err != nil {
		return &Error{Kind: KindTransport, Err: err}
	}

	return nil
}

// OnAck processes one destination acknowledgement: decrement sending_msgs,
// and on success pull more messages and commit once drained; on failure
// surface the error to every fenced caller and tear down (spec §4.4).
func (c *Client) OnAck(errcode int, msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.pendingSizes) == 0 {
		return // stray ack with nothing in flight: ignore defensively
	}

	size := c.pendingSizes[0]
	c.pendingSizes = c.pendingSizes[1:]
	c.outstandingBytes -= size
	c.sendingMsgs--
	c.lastActivity = time.Now()

	if errcode != 0 {
		c.teardownLocked(&Error{Kind: KindSemantic, Err: fmt.Errorf("destination: %s", msg)})

		return
	}

	if err := c.pumpLocked(); err != nil {
		c.teardownLocked(err)

		return
	}

	if c.batch != nil && !c.batch.HasNext() && c.sendingMsgs == 0 {
		c.commitLocked()
	}
}

// OnConnectionLoss surfaces reason to every fenced caller and releases the
// iterator; all in-flight work is considered failed (spec §4.4).
func (c *Client) OnConnectionLoss(reason error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.teardownLocked(&Error{Kind: KindTransport, Err: reason})
}

// Fence registers an additional caller on the current batch's fence queue.
// Returns ErrNoActiveBatch if no batch is attached.
func (c *Client) Fence() (<-chan Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.batch == nil {
		return nil, &Error{Kind: KindValidation, Err: ErrNoActiveBatch}
	}

	ch := make(chan Result, 1)
	c.fenceQueue = append(c.fenceQueue, ch)

	return ch, nil
}

// Cancel closes the connection, waking fenced callers with a canceled
// error (spec §4.4/§5).
func (c *Client) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.teardownLocked(&Error{Kind: KindCanceled, Err: ErrCanceled})
}

// teardownLocked wakes and closes every fenced caller's channel, clears
// batch state, and closes the connection exactly once. Called with c.mu
// held.
func (c *Client) teardownLocked(err error) {
	for _, ch := range c.fenceQueue {
		ch <- Result{Err: err}
		close(ch)
	}

	c.fenceQueue = nil
	c.batch = nil
	c.sendingMsgs = 0
	c.outstandingBytes = 0
	c.pendingSizes = nil

	if !c.closed {
		c.closed = true
		c.conn.Close() //nolint:errcheck // best-effort; we're tearing down regardless
	}
}

// commitLocked applies the batch's deferred effects (spec §4.4's Commit):
// delete removed keys from the source keyspace, hand drained large values
// to LazyReleaseWorker, and wake every fenced caller with the result.
// Called with c.mu held.
func (c *Client) commitLocked() {
	removedCount := len(c.batch.RemovedKeysList)

	for _, k := range c.batch.RemovedKeysList {
		c.ks.Delete(k)
	}

	for _, h := range c.batch.ChunkedValsList {
		if h.Release() {
			c.lazy.Enqueue(h)
		}
	}

	result := Result{RemovedCount: removedCount}

	for _, ch := range c.fenceQueue {
		ch <- result
		close(ch)
	}

	c.fenceQueue = nil
	c.batch = nil
}

// readLoop is the client's dedicated goroutine reading RESTORE-ASYNC-ACK
// replies off the socket and routing them to OnAck. A read error or a
// malformed reply is treated as connection loss.
func (c *Client) readLoop() {
	for {
		args, err := c.rd.ReadCommand()
		if err != nil {
			c.OnConnectionLoss(err)

			return
		}

		ack, err := wire.ParseAck(args)
		if err != nil {
			c.OnConnectionLoss(err)

			return
		}

		c.OnAck(ack.Code, ack.Message)
	}
}

// Status is the MGRT-STATUS payload for one client (spec §6).
type Status struct {
	Host                string
	Port                string
	Used                bool
	TimeoutMs           int64
	LastActivityMs      int64
	SinceLastActivityMs int64
	SendingMsgs         int
	BlockedClients      int
	IteratorSummary     string
}

// Status snapshots the client's current state.
func (c *Client) Status(now time.Time) Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	summary := "idle"
	if c.batch != nil {
		summary = fmt.Sprintf("pending=%d removed=%d", c.batch.PendingCount(), len(c.batch.RemovedKeysList))
	}

	return Status{
		Host:                c.Host,
		Port:                c.Port,
		Used:                c.batch != nil,
		TimeoutMs:           c.timeoutMs,
		LastActivityMs:      c.lastActivity.UnixMilli(),
		SinceLastActivityMs: now.Sub(c.lastActivity).Milliseconds(),
		SendingMsgs:         c.sendingMsgs,
		BlockedClients:      len(c.fenceQueue),
		IteratorSummary:     summary,
	}
}

// sweepState reports, for the cache's periodic sweep, whether the client
// has had no iterator attached for longer than idleTimeout (idle), or has
// an attached batch with no activity for longer than timeoutMs (timedOut).
func (c *Client) sweepState(now time.Time) (idle, timedOut bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.batch == nil {
		return now.Sub(c.lastActivity) > c.idleTimeout, false
	}

	if c.timeoutMs > 0 && now.Sub(c.lastActivity) > time.Duration(c.timeoutMs)*time.Millisecond {
		return false, true
	}

	return false, false
}
