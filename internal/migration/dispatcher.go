package migration

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kvslot/migrate/internal/kv"
	"github.com/kvslot/migrate/internal/metrics"
)

// Dispatcher is the top-level command surface, MigrationDispatcher (spec
// §4.7): one-key, tag-one, slot, tag-slot, fence, cancel, status, and
// exec-wrapper, all operating against a single source database DB.
type Dispatcher struct {
	DB int

	ks    *kv.Keyspace
	cache *ClientCache
	lazy  *LazyReleaseWorker
	mtx   *metrics.Registry

	mu             sync.Mutex
	migrating      bool
	activeBatchVal *BatchedObjectIterator
}

// NewDispatcher wires a Dispatcher for database db against ks, sharing
// cache and lazy with any other Dispatcher instances in the same process
// (mtx may be nil to disable metrics recording, e.g. in unit tests).
func NewDispatcher(db int, ks *kv.Keyspace, cache *ClientCache, lazy *LazyReleaseWorker, mtx *metrics.Registry) *Dispatcher {
	return &Dispatcher{DB: db, ks: ks, cache: cache, lazy: lazy, mtx: mtx}
}

func (d *Dispatcher) recordResult(command string, err error) {
	if d.mtx == nil {
		return
	}

	if err != nil {
		kind := "unknown"
		if me, ok := err.(*Error); ok { //nolint:errorlint // classifying our own taxonomy, not unwrapping a chain
			kind = me.Kind.String()
		}

		d.mtx.MigrationErrorsTotal.WithLabelValues(kind).Inc()

		return
	}

	d.mtx.MigrationsTotal.WithLabelValues(command).Inc()
}

// at-most-one-per-database guard (spec §5's "at-most-one property"),
// orthogonal to Client.StartMigration's own per-destination guard
// (SPEC_FULL.md §3's "per-destination single-flight guard").
func (d *Dispatcher) beginBatch(batch *BatchedObjectIterator) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.migrating {
		return &Error{Kind: KindPolicy, Err: ErrBeingMigrated}
	}

	d.migrating = true
	d.activeBatchVal = batch

	return nil
}

func (d *Dispatcher) endBatch() {
	d.mu.Lock()
	d.migrating = false
	d.activeBatchVal = nil
	d.mu.Unlock()
}

// activeBatch returns the in-flight batch (if any), for EXEC-WRAPPER's
// "being migrated" check.
func (d *Dispatcher) activeBatch() (*BatchedObjectIterator, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.activeBatchVal, d.migrating
}

func (d *Dispatcher) runBatch(command, host, port string, batch *BatchedObjectIterator, timeoutMs int64) (Result, error) {
	if err := d.beginBatch(batch); err != nil {
		d.recordResult(command, err)

		return Result{}, err
	}
	defer d.endBatch()

	client, err := d.cache.GetOrDial(d.DB, host, port, d.ks)
	if err != nil {
		d.recordResult(command, err)

		return Result{}, err
	}

	ch, err := client.StartMigration(batch, timeoutMs)
	if err != nil {
		d.recordResult(command, err)

		return Result{}, err
	}

	if d.mtx != nil {
		d.mtx.CachedClients.Set(float64(d.cache.Len()))
	}

	res := <-ch
	d.recordResult(command, res.Err)

	return res, res.Err
}

// MgrtOne implements `MGRTONE host port timeout maxbulks maxbytes key
// [key...]` (spec §4.7): migrates exactly the listed keys, no tag
// expansion.
func (d *Dispatcher) MgrtOne(host, port string, timeoutMs int64, maxBulks, maxBytes int, keys []string) (Result, error) {
	return d.mgrtKeys("MGRTONE", host, port, timeoutMs, maxBulks, maxBytes, keys, false)
}

// MgrtTagOne implements `MGRTTAGONE ...`: like MgrtOne, but expands each
// key's hash-tag closure.
func (d *Dispatcher) MgrtTagOne(host, port string, timeoutMs int64, maxBulks, maxBytes int, keys []string) (Result, error) {
	return d.mgrtKeys("MGRTTAGONE", host, port, timeoutMs, maxBulks, maxBytes, keys, true)
}

func (d *Dispatcher) mgrtKeys(command, host, port string, timeoutMs int64, maxBulks, maxBytes int, keys []string, expandTag bool) (Result, error) {
	batch := NewBatchedObjectIterator(d.ks, d.ks.Slots(), timeoutMs, maxBulks, maxBytes)
	for _, k := range keys {
		batch.AddKey(k, expandTag)
	}

	return d.runBatch(command, host, port, batch, timeoutMs)
}

// SlotResult is the (removed_count, remaining_in_slot) pair spec §4.4
// names for slot-variant commands.
type SlotResult struct {
	RemovedCount    int
	RemainingInSlot int
	Err             error
}

// MgrtSlot implements `MGRTSLOT host port timeout maxbulks maxbytes slot
// numkeys` (spec §4.7).
func (d *Dispatcher) MgrtSlot(host, port string, timeoutMs int64, maxBulks, maxBytes int, slot uint16, numKeys int) SlotResult {
	return d.mgrtSlot("MGRTSLOT", host, port, timeoutMs, maxBulks, maxBytes, slot, numKeys, false)
}

// MgrtTagSlot implements `MGRTTAGSLOT ...`: like MgrtSlot, with hash-tag
// atomicity across the sampled candidates.
func (d *Dispatcher) MgrtTagSlot(host, port string, timeoutMs int64, maxBulks, maxBytes int, slot uint16, numKeys int) SlotResult {
	return d.mgrtSlot("MGRTTAGSLOT", host, port, timeoutMs, maxBulks, maxBytes, slot, numKeys, true)
}

// maxSlotProbes bounds the random-probe search for slot-variant key
// selection, so a nearly empty slot cannot spin the probe loop forever.
const maxSlotProbes = 64

func (d *Dispatcher) mgrtSlot(command, host, port string, timeoutMs int64, maxBulks, maxBytes int, slot uint16, numKeys int, expandTag bool) SlotResult {
	idx := d.ks.Slots()
	batch := NewBatchedObjectIterator(d.ks, idx, timeoutMs, maxBulks, maxBytes)

	seen := make(map[string]struct{})

	for probes := 0; probes < maxSlotProbes && batch.EstimateMsgsCount < numKeys; probes++ {
		key, ok := idx.RandomFromSlot(slot)
		if !ok {
			break
		}

		if _, dup := seen[key]; dup {
			continue
		}

		seen[key] = struct{}{}

		if batch.Contains(key, expandTag) {
			continue
		}

		batch.AddKey(key, expandTag)
	}

	res, err := d.runBatch(command, host, port, batch, timeoutMs)
	if err != nil {
		return SlotResult{Err: err}
	}

	return SlotResult{
		RemovedCount:    res.RemovedCount,
		RemainingInSlot: len(idx.EnumerateSlot(slot)),
	}
}

// MgrtSyncOne is the supplemented synchronous single-key convenience
// command (SPEC_FULL.md §3, grounded on slots_async.c's migrateCommand
// fast path): runs one key's transfer against a throwaway, uncached
// client and blocks the caller directly, with no fence-queue
// multiplexing. It adds no new engine semantics beyond MGRTONE with a
// single key.
func (d *Dispatcher) MgrtSyncOne(host, port string, timeoutMs int64, maxBulks, maxBytes int, key string, password string, handshakeTimeout time.Duration) (Result, error) {
	client, err := DialClient(host, port, d.DB, password, handshakeTimeout, nil)
	if err != nil {
		d.recordResult("MGRT-SYNC-ONE", err)

		return Result{}, err
	}

	client.ks = d.ks
	client.lazy = d.lazy

	go client.readLoop()
	defer client.Cancel()

	batch := NewBatchedObjectIterator(d.ks, d.ks.Slots(), timeoutMs, maxBulks, maxBytes)
	batch.AddKey(key, false)

	if err := d.beginBatch(batch); err != nil {
		d.recordResult("MGRT-SYNC-ONE", err)

		return Result{}, err
	}
	defer d.endBatch()

	ch, err := client.StartMigration(batch, timeoutMs)
	if err != nil {
		d.recordResult("MGRT-SYNC-ONE", err)

		return Result{}, err
	}

	res := <-ch
	d.recordResult("MGRT-SYNC-ONE", res.Err)

	return res, res.Err
}

// Fence implements `MGRT-FENCE`: block the caller until the named client's
// current batch ends.
func (d *Dispatcher) Fence(host, port string) (Result, error) {
	client, ok := d.cache.Lookup(d.DB, host, port)
	if !ok {
		return Result{}, &Error{Kind: KindValidation, Err: ErrUnknownClient}
	}

	ch, err := client.Fence()
	if err != nil {
		return Result{}, err
	}

	res := <-ch

	return res, res.Err
}

// Cancel implements `MGRT-CANCEL`.
func (d *Dispatcher) Cancel(host, port string) error {
	client, ok := d.cache.Lookup(d.DB, host, port)
	if !ok {
		return &Error{Kind: KindValidation, Err: ErrUnknownClient}
	}

	client.Cancel()

	return nil
}

// Status implements `MGRT-STATUS`.
func (d *Dispatcher) Status(host, port string) (Status, error) {
	client, ok := d.cache.Lookup(d.DB, host, port)
	if !ok {
		return Status{}, &Error{Kind: KindValidation, Err: ErrUnknownClient}
	}

	return client.Status(time.Now()), nil
}

// The Exec* constants are the 3-valued (well, 4-valued counting the
// argument error) result code spec §4.7 defines for EXEC-WRAPPER.
const (
	ExecArgError      = -1
	ExecKeyAbsent     = 0
	ExecBeingMigrated = 1
	ExecExecuted      = 2
)

// ExecWrapper implements `EXEC-WRAPPER hashkey cmd ...`: rejects writes
// touching a key currently being migrated, otherwise executes a minimal
// stand-in for the plain command surface (out of scope per spec §1; this
// is just enough of GET/SET/DEL to drive scenario 6 of §8 and migrctl's
// scripting). Per spec §4.7, the source stays readable until a key's final
// ack — only the write verbs (SET/DEL) are gated by an in-flight batch;
// GET always falls through to execute.
func (d *Dispatcher) ExecWrapper(hashKey, cmd string, args []string) (code int, value []byte, err error) {
	if hashKey == "" || cmd == "" {
		return ExecArgError, nil, nil
	}

	upperCmd := strings.ToUpper(cmd)

	if upperCmd == "SET" || upperCmd == "DEL" {
		if batch, migrating := d.activeBatch(); migrating && batch.Contains(hashKey, true) {
			return ExecBeingMigrated, nil, nil
		}
	}

	switch upperCmd {
	case "GET":
		if len(args) != 1 {
			return ExecArgError, nil, nil
		}

		handle, _, exists := d.ks.Get(args[0])
		if !exists {
			return ExecKeyAbsent, nil, nil
		}
		defer handle.Release()

		if handle.Value.Kind != kv.String {
			return ExecArgError, nil, nil
		}

		return ExecExecuted, handle.Value.Str, nil

	case "SET":
		if len(args) != 2 {
			return ExecArgError, nil, nil
		}

		d.ks.Set(args[0], kv.NewString([]byte(args[1])), kv.Expiry{})

		return ExecExecuted, nil, nil

	case "DEL":
		if len(args) != 1 {
			return ExecArgError, nil, nil
		}

		existed, _ := d.ks.Delete(args[0])
		if !existed {
			return ExecKeyAbsent, nil, nil
		}

		return ExecExecuted, nil, nil

	default:
		return ExecArgError, nil, nil
	}
}

// parseSlot parses a decimal slot argument. Nothing in the module calls it;
// internal/server parses slot arguments itself.
func parseSlot(s string) (uint16, error) {
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, err
	}

	return uint16(n), nil
}
