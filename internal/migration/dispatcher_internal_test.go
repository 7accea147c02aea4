package migration

import (
	"testing"

	"github.com/kvslot/migrate/internal/kv"
)

// Test_ExecWrapper_Gates_Writes_But_Not_Reads_During_An_In_Flight_Migration
// pins a batch directly via beginBatch/endBatch rather than running a real
// migration to completion, so the key stays "in flight" for the whole
// assertion window. Per spec §4.7/§8 scenario 6, the source stays
// GET-readable until a key's final ack; only SET/DEL are rejected.
func Test_ExecWrapper_Gates_Writes_But_Not_Reads_During_An_In_Flight_Migration(t *testing.T) {
	t.Parallel()

	ks := kv.NewKeyspace()
	ks.Set("balance", kv.NewString([]byte("100")), kv.Expiry{})

	d := NewDispatcher(0, ks, NewClientCache(NewLazyReleaseWorker(nil), "", 0, 0, 0, 0, nil), NewLazyReleaseWorker(nil), nil)

	batch := NewBatchedObjectIterator(ks, ks.Slots(), 5000, 64, 1<<20)
	batch.AddKey("balance", false)

	if err := d.beginBatch(batch); err != nil {
		t.Fatalf("beginBatch: %v", err)
	}
	defer d.endBatch()

	code, val, err := d.ExecWrapper("balance", "GET", []string{"balance"})
	if err != nil {
		t.Fatalf("ExecWrapper GET: %v", err)
	}

	if code != ExecExecuted || string(val) != "100" {
		t.Fatalf("GET during migration: code/val = %d/%q, want Executed/100 (source stays readable until ack)", code, val)
	}

	code, _, err = d.ExecWrapper("balance", "SET", []string{"balance", "200"})
	if err != nil {
		t.Fatalf("ExecWrapper SET: %v", err)
	}

	if code != ExecBeingMigrated {
		t.Fatalf("SET during migration: code = %d, want ExecBeingMigrated", code)
	}

	code, _, err = d.ExecWrapper("balance", "DEL", []string{"balance"})
	if err != nil {
		t.Fatalf("ExecWrapper DEL: %v", err)
	}

	if code != ExecBeingMigrated {
		t.Fatalf("DEL during migration: code = %d, want ExecBeingMigrated", code)
	}
}
