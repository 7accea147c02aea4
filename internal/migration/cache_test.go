package migration_test

import (
	"testing"
	"time"

	"github.com/kvslot/migrate/internal/kv"
	"github.com/kvslot/migrate/internal/migration"
)

func Test_ClientCache_GetOrDial_Caches_By_DB_Host_Port(t *testing.T) {
	t.Parallel()

	dest := startTestDestination(t, "")
	host, port := dest.addr()

	lazy := migration.NewLazyReleaseWorker(nil)
	cache := migration.NewClientCache(lazy, "", time.Second, time.Minute, 0, 0, nil)

	ks := mustKeyspace(t)

	c1, err := cache.GetOrDial(0, host, port, ks)
	if err != nil {
		t.Fatalf("GetOrDial: %v", err)
	}

	c2, err := cache.GetOrDial(0, host, port, ks)
	if err != nil {
		t.Fatalf("GetOrDial (second call): %v", err)
	}

	if c1 != c2 {
		t.Fatal("GetOrDial() dialed a second connection for the same (db, host, port)")
	}

	if got := cache.Len(); got != 1 {
		t.Fatalf("Len() = %d, want 1", got)
	}
}

func Test_ClientCache_GetOrDial_Keys_By_Database_Too(t *testing.T) {
	t.Parallel()

	dest := startMultiDBTestDestination(t, 2)
	host, port := dest.addr()

	lazy := migration.NewLazyReleaseWorker(nil)
	cache := migration.NewClientCache(lazy, "", time.Second, time.Minute, 0, 0, nil)

	ks0 := mustKeyspace(t)
	ks1 := mustKeyspace(t)

	// Same host:port, different db: the (db, host, port) cache key must
	// treat this as a distinct destination, dialing a second connection
	// even though host:port collide — a real destination process serves
	// every configured database over the same listener.
	if _, err := cache.GetOrDial(0, host, port, ks0); err != nil {
		t.Fatalf("GetOrDial db=0: %v", err)
	}

	if _, err := cache.GetOrDial(1, host, port, ks1); err != nil {
		t.Fatalf("GetOrDial db=1: %v", err)
	}

	if got := cache.Len(); got != 2 {
		t.Fatalf("Len() = %d, want 2 distinct cached clients", got)
	}
}

func Test_ClientCache_Lookup_Misses_For_Never_Dialed_Destination(t *testing.T) {
	t.Parallel()

	lazy := migration.NewLazyReleaseWorker(nil)
	cache := migration.NewClientCache(lazy, "", time.Second, time.Minute, 0, 0, nil)

	if _, ok := cache.Lookup(0, "127.0.0.1", "1"); ok {
		t.Fatal("Lookup() found a client that was never dialed")
	}
}

func Test_ClientCache_Sweep_Reaps_Idle_Clients(t *testing.T) {
	t.Parallel()

	dest := startTestDestination(t, "")
	host, port := dest.addr()

	lazy := migration.NewLazyReleaseWorker(nil)
	// idleTimeout=0 means any client with no batch attached is immediately
	// eligible for reaping on the next Sweep.
	cache := migration.NewClientCache(lazy, "", time.Second, 0, 0, 0, nil)

	ks := mustKeyspace(t)
	if _, err := cache.GetOrDial(0, host, port, ks); err != nil {
		t.Fatalf("GetOrDial: %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	cache.Sweep(time.Now())

	if got := cache.Len(); got != 0 {
		t.Fatalf("Len() after Sweep = %d, want 0 (client should have been reaped as idle)", got)
	}
}

func Test_ClientCache_GetOrDial_Surfaces_A_Transport_Error_When_Nothing_Listens(t *testing.T) {
	t.Parallel()

	lazy := migration.NewLazyReleaseWorker(nil)
	cache := migration.NewClientCache(lazy, "", 50*time.Millisecond, time.Minute, 0, 0, nil)

	ks := mustKeyspace(t)

	if _, err := cache.GetOrDial(0, "127.0.0.1", "1", ks); err == nil {
		t.Fatal("GetOrDial() against a closed port: got nil error, want a dial failure")
	}
}
