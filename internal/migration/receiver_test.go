package migration_test

import (
	"testing"

	"github.com/kvslot/migrate/internal/kv"
	"github.com/kvslot/migrate/internal/migration"
	"github.com/kvslot/migrate/internal/wire"
)

func bulk(s string) []byte { return []byte(s) }

func Test_Receiver_Auth_Rejects_Wrong_Password_And_Closes(t *testing.T) {
	t.Parallel()

	recv := migration.NewReceiver([]*kv.Keyspace{kv.NewKeyspace()}, "secret")

	_, closeConn := recv.Handle(wire.Args{bulk(wire.CmdAuth), bulk("wrong")})
	if !closeConn {
		t.Fatal("a failed AUTH must close the connection")
	}
}

func Test_Receiver_Auth_Accepts_Correct_Password(t *testing.T) {
	t.Parallel()

	recv := migration.NewReceiver([]*kv.Keyspace{kv.NewKeyspace()}, "secret")

	ack, closeConn := recv.Handle(wire.Args{bulk(wire.CmdAuth), bulk("secret")})
	if closeConn {
		t.Fatal("a correct AUTH must not close the connection")
	}

	if string(ack) != string(wire.AckFrame(0, "ok")) {
		t.Fatalf("ack = %q, want an ok ack", ack)
	}
}

func Test_Receiver_Select_Switches_The_Active_Keyspace(t *testing.T) {
	t.Parallel()

	ks0 := kv.NewKeyspace()
	ks1 := kv.NewKeyspace()
	recv := migration.NewReceiver([]*kv.Keyspace{ks0, ks1}, "")

	if _, closeConn := recv.Handle(wire.Args{bulk(wire.CmdSelect), bulk("1")}); closeConn {
		t.Fatal("SELECT 1 with two configured databases should not close the connection")
	}

	if recv.SelectedDB() != 1 {
		t.Fatalf("SelectedDB() = %d, want 1", recv.SelectedDB())
	}

	recv.Handle(wire.Args{bulk(wire.CmdMain), bulk(wire.SubString), bulk("k"), bulk("0"), bulk("v")})

	if ks1.Exists("k") != true {
		t.Fatal("a string applied after SELECT 1 should land in ks1")
	}

	if ks0.Exists("k") {
		t.Fatal("a string applied after SELECT 1 should not land in ks0")
	}
}

func Test_Receiver_Select_Out_Of_Range_Closes_Connection(t *testing.T) {
	t.Parallel()

	recv := migration.NewReceiver([]*kv.Keyspace{kv.NewKeyspace()}, "")

	_, closeConn := recv.Handle(wire.Args{bulk(wire.CmdSelect), bulk("5")})
	if !closeConn {
		t.Fatal("SELECT out of range must close the connection")
	}
}

func Test_Receiver_SetDB_Out_Of_Range_Is_Rejected(t *testing.T) {
	t.Parallel()

	recv := migration.NewReceiver([]*kv.Keyspace{kv.NewKeyspace()}, "")

	if recv.SetDB(3) {
		t.Fatal("SetDB(3) against a single-database Receiver should fail")
	}

	if recv.SelectedDB() != 0 {
		t.Fatalf("SelectedDB() = %d, want 0 (unchanged) after a rejected SetDB", recv.SelectedDB())
	}
}

func Test_Receiver_Applies_String_Object(t *testing.T) {
	t.Parallel()

	ks := kv.NewKeyspace()
	recv := migration.NewReceiver([]*kv.Keyspace{ks}, "")

	ack, closeConn := recv.Handle(wire.Args{bulk(wire.CmdMain), bulk(wire.SubString), bulk("greeting"), bulk("0"), bulk("hello")})
	if closeConn {
		t.Fatal("a well-formed string apply must not close the connection")
	}

	if string(ack) != string(wire.AckFrame(0, "ok")) {
		t.Fatalf("ack = %q, want ok", ack)
	}

	handle, _, ok := ks.Get("greeting")
	if !ok {
		t.Fatal("key was not created")
	}
	defer handle.Release()

	if string(handle.Value.Str) != "hello" {
		t.Fatalf("value = %q, want %q", handle.Value.Str, "hello")
	}
}

func Test_Receiver_Rejects_String_Apply_On_Existing_Key(t *testing.T) {
	t.Parallel()

	ks := kv.NewKeyspace()
	ks.Set("greeting", kv.NewString([]byte("already here")), kv.Expiry{})
	recv := migration.NewReceiver([]*kv.Keyspace{ks}, "")

	_, closeConn := recv.Handle(wire.Args{bulk(wire.CmdMain), bulk(wire.SubString), bulk("greeting"), bulk("0"), bulk("hello")})
	if !closeConn {
		t.Fatal("a string apply colliding with an existing key must close the connection")
	}
}

func Test_Receiver_Delete_Reports_Whether_The_Key_Existed(t *testing.T) {
	t.Parallel()

	ks := kv.NewKeyspace()
	ks.Set("k", kv.NewString([]byte("v")), kv.Expiry{})
	recv := migration.NewReceiver([]*kv.Keyspace{ks}, "")

	ack, _ := recv.Handle(wire.Args{bulk(wire.CmdMain), bulk(wire.SubDelete), bulk("k")})
	if string(ack) != string(wire.AckFrame(0, "1")) {
		t.Fatalf("ack = %q, want 1 (existed)", ack)
	}

	ack, _ = recv.Handle(wire.Args{bulk(wire.CmdMain), bulk(wire.SubDelete), bulk("k")})
	if string(ack) != string(wire.AckFrame(0, "0")) {
		t.Fatalf("ack = %q, want 0 (already gone)", ack)
	}
}

func Test_Receiver_Hash_Apply_Refuses_To_Create_An_Empty_Hash(t *testing.T) {
	t.Parallel()

	recv := migration.NewReceiver([]*kv.Keyspace{kv.NewKeyspace()}, "")

	_, closeConn := recv.Handle(wire.Args{bulk(wire.CmdMain), bulk(wire.SubHash), bulk("h"), bulk("0"), bulk("hint")})
	if !closeConn {
		t.Fatal("an empty hash chunk on an absent key must close the connection")
	}
}

func Test_Receiver_Hash_Apply_Merges_Fields_Into_An_Existing_Hash(t *testing.T) {
	t.Parallel()

	ks := kv.NewKeyspace()
	recv := migration.NewReceiver([]*kv.Keyspace{ks}, "")

	recv.Handle(wire.Args{bulk(wire.CmdMain), bulk(wire.SubHash), bulk("h"), bulk("0"), bulk("hint"), bulk("f1"), bulk("v1")})
	recv.Handle(wire.Args{bulk(wire.CmdMain), bulk(wire.SubHash), bulk("h"), bulk("0"), bulk("hint"), bulk("f2"), bulk("v2")})

	handle, _, ok := ks.Get("h")
	if !ok {
		t.Fatal("hash key was not created")
	}
	defer handle.Release()

	if string(handle.Value.Hsh["f1"]) != "v1" || string(handle.Value.Hsh["f2"]) != "v2" {
		t.Fatalf("hash fields = %+v, want both f1 and f2 populated", handle.Value.Hsh)
	}
}

func Test_Receiver_ZSet_Apply_Decodes_Score_Bit_Pattern(t *testing.T) {
	t.Parallel()

	ks := kv.NewKeyspace()
	recv := migration.NewReceiver([]*kv.Keyspace{ks}, "")

	scoreBits := kv.ScoreBits(3.14)
	scoreBytes := wire.ScoreBytes(scoreBits)

	ack, closeConn := recv.Handle(wire.Args{
		bulk(wire.CmdMain), bulk(wire.SubZSet), bulk("z"), bulk("0"), bulk("hint"), bulk("member"), scoreBytes,
	})
	if closeConn {
		t.Fatalf("zset apply should not close the connection, ack=%q", ack)
	}

	handle, _, ok := ks.Get("z")
	if !ok {
		t.Fatal("zset key was not created")
	}
	defer handle.Release()

	if got := handle.Value.ZSet["member"]; got != 3.14 {
		t.Fatalf("score = %v, want 3.14", got)
	}
}

func Test_Receiver_Unknown_Command_Closes_Connection(t *testing.T) {
	t.Parallel()

	recv := migration.NewReceiver([]*kv.Keyspace{kv.NewKeyspace()}, "")

	_, closeConn := recv.Handle(wire.Args{bulk("NOT-A-REAL-COMMAND")})
	if !closeConn {
		t.Fatal("an unknown command must close the connection")
	}
}
