package jsondb_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jsondb-io/jsondb/pkg/jsondb"
)

func Test_Open_Validates_Config(t *testing.T) {
	t.Parallel()

	_, err := jsondb.Open(jsondb.Config{Schema: "schema.json"})
	if !errors.Is(err, jsondb.ErrBadArgs) {
		t.Fatalf("missing path: err = %v, want ErrBadArgs", err)
	}

	_, err = jsondb.Open(jsondb.Config{Path: "data.db"})
	if !errors.Is(err, jsondb.ErrBadArgs) {
		t.Fatalf("missing schema: err = %v, want ErrBadArgs", err)
	}
}

func Test_Open_With_Empty_Dir_Starts_Empty(t *testing.T) {
	t.Parallel()

	db := openTestDB(t, t.TempDir(), newClock())

	if db.Count() != 0 {
		t.Fatalf("count = %d, want 0", db.Count())
	}

	if db.Schema() == nil || db.Schema().Models["User"] == nil {
		t.Fatalf("schema not loaded")
	}
}

func Test_Close_Is_Idempotent_And_Nil_Safe(t *testing.T) {
	t.Parallel()

	db := openTestDB(t, t.TempDir(), newClock())

	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if err := db.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	var nilDB *jsondb.DB
	if err := nilDB.Close(); err != nil {
		t.Fatalf("nil close: %v", err)
	}

	_, err := db.Create("User", map[string]any{"username": "ada"}, nil)
	if !errors.Is(err, jsondb.ErrClosed) {
		t.Fatalf("create after close: err = %v, want ErrClosed", err)
	}
}

func Test_LoadFile_Seeds_Models_With_Upsert(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	db := openTestDB(t, dir, newClock())

	seed := filepath.Join(dir, "seed.json")

	err := os.WriteFile(seed, []byte(`{
        // Seed data, one array per model.
        "User": [
            { "id": "u1", "username": "ada" },
            { "id": "u2", "username": "eve", "role": "admin" },
        ],
        "Task": [
            { "id": "t1", "title": "provision" },
        ],
    }`), 0o600)
	if err != nil {
		t.Fatalf("write seed: %v", err)
	}

	err = db.LoadFile(seed)
	if err != nil {
		t.Fatalf("load file: %v", err)
	}

	if db.Count() != 3 {
		t.Fatalf("count = %d, want 3", db.Count())
	}

	// Loading again upserts instead of failing on duplicates.
	err = db.LoadFile(seed)
	if err != nil {
		t.Fatalf("reload file: %v", err)
	}

	if db.Count() != 3 {
		t.Fatalf("count = %d after reload, want 3", db.Count())
	}

	role, err := db.GetField("User", map[string]any{"id": "u2"}, "role", nil)
	if err != nil || role != "admin" {
		t.Fatalf("role = %q, %v, want admin", role, err)
	}
}

func Test_LoadFile_Failure_Is_Reported_And_Sticky(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	db := openTestDB(t, dir, newClock())

	err := db.LoadFile(filepath.Join(dir, "missing.json"))
	if !errors.Is(err, jsondb.ErrCannotRead) {
		t.Fatalf("err = %v, want ErrCannotRead", err)
	}

	if !errors.Is(db.LastError(), jsondb.ErrCannotRead) {
		t.Fatalf("last error = %v, want sticky ErrCannotRead", db.LastError())
	}

	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if err := db.LoadFile(filepath.Join(dir, "missing.json")); !errors.Is(err, jsondb.ErrClosed) {
		t.Fatalf("load after close: err = %v, want ErrClosed", err)
	}
}

func Test_AddContext_Overrides_Caller_Properties(t *testing.T) {
	t.Parallel()

	db := openTestDB(t, t.TempDir(), newClock())

	db.AddContext(map[string]any{"org": "acme"})

	item := createUser(t, db, "ada")
	if itemTree(t, item)["org"] != "acme" {
		t.Fatalf("org = %v, want context value", itemTree(t, item)["org"])
	}

	item = mustCreate(t, db, "User", map[string]any{"username": "eve", "org": "other"})
	if itemTree(t, item)["org"] != "acme" {
		t.Fatalf("org = %v, context must win", itemTree(t, item)["org"])
	}
}

func Test_RemoveExpired_Is_Idempotent(t *testing.T) {
	t.Parallel()

	clk := newClock()
	db := openTestDB(t, t.TempDir(), clk)

	expires := clk.Now().Add(time.Hour).UTC().Format("2006-01-02T15:04:05.000Z")

	mustCreate(t, db, "Session", map[string]any{"token": "s1", "user": "ada", "expires": expires})
	mustCreate(t, db, "Session", map[string]any{"token": "s2", "user": "eve", "expires": expires})
	createUser(t, db, "ada")

	count, err := db.RemoveExpired(false)
	if err != nil || count != 0 {
		t.Fatalf("before expiry: removed %d, %v, want 0", count, err)
	}

	clk.Advance(2 * time.Hour)

	count, err = db.RemoveExpired(false)
	if err != nil || count != 2 {
		t.Fatalf("at expiry: removed %d, %v, want 2", count, err)
	}

	count, err = db.RemoveExpired(false)
	if err != nil || count != 0 {
		t.Fatalf("second sweep: removed %d, %v, want 0", count, err)
	}

	// Models without a ttl field are untouched.
	if db.Count() != 1 {
		t.Fatalf("count = %d, want the user only", db.Count())
	}
}

func Test_Expired_Items_Vanish_On_Read(t *testing.T) {
	t.Parallel()

	clk := newClock()
	db := openTestDB(t, t.TempDir(), clk)

	expires := clk.Now().Add(time.Minute).UTC().Format("2006-01-02T15:04:05.000Z")
	mustCreate(t, db, "Session", map[string]any{"token": "s1", "expires": expires})

	clk.Advance(time.Hour)

	item, err := db.Get("Session", map[string]any{"token": "s1"}, nil)
	if err != nil || item != nil {
		t.Fatalf("expired session returned: %v, %v", item, err)
	}

	// The read also removed it from the index.
	if db.Count() != 0 {
		t.Fatalf("count = %d, want 0", db.Count())
	}
}

func Test_LastError_Is_Sticky(t *testing.T) {
	t.Parallel()

	db := openTestDB(t, t.TempDir(), newClock())

	_, err := db.Create("Nope", map[string]any{}, nil)
	if err == nil {
		t.Fatalf("expected error")
	}

	createUser(t, db, "ada")

	if !errors.Is(db.LastError(), jsondb.ErrBadArgs) {
		t.Fatalf("last error = %v, want sticky ErrBadArgs", db.LastError())
	}
}

func Test_Operations_Without_Model_Use_Raw_Keys(t *testing.T) {
	t.Parallel()

	db := openTestDB(t, t.TempDir(), newClock())

	// No model name: the pipeline is skipped and the sort property is the
	// literal key.
	item, err := db.Create("", map[string]any{"key": "raw#1", "payload": "x"}, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if item.Key() != "raw#1" {
		t.Fatalf("key = %q, want raw#1", item.Key())
	}

	got, err := db.Get("", map[string]any{"key": "raw#1"}, nil)
	if err != nil || got == nil {
		t.Fatalf("get: %v, %v", got, err)
	}

	if itemTree(t, got)["payload"] != "x" {
		t.Fatalf("payload = %v", itemTree(t, got)["payload"])
	}

	count, err := db.Remove("", map[string]any{"key": "raw#1"}, nil)
	if err != nil || count != 1 {
		t.Fatalf("remove = %d, %v", count, err)
	}
}
