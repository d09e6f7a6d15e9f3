package jsondb_test

import (
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/jsondb-io/jsondb/pkg/jsondb"
)

// -----------------------------------------------------------------------------
// Test clock
// -----------------------------------------------------------------------------

// clock is an injectable test clock. The commit timer still uses real timers,
// so tests drive jsondb.DB.Tick directly instead of sleeping.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock {
	return &clock{t: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.t
}

func (c *clock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.t = c.t.Add(d)

	return c.t
}

// -----------------------------------------------------------------------------
// Test schema
// -----------------------------------------------------------------------------

// testSchema is a small IoT-flavored model set. Comments and trailing commas
// are deliberate.
const testSchema = `{
    // Device-side test models.
    "params": { "timestamps": true },
    "indexes": {
        "primary": { "hash": "realm", "sort": "key" },
    },
    "models": {
        "User": {
            "key":      { "type": "string", "value": "${_type}#${id}" },
            "id":       { "type": "string", "generate": "ulid" },
            "username": { "type": "string", "required": true },
            "role":     { "type": "string", "enum": ["user", "admin"], "default": "user" },
            "org":      "string",
            "age":      "number",
            "profile":  { "type": "object" },
        },
        "Session": {
            "key":     { "type": "string", "value": "${_type}#${token}" },
            "token":   { "type": "string", "generate": "uid(8)" },
            "user":    "string",
            "expires": { "type": "date", "ttl": true },
        },
        "Task": {
            "_params": { "sync": true, "delay": 60000 },
            "key":   { "type": "string", "value": "${_type}#${id}" },
            "id":    { "type": "string", "generate": "uid" },
            "title": { "type": "string", "required": true },
            "done":  { "type": "boolean", "default": false },
        },
        "Reading": {
            "_params": { "mem": true },
            "key":    { "type": "string", "value": "${_type}#${sensor}" },
            "sensor": "string",
            "value":  "number",
        },
        "Billing": {
            "_params": { "enable": "cloud" },
            "key": "string",
        },
    },
}`

func writeTestSchema(t *testing.T, dir string) string {
	t.Helper()

	path := filepath.Join(dir, "schema.json")

	err := os.WriteFile(path, []byte(testSchema), 0o600)
	if err != nil {
		t.Fatalf("write schema: %v", err)
	}

	return path
}

func testConfig(t *testing.T, dir string, clk *clock) jsondb.Config {
	t.Helper()

	return jsondb.Config{
		Path:   filepath.Join(dir, "data.db"),
		Schema: writeTestSchema(t, dir),
		Logger: zaptest.NewLogger(t).Sugar(),
		Now:    clk.Now,
	}
}

// openTestDB opens a database in dir with the test schema and clock.
// Close is registered as cleanup; closing twice is harmless.
func openTestDB(t *testing.T, dir string, clk *clock) *jsondb.DB {
	t.Helper()

	db, err := jsondb.Open(testConfig(t, dir, clk))
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	t.Cleanup(func() { _ = db.Close() })

	return db
}

// -----------------------------------------------------------------------------
// Item helpers
// -----------------------------------------------------------------------------

func mustCreate(t *testing.T, db *jsondb.DB, model string, props map[string]any) *jsondb.Item {
	t.Helper()

	item, err := db.Create(model, props, nil)
	if err != nil {
		t.Fatalf("create %s: %v", model, err)
	}

	return item
}

func createUser(t *testing.T, db *jsondb.DB, username string) *jsondb.Item {
	t.Helper()

	return mustCreate(t, db, "User", map[string]any{"username": username})
}

func itemTree(t *testing.T, item *jsondb.Item) map[string]any {
	t.Helper()

	tree, err := item.Value()
	if err != nil {
		t.Fatalf("item value: %v", err)
	}

	return tree
}

// -----------------------------------------------------------------------------
// Journal inspection
// -----------------------------------------------------------------------------

const testJournalHeaderSize = 2

func journalPath(dir string) string {
	return filepath.Join(dir, "data.db") + ".jnl"
}

func journalSize(t *testing.T, dir string) int64 {
	t.Helper()

	info, err := os.Stat(journalPath(dir))
	if err != nil {
		t.Fatalf("stat journal: %v", err)
	}

	return info.Size()
}

// readJournalCommands decodes the command word of every journal record.
// Mirrors the on-disk format: u16 LE version header, then per record a u32
// LE byte count and three u32-length-prefixed null-terminated strings.
func readJournalCommands(t *testing.T, dir string) []string {
	t.Helper()

	file, err := os.Open(journalPath(dir))
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}

	t.Cleanup(func() { _ = file.Close() })

	data, err := io.ReadAll(file)
	if err != nil {
		t.Fatalf("read journal: %v", err)
	}

	if len(data) < testJournalHeaderSize {
		t.Fatalf("journal too short: %d bytes", len(data))
	}

	var cmds []string

	rest := data[testJournalHeaderSize:]
	for len(rest) > 0 {
		if len(rest) < 4 {
			t.Fatalf("truncated record length")
		}

		count := binary.LittleEndian.Uint32(rest[:4])
		rest = rest[4:]

		if int(count) > len(rest) {
			t.Fatalf("record length %d exceeds journal", count)
		}

		body := rest[:count]
		rest = rest[count:]

		if len(body) < 4 {
			t.Fatalf("truncated command length")
		}

		cmdLen := binary.LittleEndian.Uint32(body[:4])
		if cmdLen == 0 || int(4+cmdLen) > len(body) {
			t.Fatalf("bad command length %d", cmdLen)
		}

		// Strip the terminating NUL.
		cmds = append(cmds, string(body[4:4+cmdLen-1]))
	}

	return cmds
}
