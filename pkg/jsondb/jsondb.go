package jsondb

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/tailscale/hujson"
	"go.uber.org/zap"
)

const (
	// DefaultMaxJournalSize is the journal byte threshold that triggers an
	// automatic snapshot save.
	DefaultMaxJournalSize = 256 * 1024

	// DefaultMaxJournalAge is the journal age threshold that triggers an
	// automatic snapshot save.
	DefaultMaxJournalAge = time.Hour
)

// Config holds the settings for one database instance.
type Config struct {
	// Path is the snapshot file. The journal lives at Path + ".jnl".
	// Required.
	Path string

	// Schema is the path to the schema document. Required.
	Schema string

	// MaxJournalSize triggers an automatic save when the journal grows past
	// this many bytes. Default: DefaultMaxJournalSize.
	MaxJournalSize int64

	// MaxJournalAge triggers an automatic save when the journal is older.
	// Default: DefaultMaxJournalAge.
	MaxJournalAge time.Duration

	// Logger receives warnings and verbose query logs. Default: no-op.
	Logger *zap.SugaredLogger

	// Now is the clock, injectable for tests. Default: time.Now.
	Now func() time.Time
}

// DB is one open document store. All exported methods are safe for
// concurrent use from a single process; the index, pending-change table,
// and journal handle are owned exclusively by the DB value.
type DB struct {
	mu  sync.Mutex
	cfg Config

	schema  *Schema
	index   *ordIndex
	context map[string]any

	pending  map[string]*change
	timer    *time.Timer
	timerDue time.Time

	journal     *os.File
	journalSize int64
	journalBorn time.Time
	journalErr  bool

	saving       bool
	saveDeferred bool
	replaying    bool

	subs    []*Subscription
	lastErr error
	closed  bool

	log   *zap.SugaredLogger
	nowFn func() time.Time
}

// Open loads the schema, reads the snapshot, replays an unflushed journal
// left by a crash, and makes the recovered state durable before returning.
// Schema, snapshot, or journal corruption is fatal here; after open, all
// errors are recoverable by the caller.
func Open(cfg Config) (*DB, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("%w: Config.Path is required", ErrBadArgs)
	}

	if cfg.Schema == "" {
		return nil, fmt.Errorf("%w: Config.Schema is required", ErrBadArgs)
	}

	if cfg.MaxJournalSize == 0 {
		cfg.MaxJournalSize = DefaultMaxJournalSize
	}

	if cfg.MaxJournalAge == 0 {
		cfg.MaxJournalAge = DefaultMaxJournalAge
	}

	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}

	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	schema, err := LoadSchema(cfg.Schema)
	if err != nil {
		return nil, err
	}

	db := &DB{
		cfg:     cfg,
		schema:  schema,
		index:   newOrdIndex(),
		context: map[string]any{},
		pending: map[string]*change{},
		log:     cfg.Logger,
		nowFn:   cfg.Now,
	}

	err = db.loadSnapshot()
	if err != nil {
		return nil, err
	}

	journal, size, err := openJournal(cfg.Path + journalSuffix)
	if err != nil {
		return nil, err
	}

	db.journal = journal
	db.journalSize = size
	db.journalBorn = db.now()

	replayed, err := db.replayJournal()
	if err != nil {
		closeErr := journal.Close()

		return nil, errors.Join(err, closeErr)
	}

	if replayed > 0 {
		// Recovered state becomes durable before normal operation resumes.
		err = db.saveLocked()
		if err != nil {
			closeErr := journal.Close()

			return nil, errors.Join(err, closeErr)
		}

		db.log.Infow("recovered journal", "records", replayed)
	}

	return db, nil
}

// replayJournal re-applies every journal record through the normal
// operations with the bypass flag set, so the validation pipeline runs
// identically to the live path but no callbacks fire and nothing is
// re-journaled.
func (db *DB) replayJournal() (int, error) {
	const headerSize = 2

	if db.journalSize <= headerSize {
		return 0, nil
	}

	records, err := readJournalRecords(db.journal)
	if err != nil {
		return 0, err
	}

	db.replaying = true
	defer func() { db.replaying = false }()

	for i, record := range records {
		var props map[string]any

		err := json.Unmarshal(record.value, &props)
		if err != nil {
			return 0, fmt.Errorf("%w: record %d: %w", ErrJournalCorrupt, i, err)
		}

		params := &Params{Bypass: true, Upsert: true}

		switch record.cmd {
		case cmdCreate, cmdUpsert:
			_, err = db.createLocked(record.model, props, params)
		case cmdUpdate:
			_, err = db.updateLocked(record.model, props, params)
		case cmdRemove:
			_, err = db.removeLocked(record.model, props, &Params{Bypass: true})
		}

		if err != nil {
			return 0, fmt.Errorf("%w: record %d (%s): %w", ErrJournalCorrupt, i, record.cmd, err)
		}
	}

	return len(records), nil
}

// Close flushes pending delayed changes to the journal and closes it.
// Idempotent and nil-safe.
func (db *DB) Close() error {
	if db == nil {
		return nil
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return nil
	}

	db.flushAllLocked()
	db.stopTickLocked()

	db.closed = true

	err := db.journal.Close()
	if err != nil {
		return fmt.Errorf("%w: journal close: %w", ErrCannotWrite, err)
	}

	return nil
}

// AddContext adds global context properties that are merged into every
// call's property set, overriding caller-supplied values.
func (db *DB) AddContext(props map[string]any) {
	db.mu.Lock()
	defer db.mu.Unlock()

	for name, v := range props {
		db.context[name] = v
	}
}

// LoadFile seeds the database from a JSON document of the shape
// {"Model": [{...}, ...], ...}. Comments and trailing commas are permitted.
// Items are created with upsert semantics.
func (db *DB) LoadFile(path string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return db.fail(ErrClosed)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return db.fail(fmt.Errorf("%w: load %s: %w", ErrCannotRead, path, err))
	}

	std, err := hujson.Standardize(data)
	if err != nil {
		return db.fail(fmt.Errorf("%w: load %s: %w", ErrCannotRead, path, err))
	}

	var doc map[string][]map[string]any

	err = json.Unmarshal(std, &doc)
	if err != nil {
		return db.fail(fmt.Errorf("%w: load %s: %w", ErrCannotRead, path, err))
	}

	for modelName, items := range doc {
		for _, props := range items {
			_, err = db.createLocked(modelName, props, &Params{Upsert: true})
			if err != nil {
				return db.fail(fmt.Errorf("load %s: model %s: %w", path, modelName, err))
			}
		}
	}

	return nil
}

// Schema returns the loaded schema metadata.
func (db *DB) Schema() *Schema {
	return db.schema
}

// Count returns the number of items in the index.
func (db *DB) Count() int {
	db.mu.Lock()
	defer db.mu.Unlock()

	return db.index.len()
}

func (db *DB) now() time.Time {
	return db.nowFn()
}
