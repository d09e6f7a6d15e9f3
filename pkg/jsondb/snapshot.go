package jsondb

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/natefinch/atomic"
)

// Snapshot format: a u16 little-endian format version, then every index item
// as a u32 length-prefixed key followed by a u32 length-prefixed compact-JSON
// value, in sort-key order. Saving writes a temp file and atomically renames
// it over the target, so a crash mid-save never corrupts the previous
// snapshot.
const snapshotVersion uint16 = 1

// ErrSnapshotCorrupt reports an unreadable snapshot. Fatal at open.
var ErrSnapshotCorrupt = errors.New("snapshot corrupt")

// Save flattens the index to the snapshot file and truncates the journal.
// Pending delayed changes become durable as part of the snapshot and their
// commit events fire.
func (db *DB) Save() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return db.fail(ErrClosed)
	}

	return db.fail(db.saveLocked())
}

func (db *DB) saveLocked() error {
	// A save triggered while another save is scanning the index is
	// deferred rather than run reentrantly.
	if db.saving {
		db.saveDeferred = true

		return nil
	}

	db.saving = true
	defer func() { db.saving = false }()

	for {
		err := db.writeSnapshotLocked()
		if err != nil {
			return err
		}

		err = db.recreateJournalLocked()
		if err != nil {
			return err
		}

		db.commitPendingLocked()

		if !db.saveDeferred {
			return nil
		}

		db.saveDeferred = false
	}
}

func (db *DB) writeSnapshotLocked() error {
	var buf bytes.Buffer

	var header [2]byte

	binary.LittleEndian.PutUint16(header[:], snapshotVersion)
	buf.Write(header[:])

	var encodeErr error

	db.index.all(func(it *Item) bool {
		if it.mem {
			return true
		}

		model := db.modelOf(it)
		if model != nil && model.Mem() {
			return true
		}

		value, err := it.JSON()
		if err != nil {
			encodeErr = err

			return false
		}

		var prefix [4]byte

		binary.LittleEndian.PutUint32(prefix[:], uint32(len(it.key)))
		buf.Write(prefix[:])
		buf.WriteString(it.key)

		binary.LittleEndian.PutUint32(prefix[:], uint32(len(value)))
		buf.Write(prefix[:])
		buf.Write(value)

		return true
	})

	if encodeErr != nil {
		return encodeErr
	}

	err := atomic.WriteFile(db.cfg.Path, &buf)
	if err != nil {
		return fmt.Errorf("%w: snapshot: %w", ErrCannotWrite, err)
	}

	return nil
}

// commitPendingLocked marks every pending delayed change durable after a
// snapshot: the snapshot already contains the item state, so the journal
// write is moot.
func (db *DB) commitPendingLocked() {
	for key, ch := range db.pending {
		delete(db.pending, key)

		if ch.item != nil {
			ch.item.pending = false
		}

		db.notifyLocked(ch.model, ch.item, ch.params, ch.cmd, EventCommit)
	}

	db.stopTickLocked()
}

// loadSnapshot reads the snapshot file into the index. A missing file is an
// empty database; a malformed file is fatal to open.
func (db *DB) loadSnapshot() error {
	data, err := os.ReadFile(db.cfg.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}

		return fmt.Errorf("%w: snapshot: %w", ErrCannotRead, err)
	}

	if len(data) < 2 {
		return fmt.Errorf("%w: missing header", ErrSnapshotCorrupt)
	}

	version := binary.LittleEndian.Uint16(data[:2])
	if version != snapshotVersion {
		return fmt.Errorf("%w: version %d", ErrSnapshotCorrupt, version)
	}

	rest := data[2:]
	for len(rest) > 0 {
		key, next, err := readChunk(rest)
		if err != nil {
			return fmt.Errorf("%w: key: %w", ErrSnapshotCorrupt, err)
		}

		value, next, err := readChunk(next)
		if err != nil {
			return fmt.Errorf("%w: value for key %q: %w", ErrSnapshotCorrupt, key, err)
		}

		rest = next

		db.index.set(newRawItem(string(key), bytes.Clone(value)))
	}

	return nil
}

func readChunk(data []byte) ([]byte, []byte, error) {
	if len(data) < 4 {
		return nil, nil, errors.New("truncated length")
	}

	length := binary.LittleEndian.Uint32(data[:4])
	data = data[4:]

	if int(length) > len(data) {
		return nil, nil, fmt.Errorf("length %d exceeds file", length)
	}

	return data[:length], data[length:], nil
}
