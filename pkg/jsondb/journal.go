package jsondb

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

// Journal format: a fixed header (u16 little-endian format version) followed
// by records. Each record is an s32 byte count, then three length-prefixed
// null-terminated strings: command, model name, compact-JSON item value.
// The journal is append-only; it is only truncated by a successful full
// snapshot save.
const (
	journalVersion uint16 = 1
	journalSuffix         = ".jnl"

	// maxJournalRecord bounds a single record during replay so a corrupt
	// length prefix cannot drive a huge allocation.
	maxJournalRecord = 16 << 20
)

// Journal commands. Replay re-invokes the matching engine operation.
const (
	cmdCreate = "create"
	cmdUpdate = "update"
	cmdUpsert = "upsert"
	cmdRemove = "remove"
)

// ErrJournalCorrupt reports an unreadable journal record. Fatal at open.
var ErrJournalCorrupt = errors.New("journal corrupt")

type journalRecord struct {
	cmd   string
	model string
	value []byte
}

// openJournal opens (or creates) the journal and writes a fresh header when
// the file is empty. Returns the handle and current size.
func openJournal(path string) (*os.File, int64, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: journal: %w", ErrCannotOpen, err)
	}

	info, err := file.Stat()
	if err != nil {
		closeErr := file.Close()

		return nil, 0, errors.Join(fmt.Errorf("%w: journal: %w", ErrCannotOpen, err), closeErr)
	}

	size := info.Size()
	if size == 0 {
		size, err = writeJournalHeader(file)
		if err != nil {
			closeErr := file.Close()

			return nil, 0, errors.Join(err, closeErr)
		}
	}

	return file, size, nil
}

func writeJournalHeader(file *os.File) (int64, error) {
	var header [2]byte

	binary.LittleEndian.PutUint16(header[:], journalVersion)

	_, err := file.WriteAt(header[:], 0)
	if err != nil {
		return 0, fmt.Errorf("%w: journal header: %w", ErrCannotWrite, err)
	}

	err = file.Sync()
	if err != nil {
		return 0, fmt.Errorf("%w: journal header: %w", ErrCannotWrite, err)
	}

	return int64(len(header)), nil
}

func encodeJournalRecord(cmd, model string, value []byte) []byte {
	var body bytes.Buffer

	putString := func(s []byte) {
		var prefix [4]byte

		// Length includes the terminating NUL.
		binary.LittleEndian.PutUint32(prefix[:], uint32(len(s)+1))
		body.Write(prefix[:])
		body.Write(s)
		body.WriteByte(0)
	}

	putString([]byte(cmd))
	putString([]byte(model))
	putString(value)

	out := make([]byte, 0, 4+body.Len())

	var count [4]byte

	binary.LittleEndian.PutUint32(count[:], uint32(body.Len()))
	out = append(out, count[:]...)
	out = append(out, body.Bytes()...)

	return out
}

// appendJournalLocked appends one record and flushes it to durable storage.
// A mutation is never reported committed before this returns.
func (db *DB) appendJournalLocked(cmd, model string, value []byte) error {
	record := encodeJournalRecord(cmd, model, value)

	_, err := db.journal.WriteAt(record, db.journalSize)
	if err != nil {
		return fmt.Errorf("%w: journal append: %w", ErrCannotWrite, err)
	}

	err = db.journal.Sync()
	if err != nil {
		return fmt.Errorf("%w: journal sync: %w", ErrCannotWrite, err)
	}

	db.journalSize += int64(len(record))

	return nil
}

// readJournalRecords decodes every record after the header. Any malformed
// record is fatal: crash recovery must not silently skip mutations.
func readJournalRecords(file *os.File) ([]journalRecord, error) {
	_, err := file.Seek(0, io.SeekStart)
	if err != nil {
		return nil, fmt.Errorf("%w: journal: %w", ErrCannotRead, err)
	}

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("%w: journal: %w", ErrCannotRead, err)
	}

	if len(data) < 2 {
		return nil, fmt.Errorf("%w: missing header", ErrJournalCorrupt)
	}

	version := binary.LittleEndian.Uint16(data[:2])
	if version != journalVersion {
		return nil, fmt.Errorf("%w: version %d", ErrJournalCorrupt, version)
	}

	var records []journalRecord

	rest := data[2:]
	for len(rest) > 0 {
		if len(rest) < 4 {
			return nil, fmt.Errorf("%w: truncated record length", ErrJournalCorrupt)
		}

		count := binary.LittleEndian.Uint32(rest[:4])
		rest = rest[4:]

		if count > maxJournalRecord || int(count) > len(rest) {
			return nil, fmt.Errorf("%w: record length %d exceeds journal", ErrJournalCorrupt, count)
		}

		body := rest[:count]
		rest = rest[count:]

		record, err := decodeJournalRecord(body)
		if err != nil {
			return nil, err
		}

		records = append(records, record)
	}

	return records, nil
}

func decodeJournalRecord(body []byte) (journalRecord, error) {
	fields := make([][]byte, 0, 3)

	for i := 0; i < 3; i++ {
		if len(body) < 4 {
			return journalRecord{}, fmt.Errorf("%w: truncated field length", ErrJournalCorrupt)
		}

		length := binary.LittleEndian.Uint32(body[:4])
		body = body[4:]

		if length == 0 || int(length) > len(body) {
			return journalRecord{}, fmt.Errorf("%w: field length %d", ErrJournalCorrupt, length)
		}

		field := body[:length]
		body = body[length:]

		if field[len(field)-1] != 0 {
			return journalRecord{}, fmt.Errorf("%w: field not null-terminated", ErrJournalCorrupt)
		}

		fields = append(fields, field[:len(field)-1])
	}

	if len(body) != 0 {
		return journalRecord{}, fmt.Errorf("%w: %d trailing bytes in record", ErrJournalCorrupt, len(body))
	}

	record := journalRecord{
		cmd:   string(fields[0]),
		model: string(fields[1]),
		value: bytes.Clone(fields[2]),
	}

	switch record.cmd {
	case cmdCreate, cmdUpdate, cmdUpsert, cmdRemove:
	default:
		return journalRecord{}, fmt.Errorf("%w: unknown command %q", ErrJournalCorrupt, record.cmd)
	}

	return record, nil
}

// recreateJournalLocked truncates the journal and writes a fresh header.
// Called after every successful snapshot save.
func (db *DB) recreateJournalLocked() error {
	err := db.journal.Truncate(0)
	if err != nil {
		return fmt.Errorf("%w: journal truncate: %w", ErrCannotWrite, err)
	}

	size, err := writeJournalHeader(db.journal)
	if err != nil {
		return err
	}

	db.journalSize = size
	db.journalBorn = db.now()
	db.journalErr = false

	return nil
}
