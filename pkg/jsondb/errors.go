package jsondb

import "errors"

// Error taxonomy. Every engine failure wraps exactly one of these sentinels
// so callers can classify with errors.Is.
var (
	// ErrBadArgs indicates invalid caller input: an unknown model, an
	// invalid or incomplete sort key, a failed type coercion, or a value
	// outside a declared enum set.
	ErrBadArgs = errors.New("bad arguments")

	// ErrCannotCreate indicates a create for a sort key that already
	// exists without the upsert flag.
	ErrCannotCreate = errors.New("cannot create")

	// ErrNotFound indicates an update or set-field target that does not
	// exist and upsert was not requested.
	ErrNotFound = errors.New("not found")

	// ErrCannotOpen indicates the database files could not be opened.
	ErrCannotOpen = errors.New("cannot open")

	// ErrCannotRead indicates an I/O or format error reading the schema,
	// snapshot, or journal.
	ErrCannotRead = errors.New("cannot read")

	// ErrCannotWrite indicates an I/O error writing the snapshot or
	// journal.
	ErrCannotWrite = errors.New("cannot write")

	// ErrBadState indicates a missing required field on create or a
	// corrupt journal record.
	ErrBadState = errors.New("bad state")

	// ErrClosed indicates an operation on a closed database.
	ErrClosed = errors.New("database closed")
)

// fail records err as the database's sticky last error and returns it.
// The last error only explains the most recent failure; callers detect
// failure from the returned error itself.
func (db *DB) fail(err error) error {
	if err != nil {
		db.lastErr = err
	}

	return err
}

// LastError returns the most recent engine-level failure, or nil.
// It is sticky: successful calls do not clear it.
func (db *DB) LastError() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	return db.lastErr
}
