package jsondb

import (
	"time"
)

// change is a scheduled-but-not-yet-durable mutation. For removes, the item
// payload is captured at schedule time because the item is already gone from
// the index when the journal write happens.
type change struct {
	model  *Model
	cmd    string
	key    string
	due    time.Time
	item   *Item
	params *Params
}

// recordChangeLocked routes one applied mutation through the change state
// machine: journal immediately, keep in memory only, or batch behind the
// commit-delay timer. On-change fires now; on-commit fires once the journal
// record (or snapshot) is flushed.
func (db *DB) recordChangeLocked(model *Model, item *Item, params *Params, cmd string) error {
	delay := time.Duration(0)
	if model != nil {
		delay = model.Delay
	}

	if params.Delay != nil {
		delay = *params.Delay
	}

	if params.InMemory || delay == DelayInMemory {
		// Marked so a later snapshot save skips it.
		item.mem = true

		// An in-memory remove must not leave a batched journal write
		// behind for the removed key.
		if cmd == cmdRemove {
			db.dropPendingLocked(item.key)
		}

		db.notifyLocked(model, item, params, cmd, EventChange)

		return nil
	}

	item.mem = false

	// Journal replay re-applies mutations that are already durable.
	if db.replaying {
		return nil
	}

	if delay > 0 {
		db.scheduleChangeLocked(model, item, params, cmd, delay)
		db.notifyLocked(model, item, params, cmd, EventChange)

		return nil
	}

	// An immediate commit supersedes any batched change for the same key.
	// Without this, a later flush would journal stale state over this
	// record, and replay would resurrect a removed item.
	db.dropPendingLocked(item.key)

	err := db.commitNowLocked(model, item, params, cmd)
	if err != nil {
		return err
	}

	db.notifyLocked(model, item, params, cmd, EventChange|EventCommit)
	db.checkJournalLimitsLocked()

	return nil
}

// commitNowLocked writes one journal record, falling back to a full
// snapshot save when a previous journal write failed.
func (db *DB) commitNowLocked(model *Model, item *Item, params *Params, cmd string) error {
	if db.journalErr {
		return db.saveLocked()
	}

	// For removes this is the item's final state, captured before it left
	// the index.
	value, err := item.JSON()
	if err != nil {
		return err
	}

	modelName := ""
	if model != nil {
		modelName = model.Name
	}

	err = db.appendJournalLocked(cmd, modelName, value)
	if err != nil {
		// Sticky: the next flush goes through a full snapshot save
		// instead of appending to a journal we can no longer trust.
		db.journalErr = true
		db.log.Errorw("journal write failed", "error", err)

		return err
	}

	return nil
}

// scheduleChangeLocked creates or updates the pending change record for the
// item's key. An existing record keeps the earlier of the two due times.
func (db *DB) scheduleChangeLocked(model *Model, item *Item, params *Params, cmd string, delay time.Duration) {
	due := db.now().Add(delay)

	existing, ok := db.pending[item.key]
	if ok {
		if due.Before(existing.due) {
			existing.due = due
		}

		existing.cmd = cmd
		existing.item = item
		existing.params = params
	} else {
		db.pending[item.key] = &change{
			model:  model,
			cmd:    cmd,
			key:    item.key,
			due:    due,
			item:   item,
			params: params,
		}
	}

	if cmd != cmdRemove {
		item.pending = true
	}

	db.scheduleTickLocked()
}

// dropPendingLocked discards the pending change for key, if any, and rearms
// the commit timer for whatever remains.
func (db *DB) dropPendingLocked(key string) {
	ch, ok := db.pending[key]
	if !ok {
		return
	}

	delete(db.pending, key)

	if ch.item != nil {
		ch.item.pending = false
	}

	db.scheduleTickLocked()
}

// scheduleTickLocked (re)arms the commit timer for the earliest due time
// across all pending changes. A pending timer is only replaced when an
// earlier due time is introduced.
func (db *DB) scheduleTickLocked() {
	earliest := time.Time{}
	for _, ch := range db.pending {
		if earliest.IsZero() || ch.due.Before(earliest) {
			earliest = ch.due
		}
	}

	if earliest.IsZero() {
		db.stopTickLocked()

		return
	}

	if db.timer != nil && !db.timerDue.IsZero() && !earliest.Before(db.timerDue) {
		return
	}

	db.stopTickLocked()

	db.timerDue = earliest

	delay := earliest.Sub(db.now())
	if delay < 0 {
		delay = 0
	}

	db.timer = time.AfterFunc(delay, func() {
		db.Tick(db.now())
	})
}

func (db *DB) stopTickLocked() {
	if db.timer != nil {
		db.timer.Stop()
		db.timer = nil
	}

	db.timerDue = time.Time{}
}

// Tick flushes every pending change whose due time has elapsed, writing its
// journal record and firing on-commit. The commit timer calls this; tests
// and embedders with their own schedulers may drive it directly.
func (db *DB) Tick(now time.Time) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return
	}

	db.flushDueLocked(now)
}

func (db *DB) flushDueLocked(now time.Time) {
	for key, ch := range db.pending {
		if ch.due.After(now) {
			continue
		}

		delete(db.pending, key)

		err := db.commitNowLocked(ch.model, ch.item, ch.params, ch.cmd)
		if err != nil {
			db.fail(err)

			continue
		}

		if ch.item != nil {
			ch.item.pending = false
		}

		db.notifyLocked(ch.model, ch.item, ch.params, ch.cmd, EventCommit)
	}

	db.stopTickLocked()
	db.scheduleTickLocked()
	db.checkJournalLimitsLocked()
}

// flushAllLocked force-commits every pending change regardless of due time.
// Used by Close so no scheduled mutation is lost.
func (db *DB) flushAllLocked() {
	far := db.now().Add(1000 * time.Hour)
	db.flushDueLocked(far)
}

// checkJournalLimitsLocked triggers an automatic snapshot save when the
// journal exceeds its byte or age threshold, or after a write failure.
func (db *DB) checkJournalLimitsLocked() {
	over := db.journalErr ||
		db.journalSize >= db.cfg.MaxJournalSize ||
		db.now().Sub(db.journalBorn) >= db.cfg.MaxJournalAge

	if !over {
		return
	}

	err := db.saveLocked()
	if err != nil {
		db.fail(err)
		db.log.Errorw("automatic save failed", "error", err)
	}
}
