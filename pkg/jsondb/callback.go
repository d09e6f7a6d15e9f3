package jsondb

// Event is a change-notification event mask.
type Event uint8

const (
	// EventChange fires when a mutation is applied to the index.
	EventChange Event = 1 << iota

	// EventCommit fires when the mutation has been durably recorded in the
	// journal or snapshot. For immediate commits both events fire together.
	EventCommit
)

// Callback observes item changes, typically to drive cloud synchronization.
// Callbacks run synchronously, in registration order, on the mutating call's
// goroutine; they must not mutate the database re-entrantly.
type Callback func(arg any, db *DB, model *Model, item *Item, params *Params, cmd string, event Event)

// Subscription is the stable handle returned by Subscribe and used for
// removal.
type Subscription struct {
	cb     Callback
	model  string // "" subscribes to all models
	arg    any
	events Event
}

// Subscribe registers a callback for the given model ("" for all models)
// and event mask. The opaque arg is passed back on every invocation.
func (db *DB) Subscribe(cb Callback, model string, arg any, events Event) *Subscription {
	db.mu.Lock()
	defer db.mu.Unlock()

	sub := &Subscription{cb: cb, model: model, arg: arg, events: events}
	db.subs = append(db.subs, sub)

	return sub
}

// Unsubscribe removes a subscription by handle. Unknown handles are ignored.
func (db *DB) Unsubscribe(sub *Subscription) {
	db.mu.Lock()
	defer db.mu.Unlock()

	for i, s := range db.subs {
		if s == sub {
			db.subs = append(db.subs[:i], db.subs[i+1:]...)

			return
		}
	}
}

// notifyLocked fires every subscription whose model filter and event mask
// match. Callers hold db.mu; Params.Bypass suppresses notifications for
// replayed or caller-silenced mutations.
func (db *DB) notifyLocked(model *Model, item *Item, params *Params, cmd string, event Event) {
	if params.Bypass {
		return
	}

	for _, sub := range db.subs {
		if sub.model != "" && (model == nil || sub.model != model.Name) {
			continue
		}

		if sub.events&event == 0 {
			continue
		}

		sub.cb(sub.arg, db, model, item, params, cmd, event)
	}
}
