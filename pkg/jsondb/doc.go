// Package jsondb is an embedded, single-process NoSQL document store for
// resource-constrained devices: JSON documents in one ordered primary index,
// with schema-driven validation, write-ahead journaling, optional delayed
// persistence, TTL expiry, and change callbacks for cloud-sync integration.
//
// # Data model
//
// A schema document (JSON, with comments and trailing commas permitted)
// declares models; each model declares typed fields with optional defaults,
// generated identifiers (ulid, uid, uuid), value templates, enums, and a TTL
// field. Every item is tagged with its owning model via the type field
// (default "_type") and keyed by the primary index sort key, typically
// derived from a template such as "${_type}#${id}".
//
//	{
//	    "params": { "timestamps": true },
//	    "indexes": { "primary": { "hash": "realm", "sort": "key" } },
//	    "models": {
//	        "User": {
//	            "key":      { "type": "string", "value": "${_type}#${id}" },
//	            "id":       { "type": "string", "generate": "ulid" },
//	            "username": { "type": "string", "required": true },
//	            "role":     { "type": "string", "enum": ["user", "admin"] },
//	        },
//	    },
//	}
//
// # Durability
//
// Every persisted mutation is appended to a binary journal and flushed
// before it is reported committed. A full snapshot save flattens the index
// to disk (atomic rename) and truncates the journal; saves happen on demand
// (Save), and automatically when the journal passes its size or age
// threshold. On Open, an unflushed journal is replayed through the normal
// operations, so a crash loses nothing that was committed.
//
// Models (or single calls) may instead batch journal writes behind a commit
// delay, or skip persistence entirely for in-memory working state.
//
// # Concurrency
//
// A DB serializes all operations with an internal mutex. Callbacks run
// synchronously on the mutating goroutine. The commit-delay timer drives
// [DB.Tick]; embedders with their own scheduler may call it directly.
package jsondb
