// Package store defines the contract the boop counter needs from its durable
// reactive database: a JSON tree with reads, writes, server-assigned push
// keys, atomic numeric adds and child/value subscriptions. Two backends ship:
// an in-process tree (tests, dev mode) and a NATS JetStream Key-Value bucket.
package store

import (
	"context"
	"encoding/json"
	"strings"
)

// Persisted layout.
//
//	gbc                      : integer >= 0
//	bph/<clientId>/<pushKey> : [validUntil, change]
const (
	GBCPath = "gbc"
	BPHRoot = "bph"
)

// BPHPath is the subtree holding one client's hourly ledger entries.
func BPHPath(clientID string) string {
	return BPHRoot + "/" + clientID
}

// EntryPath addresses a single ledger entry.
func EntryPath(clientID, key string) string {
	return BPHRoot + "/" + clientID + "/" + key
}

// SplitPath breaks a slash path into segments.
func SplitPath(path string) []string {
	return strings.Split(strings.Trim(path, "/"), "/")
}

// Unsubscribe tears down a subscription. Safe to call more than once.
type Unsubscribe func()

// ChildAddedFunc receives an immediate child that appeared under the
// subscribed path. Subscribing replays the children already present.
type ChildAddedFunc func(key string, value json.RawMessage)

// ChildRemovedFunc receives the key of a removed immediate child.
type ChildRemovedFunc func(key string)

// ValueFunc receives the new value at the subscribed path; nil means the
// value was removed.
type ValueFunc func(value json.RawMessage)

// Store is the adapter contract. All operations may fail; per the error
// design every failure is non-fatal to a running session and handled at the
// call site.
type Store interface {
	// Get reads the value at path; a nil RawMessage means absent.
	Get(ctx context.Context, path string) (json.RawMessage, error)

	// Set writes a value at path, replacing any subtree beneath it.
	Set(ctx context.Context, path string, v any) error

	// Push appends v under path with a server-assigned, roughly time-ordered
	// unique key and returns that key.
	Push(ctx context.Context, path string, v any) (string, error)

	// Remove deletes the value or subtree at path.
	Remove(ctx context.Context, path string) error

	// AtomicAdd increments the numeric leaf at path by delta, treating an
	// absent leaf as zero, and returns the new value.
	AtomicAdd(ctx context.Context, path string, delta int64) (int64, error)

	// Subscribe watches the immediate children of path.
	Subscribe(path string, onAdded ChildAddedFunc, onRemoved ChildRemovedFunc) (Unsubscribe, error)

	// SubscribeValue watches the value at path.
	SubscribeValue(path string, onChange ValueFunc) (Unsubscribe, error)
}

// Session is a signed-in store handle. Sessions are per-connection (and one
// per janitor run); Close releases the backend resources.
type Session interface {
	Store
	Close(ctx context.Context) error
}

// Connector opens store sessions. The credential collaborator sits in front
// of it and supplies the token.
type Connector interface {
	Signin(ctx context.Context, token string) (Session, error)
}
