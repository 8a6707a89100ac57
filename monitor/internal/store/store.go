// Package store provides the data access layer for monitoring tasks, their
// append-only event history, and content snapshots.
//
// The store owns all task mutation: no other component holds a mutable
// reference to a Task. Every write is a single transaction, so a crash
// mid-cycle leaves the database consistent with some prefix of that cycle's
// checks having completed.
package store

import (
	"database/sql"
	"errors"

	"github.com/hazyhaar/dataspy/idgen"
)

// ErrDuplicateTask is returned when adding a task whose id already exists.
var ErrDuplicateTask = errors.New("store: task id already exists")

// ErrTaskNotFound is returned when a task id does not exist.
var ErrTaskNotFound = errors.New("store: task not found")

// Store wraps the dataspy database.
type Store struct {
	DB         *sql.DB
	newEventID idgen.Generator
	newSnapID  idgen.Generator
}

// Option configures a Store.
type Option func(*Store)

// WithEventIDGenerator overrides the event ID generator (tests).
func WithEventIDGenerator(gen idgen.Generator) Option {
	return func(s *Store) { s.newEventID = gen }
}

// NewStore creates a Store from an already-opened database connection.
func NewStore(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		DB:         db,
		newEventID: idgen.Prefixed("evt_", idgen.Default),
		newSnapID:  idgen.Prefixed("snap_", idgen.Default),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}
