package store

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	sqlite3 "github.com/mattn/go-sqlite3"
)

var (
	// ErrSessionNotFound is returned when no session exists for the given id.
	ErrSessionNotFound = errors.New("session not found")
	// ErrMessageNotFound is returned when no message matches the lookup.
	ErrMessageNotFound = errors.New("message not found")
	// ErrRunNotFound is returned when a session has no recorded agent run.
	ErrRunNotFound = errors.New("agent run not found")

	// ErrDuplicateMessage indicates the message id was already recorded.
	// Callers treat this as an idempotent replay.
	ErrDuplicateMessage = errors.New("message already recorded")
	// ErrDuplicateSeq indicates the sequence number was claimed by a
	// concurrent writer. Callers retry with a fresh sequence.
	ErrDuplicateSeq = errors.New("message sequence already taken")
)

// Unique constraints on session_messages, named in the DDL so Postgres
// reports them back by name on violation.
const (
	messagePKConstraint  = "session_messages_pkey"
	messageSeqConstraint = "session_messages_seq_key"
)

// pgUniqueViolation is the SQLSTATE for unique-constraint failures.
const pgUniqueViolation = "23505"

// isUniqueViolation reports whether err is a unique-constraint failure on
// the named constraint. The Postgres error carries the constraint name but
// not the columns; SQLite carries neither, so its extended result code is
// used to tell the table's primary key apart from its one plain unique
// constraint.
func isUniqueViolation(err error, constraint string, sqliteCode sqlite3.ErrNoExtended) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation && pgErr.ConstraintName == constraint
	}
	var sqErr sqlite3.Error
	if errors.As(err, &sqErr) {
		return sqErr.Code == sqlite3.ErrConstraint && sqErr.ExtendedCode == sqliteCode
	}
	return false
}
