// Package db opens the database connections behind the stores: SQLite with
// a single-writer/multi-reader split, or PostgreSQL through pgx.
package db

import "github.com/jmoiron/sqlx"

// Pool pairs the write and read connection pools. On SQLite the two sides
// are distinct (one writer connection, several read-only ones); on Postgres
// both methods return the same underlying pool.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// NewPool builds a Pool. Passing the same *sqlx.DB for both sides is valid.
func NewPool(writer, reader *sqlx.DB) *Pool {
	return &Pool{writer: writer, reader: reader}
}

// Writer returns the pool for statements that mutate or run transactions.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader returns the pool for SELECT queries.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// Close closes both sides, once when they are shared.
func (p *Pool) Close() error {
	err := p.writer.Close()
	if p.reader != p.writer {
		if rerr := p.reader.Close(); rerr != nil && err == nil {
			err = rerr
		}
	}
	return err
}
