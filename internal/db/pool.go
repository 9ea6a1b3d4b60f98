package db

import "github.com/jmoiron/sqlx"

// Pool splits database access into a write side and a read side.
//
// The store sends all mutations (task creation, lease transitions, version
// inserts) through Writer and everything else through Reader. On SQLite that
// maps to the single-connection writer and the read-only pool; on Postgres
// both sides are the same *sqlx.DB because pgx pools internally.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// NewPool builds a Pool from the writer and reader handles. Passing the same
// handle for both is valid and treated as a shared pool on Close.
func NewPool(writer, reader *sqlx.DB) *Pool {
	return &Pool{writer: writer, reader: reader}
}

// Writer returns the handle for mutations and transactions.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader returns the handle for queries. On SQLite these connections read
// WAL snapshots and never block the writer.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// Close closes both sides, closing a shared handle only once.
func (p *Pool) Close() error {
	wErr := p.writer.Close()
	if p.reader != p.writer {
		if rErr := p.reader.Close(); rErr != nil && wErr == nil {
			return rErr
		}
	}
	return wErr
}
