package db

import (
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const (
	defaultPostgresMaxConns = 25
	defaultPostgresMinConns = 5
)

// OpenPostgres opens the Postgres backend through the pgx stdlib driver.
// Unlike SQLite there is no writer/reader split here: the caller hands the
// same handle to both sides of the Pool. The connection is pinged so a bad
// DSN fails at startup rather than on the first lease request.
func OpenPostgres(dsn string, maxConns, minConns int) (*sql.DB, error) {
	pg, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}

	if maxConns <= 0 {
		maxConns = defaultPostgresMaxConns
	}
	if minConns <= 0 {
		minConns = defaultPostgresMinConns
	}
	pg.SetMaxOpenConns(maxConns)
	pg.SetMaxIdleConns(minConns)

	if err := pg.Ping(); err != nil {
		_ = pg.Close()
		return nil, fmt.Errorf("failed to ping postgres database: %w", err)
	}

	return pg, nil
}
