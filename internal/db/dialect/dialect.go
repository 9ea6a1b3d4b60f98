// Package dialect centralizes the SQL fragments that differ between the
// SQLite and Postgres backends so store queries can be written once.
package dialect

import "fmt"

// Driver names as registered with database/sql.
const (
	SQLite3 = "sqlite3"
	PGX     = "pgx"
)

// IsPostgres reports whether the driver is the pgx Postgres driver.
func IsPostgres(driver string) bool {
	return driver == PGX
}

// Like returns the case-insensitive pattern-match operator for the driver.
// SQLite LIKE is case-insensitive for ASCII by default; Postgres needs ILIKE.
func Like(driver string) string {
	if IsPostgres(driver) {
		return "ILIKE"
	}
	return "LIKE"
}

// NowMinusHours builds the expression "current time minus N hours" where
// hoursExpr is a column, placeholder, or literal producing the hour count.
// The reclaimer uses this to find leases older than the staleness threshold.
func NowMinusHours(driver, hoursExpr string) string {
	if IsPostgres(driver) {
		return fmt.Sprintf("NOW() - (%s || ' hours')::interval", hoursExpr)
	}
	return fmt.Sprintf("datetime('now', '-' || %s || ' hours')", hoursExpr)
}

// JSONExtract builds the expression that pulls one top-level key out of a
// JSON text column, used for metadata filters on task updates.
func JSONExtract(driver, col, path string) string {
	if IsPostgres(driver) {
		return fmt.Sprintf("%s::jsonb->>'%s'", col, path)
	}
	return fmt.Sprintf("json_extract(%s, '$.%s')", col, path)
}
