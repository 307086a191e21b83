// Package dialect provides SQL fragment helpers for the SQLite/PostgreSQL
// seam. Driver names double as dialect identifiers.
package dialect

const (
	SQLite3 = "sqlite3"
	PGX     = "pgx"
)

// IsPostgres reports whether the driver is the pgx PostgreSQL driver.
func IsPostgres(driver string) bool {
	return driver == PGX
}

// Like returns the case-insensitive LIKE operator for the driver. SQLite's
// plain LIKE already ignores ASCII case; Postgres needs ILIKE.
func Like(driver string) string {
	if IsPostgres(driver) {
		return "ILIKE"
	}
	return "LIKE"
}
