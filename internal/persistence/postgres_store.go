package persistence

import "database/sql"

var postgresDialect = dialect{
	name: "postgres",
	blob: "BYTEA",
	bind: rebindDollar,
}

// NewPostgresStore initializes the required schema in the given database
// and returns a Store backed by PostgreSQL.
//
// The caller is responsible for:
//   - importing the driver for its side effects, e.g.:
//     _ "github.com/jackc/pgx/v5/stdlib"
//   - providing a DSN via sql.Open.
func NewPostgresStore(db *sql.DB) (*SQLStore, error) {
	return newSQLStore(db, postgresDialect)
}
