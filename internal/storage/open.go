package storage

import (
	"context"
	"strings"
)

// Open returns a PostgresStore for postgres:// URLs and a SQLiteStore for
// anything else, which is treated as a file path.
func Open(ctx context.Context, databaseURL string) (Store, error) {
	if IsPostgresURL(databaseURL) {
		return NewPostgresStore(ctx, databaseURL)
	}
	return OpenSQLite(databaseURL)
}

func IsPostgresURL(databaseURL string) bool {
	lower := strings.ToLower(strings.TrimSpace(databaseURL))
	return strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://")
}
