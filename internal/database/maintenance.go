package database

import (
	"context"
	"fmt"
	"time"
)

// PurgeOlderThan deletes rows older than the given retention period.
// Table, column and filter are hardcoded by callers (not user input); an
// empty filter matches every row.
func (db *DB) PurgeOlderThan(ctx context.Context, table, timeColumn string, retention time.Duration, filter string) (int64, error) {
	if filter == "" {
		filter = "TRUE"
	}
	query := fmt.Sprintf(
		`DELETE FROM %s WHERE %s < $1 AND (%s)`,
		table, timeColumn, filter,
	)
	tag, err := db.Pool.Exec(ctx, query, db.now().Add(-retention))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
