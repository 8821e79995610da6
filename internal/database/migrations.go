package database

import (
	"context"
	"fmt"
	"strings"
)

type migration struct {
	name  string
	sql   string
	check string // returns true once the change is in place
}

// migrations are layered on top of schema.sql and run in order on every
// start, so each statement must be a no-op when re-run.
var migrations = []migration{
	{
		name:  "add jobs.engine",
		sql:   `ALTER TABLE jobs ADD COLUMN IF NOT EXISTS engine text`,
		check: `SELECT EXISTS (SELECT 1 FROM information_schema.columns WHERE table_name = 'jobs' AND column_name = 'engine')`,
	},
	{
		name:  "add detached jobs completion index",
		sql:   `CREATE INDEX IF NOT EXISTS idx_jobs_detached_completed ON jobs (completed_at) WHERE upload_id IS NULL`,
		check: `SELECT EXISTS (SELECT 1 FROM pg_indexes WHERE indexname = 'idx_jobs_detached_completed')`,
	},
	{
		name:  "create feedback",
		sql:   createFeedbackSQL,
		check: `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = 'feedback')`,
	},
	{
		name:  "add feedback creation index",
		sql:   `CREATE INDEX IF NOT EXISTS idx_feedback_created_at ON feedback (created_at)`,
		check: `SELECT EXISTS (SELECT 1 FROM pg_indexes WHERE indexname = 'idx_feedback_created_at')`,
	},
}

const createFeedbackSQL = `CREATE TABLE IF NOT EXISTS feedback (
    id               uuid PRIMARY KEY,
    rating           int         NOT NULL CHECK (rating BETWEEN 1 AND 5),
    accuracy         int         CHECK (accuracy BETWEEN 1 AND 5),
    usability        int         CHECK (usability BETWEEN 1 AND 5),
    speed            int         CHECK (speed BETWEEN 1 AND 5),
    comment          text        NOT NULL,
    profession       text,
    use_case         text,
    would_recommend  boolean     NOT NULL DEFAULT false,
    allow_contact    boolean     NOT NULL DEFAULT false,
    email            text,
    transcription_id uuid REFERENCES jobs (id) ON DELETE SET NULL,
    user_agent       text,
    ip_address       text,
    created_at       timestamptz NOT NULL DEFAULT now()
)`

// Migrate brings an existing database up to date. Changes whose check
// reports them present are skipped. The first statement that fails stops
// the run; scribe cannot serve requests against a stale schema, so callers
// should abort startup on error.
func (db *DB) Migrate(ctx context.Context) error {
	var pending []migration
	for _, m := range migrations {
		if m.check != "" {
			var done bool
			if err := db.Pool.QueryRow(ctx, m.check).Scan(&done); err == nil && done {
				continue
			}
		}
		pending = append(pending, m)
	}
	if len(pending) == 0 {
		return nil
	}

	for i, m := range pending {
		if _, err := db.Pool.Exec(ctx, m.sql); err != nil {
			return &MigrationError{failed: m, pending: pending[i:], err: err}
		}
		db.log.Info().Str("migration", m.name).Msg("schema migration applied")
	}
	db.log.Info().Int("applied", len(pending)).Msg("schema up to date")
	return nil
}

// MigrationError reports a schema change the service account could not
// make, along with every statement still outstanding so an operator can
// apply them by hand.
type MigrationError struct {
	failed  migration
	pending []migration
	err     error
}

func (e *MigrationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "schema upgrade stopped at %q: %v\n", e.failed.name, e.err)
	fmt.Fprintf(&b, "%d change(s) outstanding. Apply them with an account that owns the scribe tables:\n", len(e.pending))
	for _, m := range e.pending {
		fmt.Fprintf(&b, "\n-- %s\n%s;\n", m.name, m.sql)
	}
	b.WriteString("\nscribe will finish the upgrade on its next start.")
	return b.String()
}

func (e *MigrationError) Unwrap() error { return e.err }
