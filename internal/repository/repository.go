package repository

import (
	"context"
	"time"

	"github.com/cuongbtq/battle-orchestrator/shared/database"
	"github.com/jmoiron/sqlx"
)

// Migrate creates the domain tables
func Migrate(ctx context.Context, db *sqlx.DB) error {
	return database.Migrate(ctx, db, Schema...)
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

// lockClause returns the row lock suffix for a read-before-write select
func lockClause(dialect database.Dialect) string {
	if dialect == database.DialectPostgres {
		return " FOR UPDATE"
	}
	return ""
}
