package repository

import (
	"context"
	"database/sql"

	"github.com/doclift/doclift/internal/common"
)

// schemaSQL is portable across sqlite and postgres.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS jobs (
    id          VARCHAR(64)  PRIMARY KEY,
    name        VARCHAR(255) NOT NULL,
    task_id     VARCHAR(64)  NOT NULL,
    task_state  VARCHAR(16)  NOT NULL,
    metadata    TEXT         NOT NULL DEFAULT '',
    link        TEXT         NOT NULL DEFAULT '',
    created_at  TIMESTAMP    NOT NULL
);
`

// Migrate creates the jobs table when it does not exist yet.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return common.WrapError(err, "apply schema")
	}
	return nil
}
