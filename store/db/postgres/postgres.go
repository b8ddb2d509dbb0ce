package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	// Import the PostgreSQL driver.
	_ "github.com/lib/pq"

	"github.com/dialogstack/conductor/internal/profile"
	"github.com/dialogstack/conductor/store"
)

type DB struct {
	db      *sql.DB
	profile *profile.Profile
}

// NewDB opens a PostgreSQL connection pool for the profile's DSN.
func NewDB(profile *profile.Profile) (store.Driver, error) {
	if profile.DSN == "" {
		return nil, errors.New("dsn required")
	}

	pgDB, err := sql.Open("postgres", profile.DSN)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open db with dsn: %s", profile.DSN)
	}

	pgDB.SetMaxOpenConns(16)
	pgDB.SetMaxIdleConns(4)

	driver := DB{db: pgDB, profile: profile}

	return &driver, nil
}

func (d *DB) GetDB() *sql.DB {
	return d.db
}

func (d *DB) Close() error {
	return d.db.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS dialogs (
	id TEXT PRIMARY KEY,
	user_external_id TEXT NOT NULL,
	channel_type TEXT NOT NULL,
	active BOOLEAN NOT NULL DEFAULT TRUE,
	date_start TIMESTAMPTZ NOT NULL,
	date_finish TIMESTAMPTZ,
	attributes JSONB NOT NULL DEFAULT '{}',
	rating DOUBLE PRECISION
);

CREATE INDEX IF NOT EXISTS idx_dialogs_user_active ON dialogs (user_external_id, active);

CREATE TABLE IF NOT EXISTS utterances (
	utt_id TEXT PRIMARY KEY,
	dialog_id TEXT NOT NULL,
	in_dialog_id INTEGER NOT NULL,
	kind TEXT NOT NULL,
	body JSONB NOT NULL,
	rating DOUBLE PRECISION,
	UNIQUE (dialog_id, in_dialog_id)
);
`

func (d *DB) Migrate(ctx context.Context) error {
	if _, err := d.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate postgres schema: %w", err)
	}
	return nil
}

// placeholder returns the numbered parameter marker, e.g. $3.
func placeholder(n int) string {
	return fmt.Sprintf("$%d", n)
}

// placeholders returns markers $1..$n joined by commas.
func placeholders(n int) string {
	list := make([]string, n)
	for i := range list {
		list[i] = placeholder(i + 1)
	}
	return strings.Join(list, ", ")
}
