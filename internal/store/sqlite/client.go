// Package sqlite implements the position ledger and audit log on a local
// SQLite database (modernc.org/sqlite, no cgo).
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS positions (
    id              TEXT PRIMARY KEY,
    symbol          TEXT    NOT NULL,
    side            TEXT    NOT NULL CHECK (side IN ('LONG', 'SHORT')),
    status          TEXT    NOT NULL CHECK (status IN ('PENDING', 'OPEN', 'CLOSED_PROFIT', 'CLOSED_ABORTED')),
    avg_entry_price TEXT    NOT NULL DEFAULT '0',
    base_qty        TEXT    NOT NULL DEFAULT '0',
    initial_qty     TEXT    NOT NULL DEFAULT '0',
    quote_spent     TEXT    NOT NULL DEFAULT '0',
    dca_count       INTEGER NOT NULL DEFAULT 0,
    tp_order_id     TEXT,
    tp_price        TEXT,
    created_at      INTEGER NOT NULL,
    updated_at      INTEGER NOT NULL,
    closed_at       INTEGER
);

CREATE UNIQUE INDEX IF NOT EXISTS positions_active_symbol_idx
    ON positions (symbol) WHERE status IN ('PENDING', 'OPEN');

CREATE TABLE IF NOT EXISTS position_orders (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    position_id     TEXT    NOT NULL REFERENCES positions (id),
    order_id        TEXT    NOT NULL,
    client_order_id TEXT    NOT NULL DEFAULT '',
    symbol          TEXT    NOT NULL,
    kind            TEXT    NOT NULL,
    side            TEXT    NOT NULL,
    price           TEXT    NOT NULL DEFAULT '0',
    qty             TEXT    NOT NULL DEFAULT '0',
    status          TEXT    NOT NULL,
    created_at      INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS position_orders_position_idx ON position_orders (position_id);

CREATE TABLE IF NOT EXISTS audit_log (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    event       TEXT    NOT NULL,
    position_id TEXT    NOT NULL DEFAULT '',
    symbol      TEXT    NOT NULL DEFAULT '',
    detail      TEXT    NOT NULL DEFAULT '{}',
    created_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS engine_state (
    key        TEXT PRIMARY KEY,
    value      BLOB    NOT NULL,
    updated_at INTEGER NOT NULL
);
`

// auditColumns were added after the first release; older files get them
// through ALTER TABLE.
var auditColumns = []struct{ name, ddl string }{
	{"position_id", "TEXT NOT NULL DEFAULT ''"},
	{"symbol", "TEXT NOT NULL DEFAULT ''"},
}

// Client wraps the SQL handle.
type Client struct {
	db *sql.DB
}

// New opens (and creates if needed) the SQLite database at path and applies
// the schema. Use ":memory:" for a throwaway database.
func New(ctx context.Context, path string) (*Client, error) {
	if path == "" {
		return nil, errors.New("sqlite: database path is empty")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("sqlite: create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// A single connection serializes writers and keeps :memory: databases
	// alive for the life of the handle.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	c := &Client{db: db}
	if err := c.migrate(ctx, path != ":memory:"); err != nil {
		_ = db.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) migrate(ctx context.Context, wal bool) error {
	if _, err := c.db.ExecContext(ctx, `PRAGMA busy_timeout = 5000`); err != nil {
		return fmt.Errorf("sqlite: busy_timeout: %w", err)
	}
	if wal {
		if _, err := c.db.ExecContext(ctx, `PRAGMA journal_mode = WAL`); err != nil {
			return fmt.Errorf("sqlite: journal_mode: %w", err)
		}
	}
	if _, err := c.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("sqlite: apply schema: %w", err)
	}
	for _, col := range auditColumns {
		if err := c.ensureColumn(ctx, "audit_log", col.name, col.ddl); err != nil {
			return err
		}
	}
	const index = `CREATE INDEX IF NOT EXISTS audit_log_position_idx ON audit_log (position_id, created_at)`
	if _, err := c.db.ExecContext(ctx, index); err != nil {
		return fmt.Errorf("sqlite: create audit index: %w", err)
	}
	return nil
}

func (c *Client) ensureColumn(ctx context.Context, table, column, ddl string) error {
	rows, err := c.db.QueryContext(ctx, `SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return fmt.Errorf("sqlite: inspect %s: %w", table, err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return fmt.Errorf("sqlite: inspect %s: %w", table, err)
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("sqlite: inspect %s: %w", table, err)
	}
	rows.Close()

	stmt := fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`, table, column, ddl)
	if _, err := c.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("sqlite: add %s.%s: %w", table, column, err)
	}
	return nil
}

// DB returns the underlying handle.
func (c *Client) DB() *sql.DB {
	return c.db
}

// Ping checks that the database file is still usable.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.db.PingContext(ctx); err != nil {
		return fmt.Errorf("sqlite: ping: %w", err)
	}
	return nil
}

// Close releases the underlying DB handle.
func (c *Client) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
