package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

type sqliteDialect struct{}

func openSQLite(path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("store: sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	// busy_timeout is per connection, so it rides on the DSN for every pooled conn.
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite pragma journal_mode: %w", err)
	}
	return db, nil
}

func (sqliteDialect) name() string { return "sqlite" }

func (sqliteDialect) rebind(query string) string { return query }

func (sqliteDialect) upsert() string {
	return `INSERT OR REPLACE INTO chat_records
		(msgid, sessionid, sessionname, userid, username, content, type, timestamp, is_triggered)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
}

func (sqliteDialect) migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS chat_records (
		msgid INTEGER,
		sessionid TEXT,
		sessionname TEXT,
		userid TEXT,
		username TEXT,
		content TEXT,
		type TEXT,
		timestamp INTEGER,
		is_triggered INTEGER,
		PRIMARY KEY (sessionid, msgid)
	)`); err != nil {
		return fmt.Errorf("create table: %w", err)
	}

	cols, err := sqliteColumns(ctx, db)
	if err != nil {
		return err
	}
	for _, col := range []string{"sessionname", "userid", "username"} {
		if cols[col] {
			continue
		}
		if _, err := db.ExecContext(ctx, fmt.Sprintf("ALTER TABLE chat_records ADD COLUMN %s TEXT", col)); err != nil {
			return fmt.Errorf("add column %s: %w", col, err)
		}
	}
	if !cols["is_triggered"] {
		if _, err := db.ExecContext(ctx, "ALTER TABLE chat_records ADD COLUMN is_triggered INTEGER DEFAULT 0"); err != nil {
			return fmt.Errorf("add column is_triggered: %w", err)
		}
		if _, err := db.ExecContext(ctx, "UPDATE chat_records SET is_triggered = 0"); err != nil {
			return fmt.Errorf("backfill is_triggered: %w", err)
		}
	}

	if _, err := db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_chat_records_session_ts ON chat_records(sessionid, timestamp)`); err != nil {
		return fmt.Errorf("create index: %w", err)
	}
	return nil
}

func sqliteColumns(ctx context.Context, db *sql.DB) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, "PRAGMA table_info(chat_records)")
	if err != nil {
		return nil, fmt.Errorf("table info: %w", err)
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var (
			cid       int
			name      string
			colType   string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dfltValue, &pk); err != nil {
			return nil, fmt.Errorf("scan table info: %w", err)
		}
		cols[name] = true
	}
	return cols, rows.Err()
}
