package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
)

type mysqlDialect struct{}

func openMySQL(dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("store: mysql dsn is required")
	}
	normalized, err := normalizeMySQLDSN(dsn)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("mysql", normalized)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}
	return db, nil
}

// normalizeMySQLDSN forces utf8mb4 so emoji in chat content survive.
func normalizeMySQLDSN(dsn string) (string, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("parse mysql dsn: %w", err)
	}
	if strings.Contains(dsn, "charset=") {
		return cfg.FormatDSN(), nil
	}
	if cfg.Params == nil {
		cfg.Params = map[string]string{}
	}
	cfg.Params["charset"] = "utf8mb4"
	return cfg.FormatDSN(), nil
}

func (mysqlDialect) name() string { return "mysql" }

func (mysqlDialect) rebind(query string) string { return query }

func (mysqlDialect) upsert() string {
	return `INSERT INTO chat_records
		(msgid, sessionid, sessionname, userid, username, content, type, timestamp, is_triggered)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
		sessionname = VALUES(sessionname), userid = VALUES(userid), username = VALUES(username),
		content = VALUES(content), type = VALUES(type), timestamp = VALUES(timestamp),
		is_triggered = VALUES(is_triggered)`
}

func (mysqlDialect) migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS chat_records (
		msgid BIGINT NOT NULL,
		sessionid VARCHAR(191) NOT NULL,
		sessionname VARCHAR(255),
		userid VARCHAR(191),
		username VARCHAR(255),
		content LONGTEXT,
		type VARCHAR(32),
		timestamp BIGINT,
		is_triggered TINYINT DEFAULT 0,
		PRIMARY KEY (sessionid, msgid),
		KEY idx_chat_records_session_ts (sessionid, timestamp)
	) DEFAULT CHARSET=utf8mb4`); err != nil {
		return fmt.Errorf("create table: %w", err)
	}

	rows, err := db.QueryContext(ctx,
		`SELECT column_name FROM information_schema.columns WHERE table_schema = DATABASE() AND table_name = ?`, tableName)
	if err != nil {
		return fmt.Errorf("list columns: %w", err)
	}
	cols := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return fmt.Errorf("scan column: %w", err)
		}
		cols[name] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate columns: %w", err)
	}

	adds := []struct{ col, def string }{
		{"sessionname", "VARCHAR(255)"},
		{"userid", "VARCHAR(191)"},
		{"username", "VARCHAR(255)"},
		{"is_triggered", "TINYINT DEFAULT 0"},
	}
	for _, a := range adds {
		if cols[a.col] {
			continue
		}
		if _, err := db.ExecContext(ctx, fmt.Sprintf("ALTER TABLE chat_records ADD COLUMN %s %s", a.col, a.def)); err != nil {
			return fmt.Errorf("add column %s: %w", a.col, err)
		}
	}
	return nil
}
