package store

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"

	"github.com/jackc/pgx/v5"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/stellarlinkco/chatsum/internal/log"
)

type postgresDialect struct{}

func openPostgres(dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("store: postgres dsn is required")
	}
	dsn = normalizePostgresDSN(dsn)
	if _, err := pgx.ParseConfig(dsn); err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// normalizePostgresDSN escapes a raw '@' inside the password of a URL DSN.
func normalizePostgresDSN(dsn string) string {
	if !strings.HasPrefix(dsn, "postgres://") && !strings.HasPrefix(dsn, "postgresql://") {
		return dsn
	}
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return dsn
	}
	pass, ok := u.User.Password()
	if !ok || !strings.Contains(pass, "@") {
		return dsn
	}
	log.Infof("[store] escaped postgres password in dsn")
	return u.String()
}

func (postgresDialect) name() string { return "postgres" }

func (postgresDialect) rebind(query string) string { return rebindDollar(query) }

func (postgresDialect) upsert() string {
	return `INSERT INTO chat_records
		(msgid, sessionid, sessionname, userid, username, content, type, timestamp, is_triggered)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (sessionid, msgid) DO UPDATE SET
		sessionname = EXCLUDED.sessionname, userid = EXCLUDED.userid, username = EXCLUDED.username,
		content = EXCLUDED.content, type = EXCLUDED.type, timestamp = EXCLUDED.timestamp,
		is_triggered = EXCLUDED.is_triggered`
}

func (postgresDialect) migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS chat_records (
		msgid BIGINT NOT NULL,
		sessionid TEXT NOT NULL,
		sessionname TEXT,
		userid TEXT,
		username TEXT,
		content TEXT,
		type TEXT,
		timestamp BIGINT,
		is_triggered INTEGER DEFAULT 0,
		PRIMARY KEY (sessionid, msgid)
	)`); err != nil {
		return fmt.Errorf("create table: %w", err)
	}

	rows, err := db.QueryContext(ctx,
		`SELECT column_name, data_type FROM information_schema.columns WHERE table_name = $1`, tableName)
	if err != nil {
		return fmt.Errorf("list columns: %w", err)
	}
	cols := make(map[string]string)
	for rows.Next() {
		var name, dataType string
		if err := rows.Scan(&name, &dataType); err != nil {
			rows.Close()
			return fmt.Errorf("scan column: %w", err)
		}
		cols[name] = strings.ToLower(dataType)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate columns: %w", err)
	}

	if t, ok := cols["msgid"]; ok && t != "bigint" {
		if _, err := db.ExecContext(ctx, "ALTER TABLE chat_records ALTER COLUMN msgid TYPE BIGINT"); err != nil {
			return fmt.Errorf("widen msgid: %w", err)
		}
		log.Infof("[store] widened chat_records.msgid to BIGINT")
	}
	for _, col := range []string{"sessionname", "userid", "username"} {
		if _, ok := cols[col]; ok {
			continue
		}
		if _, err := db.ExecContext(ctx, fmt.Sprintf("ALTER TABLE chat_records ADD COLUMN %s TEXT", col)); err != nil {
			return fmt.Errorf("add column %s: %w", col, err)
		}
		log.Infof("[store] added column %s", col)
	}
	if _, ok := cols["is_triggered"]; !ok {
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
