// Package store persists chat records keyed by (session, message id).
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/stellarlinkco/chatsum/internal/log"
)

const (
	TypeText    = "TEXT"
	TypeImage   = "IMAGE"
	TypeVoice   = "VOICE"
	TypeExplain = "EXPLAIN"

	// DefaultLimit caps a query when the caller passes no limit.
	DefaultLimit = 9999

	tableName = "chat_records"
)

var ErrClosed = errors.New("store: closed")

// Record is one stored chat message.
type Record struct {
	SessionID   string
	SessionName string
	MsgID       int64
	SenderID    string
	Sender      string
	Content     string
	Type        string
	Timestamp   int64
	IsTriggered bool
}

// Query selects records newer than Since for one session.
type Query struct {
	SessionID string
	Since     int64
	Limit     int
	// Group forces group filtering; nil detects it from the stored session name.
	Group *bool
}

// SessionInfo summarizes one stored session.
type SessionInfo struct {
	ID      string
	Name    string
	Records int64
	Last    int64
}

type Config struct {
	Driver string // sqlite | postgres | mysql
	DSN    string
	Path   string
}

type dialect interface {
	name() string
	migrate(ctx context.Context, db *sql.DB) error
	upsert() string
	rebind(query string) string
}

type Store struct {
	db *sql.DB
	d  dialect
	mu sync.Mutex // serializes writes

	closeOnce sync.Once
	closed    bool
}

// Open connects to the configured backend and runs migrations.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	var (
		db  *sql.DB
		d   dialect
		err error
	)
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "sqlite":
		db, err = openSQLite(cfg.Path)
		d = sqliteDialect{}
	case "postgres", "postgresql":
		db, err = openPostgres(cfg.DSN)
		d = postgresDialect{}
	case "mysql":
		db, err = openMySQL(cfg.DSN)
		d = mysqlDialect{}
	default:
		return nil, fmt.Errorf("store: unsupported driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	s, err := newStore(ctx, db, d)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Infof("[store] using %s backend", d.name())
	return s, nil
}

// NewWithDB wraps an already opened handle. driver picks the SQL dialect.
func NewWithDB(ctx context.Context, db *sql.DB, driver string) (*Store, error) {
	var d dialect
	switch driver {
	case "sqlite":
		d = sqliteDialect{}
	case "postgres":
		d = postgresDialect{}
	case "mysql":
		d = mysqlDialect{}
	default:
		return nil, fmt.Errorf("store: unsupported driver %q", driver)
	}
	return newStore(ctx, db, d)
}

func newStore(ctx context.Context, db *sql.DB, d dialect) (*Store, error) {
	if err := d.migrate(ctx, db); err != nil {
		return nil, fmt.Errorf("migrate %s: %w", d.name(), err)
	}
	return &Store{db: db, d: d}, nil
}

func (s *Store) Driver() string { return s.d.name() }

func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		err = s.db.Close()
	})
	return err
}

// Insert stores rec, replacing any record with the same session and message id.
func (s *Store) Insert(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	triggered := 0
	if rec.IsTriggered {
		triggered = 1
	}
	_, err := s.db.ExecContext(ctx, s.d.upsert(),
		rec.MsgID, rec.SessionID, nullString(rec.SessionName), nullString(rec.SenderID),
		nullString(rec.Sender), rec.Content, rec.Type, rec.Timestamp, triggered,
	)
	if err != nil {
		log.Errorf("[store] insert %s/%d failed: %v", rec.SessionID, rec.MsgID, err)
		return fmt.Errorf("insert record: %w", err)
	}
	log.Debugf("[store] upsert %s/%d type=%s triggered=%d", rec.SessionID, rec.MsgID, rec.Type, triggered)
	return nil
}

// Query returns records ordered newest first. Group sessions never include
// triggered records.
func (s *Store) Query(ctx context.Context, q Query) ([]Record, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}

	group := false
	if q.Group != nil {
		group = *q.Group
	} else {
		detected, err := s.IsGroupSession(ctx, q.SessionID)
		if err != nil {
			return nil, err
		}
		group = detected
	}

	query := `SELECT msgid, sessionid, sessionname, userid, username, content, type, timestamp, is_triggered
		FROM chat_records WHERE sessionid = ? AND timestamp > ?`
	if group {
		query += ` AND is_triggered = 0`
	}
	query += ` ORDER BY timestamp DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, s.d.rebind(query), q.SessionID, q.Since, limit)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return out, nil
}

// IsGroupSession treats a session with a stored session name as a group.
func (s *Store) IsGroupSession(ctx context.Context, sessionID string) (bool, error) {
	var name sql.NullString
	err := s.db.QueryRowContext(ctx,
		s.d.rebind(`SELECT sessionname FROM chat_records WHERE sessionid = ? AND sessionname IS NOT NULL AND sessionname <> '' LIMIT 1`),
		sessionID,
	).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("detect group session: %w", err)
	}
	return name.Valid && name.String != "", nil
}

func (s *Store) HasSession(ctx context.Context, sessionID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		s.d.rebind(`SELECT 1 FROM chat_records WHERE sessionid = ? LIMIT 1`), sessionID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check session: %w", err)
	}
	return true, nil
}

// ResolveSession maps a session id or a stored session name to a session id.
func (s *Store) ResolveSession(ctx context.Context, nameOrID string) (string, bool, error) {
	ok, err := s.HasSession(ctx, nameOrID)
	if err != nil || ok {
		return nameOrID, ok, err
	}

	var id string
	err = s.db.QueryRowContext(ctx,
		s.d.rebind(`SELECT sessionid FROM chat_records WHERE sessionname = ? ORDER BY timestamp DESC LIMIT 1`), nameOrID,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("resolve session: %w", err)
	}
	return id, true, nil
}

// Sessions lists stored sessions, most recently active first.
func (s *Store) Sessions(ctx context.Context) ([]SessionInfo, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT sessionid, MAX(sessionname), COUNT(*), MAX(timestamp)
		FROM chat_records GROUP BY sessionid ORDER BY MAX(timestamp) DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionInfo
	for rows.Next() {
		var (
			info SessionInfo
			name sql.NullString
			last sql.NullInt64
		)
		if err := rows.Scan(&info.ID, &name, &info.Records, &last); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		info.Name = name.String
		info.Last = last.Int64
		out = append(out, info)
	}
	return out, rows.Err()
}

func scanRecord(rows *sql.Rows) (Record, error) {
	var (
		rec                                        Record
		sessionName, userID, username, content, tp sql.NullString
		ts, triggered                              sql.NullInt64
	)
	if err := rows.Scan(&rec.MsgID, &rec.SessionID, &sessionName, &userID, &username, &content, &tp, &ts, &triggered); err != nil {
		return Record{}, fmt.Errorf("scan record: %w", err)
	}
	rec.SessionName = sessionName.String
	rec.SenderID = userID.String
	rec.Sender = username.String
	rec.Content = content.String
	rec.Type = tp.String
	rec.Timestamp = ts.Int64
	rec.IsTriggered = triggered.Int64 != 0
	return rec, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// rebindDollar rewrites ? placeholders to $1..$n.
func rebindDollar(query string) string {
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&sb, "$%d", n)
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}
