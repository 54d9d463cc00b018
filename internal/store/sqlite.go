package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "herald/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
	cap int
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, cap: cfg.InboxCap}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendInbox(ctx context.Context, e Entry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO inbox(id, recipient_id, subject, body, created_at, read)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   subject=excluded.subject, body=excluded.body`,
		e.ID, e.RecipientID, nullStr(e.Subject), e.Body,
		e.CreatedAt.Format(time.RFC3339Nano), boolInt(e.Read),
	)
	if err != nil {
		return err
	}
	// Keep only the most recent entries per recipient.
	_, err = s.db.ExecContext(ctx,
		`DELETE FROM inbox WHERE recipient_id = ? AND id NOT IN (
		   SELECT id FROM inbox WHERE recipient_id = ?
		   ORDER BY created_at DESC LIMIT ?)`,
		e.RecipientID, e.RecipientID, s.cap,
	)
	return err
}

func (s *sqliteStore) ListInbox(ctx context.Context, recipientID string, limit int) ([]Entry, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 || limit > s.cap {
		limit = s.cap
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, recipient_id, COALESCE(subject, ''), body, created_at, read
		 FROM inbox WHERE recipient_id = ?
		 ORDER BY created_at DESC LIMIT ?`,
		recipientID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		var e Entry
		var createdAt string
		var read int
		if err := rows.Scan(&e.ID, &e.RecipientID, &e.Subject, &e.Body, &createdAt, &read); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			e.CreatedAt = ts
		}
		e.Read = read != 0
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) UnreadCount(ctx context.Context, recipientID string) (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM inbox WHERE recipient_id = ? AND read = 0`,
		recipientID,
	).Scan(&n)
	return n, err
}

func (s *sqliteStore) MarkRead(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx, `UPDATE inbox SET read = 1 WHERE id = ?`, id)
	return err
}

func (s *sqliteStore) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	return s.db.PingContext(ctx)
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
