package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/msageha/fieldagent/internal/model"

	_ "modernc.org/sqlite"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS pending_actions (
		id              TEXT PRIMARY KEY,
		seq             INTEGER NOT NULL,
		idempotency_key TEXT NOT NULL,
		report_id       TEXT NOT NULL,
		action          TEXT NOT NULL,
		report_label    TEXT NOT NULL DEFAULT '',
		recipient_label TEXT NOT NULL DEFAULT '',
		enqueued_at     TEXT NOT NULL,
		attempts        INTEGER NOT NULL DEFAULT 0,
		last_error      TEXT,
		last_attempt_at TEXT,
		superseded_at   TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_pending_actions_seq ON pending_actions(seq)`,
	`CREATE TABLE IF NOT EXISTS notifications (
		id         TEXT PRIMARY KEY,
		seq        INTEGER NOT NULL,
		kind       TEXT NOT NULL,
		report_id  TEXT NOT NULL DEFAULT '',
		message    TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS hidden_reports (
		report_id TEXT PRIMARY KEY
	)`,
	`CREATE TABLE IF NOT EXISTS agent_meta (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
}

// SQLiteStore keeps agent state in a single WAL-mode database file.
type SQLiteStore struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(10000)&_pragma=synchronous(FULL)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, stmt := range sqliteSchema {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply schema: %w", err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) LoadPending(ctx context.Context) ([]model.PendingAction, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, idempotency_key, report_id, action, report_label,
		recipient_label, enqueued_at, attempts, last_error, last_attempt_at, superseded_at
		FROM pending_actions ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("query pending: %w", err)
	}
	defer func() { _ = rows.Close() }()

	actions := []model.PendingAction{}
	for rows.Next() {
		var (
			a                                  model.PendingAction
			action                             string
			lastErr, lastAttempt, supersededAt sql.NullString
		)
		if err := rows.Scan(&a.ID, &a.IdempotencyKey, &a.ReportID, &action, &a.ReportLabel,
			&a.RecipientLabel, &a.EnqueuedAt, &a.Attempts, &lastErr, &lastAttempt, &supersededAt); err != nil {
			return nil, fmt.Errorf("scan pending: %w", err)
		}
		a.Action = model.ActionKind(action)
		a.LastError = fromNull(lastErr)
		a.LastAttemptAt = fromNull(lastAttempt)
		a.SupersededAt = fromNull(supersededAt)
		actions = append(actions, a)
	}
	return actions, rows.Err()
}

// SavePending replaces the whole queue in one transaction so FIFO order and
// removals become visible atomically.
func (s *SQLiteStore) SavePending(ctx context.Context, actions []model.PendingAction) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM pending_actions`); err != nil {
			return fmt.Errorf("clear pending: %w", err)
		}
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO pending_actions(id, seq, idempotency_key, report_id,
			action, report_label, recipient_label, enqueued_at, attempts, last_error, last_attempt_at, superseded_at)
			VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare insert: %w", err)
		}
		defer func() { _ = stmt.Close() }()

		for i, a := range actions {
			if _, err := stmt.ExecContext(ctx, a.ID, i, a.IdempotencyKey, a.ReportID, string(a.Action),
				a.ReportLabel, a.RecipientLabel, a.EnqueuedAt, a.Attempts,
				toNull(a.LastError), toNull(a.LastAttemptAt), toNull(a.SupersededAt)); err != nil {
				return fmt.Errorf("insert pending %s: %w", a.ID, err)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) LoadNotifications(ctx context.Context) (model.NotificationLog, error) {
	nl := model.NewNotificationLog()

	var hasNew string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM agent_meta WHERE key = 'has_new'`).Scan(&hasNew)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return nl, fmt.Errorf("query has_new: %w", err)
	default:
		nl.HasNew, _ = strconv.ParseBool(hasNew)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, kind, report_id, message, created_at FROM notifications ORDER BY seq`)
	if err != nil {
		return nl, fmt.Errorf("query notifications: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var n model.Notification
		var kind string
		if err := rows.Scan(&n.ID, &kind, &n.ReportID, &n.Message, &n.CreatedAt); err != nil {
			return nl, fmt.Errorf("scan notification: %w", err)
		}
		n.Kind = model.NotificationKind(kind)
		nl.Notifications = append(nl.Notifications, n)
	}
	return nl, rows.Err()
}

func (s *SQLiteStore) SaveNotifications(ctx context.Context, nl model.NotificationLog) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM notifications`); err != nil {
			return fmt.Errorf("clear notifications: %w", err)
		}
		for i, n := range nl.Notifications {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO notifications(id, seq, kind, report_id, message, created_at) VALUES(?, ?, ?, ?, ?, ?)`,
				n.ID, i, string(n.Kind), n.ReportID, n.Message, n.CreatedAt); err != nil {
				return fmt.Errorf("insert notification %s: %w", n.ID, err)
			}
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO agent_meta(key, value) VALUES('has_new', ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
			strconv.FormatBool(nl.HasNew))
		return err
	})
}

func (s *SQLiteStore) LoadHidden(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT report_id FROM hidden_reports ORDER BY report_id`)
	if err != nil {
		return nil, fmt.Errorf("query hidden: %w", err)
	}
	defer func() { _ = rows.Close() }()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan hidden: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStore) SaveHidden(ctx context.Context, reportIDs []string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM hidden_reports`); err != nil {
			return err
		}
		for _, id := range reportIDs {
			if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO hidden_reports(report_id) VALUES(?)`, id); err != nil {
				return fmt.Errorf("insert hidden %s: %w", id, err)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func toNull(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func fromNull(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}
