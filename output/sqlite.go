package output

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/dhcgn/imap-extract/links"
	"github.com/dhcgn/imap-extract/model"
)

// ErrNotFound is returned when no stored result has the requested key.
var ErrNotFound = errors.New("result not found")

// SQLiteStore keeps results, their links and run bookkeeping in a SQLite
// database. Re-extracting a message replaces its previous row and links.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath,
// enables WAL mode, and runs any pending schema migrations. Foreign keys are
// set through the DSN so every pooled connection enforces them.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

func dsn(dbPath string) string {
	return dbPath + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := s.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

func (s *SQLiteStore) BeginRun(ctx context.Context, runID string, started time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO runs (id, started_at) VALUES (?, ?)",
		runID, started.UTC(),
	)
	if err != nil {
		return fmt.Errorf("recording run %s: %w", runID, err)
	}
	return nil
}

func (s *SQLiteStore) FinishRun(ctx context.Context, runID string, finished time.Time, messages int) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE runs SET finished_at = ?, messages = ? WHERE id = ?",
		finished.UTC(), messages, runID,
	)
	if err != nil {
		return fmt.Errorf("finishing run %s: %w", runID, err)
	}
	return nil
}

// Write stores result and its links in one transaction.
func (s *SQLiteStore) Write(ctx context.Context, result model.Result) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO runs (id, started_at) VALUES (?, ?)",
		result.RunID, result.ExtractedAt.UTC(),
	); err != nil {
		return fmt.Errorf("recording run %s: %w", result.RunID, err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM links WHERE message_key = ?", result.Key); err != nil {
		return fmt.Errorf("clearing links for %s: %w", result.Key, err)
	}

	const query = `
		INSERT OR REPLACE INTO messages (
			key, run_id, source, mailbox, uid, message_id, date,
			sender, recipient, subject, body,
			defects, skipped, extracted_at
		) VALUES (
			?, ?, ?, ?, ?, ?, ?,
			?, ?, ?, ?,
			?, ?, ?
		)`

	var date any
	if !result.Date.IsZero() {
		date = result.Date.UTC()
	}

	_, err = tx.ExecContext(ctx, query,
		result.Key, result.RunID, string(result.Source), result.Mailbox, int64(result.UID), result.MessageID, date,
		result.Sender, result.Recipient, result.Subject, result.Body,
		result.Defects, result.Skipped, result.ExtractedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("storing message %s: %w", result.Key, err)
	}

	if len(result.Links) > 0 {
		stmt, err := tx.PreparexContext(ctx, "INSERT INTO links (message_key, position, url, host) VALUES (?, ?, ?, ?)")
		if err != nil {
			return fmt.Errorf("preparing link statement: %w", err)
		}
		defer stmt.Close()

		for i, link := range result.Links {
			if _, err := stmt.ExecContext(ctx, result.Key, i, link, links.Host(link)); err != nil {
				return fmt.Errorf("storing link %d of %s: %w", i, result.Key, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing %s: %w", result.Key, err)
	}
	return nil
}

type messageRow struct {
	Key         string       `db:"key"`
	RunID       string       `db:"run_id"`
	Source      string       `db:"source"`
	Mailbox     string       `db:"mailbox"`
	UID         int64        `db:"uid"`
	MessageID   string       `db:"message_id"`
	Date        sql.NullTime `db:"date"`
	Sender      string       `db:"sender"`
	Recipient   string       `db:"recipient"`
	Subject     string       `db:"subject"`
	Body        string       `db:"body"`
	Defects     int          `db:"defects"`
	Skipped     string       `db:"skipped"`
	ExtractedAt time.Time    `db:"extracted_at"`
}

// Result loads the stored result for key, links in their original order.
func (s *SQLiteStore) Result(ctx context.Context, key string) (model.Result, error) {
	var row messageRow
	err := s.db.GetContext(ctx, &row, "SELECT * FROM messages WHERE key = ?", key)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Result{}, fmt.Errorf("result %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return model.Result{}, fmt.Errorf("loading result %s: %w", key, err)
	}

	var urls []string
	if err := s.db.SelectContext(ctx, &urls,
		"SELECT url FROM links WHERE message_key = ? ORDER BY position", key,
	); err != nil {
		return model.Result{}, fmt.Errorf("loading links of %s: %w", key, err)
	}

	result := model.Result{
		RunID:       row.RunID,
		Key:         row.Key,
		Source:      model.Source(row.Source),
		Mailbox:     row.Mailbox,
		UID:         uint32(row.UID),
		MessageID:   row.MessageID,
		Sender:      row.Sender,
		Recipient:   row.Recipient,
		Subject:     row.Subject,
		Body:        row.Body,
		Links:       urls,
		Defects:     row.Defects,
		Skipped:     row.Skipped,
		ExtractedAt: row.ExtractedAt,
	}
	if row.Date.Valid {
		result.Date = row.Date.Time
	}
	return result, nil
}

// HostCounts returns how many stored links point at each host.
func (s *SQLiteStore) HostCounts(ctx context.Context) (map[string]int, error) {
	var rows []struct {
		Host  string `db:"host"`
		Count int    `db:"n"`
	}
	if err := s.db.SelectContext(ctx, &rows,
		"SELECT host, COUNT(*) AS n FROM links GROUP BY host",
	); err != nil {
		return nil, fmt.Errorf("counting link hosts: %w", err)
	}

	counts := make(map[string]int, len(rows))
	for _, r := range rows {
		counts[r.Host] = r.Count
	}
	return counts, nil
}
