package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// Only the subject is unique; IdPs may reuse usernames and emails.
const usersSchema = `CREATE TABLE IF NOT EXISTS users (
	id       TEXT PRIMARY KEY,
	username TEXT NOT NULL DEFAULT '',
	email    TEXT NOT NULL DEFAULT ''
)`

// SQLiteUserDirectory persists users in a SQLite database.
type SQLiteUserDirectory struct {
	db *sql.DB
}

// OpenSQLiteUserDirectory opens (creating if needed) the database at path.
func OpenSQLiteUserDirectory(path string) (*SQLiteUserDirectory, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(usersSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create users table: %w", err)
	}
	return &SQLiteUserDirectory{db: db}, nil
}

// Close closes the SQLite handle.
func (d *SQLiteUserDirectory) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

func (d *SQLiteUserDirectory) Get(ctx context.Context, subject string) (UserRecord, error) {
	var rec UserRecord
	err := d.db.QueryRowContext(ctx,
		`SELECT id, username, email FROM users WHERE id = ?`, subject,
	).Scan(&rec.Subject, &rec.Username, &rec.Email)
	if errors.Is(err, sql.ErrNoRows) {
		return UserRecord{}, ErrUserNotFound
	}
	if err != nil {
		return UserRecord{}, fmt.Errorf("get user: %w", err)
	}
	return rec, nil
}

func (d *SQLiteUserDirectory) CreateIfAbsent(ctx context.Context, rec UserRecord) (bool, error) {
	if rec.Subject == "" {
		return false, errors.New("user subject required")
	}
	res, err := d.db.ExecContext(ctx,
		`INSERT INTO users (id, username, email) VALUES (?, ?, ?) ON CONFLICT(id) DO NOTHING`,
		rec.Subject, rec.Username, rec.Email,
	)
	if err != nil {
		return false, fmt.Errorf("create user: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("create user: %w", err)
	}
	return n == 1, nil
}

func (d *SQLiteUserDirectory) Delete(ctx context.Context, subject string) error {
	res, err := d.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, subject)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	if n == 0 {
		return ErrUserNotFound
	}
	return nil
}
