package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteStore implements Interface on a local SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	logger *log.Logger
}

// NewSQLiteStore opens (or creates) the database at path and ensures the
// schema exists.
func NewSQLiteStore(path string, logger *log.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = log.Default()
	}
	if path == "" {
		path = "./data/ivd.db"
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", filepath.Dir(path), err)
	}

	// WAL mode for better concurrency
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening database at %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging database at %s: %w", path, err)
	}

	// SQLite serializes writes itself; the Go driver behaves best with a
	// single connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	store := &SQLiteStore{db: db, logger: logger}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	logger.Printf("chart request store ready at %s", path)
	return store, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS chart_requests (
		id TEXT PRIMARY KEY,
		ticker TEXT NOT NULL,
		expiration TIMESTAMP NOT NULL,
		side TEXT NOT NULL,
		days INTEGER NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_chart_requests_created_at ON chart_requests (created_at);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// Store inserts a new chart request record.
func (s *SQLiteStore) Store(ctx context.Context, req *ChartRequest) error {
	now := time.Now().UTC()
	if req.CreatedAt.IsZero() {
		req.CreatedAt = now
	}
	req.UpdatedAt = now

	const query = `
	INSERT INTO chart_requests (id, ticker, expiration, side, days, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		req.ID, req.Ticker, req.Expiration, req.Side, req.Days, req.CreatedAt, req.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting chart request %s: %w", req.ID, err)
	}
	return nil
}

// Get returns the record with the given id, or ErrNotFound.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*ChartRequest, error) {
	const query = `
	SELECT id, ticker, expiration, side, days, created_at, updated_at
	FROM chart_requests WHERE id = ?`

	var req ChartRequest
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&req.ID, &req.Ticker, &req.Expiration, &req.Side, &req.Days,
		&req.CreatedAt, &req.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying chart request %s: %w", id, err)
	}
	return &req, nil
}

// Update overwrites the mutable fields of an existing record.
func (s *SQLiteStore) Update(ctx context.Context, req *ChartRequest) error {
	req.UpdatedAt = time.Now().UTC()

	const query = `
	UPDATE chart_requests
	SET ticker = ?, expiration = ?, side = ?, days = ?, updated_at = ?
	WHERE id = ?`
	res, err := s.db.ExecContext(ctx, query,
		req.Ticker, req.Expiration, req.Side, req.Days, req.UpdatedAt, req.ID)
	if err != nil {
		return fmt.Errorf("updating chart request %s: %w", req.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking update of chart request %s: %w", req.ID, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes the record with the given id, or returns ErrNotFound.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM chart_requests WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting chart request %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking delete of chart request %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Recent returns the newest records, most recent first.
func (s *SQLiteStore) Recent(ctx context.Context, limit int) ([]ChartRequest, error) {
	if limit <= 0 {
		limit = 20
	}
	const query = `
	SELECT id, ticker, expiration, side, days, created_at, updated_at
	FROM chart_requests ORDER BY created_at DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("querying recent chart requests: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []ChartRequest
	for rows.Next() {
		var req ChartRequest
		if err := rows.Scan(&req.ID, &req.Ticker, &req.Expiration, &req.Side,
			&req.Days, &req.CreatedAt, &req.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning chart request row: %w", err)
		}
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating chart request rows: %w", err)
	}
	return out, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
