package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"classattend/internal/attendance"
)

type dialect struct {
	name   string
	schema string
	load   string
	save   string
}

var postgresDialect = dialect{
	name: "postgres",
	schema: `
	CREATE TABLE IF NOT EXISTS user_documents (
		user_id     TEXT PRIMARY KEY,
		body        JSONB NOT NULL,
		revision    BIGINT NOT NULL DEFAULT 0,
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);`,
	load: `SELECT body FROM user_documents WHERE user_id = $1`,
	save: `
		INSERT INTO user_documents (user_id, body, revision, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			body = EXCLUDED.body,
			revision = EXCLUDED.revision,
			updated_at = NOW()
	`,
}

var sqliteDialect = dialect{
	name: "sqlite",
	schema: `
	CREATE TABLE IF NOT EXISTS user_documents (
		user_id     TEXT PRIMARY KEY,
		body        TEXT NOT NULL,
		revision    INTEGER NOT NULL DEFAULT 0,
		updated_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`,
	load: `SELECT body FROM user_documents WHERE user_id = ?`,
	save: `
		INSERT INTO user_documents (user_id, body, revision, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (user_id) DO UPDATE SET
			body = excluded.body,
			revision = excluded.revision,
			updated_at = CURRENT_TIMESTAMP
	`,
}

// SQLDocuments stores one JSON document per user in a SQL table.
type SQLDocuments struct {
	db      *sql.DB
	dialect dialect
}

// OpenPostgres connects through pgx with the pool defaults used across the
// service and creates the documents table.
func OpenPostgres(ctx context.Context, connString string) (*SQLDocuments, error) {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	return prepare(ctx, db, postgresDialect)
}

// OpenSQLite opens (or creates) a local database file.
func OpenSQLite(ctx context.Context, path string) (*SQLDocuments, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	return prepare(ctx, db, sqliteDialect)
}

func prepare(ctx context.Context, db *sql.DB, d dialect) (*SQLDocuments, error) {
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", d.name, err)
	}
	if _, err := db.ExecContext(ctx, d.schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate %s: %w", d.name, err)
	}
	return &SQLDocuments{db: db, dialect: d}, nil
}

// Load returns the user's document or attendance.ErrNotFound.
func (s *SQLDocuments) Load(ctx context.Context, userID string) (attendance.Document, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx, s.dialect.load, userID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return attendance.Document{}, attendance.ErrNotFound
	}
	if err != nil {
		return attendance.Document{}, fmt.Errorf("load document %s: %w", userID, err)
	}
	return attendance.DecodeDocument(body)
}

// Save replaces the user's document.
func (s *SQLDocuments) Save(ctx context.Context, userID string, doc attendance.Document) error {
	body, err := doc.Encode()
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, s.dialect.save, userID, string(body), doc.Revision); err != nil {
		return fmt.Errorf("save document %s: %w", userID, err)
	}
	return nil
}

// Ping checks the connection.
func (s *SQLDocuments) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying connection.
func (s *SQLDocuments) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
