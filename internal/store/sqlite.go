package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and ensures the
// records table exists.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// a single connection keeps ":memory:" databases shared across calls
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS records (
		kind TEXT NOT NULL,
		key TEXT NOT NULL,
		mission_id TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		data BLOB NOT NULL,
		PRIMARY KEY (kind, key)
	);
	CREATE INDEX IF NOT EXISTS idx_records_mission ON records(kind, mission_id, created_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create records table: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Append(ctx context.Context, rec Record) error {
	if err := validate(rec); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO records (kind, key, mission_id, created_at, data) VALUES (?, ?, ?, ?, ?)`,
		rec.Kind, rec.Key, rec.MissionID, rec.CreatedAt.UnixNano(), rec.Data)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unique constraint") {
			return fmt.Errorf("%w: %s", ErrDuplicateKey, rec.Key)
		}
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context, kind, missionID string) ([]Record, error) {
	query := `SELECT kind, key, mission_id, created_at, data FROM records WHERE kind = ?`
	args := []any{kind}
	if missionID != "" {
		query += ` AND mission_id = ?`
		args = append(args, missionID)
	}
	query += ` ORDER BY created_at ASC, key ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
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
	return out, rows.Err()
}

func (s *SQLiteStore) Get(ctx context.Context, kind, key string) (Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT kind, key, mission_id, created_at, data FROM records WHERE kind = ? AND key = ?`, kind, key)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: %s/%s", ErrNotFound, kind, key)
	}
	return rec, err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (Record, error) {
	var rec Record
	var created int64
	if err := sc.Scan(&rec.Kind, &rec.Key, &rec.MissionID, &created, &rec.Data); err != nil {
		return Record{}, err
	}
	rec.CreatedAt = time.Unix(0, created).UTC()
	return rec, nil
}
