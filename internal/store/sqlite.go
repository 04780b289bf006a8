package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/yarkm13/skiff/internal/transfer"
)

const schema = `
CREATE TABLE IF NOT EXISTS snapshots (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	host TEXT NOT NULL,
	data TEXT NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snapshots_host ON snapshots(host);
`

// SQLiteStore keeps snapshots in one SQLite table.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens or creates the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one writer at a time keeps sqlite from reporting busy
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Save(ctx context.Context, snap transfer.Snapshot) error {
	if snap.ID == "" {
		return errors.New("snapshot without id")
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	query := `INSERT INTO snapshots (id, kind, host, data, updated_at) VALUES (?, ?, ?, ?, ?)
	          ON CONFLICT(id) DO UPDATE SET kind = excluded.kind, host = excluded.host,
	          data = excluded.data, updated_at = excluded.updated_at`
	_, err = s.db.ExecContext(ctx, query, snap.ID, string(snap.Kind), snap.Host, string(data), time.Now().UTC())
	return err
}

func (s *SQLiteStore) Load(ctx context.Context, id string) (transfer.Snapshot, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM snapshots WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return transfer.Snapshot{}, ErrNotFound
	}
	if err != nil {
		return transfer.Snapshot{}, err
	}
	return decode(data)
}

func decode(data string) (transfer.Snapshot, error) {
	var snap transfer.Snapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return snap, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}

// List returns every snapshot ordered by id.
func (s *SQLiteStore) List(ctx context.Context) ([]transfer.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM snapshots ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snaps []transfer.Snapshot
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		snap, err := decode(data)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE id = ?`, id)
	return err
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
