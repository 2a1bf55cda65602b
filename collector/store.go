package collector

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"

	"flurry-plugin/analytics"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Store keeps ingested records per API key
type Store struct {
	db *sql.DB
}

// OpenStore opens (or creates) the collector database at path
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if path != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			log.Printf("Warning: Failed to enable WAL mode: %v", err)
		}
	}

	createTableSQL := `
    CREATE TABLE IF NOT EXISTS records (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        api_key TEXT NOT NULL,
        session_id TEXT,
        kind TEXT NOT NULL,
        payload BLOB NOT NULL,
        received_at DATETIME DEFAULT CURRENT_TIMESTAMP
    );
    CREATE INDEX IF NOT EXISTS idx_records_key_session ON records(api_key, session_id);`

	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create table: %w", err)
	}

	return &Store{db: db}, nil
}

// Insert stores a batch for apiKey in one transaction
func (s *Store) Insert(apiKey string, records []analytics.Record) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare("INSERT INTO records (api_key, session_id, kind, payload) VALUES (?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		payload, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("failed to encode record: %w", err)
		}
		if _, err := stmt.Exec(apiKey, r.SessionID, string(r.Kind), payload); err != nil {
			return fmt.Errorf("failed to insert record: %w", err)
		}
	}

	return tx.Commit()
}

// List returns the records stored for apiKey, oldest first. A non-empty
// sessionID limits the result to that session.
func (s *Store) List(apiKey, sessionID string) ([]analytics.Record, error) {
	query := "SELECT payload FROM records WHERE api_key = ?"
	args := []interface{}{apiKey}
	if sessionID != "" {
		query += " AND session_id = ?"
		args = append(args, sessionID)
	}
	query += " ORDER BY id"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	records := []analytics.Record{}
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		var r analytics.Record
		if err := json.Unmarshal(payload, &r); err != nil {
			log.Printf("Skipping corrupt record: %v", err)
			continue
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// KindCount is the number of records of one kind
type KindCount struct {
	Kind  string
	Count int
}

// CountByKind summarizes the records stored for apiKey
func (s *Store) CountByKind(apiKey string) ([]KindCount, error) {
	rows, err := s.db.Query("SELECT kind, COUNT(*) FROM records WHERE api_key = ? GROUP BY kind ORDER BY kind", apiKey)
	if err != nil {
		return nil, fmt.Errorf("failed to count records: %w", err)
	}
	defer rows.Close()

	var counts []KindCount
	for rows.Next() {
		var kc KindCount
		if err := rows.Scan(&kc.Kind, &kc.Count); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts = append(counts, kc)
	}
	return counts, rows.Err()
}

// Ping checks the database connection
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}
