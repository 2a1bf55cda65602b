package analytics

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// Store is a persistent queue of records waiting for upload
type Store struct {
	db *sql.DB
}

// StoredRecord is a record with its queue position
type StoredRecord struct {
	ID     int64
	Record Record
}

// OpenStore opens (or creates) the queue database at path. ":memory:" keeps
// the queue in memory.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	// one connection: sqlite serializes writers, and :memory: databases are
	// per connection
	db.SetMaxOpenConns(1)

	if path != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			log.Printf("Warning: Failed to enable WAL mode: %v", err)
		}
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS pending_records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			payload BLOB NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create table: %w", err)
	}

	return &Store{db: db}, nil
}

// Enqueue appends a record to the queue
func (s *Store) Enqueue(r Record) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}

	if _, err := s.db.Exec("INSERT INTO pending_records (payload) VALUES (?)", payload); err != nil {
		return fmt.Errorf("failed to enqueue record: %w", err)
	}
	return nil
}

// Peek returns up to n of the oldest records without removing them
func (s *Store) Peek(n int) ([]StoredRecord, error) {
	rows, err := s.db.Query("SELECT id, payload FROM pending_records ORDER BY id LIMIT ?", n)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var records []StoredRecord
	for rows.Next() {
		var sr StoredRecord
		var payload []byte
		if err := rows.Scan(&sr.ID, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		if err := json.Unmarshal(payload, &sr.Record); err != nil {
			log.Printf("Skipping corrupt record %d: %v", sr.ID, err)
			continue
		}
		records = append(records, sr)
	}
	return records, rows.Err()
}

// Delete removes records by id
func (s *Store) Delete(ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := make([]string, len(ids))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}

	query := fmt.Sprintf("DELETE FROM pending_records WHERE id IN (%s)", strings.Join(placeholders, ","))
	if _, err := s.db.Exec(query, args...); err != nil {
		return fmt.Errorf("failed to delete records: %w", err)
	}
	return nil
}

// Count returns the number of queued records
func (s *Store) Count() (int, error) {
	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM pending_records").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return count, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}
