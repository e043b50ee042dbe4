// Package sqlite provides a snapshotting SQLite-backed persistent store. The
// in-memory store remains authoritative; the full state is written to a
// single table as JSON blobs after every successful transaction.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"surveycore/internal/infra/persistence/memory"
	"surveycore/pkg/domain"

	_ "modernc.org/sqlite" // pure go sqlite driver
)

// Compile-time contract assertion ensuring the store satisfies the domain interface.
var _ domain.PersistentStore = (*Store)(nil)

// Store persists the in-memory state to a SQLite file.
type Store struct {
	*memory.Store
	db   *sql.DB
	mu   sync.Mutex
	path string
}

// NewStore constructs a snapshotting SQLite-backed persistent store.
func NewStore(path string, engine *domain.RulesEngine) (*Store, error) {
	if path == "" {
		path = "surveycore.db"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS state (
		bucket TEXT PRIMARY KEY,
		payload BLOB NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("create state table: %w", err)
	}
	s := &Store{Store: memory.NewStore(engine), db: db, path: path}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

const (
	bucketProject     = "project"
	bucketExperiments = "experiments"
	bucketDatasets    = "datasets"
	bucketNextID      = "next_id"
)

func (s *Store) load() error {
	rows, err := s.db.Query(`SELECT bucket, payload FROM state`)
	if err != nil {
		return fmt.Errorf("select state: %w", err)
	}
	defer func() { _ = rows.Close() }()
	snapshot := memory.Snapshot{}
	loaded := false
	for rows.Next() {
		var bucket string
		var payload []byte
		if err := rows.Scan(&bucket, &payload); err != nil {
			return fmt.Errorf("scan: %w", err)
		}
		loaded = true
		switch bucket {
		case bucketProject:
			if err := json.Unmarshal(payload, &snapshot.Project); err != nil {
				return fmt.Errorf("decode project: %w", err)
			}
		case bucketExperiments:
			if err := json.Unmarshal(payload, &snapshot.Experiments); err != nil {
				return fmt.Errorf("decode experiments: %w", err)
			}
		case bucketDatasets:
			if err := json.Unmarshal(payload, &snapshot.Datasets); err != nil {
				return fmt.Errorf("decode datasets: %w", err)
			}
		case bucketNextID:
			if err := json.Unmarshal(payload, &snapshot.NextID); err != nil {
				return fmt.Errorf("decode next id: %w", err)
			}
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate state: %w", err)
	}
	if loaded {
		s.Store.ImportState(snapshot)
	}
	return nil
}

func (s *Store) persist() error {
	snapshot := s.Store.ExportState()
	buckets := map[string]any{
		bucketProject:     snapshot.Project,
		bucketExperiments: snapshot.Experiments,
		bucketDatasets:    snapshot.Datasets,
		bucketNextID:      snapshot.NextID,
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	for bucket, value := range buckets {
		payload, err := json.Marshal(value)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("encode %s: %w", bucket, err)
		}
		if _, err := tx.Exec(`INSERT INTO state(bucket, payload) VALUES(?, ?)
			ON CONFLICT(bucket) DO UPDATE SET payload=excluded.payload`, bucket, payload); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("upsert %s: %w", bucket, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// RunInTransaction delegates to the in-memory store and snapshots the full
// state to SQLite after a successful commit.
func (s *Store) RunInTransaction(ctx context.Context, fn func(domain.Transaction) error) (domain.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.Store.RunInTransaction(ctx, fn)
	if err != nil {
		return res, err
	}
	if err := s.persist(); err != nil {
		return res, fmt.Errorf("persist snapshot: %w", err)
	}
	return res, nil
}

// ImportState replaces the state and persists the result.
func (s *Store) ImportState(snapshot memory.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Store.ImportState(snapshot)
	return s.persist()
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
