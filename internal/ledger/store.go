package ledger

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"sync"

	_ "modernc.org/sqlite"
)

// Store is a SQLite-backed document store. Each ledger category is a single
// JSON document addressed by a string key; saves rewrite the whole document.
// Missing or corrupt documents read as empty, never as an error.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	mu    sync.Mutex
	cache map[string][]byte
}

// Open opens (or creates) the SQLite database at path and initialises the schema.
func Open(path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("ledger: open %q: %w", path, err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("ledger: %s: %w", pragma, err)
		}
	}

	s := &Store{
		db:     db,
		logger: logger,
		cache:  make(map[string][]byte),
	}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	const ddl = `
CREATE TABLE IF NOT EXISTS documents (
  key TEXT PRIMARY KEY,
  doc TEXT NOT NULL
);`
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("ledger: init schema: %w", err)
	}
	return nil
}

// Get unmarshals the document stored under key into v, which must be a
// non-nil pointer. A missing or unparsable document leaves v untouched so
// callers start from an empty value; it is overwritten on the next
// successful Put.
func (s *Store) Get(key string, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, ok := s.cache[key]
	if !ok {
		var doc string
		err := s.db.QueryRow(`SELECT doc FROM documents WHERE key = ?`, key).Scan(&doc)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return fmt.Errorf("ledger: get %q: %w", key, err)
		}
		raw = []byte(doc)
		s.cache[key] = raw
	}

	// Decode into a fresh value first: Unmarshal can leave v partially
	// populated on a mid-document type error, and corrupt reads must be
	// exactly empty.
	fresh := reflect.New(reflect.TypeOf(v).Elem())
	if err := json.Unmarshal(raw, fresh.Interface()); err != nil {
		s.logger.Warn("ledger: corrupt document, treating as empty", "key", key, "err", err)
		return nil
	}
	reflect.ValueOf(v).Elem().Set(fresh.Elem())
	return nil
}

// Put re-serializes v and stores it as the whole document under key.
func (s *Store) Put(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("ledger: marshal %q: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.Exec(
		`INSERT INTO documents (key, doc) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET doc = excluded.doc`,
		key, string(raw),
	)
	if err != nil {
		return fmt.Errorf("ledger: put %q: %w", key, err)
	}
	s.cache[key] = raw
	return nil
}

// Offset returns the stored byte offset for the named cursor, or 0.
func (s *Store) Offset(name string) (int64, error) {
	cursors := Cursors{}
	if err := s.Get(KeyCursors, &cursors); err != nil {
		return 0, err
	}
	return cursors[name], nil
}

// SetOffset persists the byte offset for the named cursor.
func (s *Store) SetOffset(name string, offset int64) error {
	cursors := Cursors{}
	if err := s.Get(KeyCursors, &cursors); err != nil {
		return err
	}
	cursors[name] = offset
	return s.Put(KeyCursors, cursors)
}
