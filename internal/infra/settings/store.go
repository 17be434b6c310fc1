// Package settings persists the small set of daemon settings that must
// survive restarts: the target hostname, the last resolved address, and
// whether the daemon should reconnect on startup.
package settings

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

const (
	// DefaultDBPath is the default path for the settings database.
	DefaultDBPath = "data/settings.db"

	keyTargetHostname = "target_hostname"
	keyLastAddress    = "last_address"
	keyConnectIntent  = "connect_intent"
)

// Store is a SQLite-backed key-value settings store.
type Store struct {
	mu   sync.Mutex
	db   *sql.DB
	path string
}

// NewStore creates a store instance. Open must be called before use.
func NewStore(path string) *Store {
	if path == "" {
		path = DefaultDBPath
	}
	return &Store{path: path}
}

// Open opens the database and initializes the schema.
func (s *Store) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create settings directory: %w", err)
	}

	db, err := sql.Open("sqlite3", s.path+"?_journal=WAL&_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("failed to open settings database: %w", err)
	}

	// SQLite only supports one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT,
			updated_at TEXT DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		db.Close()
		return fmt.Errorf("failed to create settings schema: %w", err)
	}

	s.db = db
	log.Info().Str("path", s.path).Msg("Settings database opened")
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *Store) set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return fmt.Errorf("settings database not open")
	}
	now := time.Now().Format(time.RFC3339)
	_, err := s.db.Exec(`
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = ?, updated_at = ?
	`, key, value, now, value, now)
	return err
}

func (s *Store) get(key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return "", fmt.Errorf("settings database not open")
	}
	var value string
	err := s.db.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// SetTargetHostname persists the appliance hostname to connect to.
func (s *Store) SetTargetHostname(hostname string) error {
	return s.set(keyTargetHostname, hostname)
}

// TargetHostname returns the persisted hostname, or "" when unset.
func (s *Store) TargetHostname() (string, error) {
	return s.get(keyTargetHostname)
}

// SetLastAddress persists the most recent resolved address.
func (s *Store) SetLastAddress(ip string) error {
	return s.set(keyLastAddress, ip)
}

// LastAddress returns the persisted address, or "" when unset.
func (s *Store) LastAddress() (string, error) {
	return s.get(keyLastAddress)
}

// SetConnectIntent persists whether to reconnect on startup.
func (s *Store) SetConnectIntent(intent bool) error {
	return s.set(keyConnectIntent, strconv.FormatBool(intent))
}

// ConnectIntent returns the persisted intent. Unset defaults to true so a
// fresh install connects as soon as a target is configured.
func (s *Store) ConnectIntent() (bool, error) {
	value, err := s.get(keyConnectIntent)
	if err != nil {
		return false, err
	}
	if value == "" {
		return true, nil
	}
	return strconv.ParseBool(value)
}
