// Package storage persists per-device trust records, service settings and
// the security audit log in SQLite.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/multierr"
)

const (
	// DefaultDBFileName is the SQLite filename under the data directory.
	DefaultDBFileName = "peerlink.db"
	// DefaultMaintenanceInterval separates audit pruning and WAL truncation runs.
	DefaultMaintenanceInterval = time.Hour
	// DefaultEventRetention is how long audit events are kept.
	DefaultEventRetention = 90 * 24 * time.Hour
)

// A migration moves the schema forward by one user_version.
type migration struct {
	name  string
	stmts []string
}

var migrations = []migration{
	{
		name: "trusted devices",
		stmts: []string{`
CREATE TABLE IF NOT EXISTS trusted_devices (
  device_id               TEXT PRIMARY KEY,
  device_name             TEXT NOT NULL,
  device_type             TEXT NOT NULL DEFAULT 'unknown',
  certificate_fingerprint TEXT NOT NULL,
  protocol_version        INTEGER NOT NULL DEFAULT 0,
  paired_at               INTEGER NOT NULL,
  last_seen_timestamp     INTEGER,
  last_known_address      TEXT
)`},
	},
	{
		name: "security events",
		stmts: []string{`
CREATE TABLE IF NOT EXISTS security_events (
  id         INTEGER PRIMARY KEY AUTOINCREMENT,
  event_type TEXT NOT NULL,
  device_id  TEXT,
  details    TEXT NOT NULL DEFAULT '{}',
  severity   TEXT NOT NULL CHECK(severity IN ('info','warning','critical')),
  at         INTEGER NOT NULL
)`,
			`CREATE INDEX IF NOT EXISTS security_events_by_time ON security_events (at DESC, id DESC)`,
			`CREATE INDEX IF NOT EXISTS security_events_by_device ON security_events (device_id, at DESC)`,
		},
	},
	{
		name: "service settings",
		stmts: []string{`
CREATE TABLE IF NOT EXISTS service_settings (
  service    TEXT NOT NULL,
  device_id  TEXT NOT NULL DEFAULT '',
  enabled    INTEGER NOT NULL,
  updated_at INTEGER NOT NULL,
  PRIMARY KEY (service, device_id)
)`},
	},
}

// Store owns the SQLite handle and a background maintenance loop that
// prunes expired audit events and truncates the WAL.
type Store struct {
	db    *sql.DB
	path  string
	clock clock.Clock

	retention time.Duration
	interval  time.Duration

	stop      chan struct{}
	loop      sync.WaitGroup
	closeOnce sync.Once
}

// Option adjusts a Store before it is opened.
type Option func(*Store)

// WithClock replaces the wall clock used for timestamps and maintenance.
func WithClock(c clock.Clock) Option {
	return func(s *Store) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithEventRetention sets how long audit events are kept. A negative
// value keeps them forever.
func WithEventRetention(d time.Duration) Option {
	return func(s *Store) {
		if d != 0 {
			s.retention = d
		}
	}
}

// WithMaintenanceInterval sets the maintenance period. A negative value
// disables the background loop; Close still truncates the WAL.
func WithMaintenanceInterval(d time.Duration) Option {
	return func(s *Store) {
		if d != 0 {
			s.interval = d
		}
	}
}

// Open opens or creates the database file under dataDir.
func Open(dataDir string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}
	return OpenPath(filepath.Join(dataDir, DefaultDBFileName), opts...)
}

// OpenPath opens the database at path, brings the schema up to date and
// starts maintenance.
func OpenPath(path string, opts ...Option) (*Store, error) {
	s := &Store{
		path:      path,
		clock:     clock.New(),
		retention: DefaultEventRetention,
		interval:  DefaultMaintenanceInterval,
		stop:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	dsn := "file:" + filepath.ToSlash(path) + "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	s.db = db

	if err := s.prepare(); err != nil {
		return nil, multierr.Append(err, db.Close())
	}
	s.startMaintenance()
	return s, nil
}

func (s *Store) prepare() error {
	var mode string
	if err := s.db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		return fmt.Errorf("read journal mode: %w", err)
	}
	if !strings.EqualFold(mode, "wal") {
		return fmt.Errorf("sqlite journal mode is %q, want wal", mode)
	}
	if err := s.migrate(); err != nil {
		return err
	}
	return s.Maintain()
}

// Path is the database file location.
func (s *Store) Path() string {
	return s.path
}

// Close stops maintenance, truncates the WAL and closes the database.
// Further calls return nil.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var err error
	s.closeOnce.Do(func() {
		close(s.stop)
		s.loop.Wait()
		err = multierr.Append(s.checkpoint(), s.db.Close())
	})
	return err
}

func (s *Store) migrate() error {
	var current int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if current >= len(migrations) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for version := current + 1; version <= len(migrations); version++ {
		m := migrations[version-1]
		for _, stmt := range m.stmts {
			if _, err := tx.Exec(stmt); err != nil {
				return fmt.Errorf("migration %d (%s): %w", version, m.name, err)
			}
		}
		// PRAGMA does not take bind parameters.
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", version)); err != nil {
			return fmt.Errorf("migration %d (%s): set version: %w", version, m.name, err)
		}
		logger.Debug("schema migrated", "version", version, "name", m.name)
	}
	return tx.Commit()
}

// Maintain prunes audit events past the retention horizon and truncates
// the WAL. It runs at open and then on every maintenance tick.
func (s *Store) Maintain() error {
	var err error
	if s.retention > 0 {
		pruned, pruneErr := s.PruneSecurityEvents(s.clock.Now().Add(-s.retention))
		if pruned > 0 {
			logger.Info("pruned security events", "count", pruned)
		}
		err = multierr.Append(err, pruneErr)
	}
	return multierr.Append(err, s.checkpoint())
}

func (s *Store) checkpoint() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("truncate wal: %w", err)
	}
	return nil
}

func (s *Store) startMaintenance() {
	if s.interval <= 0 {
		return
	}
	// Created before the goroutine so a mock clock sees it immediately.
	ticker := s.clock.Ticker(s.interval)

	s.loop.Add(1)
	go func() {
		defer s.loop.Done()
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				if err := s.Maintain(); err != nil {
					logger.Warn("storage maintenance failed", "error", err)
				}
			}
		}
	}()
}
