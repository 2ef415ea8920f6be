// Package sqlite implements store.Store on a single embedded SQLite file.
// WAL journaling, a 3 s busy timeout and foreign keys are set through the
// DSN; all writes are serialized through one connection.
package sqlite

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/climpire/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store implements store.Store.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the database at path and brings the
// schema up to date.
func Open(path string, logger *slog.Logger) (*Store, error) {
	s, err := OpenRaw(path, logger)
	if err != nil {
		return nil, err
	}
	if err := s.migrateUp(); err != nil {
		s.db.Close()
		return nil, err
	}
	s.applyAdditiveMigrations()
	return s, nil
}

// OpenRaw opens the database without touching the schema. The migrate
// and doctor commands use it to inspect or repair state that Open would
// auto-migrate; a dirty version in particular makes Open fail.
func OpenRaw(path string, logger *slog.Logger) (*Store, error) {
	dsn := path + "?_pragma=busy_timeout(3000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	// One connection keeps the store single-writer and makes every
	// operation see its own prior writes.
	db.SetMaxOpenConns(1)

	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger.With("component", "store")}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the handle for the migrate CLI command.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) migrateUp() error {
	m, err := s.migrator()
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("sqlite: migrate up: %w", err)
	}
	return nil
}

// MigrateVersion reports the current migration version and dirty flag.
func (s *Store) MigrateVersion() (uint, bool, error) {
	m, err := s.migrator()
	if err != nil {
		return 0, false, err
	}
	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return v, dirty, err
}

// MigrateForce forces the migration version (recovery from a dirty state).
func (s *Store) MigrateForce(version int) error {
	m, err := s.migrator()
	if err != nil {
		return err
	}
	return m.Force(version)
}

func (s *Store) migrator() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("sqlite: migration source: %w", err)
	}
	drv, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("sqlite: migration driver: %w", err)
	}
	return migrate.NewWithInstance("iofs", src, "sqlite", drv)
}

// applyAdditiveMigrations attempts every column added since the base
// schema. The statements are safe to re-run: a duplicate-column error
// means the column is already there.
func (s *Store) applyAdditiveMigrations() {
	additive := []string{
		`ALTER TABLE agents ADD COLUMN avatar_emoji TEXT NOT NULL DEFAULT ''`,
		`ALTER TABLE agents ADD COLUMN personality TEXT NOT NULL DEFAULT ''`,
		`ALTER TABLE tasks ADD COLUMN task_type TEXT NOT NULL DEFAULT 'general'`,
		`ALTER TABLE tasks ADD COLUMN result TEXT NOT NULL DEFAULT ''`,
		`ALTER TABLE subtasks ADD COLUMN delegated_task_id TEXT`,
		`ALTER TABLE oauth_credentials ADD COLUMN access_token TEXT NOT NULL DEFAULT ''`,
		`ALTER TABLE oauth_credentials ADD COLUMN refresh_token TEXT NOT NULL DEFAULT ''`,
	}
	for _, stmt := range additive {
		_, _ = s.db.Exec(stmt)
	}
}

// --- shared helpers ---

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseTimePtr(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func strPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func nullable(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

// execMapUpdate builds "UPDATE <table> SET ... WHERE id = ?" from a column
// map. Keys are sorted for deterministic statements and restricted to
// plain identifiers.
func (s *Store) execMapUpdate(table, id string, updates map[string]any) error {
	if len(updates) == 0 {
		return nil
	}
	cols := make([]string, 0, len(updates))
	for k := range updates {
		if !isIdent(k) {
			return fmt.Errorf("sqlite: invalid column %q", k)
		}
		cols = append(cols, k)
	}
	sort.Strings(cols)

	set := make([]string, 0, len(cols))
	args := make([]any, 0, len(cols)+1)
	for _, c := range cols {
		set = append(set, c+" = ?")
		args = append(args, normalizeArg(updates[c]))
	}
	args = append(args, id)

	res, err := s.db.Exec("UPDATE "+table+" SET "+strings.Join(set, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return fmt.Errorf("sqlite: update %s: %w", table, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func normalizeArg(v any) any {
	switch t := v.(type) {
	case time.Time:
		return fmtTime(t)
	case *time.Time:
		return fmtTimePtr(t)
	case *string:
		return nullable(t)
	default:
		return v
	}
}

func isIdent(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if (r < 'a' || r > 'z') && r != '_' {
			return false
		}
	}
	return true
}
