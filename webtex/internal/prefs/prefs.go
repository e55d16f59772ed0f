// Package prefs is the key-value storage collaborator: the persisted global
// enabled flag and per-site overrides, in SQLite. Every write appends to a
// change log whose highest id is the version a watch.Watcher polls to emit
// the preference-changed broadcast.
package prefs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/webtex/dbopen"
	"github.com/hazyhaar/webtex/watch"
)

// KeyGlobalEnabled is the global flag key.
const KeyGlobalEnabled = "globalEnabled"

// Schema creates the preference tables.
const Schema = `
CREATE TABLE IF NOT EXISTS prefs (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS site_prefs (
	host       TEXT PRIMARY KEY,
	enabled    INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS prefs_changes (
	id  INTEGER PRIMARY KEY AUTOINCREMENT,
	key TEXT NOT NULL,
	at  INTEGER NOT NULL
);
`

// Store reads and writes preferences.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the preference database at path. opts
// are passed to dbopen after the defaults.
func Open(path string, logger *slog.Logger, opts ...dbopen.Option) (*Store, error) {
	opts = append([]dbopen.Option{dbopen.WithMkdirAll(), dbopen.WithSchema(Schema)}, opts...)
	db, err := dbopen.Open(path, opts...)
	if err != nil {
		return nil, fmt.Errorf("prefs: open: %w", err)
	}
	return &Store{db: db, logger: orDefault(logger)}, nil
}

// New wraps an open database, applying the schema.
func New(db *sql.DB, logger *slog.Logger) (*Store, error) {
	if _, err := db.Exec(Schema); err != nil {
		return nil, fmt.Errorf("prefs: schema: %w", err)
	}
	return &Store{db: db, logger: orDefault(logger)}, nil
}

func orDefault(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}

// DB returns the underlying handle.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// GlobalEnabled returns the global flag, true when never set.
func (s *Store) GlobalEnabled(ctx context.Context) (bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM prefs WHERE key = ?`, KeyGlobalEnabled).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return true, fmt.Errorf("prefs: read %s: %w", KeyGlobalEnabled, err)
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return true, fmt.Errorf("prefs: parse %s=%q: %w", KeyGlobalEnabled, v, err)
	}
	return b, nil
}

// SetGlobalEnabled persists the global flag.
func (s *Store) SetGlobalEnabled(ctx context.Context, enabled bool) error {
	return dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		now := time.Now().UnixMilli()
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO prefs (key, value, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			KeyGlobalEnabled, strconv.FormatBool(enabled), now); err != nil {
			return fmt.Errorf("prefs: write %s: %w", KeyGlobalEnabled, err)
		}
		return logChange(ctx, tx, KeyGlobalEnabled, now)
	})
}

// BaseHost reduces a hostname to its last two labels.
func BaseHost(hostname string) string {
	h := strings.TrimSuffix(strings.ToLower(hostname), ".")
	parts := strings.Split(h, ".")
	if len(parts) > 2 {
		return strings.Join(parts[len(parts)-2:], ".")
	}
	return h
}

// HostEnabled returns the override for hostname's base host.
func (s *Store) HostEnabled(ctx context.Context, hostname string) (enabled, set bool, err error) {
	var v int
	err = s.db.QueryRowContext(ctx, `SELECT enabled FROM site_prefs WHERE host = ?`, BaseHost(hostname)).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return false, false, nil
	}
	if err != nil {
		return false, false, fmt.Errorf("prefs: read site %s: %w", hostname, err)
	}
	return v != 0, true, nil
}

// SetHostEnabled stores an override for hostname's base host.
func (s *Store) SetHostEnabled(ctx context.Context, hostname string, enabled bool) error {
	host := BaseHost(hostname)
	if host == "" {
		return fmt.Errorf("prefs: empty host")
	}
	return dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		now := time.Now().UnixMilli()
		v := 0
		if enabled {
			v = 1
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO site_prefs (host, enabled, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT(host) DO UPDATE SET enabled = excluded.enabled, updated_at = excluded.updated_at`,
			host, v, now); err != nil {
			return fmt.Errorf("prefs: write site %s: %w", host, err)
		}
		return logChange(ctx, tx, "site:"+host, now)
	})
}

// ClearHost removes the override for hostname's base host.
func (s *Store) ClearHost(ctx context.Context, hostname string) error {
	host := BaseHost(hostname)
	return dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM site_prefs WHERE host = ?`, host)
		if err != nil {
			return fmt.Errorf("prefs: clear site %s: %w", host, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		return logChange(ctx, tx, "site:"+host, time.Now().UnixMilli())
	})
}

// ToggleHost flips the site flag: a site without an explicit enable gets
// one, a site with one loses it. It returns the new effective state.
func (s *Store) ToggleHost(ctx context.Context, hostname string) (bool, error) {
	enabled, set, err := s.HostEnabled(ctx, hostname)
	if err != nil {
		return false, err
	}
	if set && enabled {
		return false, s.ClearHost(ctx, hostname)
	}
	return true, s.SetHostEnabled(ctx, hostname, true)
}

// Hosts returns every site override.
func (s *Store) Hosts(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT host, enabled FROM site_prefs ORDER BY host`)
	if err != nil {
		return nil, fmt.Errorf("prefs: list sites: %w", err)
	}
	defer rows.Close()
	out := make(map[string]bool)
	for rows.Next() {
		var h string
		var v int
		if err := rows.Scan(&h, &v); err != nil {
			return nil, fmt.Errorf("prefs: scan site: %w", err)
		}
		out[h] = v != 0
	}
	return out, rows.Err()
}

func logChange(ctx context.Context, tx *sql.Tx, key string, at int64) error {
	if _, err := tx.ExecContext(ctx, `INSERT INTO prefs_changes (key, at) VALUES (?, ?)`, key, at); err != nil {
		return fmt.Errorf("prefs: log change: %w", err)
	}
	return nil
}

// Detector is the watch.ChangeDetector for the change log.
var Detector = watch.MaxColumnDetector("prefs_changes", "id")

// Version returns the current change-log version.
func (s *Store) Version(ctx context.Context) (int64, error) {
	return Detector(ctx, s.db)
}

// Watch calls fn after each committed preference change until ctx is
// cancelled. It blocks.
func (s *Store) Watch(ctx context.Context, interval, debounce time.Duration, fn func()) {
	w := watch.New(s.db, watch.Options{
		Interval: interval,
		Debounce: debounce,
		Detector: Detector,
		Logger:   s.logger,
	})
	w.OnChange(ctx, func() error {
		fn()
		return nil
	})
}
