package dbopen_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/webtex/dbopen"
)

func pragma(t *testing.T, db *sql.DB, name string) string {
	t.Helper()
	var v string
	if err := db.QueryRow("PRAGMA " + name).Scan(&v); err != nil {
		t.Fatalf("PRAGMA %s: %v", name, err)
	}
	return v
}

func TestOpen_Pragmas(t *testing.T) {
	db, err := dbopen.Open(filepath.Join(t.TempDir(), "prefs.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	want := map[string]string{
		"journal_mode": "wal",
		"foreign_keys": "1",
		"synchronous":  "1",
		"busy_timeout": "10000",
	}
	for name, v := range want {
		if got := pragma(t, db, name); got != v {
			t.Errorf("%s = %q, want %q", name, got, v)
		}
	}
}

func TestOpen_PragmasOnEveryConnection(t *testing.T) {
	db, err := dbopen.Open(filepath.Join(t.TempDir(), "pool.db"), dbopen.WithBusyTimeout(2500))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	ctx := context.Background()
	c1, err := db.Conn(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer c1.Close()
	c2, err := db.Conn(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer c2.Close()
	for i, c := range []*sql.Conn{c1, c2} {
		var bt int
		if err := c.QueryRowContext(ctx, "PRAGMA busy_timeout").Scan(&bt); err != nil {
			t.Fatal(err)
		}
		if bt != 2500 {
			t.Errorf("conn %d: busy_timeout = %d, want 2500", i, bt)
		}
	}
}

func TestDSN(t *testing.T) {
	got := dbopen.DSN("webtex.db", 500)
	if !strings.HasPrefix(got, "webtex.db?_pragma=") || !strings.Contains(got, "busy_timeout%28500%29") {
		t.Fatalf("DSN = %q", got)
	}
}

func TestOpenMemory(t *testing.T) {
	db := dbopen.OpenMemory(t)
	if err := db.Ping(); err != nil {
		t.Fatal(err)
	}
	if got := db.Stats().MaxOpenConnections; got != 1 {
		t.Fatalf("MaxOpenConnections = %d, want 1", got)
	}
}

func TestOpen_BadSchema(t *testing.T) {
	_, err := dbopen.Open(filepath.Join(t.TempDir(), "bad.db"), dbopen.WithSchema("CREATE NONSENSE"))
	if err == nil {
		t.Fatal("expected schema error")
	}
}

func TestWithSchema(t *testing.T) {
	db := dbopen.OpenMemory(t,
		dbopen.WithSchema(`CREATE TABLE prefs (key TEXT PRIMARY KEY, value TEXT)`),
		dbopen.WithSchema(`INSERT INTO prefs VALUES ('globalEnabled', 'true')`),
	)
	var v string
	if err := db.QueryRow(`SELECT value FROM prefs WHERE key = 'globalEnabled'`).Scan(&v); err != nil {
		t.Fatal(err)
	}
	if v != "true" {
		t.Fatalf("value = %q", v)
	}
}

func TestWithMkdirAll(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "webtex", "prefs.db")
	db, err := dbopen.Open(path, dbopen.WithMkdirAll())
	if err != nil {
		t.Fatal(err)
	}
	db.Close()
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("database file: %v", err)
	}
}

func TestIsBusy(t *testing.T) {
	busy := []string{"SQLITE_BUSY", "database is locked (5) (SQLITE_BUSY)", "database table is locked"}
	for _, m := range busy {
		if !dbopen.IsBusy(errors.New(m)) {
			t.Errorf("IsBusy(%q) = false", m)
		}
	}
	if dbopen.IsBusy(nil) || dbopen.IsBusy(errors.New("UNIQUE constraint failed")) {
		t.Error("IsBusy true for a non-busy error")
	}
}

func TestRunTx_CommitAndRollback(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(`CREATE TABLE hosts (host TEXT PRIMARY KEY)`))
	ctx := context.Background()
	if err := dbopen.RunTx(ctx, db, func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO hosts VALUES ('example.org')`)
		return err
	}); err != nil {
		t.Fatal(err)
	}
	boom := errors.New("boom")
	if err := dbopen.RunTx(ctx, db, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO hosts VALUES ('example.com')`); err != nil {
			return err
		}
		return boom
	}); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM hosts`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("rows = %d, want 1", n)
	}
}

func TestRunTx_Cancelled(t *testing.T) {
	db := dbopen.OpenMemory(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := dbopen.RunTx(ctx, db, func(*sql.Tx) error { return nil }); err == nil {
		t.Fatal("expected an error on a cancelled context")
	}
}

func TestRunTx_NonBusyErrorNotRetried(t *testing.T) {
	db := dbopen.OpenMemory(t)
	calls := 0
	err := dbopen.RunTx(context.Background(), db, func(tx *sql.Tx) error {
		calls++
		return fmt.Errorf("constraint failed")
	})
	if err == nil || calls != 1 {
		t.Fatalf("calls = %d, err = %v; want 1 call and an error", calls, err)
	}
}

func TestRunTx_RetriesBusy(t *testing.T) {
	db := dbopen.OpenMemory(t)
	calls := 0
	err := dbopen.RunTx(context.Background(), db, func(tx *sql.Tx) error {
		calls++
		if calls < 3 {
			return errors.New("database is locked")
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Fatalf("calls = %d, err = %v; want 3 calls and nil", calls, err)
	}
}

func TestWithDriver_Unknown(t *testing.T) {
	if _, err := dbopen.Open(":memory:", dbopen.WithDriver("no-such-driver")); err == nil {
		t.Fatal("expected error for an unregistered driver")
	}
}
