package watch

import (
	"context"
	"database/sql"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	// One connection, one in-memory database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	if _, err := db.Exec("CREATE TABLE changes (id INTEGER PRIMARY KEY AUTOINCREMENT, key TEXT)"); err != nil {
		t.Fatal(err)
	}
	return db
}

func bump(t *testing.T, db *sql.DB) {
	t.Helper()
	if _, err := db.Exec("INSERT INTO changes (key) VALUES ('k')"); err != nil {
		t.Fatal(err)
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestMaxColumnDetector(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	det := MaxColumnDetector("changes", "id")
	v, err := det(ctx, db)
	if err != nil {
		t.Fatal(err)
	}
	if v != 0 {
		t.Fatalf("expected 0 for empty table, got %d", v)
	}

	bump(t, db)
	bump(t, db)
	v, err = det(ctx, db)
	if err != nil {
		t.Fatal(err)
	}
	if v != 2 {
		t.Fatalf("expected 2, got %d", v)
	}
}

func TestMaxColumnDetector_QuotesIdentifiers(t *testing.T) {
	db := testDB(t)
	if _, err := MaxColumnDetector(`changes"; DROP TABLE changes; --`, "id")(context.Background(), db); err == nil {
		t.Fatal("expected an error for an unknown table")
	}
	if _, err := MaxColumnDetector("changes", "id")(context.Background(), db); err != nil {
		t.Fatalf("changes table should survive: %v", err)
	}
}

func TestOnChange_FiresOnVersionChange(t *testing.T) {
	db := testDB(t)
	bump(t, db)

	var fired atomic.Int32
	w := New(db, Options{Interval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.OnChange(ctx, func() error {
		fired.Add(1)
		return nil
	})

	eventually(t, "baseline", func() bool { return w.Checks() > 0 })
	if got := fired.Load(); got != 0 {
		t.Fatalf("baseline must not fire, got %d", got)
	}

	bump(t, db)
	eventually(t, "first fire", func() bool { return fired.Load() == 1 })
	if w.Version() != 2 {
		t.Fatalf("version: got %d, want 2", w.Version())
	}

	bump(t, db)
	eventually(t, "second fire", func() bool { return fired.Load() == 2 })

	checks := w.Checks()
	eventually(t, "idle polls", func() bool { return w.Checks() > checks+3 })
	if got := fired.Load(); got != 2 {
		t.Fatalf("no change must not fire, got %d", got)
	}
}

func TestOnChange_Debounce(t *testing.T) {
	db := testDB(t)

	var fired atomic.Int32
	w := New(db, Options{Interval: 5 * time.Millisecond, Debounce: 100 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.OnChange(ctx, func() error {
		fired.Add(1)
		return nil
	})
	eventually(t, "baseline", func() bool { return w.Checks() > 0 })

	for range 5 {
		bump(t, db)
		time.Sleep(10 * time.Millisecond)
	}
	eventually(t, "debounced fire", func() bool { return fired.Load() >= 1 })
	time.Sleep(150 * time.Millisecond)
	if got := fired.Load(); got != 1 {
		t.Fatalf("burst should fire once, got %d", got)
	}
	if w.Version() != 5 {
		t.Fatalf("version: got %d, want 5", w.Version())
	}
}

func TestOnChange_ErrorKeepsVersion(t *testing.T) {
	db := testDB(t)

	var calls atomic.Int32
	w := New(db, Options{Interval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.OnChange(ctx, func() error {
		if calls.Add(1) == 1 {
			return errors.New("reload failed")
		}
		return nil
	})
	eventually(t, "baseline", func() bool { return w.Checks() > 0 })

	bump(t, db)
	eventually(t, "retry after failure", func() bool { return w.Fires() == 1 })
	if calls.Load() < 2 {
		t.Fatalf("expected a retry, got %d calls", calls.Load())
	}
	if w.Version() != 1 {
		t.Fatalf("version: got %d, want 1", w.Version())
	}
}

func TestOnChange_StopsOnCancel(t *testing.T) {
	db := testDB(t)
	w := New(db, Options{Interval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.OnChange(ctx, func() error { return nil })
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("OnChange did not return after cancel")
	}
}
