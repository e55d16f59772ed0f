package trace

import (
	"context"
	"database/sql/driver"
	"log/slog"
	"strings"
	"time"

	"github.com/hazyhaar/webtex/kit"
)

// slowQuery is the duration above which a statement logs at Warn.
const slowQuery = 100 * time.Millisecond

// TracingDriver wraps a driver so that every statement it prepares is
// timed. The wrapped connection exposes Prepare only, which makes
// database/sql send plain Exec and Query calls through a prepared stmt.
type TracingDriver struct {
	driver.Driver
}

// Open opens a traced connection.
func (d *TracingDriver) Open(name string) (driver.Conn, error) {
	c, err := d.Driver.Open(name)
	if err != nil {
		return nil, err
	}
	return conn{c}, nil
}

type conn struct{ driver.Conn }

func (c conn) Prepare(query string) (driver.Stmt, error) {
	return c.PrepareContext(context.Background(), query)
}

func (c conn) PrepareContext(ctx context.Context, query string) (driver.Stmt, error) {
	var (
		st  driver.Stmt
		err error
	)
	if p, ok := c.Conn.(driver.ConnPrepareContext); ok {
		st, err = p.PrepareContext(ctx, query)
	} else {
		st, err = c.Conn.Prepare(query)
	}
	if err != nil {
		return nil, err
	}
	return &stmt{Stmt: st, query: query}, nil
}

type stmt struct {
	driver.Stmt
	query string
}

func (s *stmt) Exec(args []driver.Value) (res driver.Result, err error) {
	done := s.since(context.Background(), "exec", time.Now())
	defer func() { done(err) }()
	return s.Stmt.Exec(args)
}

func (s *stmt) Query(args []driver.Value) (rows driver.Rows, err error) {
	done := s.since(context.Background(), "query", time.Now())
	defer func() { done(err) }()
	return s.Stmt.Query(args)
}

func (s *stmt) ExecContext(ctx context.Context, args []driver.NamedValue) (res driver.Result, err error) {
	done := s.since(ctx, "exec", time.Now())
	defer func() { done(err) }()
	if e, ok := s.Stmt.(driver.StmtExecContext); ok {
		return e.ExecContext(ctx, args)
	}
	return s.Stmt.Exec(values(args))
}

func (s *stmt) QueryContext(ctx context.Context, args []driver.NamedValue) (rows driver.Rows, err error) {
	done := s.since(ctx, "query", time.Now())
	defer func() { done(err) }()
	if q, ok := s.Stmt.(driver.StmtQueryContext); ok {
		return q.QueryContext(ctx, args)
	}
	return s.Stmt.Query(values(args))
}

// since returns the completion hook of one statement started at start.
func (s *stmt) since(ctx context.Context, op string, start time.Time) func(error) {
	return func(err error) { s.record(ctx, op, time.Since(start), err) }
}

func (s *stmt) record(ctx context.Context, op string, d time.Duration, err error) {
	if fn := getObserver(); fn != nil {
		fn(op, d, err)
	}
	if err == nil && d < 10*time.Millisecond && strings.HasPrefix(s.query, "PRAGMA ") {
		return
	}
	level := slog.LevelDebug
	switch {
	case err != nil:
		level = slog.LevelError
	case d > slowQuery:
		level = slog.LevelWarn
	}
	logger := slog.Default()
	if !logger.Enabled(ctx, level) {
		return
	}
	attrs := make([]slog.Attr, 0, 5)
	attrs = append(attrs, slog.String("op", op), slog.String("query", s.query), slog.Duration("duration", d))
	if id := kit.GetTraceID(ctx); id != "" {
		attrs = append(attrs, slog.String("trace_id", id))
	}
	if err != nil {
		attrs = append(attrs, slog.Any("error", err))
	}
	logger.LogAttrs(ctx, level, "trace: statement", attrs...)
}

func values(named []driver.NamedValue) []driver.Value {
	out := make([]driver.Value, len(named))
	for i := range named {
		out[i] = named[i].Value
	}
	return out
}
