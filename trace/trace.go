// Package trace registers "sqlite-trace", a modernc.org/sqlite driver that
// logs every Exec and Query through slog and reports its duration to an
// optional Observer:
//
//	import _ "github.com/hazyhaar/webtex/trace"
//	db, _ := dbopen.Open("webtex.db", dbopen.WithDriver(trace.DriverName))
//
// Levels: Debug, Warn above 100ms, Error on failure. Trace IDs come from
// kit.GetTraceID, correlating queries with control API requests.
package trace

import (
	"database/sql"
	"sync"
	"time"

	sqlite "modernc.org/sqlite"
)

// DriverName is the database/sql name of the tracing driver.
const DriverName = "sqlite-trace"

// Observer receives one call per traced statement. op is "exec" or
// "query".
type Observer func(op string, d time.Duration, err error)

var (
	observer   Observer
	observerMu sync.RWMutex
)

// SetObserver installs fn for every sqlite-trace connection. nil removes it.
func SetObserver(fn Observer) {
	observerMu.Lock()
	observer = fn
	observerMu.Unlock()
}

func getObserver() Observer {
	observerMu.RLock()
	defer observerMu.RUnlock()
	return observer
}

func init() {
	sql.Register(DriverName, &TracingDriver{
		Driver: &sqlite.Driver{},
	})
}
