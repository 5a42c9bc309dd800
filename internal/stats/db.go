package stats

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// DB manages the stats SQLite database and periodic flushing.
type DB struct {
	mu        sync.Mutex
	conn      *sqlite.Conn
	collector *Collector
	logger    *slog.Logger
	interval  time.Duration
	cancel    context.CancelFunc
	done      chan struct{}

	// Cumulative snapshots from the previous flush, used to compute deltas.
	lastClients    map[string]ClientSnapshot
	lastPathReqs   map[string]int64
	lastPathInject map[string]int64
}

// Open opens or creates a stats database at the given path.
func Open(dbPath string, collector *Collector, logger *slog.Logger, flushInterval time.Duration) (*DB, error) {
	conn, err := sqlite.OpenConn(dbPath, sqlite.OpenReadWrite|sqlite.OpenCreate)
	if err != nil {
		return nil, fmt.Errorf("open stats db: %w", err)
	}

	db := &DB{
		conn:           conn,
		collector:      collector,
		logger:         logger,
		interval:       flushInterval,
		done:           make(chan struct{}),
		lastClients:    make(map[string]ClientSnapshot),
		lastPathReqs:   make(map[string]int64),
		lastPathInject: make(map[string]int64),
	}

	if err := db.ensureSchema(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("stats schema: %w", err)
	}

	return db, nil
}

// Start begins the background flush loop.
func (db *DB) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	db.cancel = cancel

	go db.flushLoop(ctx)
}

// Close stops the flush loop, performs a final flush, and closes the database.
func (db *DB) Close() error {
	if db.cancel != nil {
		db.cancel()
		<-db.done
	}

	if err := db.Flush(); err != nil {
		db.logger.Error("final stats flush failed", "error", err)
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	return db.conn.Close()
}

func (db *DB) flushLoop(ctx context.Context) {
	defer close(db.done)

	ticker := time.NewTicker(db.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := db.Flush(); err != nil {
				db.logger.Error("stats flush failed", "error", err)
			}
		}
	}
}

// Flush computes deltas since the last flush and writes them to SQLite.
func (db *DB) Flush() (err error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	hour := time.Now().UTC().Truncate(time.Hour).Format("2006-01-02T15")

	defer sqlitex.Save(db.conn)(&err)

	currentClients := make(map[string]ClientSnapshot)
	for _, cs := range db.collector.SnapshotClients() {
		currentClients[cs.IP] = cs
		prev := db.lastClients[cs.IP]
		dReqs := cs.Requests - prev.Requests
		dInj := cs.Injected - prev.Injected
		dOut := cs.BytesOut - prev.BytesOut
		if dReqs == 0 && dInj == 0 && dOut == 0 {
			continue
		}
		err = sqlitex.Execute(db.conn, `
			INSERT INTO traffic_hourly (hour, client_ip, requests, injected, bytes_out)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (hour, client_ip) DO UPDATE SET
				requests  = requests  + excluded.requests,
				injected  = injected  + excluded.injected,
				bytes_out = bytes_out + excluded.bytes_out
		`, &sqlitex.ExecOptions{
			Args: []any{hour, cs.IP, dReqs, dInj, dOut},
		})
		if err != nil {
			return fmt.Errorf("upsert traffic_hourly: %w", err)
		}
	}

	reqs, err := db.flushPathCounts("path_requests", db.collector.SnapshotPathRequests(), db.lastPathReqs)
	if err != nil {
		return err
	}
	injs, err := db.flushPathCounts("path_injections", db.collector.SnapshotPathInjections(), db.lastPathInject)
	if err != nil {
		return err
	}

	// Only advance the baselines once every write has succeeded.
	db.lastClients = currentClients
	db.lastPathReqs = reqs
	db.lastPathInject = injs

	return nil
}

// flushPathCounts upserts per-path deltas into table and returns the new
// cumulative baseline. table is one of the fixed schema names.
func (db *DB) flushPathCounts(table string, current []PathCount, last map[string]int64) (map[string]int64, error) {
	next := make(map[string]int64, len(current))
	for _, pc := range current {
		next[pc.Path] = pc.Count
		delta := pc.Count - last[pc.Path]
		if delta == 0 {
			continue
		}
		err := sqlitex.Execute(db.conn, `
			INSERT INTO `+table+` (path, count)
			VALUES (?, ?)
			ON CONFLICT (path) DO UPDATE SET
				count = count + excluded.count
		`, &sqlitex.ExecOptions{
			Args: []any{pc.Path, delta},
		})
		if err != nil {
			return nil, fmt.Errorf("upsert %s: %w", table, err)
		}
	}
	return next, nil
}

// MergedTopPaths returns the top n requested paths by merging DB totals
// with unflushed in-memory deltas.
func (db *DB) MergedTopPaths(n int) []PathCount {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.mergedTop("path_requests", db.collector.SnapshotPathRequests(), db.lastPathReqs, n)
}

// MergedTopInjected returns the top n injected paths by merging DB totals
// with unflushed in-memory deltas.
func (db *DB) MergedTopInjected(n int) []PathCount {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.mergedTop("path_injections", db.collector.SnapshotPathInjections(), db.lastPathInject, n)
}

func (db *DB) mergedTop(table string, current []PathCount, last map[string]int64, n int) []PathCount {
	merged := make(map[string]int64)

	_ = sqlitex.Execute(db.conn, `SELECT path, count FROM `+table, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			merged[stmt.ColumnText(0)] = stmt.ColumnInt64(1)
			return nil
		},
	})

	for _, pc := range current {
		if delta := pc.Count - last[pc.Path]; delta > 0 {
			merged[pc.Path] += delta
		}
	}

	out := make([]PathCount, 0, len(merged))
	for p, c := range merged {
		out = append(out, PathCount{Path: p, Count: c})
	}
	return topN(out, n)
}

// MergedTopClients returns the top n clients by merging DB totals
// with unflushed in-memory deltas.
func (db *DB) MergedTopClients(n int) []ClientSnapshot {
	db.mu.Lock()
	defer db.mu.Unlock()
	merged := make(map[string]*ClientSnapshot)

	_ = sqlitex.Execute(db.conn, `
		SELECT client_ip, SUM(requests), SUM(injected), SUM(bytes_out)
		FROM traffic_hourly
		GROUP BY client_ip
	`, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			cs := ClientSnapshot{
				IP:       stmt.ColumnText(0),
				Requests: stmt.ColumnInt64(1),
				Injected: stmt.ColumnInt64(2),
				BytesOut: stmt.ColumnInt64(3),
			}
			merged[cs.IP] = &cs
			return nil
		},
	})

	for _, cs := range db.collector.SnapshotClients() {
		prev := db.lastClients[cs.IP]
		dReqs := cs.Requests - prev.Requests
		dInj := cs.Injected - prev.Injected
		dOut := cs.BytesOut - prev.BytesOut
		if existing, ok := merged[cs.IP]; ok {
			existing.Requests += dReqs
			existing.Injected += dInj
			existing.BytesOut += dOut
		} else if dReqs > 0 || dOut > 0 {
			merged[cs.IP] = &ClientSnapshot{
				IP:       cs.IP,
				Requests: dReqs,
				Injected: dInj,
				BytesOut: dOut,
			}
		}
	}

	result := make([]ClientSnapshot, 0, len(merged))
	for _, cs := range merged {
		result = append(result, *cs)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Requests != result[j].Requests {
			return result[i].Requests > result[j].Requests
		}
		return result[i].IP < result[j].IP
	})

	if n > 0 && len(result) > n {
		result = result[:n]
	}
	return result
}

// TrafficTotalsSince returns aggregate persisted traffic within a time window.
// Unflushed in-memory counts are not included.
func (db *DB) TrafficTotalsSince(since time.Time) (requests, injected, bytesOut int64) {
	db.mu.Lock()
	defer db.mu.Unlock()
	sinceHour := since.UTC().Truncate(time.Hour).Format("2006-01-02T15")
	_ = sqlitex.Execute(db.conn, `
		SELECT COALESCE(SUM(requests), 0),
			COALESCE(SUM(injected), 0),
			COALESCE(SUM(bytes_out), 0)
		FROM traffic_hourly
		WHERE hour >= ?
	`, &sqlitex.ExecOptions{
		Args: []any{sinceHour},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			requests = stmt.ColumnInt64(0)
			injected = stmt.ColumnInt64(1)
			bytesOut = stmt.ColumnInt64(2)
			return nil
		},
	})
	return requests, injected, bytesOut
}

func (db *DB) ensureSchema() error {
	return sqlitex.ExecuteScript(db.conn, `
		CREATE TABLE IF NOT EXISTS traffic_hourly (
			hour      TEXT NOT NULL,
			client_ip TEXT NOT NULL,
			requests  INTEGER NOT NULL DEFAULT 0,
			injected  INTEGER NOT NULL DEFAULT 0,
			bytes_out INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (hour, client_ip)
		) WITHOUT ROWID;

		CREATE TABLE IF NOT EXISTS path_requests (
			path  TEXT NOT NULL PRIMARY KEY,
			count INTEGER NOT NULL DEFAULT 0
		) WITHOUT ROWID;

		CREATE TABLE IF NOT EXISTS path_injections (
			path  TEXT NOT NULL PRIMARY KEY,
			count INTEGER NOT NULL DEFAULT 0
		) WITHOUT ROWID;

		CREATE INDEX IF NOT EXISTS idx_traffic_hourly_hour ON traffic_hourly(hour);
	`, nil)
}
