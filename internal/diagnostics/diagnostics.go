// Package diagnostics is an append-only sqlite log of quote-debug and
// provider-probe calls, kept separate from the swap registry's JSON state
// (which is the authoritative, atomically-replaced swap store) — this is
// strictly an operator troubleshooting aid.
package diagnostics

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/klingon-exchange/xmrswap/pkg/logging"
)

var log = logging.GetDefault().Component("diagnostics")

// Log is a durable, append-only record of quote-debug and provider-probe
// calls.
type Log struct {
	db *sql.DB
}

// Open creates (if needed) and opens the sqlite database at path.
func Open(path string) (*Log, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("create diagnostics directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open diagnostics database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping diagnostics database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	l := &Log{db: db}
	if err := l.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init diagnostics schema: %w", err)
	}
	return l, nil
}

// Close closes the underlying database connection.
func (l *Log) Close() error {
	return l.db.Close()
}

func (l *Log) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS quote_debug_calls (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		in_asset TEXT NOT NULL,
		in_network TEXT,
		out_asset TEXT NOT NULL,
		out_network TEXT,
		amount REAL NOT NULL,
		route_count INTEGER NOT NULL,
		per_provider_raw TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_quote_debug_created ON quote_debug_calls(created_at);

	CREATE TABLE IF NOT EXISTS provider_probe_calls (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		provider TEXT NOT NULL,
		from_asset TEXT NOT NULL,
		to_asset TEXT NOT NULL,
		accepted_from_network TEXT,
		accepted_to_network TEXT,
		ok INTEGER NOT NULL,
		error TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_provider_probe_created ON provider_probe_calls(created_at);
	`
	_, err := l.db.Exec(schema)
	return err
}

// ProviderEstimate is one provider's raw estimate result, as recorded for a
// quote-debug call.
type ProviderEstimate struct {
	Provider string          `json:"provider"`
	ToAmount float64         `json:"to_amount"`
	Err      string          `json:"err,omitempty"`
	Raw      json.RawMessage `json:"raw,omitempty"`
}

// RecordQuoteDebug appends one quote-debug call.
func (l *Log) RecordQuoteDebug(inAsset, inNetwork, outAsset, outNetwork string, amount float64, routeCount int, perProvider []ProviderEstimate) {
	raw, err := json.Marshal(perProvider)
	if err != nil {
		log.Warn("marshal quote-debug per-provider payload", "err", err)
		raw = []byte("[]")
	}
	_, err = l.db.Exec(
		`INSERT INTO quote_debug_calls (in_asset, in_network, out_asset, out_network, amount, route_count, per_provider_raw, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		inAsset, inNetwork, outAsset, outNetwork, amount, routeCount, string(raw), nowUnix(),
	)
	if err != nil {
		log.Warn("record quote-debug call", "err", err)
	}
}

// RecordProviderProbe appends one provider-probe call.
func (l *Log) RecordProviderProbe(providerName, fromAsset, toAsset, acceptedFromNet, acceptedToNet string, ok bool, probeErr error) {
	errText := ""
	if probeErr != nil {
		errText = probeErr.Error()
	}
	okInt := 0
	if ok {
		okInt = 1
	}
	_, err := l.db.Exec(
		`INSERT INTO provider_probe_calls (provider, from_asset, to_asset, accepted_from_network, accepted_to_network, ok, error, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		providerName, fromAsset, toAsset, acceptedFromNet, acceptedToNet, okInt, errText, nowUnix(),
	)
	if err != nil {
		log.Warn("record provider-probe call", "err", err)
	}
}

// RecentQuoteDebugCount returns how many quote-debug calls have been logged
// within the last window.
func (l *Log) RecentQuoteDebugCount(window time.Duration) (int, error) {
	var n int
	cutoff := nowUnix() - int64(window/time.Second)
	err := l.db.QueryRow(`SELECT COUNT(*) FROM quote_debug_calls WHERE created_at >= ?`, cutoff).Scan(&n)
	return n, err
}

// nowUnix is a var so tests can stub the clock without touching Date.now-style
// globals elsewhere in the daemon.
var nowUnix = func() int64 { return time.Now().Unix() }
