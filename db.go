package captioner

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/chriskillpack/captioner/provider"
	"github.com/google/uuid"
	"github.com/tailscale/squibble"
	_ "modernc.org/sqlite"
)

//go:embed db/latest_schema.sql
var dbSchema string

var schema = &squibble.Schema{
	Current: dbSchema,
}

// MaxHistory is the number of history entries kept, newest first.
const MaxHistory = 100

type DB struct {
	mu sync.Mutex
	db *sql.DB

	filepath string
	now      func() time.Time
}

// HistoryEntry is one persisted caption. Timestamps are kept to the
// millisecond and serialized as Unix milliseconds.
type HistoryEntry struct {
	ID        string
	ImageURL  string
	Caption   string
	Tone      provider.Tone
	Language  string
	PageURL   string
	Provider  provider.Kind
	Timestamp time.Time
}

// HistoryStats summarizes the history for display.
type HistoryStats struct {
	Today int `json:"today"`
	Total int `json:"total"`
}

func (db *DB) Close() {
	db.mu.Lock()
	defer db.mu.Unlock()

	db.db.Close()
}

func NewDB(ctx context.Context, fname string) (*DB, error) {
	// Open the DB but flip on the cleaner timestamps from Go
	sqldb, err := sql.Open("sqlite", fname+"?_time_format=sqlite")
	if err != nil {
		return nil, err
	}
	// Each connection to :memory: is its own database
	if fname == ":memory:" {
		sqldb.SetMaxOpenConns(1)
	}
	if err := sqldb.PingContext(ctx); err != nil {
		return nil, err
	}
	if err := schema.Apply(ctx, sqldb); err != nil {
		return nil, err
	}

	return &DB{db: sqldb, filepath: fname, now: time.Now}, nil
}

// AddHistory stores a new entry with a fresh id and the current time, then
// evicts the oldest entries beyond MaxHistory.
func (db *DB) AddHistory(ctx context.Context, e HistoryEntry) (HistoryEntry, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	e.ID = uuid.NewString()
	e.Timestamp = time.UnixMilli(db.now().UnixMilli()).UTC()

	txn, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return HistoryEntry{}, err
	}
	defer txn.Rollback()

	if err := insertHistory(ctx, txn, e); err != nil {
		return HistoryEntry{}, err
	}
	if err := trimHistory(ctx, txn); err != nil {
		return HistoryEntry{}, err
	}
	return e, txn.Commit()
}

func insertHistory(ctx context.Context, txn *sql.Tx, e HistoryEntry) error {
	_, err := txn.ExecContext(ctx,
		`INSERT INTO history (id, image_url, caption, tone, language, page_url, provider, timestamp)
		VALUES (?,?,?,?,?,?,?,?)`,
		e.ID, e.ImageURL, e.Caption, string(e.Tone), e.Language, e.PageURL, string(e.Provider), e.Timestamp.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert history %s: %w", e.ID, err)
	}
	return nil
}

func trimHistory(ctx context.Context, txn *sql.Tx) error {
	_, err := txn.ExecContext(ctx,
		`DELETE FROM history WHERE seq NOT IN (SELECT seq FROM history ORDER BY seq DESC LIMIT ?)`,
		MaxHistory)
	return err
}

// History returns all entries, most recent first.
func (db *DB) History(ctx context.Context) ([]HistoryEntry, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	rows, err := db.db.QueryContext(ctx,
		`SELECT id, image_url, caption, tone, language, page_url, provider, timestamp
		FROM history ORDER BY seq DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]HistoryEntry, 0)
	for rows.Next() {
		var (
			e          HistoryEntry
			tone, kind string
			ms         int64
		)
		if err := rows.Scan(&e.ID, &e.ImageURL, &e.Caption, &tone, &e.Language, &e.PageURL, &kind, &ms); err != nil {
			return nil, err
		}
		e.Tone = provider.Tone(tone)
		e.Provider = provider.Kind(kind)
		e.Timestamp = time.UnixMilli(ms).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// SearchHistory returns the entries whose caption contains term, ignoring
// case, most recent first. An empty term matches everything.
func (db *DB) SearchHistory(ctx context.Context, term string) ([]HistoryEntry, error) {
	entries, err := db.History(ctx)
	if err != nil {
		return nil, err
	}
	term = strings.ToLower(strings.TrimSpace(term))
	if term == "" {
		return entries, nil
	}

	// SQLite's lower() only folds ASCII so match in Go
	matched := entries[:0]
	for _, e := range entries {
		if strings.Contains(strings.ToLower(e.Caption), term) {
			matched = append(matched, e)
		}
	}
	return matched, nil
}

func (db *DB) ClearHistory(ctx context.Context) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	_, err := db.db.ExecContext(ctx, `DELETE FROM history`)
	return err
}

// HistoryStats counts all entries and those made on now's calendar day, in
// now's location.
func (db *DB) HistoryStats(ctx context.Context, now time.Time) (HistoryStats, error) {
	entries, err := db.History(ctx)
	if err != nil {
		return HistoryStats{}, err
	}

	stats := HistoryStats{Total: len(entries)}
	y, m, d := now.Date()
	for _, e := range entries {
		ey, em, ed := e.Timestamp.In(now.Location()).Date()
		if ey == y && em == m && ed == d {
			stats.Today++
		}
	}
	return stats, nil
}

// replaceHistory swaps the whole history for entries, given newest first.
// Entries keep their ids and timestamps; missing ones are generated.
func (db *DB) replaceHistory(ctx context.Context, txn *sql.Tx, entries []HistoryEntry) error {
	if _, err := txn.ExecContext(ctx, `DELETE FROM history`); err != nil {
		return err
	}

	entries = slices.Clone(entries[:min(len(entries), MaxHistory)])
	now := time.UnixMilli(db.now().UnixMilli()).UTC()
	seen := make(map[string]bool, len(entries))
	for i := range entries {
		if e := &entries[i]; e.ID == "" || seen[e.ID] {
			e.ID = uuid.NewString()
		}
		seen[entries[i].ID] = true
		if entries[i].Timestamp.IsZero() {
			entries[i].Timestamp = now
		}
	}

	// Oldest first so the newest entry gets the highest seq
	for _, e := range slices.Backward(entries) {
		if err := insertHistory(ctx, txn, e); err != nil {
			return err
		}
	}
	return nil
}
