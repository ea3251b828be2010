package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/cocoa007/x402-nostr-relay/pkg/event"
	"github.com/cocoa007/x402-nostr-relay/pkg/storage"
)

// Options holds database configuration options
type Options struct {
	// MaxOpenConns is the maximum number of open connections to the database.
	// If MaxOpenConns is 0 or negative, there is no limit.
	MaxOpenConns int

	// MaxIdleConns is the maximum number of idle connections to the database.
	// If MaxIdleConns is negative, no idle connections are retained.
	MaxIdleConns int

	// ConnMaxLifetime sets the maximum duration of time that a database
	// connection may be reused.
	ConnMaxLifetime time.Duration

	// EnableWAL enables Write-Ahead Logging mode for better concurrency.
	// Recommended for production use.
	EnableWAL bool

	// CacheSize sets the database cache size in pages.
	// Negative values are KB (e.g. -2000 = 2MB cache).
	CacheSize int

	// BusyTimeout sets the busy timeout. Default is 5 seconds.
	BusyTimeout time.Duration
}

// DefaultOptions returns default database options
func DefaultOptions() *Options {
	return &Options{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		EnableWAL:       true,
		CacheSize:       -2000, // 2MB cache
		BusyTimeout:     5 * time.Second,
	}
}

// Store is the SQLite implementation of storage.Store
type Store struct {
	db *sql.DB
}

// Ensure Store implements storage.Store
var _ storage.Store = (*Store)(nil)

// New creates a new SQLite store with default options
func New(dbPath string) (*Store, error) {
	return NewWithOptions(dbPath, DefaultOptions())
}

// NewWithOptions creates a new SQLite store with custom options
func NewWithOptions(dbPath string, opts *Options) (*Store, error) {
	if opts == nil {
		opts = DefaultOptions()
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}

	if err := store.configurePerformance(opts); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure performance: %w", err)
	}

	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns >= 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// configurePerformance applies performance optimizations
func (s *Store) configurePerformance(opts *Options) error {
	if opts.EnableWAL {
		if _, err := s.db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
			return fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}

	if opts.CacheSize != 0 {
		if _, err := s.db.Exec(fmt.Sprintf("PRAGMA cache_size=%d;", opts.CacheSize)); err != nil {
			return fmt.Errorf("failed to set cache size: %w", err)
		}
	}

	if opts.BusyTimeout > 0 {
		timeoutMs := int(opts.BusyTimeout.Milliseconds())
		if _, err := s.db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d;", timeoutMs)); err != nil {
			return fmt.Errorf("failed to set busy timeout: %w", err)
		}
	}

	if _, err := s.db.Exec("PRAGMA foreign_keys=ON;"); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	// NORMAL is a good balance of safety and performance under WAL
	if _, err := s.db.Exec("PRAGMA synchronous=NORMAL;"); err != nil {
		return fmt.Errorf("failed to set synchronous mode: %w", err)
	}

	if _, err := s.db.Exec("PRAGMA temp_store=MEMORY;"); err != nil {
		return fmt.Errorf("failed to set temp store: %w", err)
	}

	return nil
}

// initSchema creates the necessary tables if they don't exist
func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at INTEGER NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

type migration struct {
	version int
	sql     string
}

var migrations = []migration{
	{
		version: 1,
		sql: `
		CREATE TABLE IF NOT EXISTS events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			pubkey TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			kind INTEGER NOT NULL,
			dkey TEXT NOT NULL DEFAULT '',
			tags TEXT,
			content TEXT NOT NULL,
			sig TEXT NOT NULL,
			raw TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_events_pubkey ON events(pubkey);
		CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind);
		CREATE INDEX IF NOT EXISTS idx_events_created_at ON events(created_at);
		CREATE INDEX IF NOT EXISTS idx_events_replace_key ON events(pubkey, kind, dkey);
		`,
	},
	{
		version: 2,
		sql: `
		CREATE TABLE IF NOT EXISTS consumed_proofs (
			id TEXT PRIMARY KEY,
			consumed_at INTEGER NOT NULL
		);
		`,
	},
	{
		version: 3,
		sql: `
		CREATE TABLE IF NOT EXISTS payouts (
			id TEXT PRIMARY KEY,
			recipient TEXT NOT NULL,
			address TEXT NOT NULL DEFAULT '',
			amount TEXT NOT NULL,
			event_id TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			tx_ref TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_payouts_recipient ON payouts(recipient);
		CREATE INDEX IF NOT EXISTS idx_payouts_event_id ON payouts(event_id);
		CREATE INDEX IF NOT EXISTS idx_payouts_status ON payouts(status);
		`,
	},
}

func (s *Store) runMigrations() error {
	for _, m := range migrations {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", m.version).Scan(&count)
		if err != nil {
			return fmt.Errorf("failed to check migration %d: %w", m.version, err)
		}

		if count > 0 {
			continue
		}

		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("failed to apply migration %d: %w", m.version, err)
		}

		_, err = s.db.Exec("INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)", m.version, time.Now().Unix())
		if err != nil {
			return fmt.Errorf("failed to record migration %d: %w", m.version, err)
		}
	}

	return nil
}

// SaveEvent admits an event under the retention-class rules. The whole
// admission, including replacement of an older row, runs in one transaction
// so readers never observe a half-applied replacement.
func (s *Store) SaveEvent(ctx context.Context, evt *event.Event) (bool, error) {
	if evt.Class() == event.ClassEphemeral {
		return true, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stored, err := admitTx(ctx, tx, evt)
	if err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return stored, nil
}

// SaveEventWithProof marks the payment proof consumed and admits the event
// in the same transaction. A crash can therefore never consume a proof
// without the admission outcome being durable as well.
func (s *Store) SaveEventWithProof(ctx context.Context, evt *event.Event, proofID string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var one int
	err = tx.QueryRowContext(ctx, "SELECT 1 FROM consumed_proofs WHERE id = ?", proofID).Scan(&one)
	if err == nil {
		return false, storage.ErrProofConsumed
	}
	if err != sql.ErrNoRows {
		return false, fmt.Errorf("failed to check proof: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO consumed_proofs (id, consumed_at) VALUES (?, ?)",
		proofID, time.Now().Unix())
	if err != nil {
		return false, fmt.Errorf("failed to consume proof: %w", err)
	}

	stored := false
	if evt.Class() == event.ClassEphemeral {
		stored = true
	} else {
		stored, err = admitTx(ctx, tx, evt)
		if err != nil {
			return false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return stored, nil
}

// admitTx applies duplicate rejection and replaceable conflict resolution,
// then inserts the event. Ephemeral events never reach this point.
func admitTx(ctx context.Context, tx *sql.Tx, evt *event.Event) (bool, error) {
	var one int
	err := tx.QueryRowContext(ctx, "SELECT 1 FROM events WHERE id = ?", evt.ID).Scan(&one)
	if err == nil {
		return false, nil // duplicate id, no-op
	}
	if err != sql.ErrNoRows {
		return false, fmt.Errorf("failed to check duplicate: %w", err)
	}

	dkey := ""
	switch evt.Class() {
	case event.ClassReplaceable:
		var oldID string
		var oldCreatedAt int64
		err := tx.QueryRowContext(ctx,
			"SELECT id, created_at FROM events WHERE pubkey = ? AND kind = ?",
			evt.PubKey, evt.Kind).Scan(&oldID, &oldCreatedAt)
		if err != nil && err != sql.ErrNoRows {
			return false, fmt.Errorf("failed to check replaceable row: %w", err)
		}
		if err == nil {
			if oldCreatedAt >= evt.CreatedAt {
				return false, nil // stale, existing row wins
			}
			if _, err := tx.ExecContext(ctx, "DELETE FROM events WHERE id = ?", oldID); err != nil {
				return false, fmt.Errorf("failed to delete replaced row: %w", err)
			}
		}
	case event.ClassParamReplaceable:
		dkey = evt.DTag()
		var oldID string
		var oldCreatedAt int64
		err := tx.QueryRowContext(ctx,
			"SELECT id, created_at FROM events WHERE pubkey = ? AND kind = ? AND dkey = ?",
			evt.PubKey, evt.Kind, dkey).Scan(&oldID, &oldCreatedAt)
		if err != nil && err != sql.ErrNoRows {
			return false, fmt.Errorf("failed to check replaceable row: %w", err)
		}
		if err == nil {
			if oldCreatedAt >= evt.CreatedAt {
				return false, nil
			}
			if _, err := tx.ExecContext(ctx, "DELETE FROM events WHERE id = ?", oldID); err != nil {
				return false, fmt.Errorf("failed to delete replaced row: %w", err)
			}
		}
	}

	tagsJSON, err := json.Marshal(evt.Tags)
	if err != nil {
		return false, fmt.Errorf("failed to encode tags: %w", err)
	}
	raw, err := json.Marshal(evt)
	if err != nil {
		return false, fmt.Errorf("failed to encode event: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO events (id, pubkey, created_at, kind, dkey, tags, content, sig, raw)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, evt.ID, evt.PubKey, evt.CreatedAt, evt.Kind, dkey, string(tagsJSON), evt.Content, evt.Sig, string(raw))
	if err != nil {
		return false, fmt.Errorf("failed to save event: %w", err)
	}

	return true, nil
}

type row struct {
	evt *event.Event
	seq int64
}

// QueryEvents retrieves events matching the filters (OR'd together).
func (s *Store) QueryEvents(ctx context.Context, filters []*event.Filter) ([]*event.Event, error) {
	if len(filters) == 0 {
		return []*event.Event{}, nil
	}

	var results []*row
	seen := make(map[string]bool)

	for _, filter := range filters {
		rows, err := s.queryFilter(ctx, filter)
		if err != nil {
			return nil, fmt.Errorf("failed to query filter: %w", err)
		}
		for _, r := range rows {
			if !seen[r.evt.ID] {
				results = append(results, r)
				seen[r.evt.ID] = true
			}
		}
	}

	// newest first; equal timestamps break by reverse insertion order
	sort.Slice(results, func(i, j int) bool {
		if results[i].evt.CreatedAt != results[j].evt.CreatedAt {
			return results[i].evt.CreatedAt > results[j].evt.CreatedAt
		}
		return results[i].seq > results[j].seq
	})

	limit := storage.MaxQueryLimit
	if filters[0].Limit != nil {
		// negative limits from the wire are treated as unset
		if l := *filters[0].Limit; l >= 0 && l < limit {
			limit = l
		}
	}
	if len(results) > limit {
		results = results[:limit]
	}

	events := make([]*event.Event, len(results))
	for i, r := range results {
		events[i] = r.evt
	}
	return events, nil
}

// queryFilter narrows the scan with the indexable fields in SQL and applies
// the full filter semantics (prefix matching, tag filters) in memory via
// Event.Matches, which SQL IN clauses cannot express.
func (s *Store) queryFilter(ctx context.Context, filter *event.Filter) ([]*row, error) {
	var conditions []string
	var args []interface{}

	if len(filter.Kinds) > 0 {
		placeholders := make([]string, len(filter.Kinds))
		for i, kind := range filter.Kinds {
			placeholders[i] = "?"
			args = append(args, kind)
		}
		conditions = append(conditions, "kind IN ("+strings.Join(placeholders, ",")+")")
	}

	if filter.Since != nil {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	if filter.Until != nil {
		conditions = append(conditions, "created_at <= ?")
		args = append(args, *filter.Until)
	}

	query := "SELECT raw, seq FROM events"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC, seq DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	var results []*row
	for rows.Next() {
		var raw string
		var seq int64
		if err := rows.Scan(&raw, &seq); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		evt := &event.Event{Tags: [][]string{}}
		if err := json.Unmarshal([]byte(raw), evt); err != nil {
			return nil, fmt.Errorf("failed to decode event: %w", err)
		}

		if evt.Matches(filter) {
			results = append(results, &row{evt: evt, seq: seq})
		}
	}

	return results, rows.Err()
}

// CountEvents returns the count of events matching the filters
func (s *Store) CountEvents(ctx context.Context, filters []*event.Filter) (int, error) {
	seen := make(map[string]bool)
	for _, filter := range filters {
		rows, err := s.queryFilter(ctx, filter)
		if err != nil {
			return 0, fmt.Errorf("failed to count filter: %w", err)
		}
		for _, r := range rows {
			seen[r.evt.ID] = true
		}
	}
	return len(seen), nil
}

// Size returns the number of currently stored events
func (s *Store) Size(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM events").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return count, nil
}

// IsProofConsumed reports whether a payment proof has been used
func (s *Store) IsProofConsumed(ctx context.Context, proofID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM consumed_proofs WHERE id = ?", proofID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check proof: %w", err)
	}
	return true, nil
}

// MarkProofConsumed records a payment proof as used
func (s *Store) MarkProofConsumed(ctx context.Context, proofID string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO consumed_proofs (id, consumed_at) VALUES (?, ?)",
		proofID, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to mark proof consumed: %w", err)
	}
	return nil
}

// RecordPayout appends a payout row
func (s *Store) RecordPayout(ctx context.Context, p *storage.Payout) error {
	id := p.ID
	if id == "" {
		id = uuid.NewString()
	}
	status := p.Status
	if status == "" {
		status = storage.PayoutPending
	}
	createdAt := p.CreatedAt
	if createdAt == 0 {
		createdAt = time.Now().Unix()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payouts (id, recipient, address, amount, event_id, status, tx_ref, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, id, p.Recipient, p.Address, p.Amount, p.EventID, status, p.TxRef, createdAt)
	if err != nil {
		return fmt.Errorf("failed to record payout: %w", err)
	}
	return nil
}

// ListPayouts returns payout rows, newest first
func (s *Store) ListPayouts(ctx context.Context, status string) ([]*storage.Payout, error) {
	query := "SELECT id, recipient, address, amount, event_id, status, tx_ref, created_at FROM payouts"
	var args []interface{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, status)
	}
	query += " ORDER BY created_at DESC, rowid DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list payouts: %w", err)
	}
	defer rows.Close()

	var payouts []*storage.Payout
	for rows.Next() {
		p := &storage.Payout{}
		if err := rows.Scan(&p.ID, &p.Recipient, &p.Address, &p.Amount, &p.EventID, &p.Status, &p.TxRef, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan payout: %w", err)
		}
		payouts = append(payouts, p)
	}
	return payouts, rows.Err()
}

// SettlePayout marks the payout rows created by an event as settled
func (s *Store) SettlePayout(ctx context.Context, eventID, txRef string) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE payouts SET status = ?, tx_ref = ? WHERE event_id = ? AND status = ?",
		storage.PayoutSettled, txRef, eventID, storage.PayoutPending)
	if err != nil {
		return fmt.Errorf("failed to settle payout: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to settle payout: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// SetPayoutAddress fills the destination on a recipient's pending rows
func (s *Store) SetPayoutAddress(ctx context.Context, recipient, address string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE payouts SET address = ? WHERE recipient = ? AND status = ? AND address = ''",
		address, recipient, storage.PayoutPending)
	if err != nil {
		return fmt.Errorf("failed to set payout address: %w", err)
	}
	return nil
}

// Persistent reports that this backend survives restarts
func (s *Store) Persistent() bool {
	return true
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Vacuum runs the SQLite VACUUM command to reclaim unused space.
// Run it during low-traffic periods.
func (s *Store) Vacuum(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
		return fmt.Errorf("failed to vacuum database: %w", err)
	}
	return nil
}

// Stats holds database statistics for monitoring
type Stats struct {
	EventCount     int64
	ConsumedProofs int64
	PendingPayouts int64
	DatabaseSizeKB int64
}

// GetStats returns database statistics
func (s *Store) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM events").Scan(&stats.EventCount); err != nil {
		return nil, fmt.Errorf("failed to count events: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM consumed_proofs").Scan(&stats.ConsumedProofs); err != nil {
		return nil, fmt.Errorf("failed to count proofs: %w", err)
	}
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM payouts WHERE status = ?", storage.PayoutPending).Scan(&stats.PendingPayouts)
	if err != nil {
		return nil, fmt.Errorf("failed to count payouts: %w", err)
	}

	var pageCount, pageSize int64
	if err := s.db.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pageCount); err == nil {
		if err := s.db.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize); err == nil {
			stats.DatabaseSizeKB = (pageCount * pageSize) / 1024
		}
	}

	return stats, nil
}
