package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/loqalabs/loqa-speak/internal/config"
	_ "modernc.org/sqlite"
)

// Dispatch is one journaled reply.
type Dispatch struct {
	ID                int64
	SessionID         string
	TraceID           string
	Spoke             bool
	Segments          int
	Units             int
	SynthesisFailures int
	MessageCount      uint64
	CreatedAt         time.Time
}

// Store keeps operator settings and the dispatch journal in SQLite. In
// ephemeral mode everything lives in memory and the journal is discarded.
type Store struct {
	db    *sql.DB
	cfg   config.StoreConfig
	log   *slog.Logger
	clock func() time.Time

	mu  sync.RWMutex
	mem map[string]string
}

// Open initializes the store according to config.
func Open(ctx context.Context, cfg config.StoreConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "store"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now, mem: make(map[string]string)}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Counter writes must not interleave across connections.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("store vacuum failed", slogError(err))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("store prune on start failed", slogError(err))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS settings (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS dispatches (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    trace_id TEXT,
    spoke INTEGER NOT NULL,
    segments INTEGER NOT NULL,
    units INTEGER NOT NULL,
    synthesis_failures INTEGER NOT NULL,
    message_count INTEGER NOT NULL,
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dispatches_session_created ON dispatches(session_id, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Get returns the raw value for key and whether it was set.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	if s.db == nil {
		s.mu.RLock()
		defer s.mu.RUnlock()
		v, ok := s.mem[key]
		return v, ok, nil
	}
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get setting %s: %w", key, err)
	}
	return value, true, nil
}

// Set upserts a setting.
func (s *Store) Set(ctx context.Context, key, value string) error {
	if s.db == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.mem[key] = value
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings(key, value, updated_at) VALUES(?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		key, value, s.clock().UTC())
	if err != nil {
		return fmt.Errorf("set setting %s: %w", key, err)
	}
	return nil
}

// LoadMessageCount returns the persisted scheduler counter, zero when unset.
func (s *Store) LoadMessageCount(ctx context.Context) (uint64, error) {
	raw, ok, err := s.Get(ctx, KeyMessageCount)
	if err != nil || !ok {
		return 0, err
	}
	count, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		s.log.Warn("ignoring malformed message count", slog.String("value", raw))
		return 0, nil
	}
	return count, nil
}

// SaveMessageCount persists the scheduler counter.
func (s *Store) SaveMessageCount(ctx context.Context, count uint64) error {
	return s.Set(ctx, KeyMessageCount, strconv.FormatUint(count, 10))
}

// AppendDispatch journals a processed reply.
func (s *Store) AppendDispatch(ctx context.Context, d Dispatch) error {
	if s.db == nil {
		return nil
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dispatches(session_id, trace_id, spoke, segments, units, synthesis_failures, message_count, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		d.SessionID, d.TraceID, d.Spoke, d.Segments, d.Units, d.SynthesisFailures, int64(d.MessageCount), d.CreatedAt)
	return err
}

// ListDispatches returns up to limit journal entries for a session, oldest first.
func (s *Store) ListDispatches(ctx context.Context, sessionID string, limit int) ([]Dispatch, error) {
	if s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, trace_id, spoke, segments, units, synthesis_failures, message_count, created_at
		 FROM dispatches WHERE session_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Dispatch
	for rows.Next() {
		var (
			d       Dispatch
			trace   sql.NullString
			count   int64
			created string
		)
		if err := rows.Scan(&d.ID, &d.SessionID, &trace, &d.Spoke, &d.Segments, &d.Units, &d.SynthesisFailures, &count, &created); err != nil {
			return nil, err
		}
		d.TraceID = trace.String
		d.MessageCount = uint64(count)
		d.CreatedAt = parseTimestamp(created)
		out = append(out, d)
	}
	return out, rows.Err()
}

// Prune applies journal retention. Settings are never pruned.
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.db == nil {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM dispatches WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
	}
	if s.cfg.MaxEntries > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM dispatches WHERE id IN (
			SELECT id FROM dispatches ORDER BY created_at DESC, id DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxEntries)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// RunPruner prunes on every tick until ctx is done.
func (s *Store) RunPruner(ctx context.Context, interval time.Duration) {
	if s.db == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Prune(ctx); err != nil {
				s.log.Warn("store prune failed", slogError(err))
			}
		}
	}
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999 -0700 MST",
	"2006-01-02 15:04:05.999999999-07:00",
}

func parseTimestamp(raw string) time.Time {
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts
		}
	}
	return time.Time{}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
