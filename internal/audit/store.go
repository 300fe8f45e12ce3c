// Package audit keeps a per-connection audit trail in SQLite.
package audit

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"grimm.is/bastion/internal/clock"
)

// DefaultRetentionDays applies when the policy sets no retention.
const DefaultRetentionDays = 30

// Record is one finished connection.
type Record struct {
	ID       int64         `json:"id"`
	ConnID   string        `json:"conn_id"`
	Start    time.Time     `json:"start"`
	Duration time.Duration `json:"duration"`
	Listener string        `json:"listener"`
	Src      string        `json:"src"`
	Dst      string        `json:"dst"`
	SrcZone  string        `json:"src_zone,omitempty"`
	DstZone  string        `json:"dst_zone,omitempty"`
	Rule     string        `json:"rule,omitempty"`
	Service  string        `json:"service,omitempty"`
	Server   string        `json:"server,omitempty"`
	Outcome  string        `json:"outcome"`
	Reason   string        `json:"reason,omitempty"`
	BytesIn  int64         `json:"bytes_in"`
	BytesOut int64         `json:"bytes_out"`
}

// Filter selects records for Query. Zero fields match everything.
type Filter struct {
	Since   time.Time
	Until   time.Time
	Service string
	Outcome string
	Src     string
	Limit   int
}

// Store provides persistent storage for connection records.
type Store struct {
	mu            sync.RWMutex
	db            *sql.DB
	clock         clock.Clock
	retentionDays int
}

// NewStore opens (creating if needed) the audit database at dbPath.
func NewStore(dbPath string, retentionDays int, clk clock.Clock) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS connections (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			conn_id TEXT NOT NULL,
			start_ns INTEGER NOT NULL,
			duration_ns INTEGER NOT NULL DEFAULT 0,
			listener TEXT NOT NULL,
			src TEXT NOT NULL,
			dst TEXT NOT NULL,
			src_zone TEXT,
			dst_zone TEXT,
			rule TEXT,
			service TEXT,
			server TEXT,
			outcome TEXT NOT NULL,
			reason TEXT,
			bytes_in INTEGER DEFAULT 0,
			bytes_out INTEGER DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_connections_start ON connections(start_ns);
		CREATE INDEX IF NOT EXISTS idx_connections_service ON connections(service);
		CREATE INDEX IF NOT EXISTS idx_connections_outcome ON connections(outcome);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create audit table: %w", err)
	}

	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}

	return &Store{
		db:            db,
		clock:         clock.OrReal(clk),
		retentionDays: retentionDays,
	}, nil
}

// Write persists a connection record.
func (s *Store) Write(rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO connections (conn_id, start_ns, duration_ns, listener, src, dst, src_zone, dst_zone,
			rule, service, server, outcome, reason, bytes_in, bytes_out)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ConnID, rec.Start.UnixNano(), int64(rec.Duration), rec.Listener, rec.Src, rec.Dst,
		rec.SrcZone, rec.DstZone, rec.Rule, rec.Service, rec.Server, rec.Outcome, rec.Reason,
		rec.BytesIn, rec.BytesOut)
	if err != nil {
		return fmt.Errorf("insert connection record: %w", err)
	}
	return nil
}

// Query returns records matching f, newest first.
func (s *Store) Query(f Filter) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var where []string
	var args []any
	if !f.Since.IsZero() {
		where = append(where, "start_ns >= ?")
		args = append(args, f.Since.UnixNano())
	}
	if !f.Until.IsZero() {
		where = append(where, "start_ns <= ?")
		args = append(args, f.Until.UnixNano())
	}
	if f.Service != "" {
		where = append(where, "service = ?")
		args = append(args, f.Service)
	}
	if f.Outcome != "" {
		where = append(where, "outcome = ?")
		args = append(args, f.Outcome)
	}
	if f.Src != "" {
		// matches the address with or without a port
		where = append(where, `(src = ? OR src LIKE ? ESCAPE '\' OR src LIKE ? ESCAPE '\')`)
		lit := likeEscaper.Replace(f.Src)
		args = append(args, f.Src, lit+":%", "["+lit+"]:%")
	}

	query := `SELECT id, conn_id, start_ns, duration_ns, listener, src, dst, src_zone, dst_zone,
		rule, service, server, outcome, reason, bytes_in, bytes_out FROM connections`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY start_ns DESC, id DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query connection records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var startNS, durationNS int64
		var srcZone, dstZone, rule, service, server, reason sql.NullString

		err := rows.Scan(&rec.ID, &rec.ConnID, &startNS, &durationNS, &rec.Listener, &rec.Src, &rec.Dst,
			&srcZone, &dstZone, &rule, &service, &server, &rec.Outcome, &reason, &rec.BytesIn, &rec.BytesOut)
		if err != nil {
			return nil, fmt.Errorf("scan connection record: %w", err)
		}
		rec.Start = time.Unix(0, startNS)
		rec.Duration = time.Duration(durationNS)
		rec.SrcZone = srcZone.String
		rec.DstZone = dstZone.String
		rec.Rule = rule.String
		rec.Service = service.String
		rec.Server = server.String
		rec.Reason = reason.String

		records = append(records, rec)
	}
	return records, rows.Err()
}

// Prune removes records older than the retention period.
func (s *Store) Prune() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.clock.Now().AddDate(0, 0, -s.retentionDays)
	result, err := s.db.Exec("DELETE FROM connections WHERE start_ns < ?", cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("prune connection records: %w", err)
	}

	return result.RowsAffected()
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Count returns the total number of records in the store.
func (s *Store) Count() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	err := s.db.QueryRow("SELECT COUNT(*) FROM connections").Scan(&count)
	return count, err
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`)
