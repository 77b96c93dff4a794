package datalake

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Index is the SQLite table of capture records.
type Index struct {
	db *sql.DB
}

func OpenIndex(dbPath string) (*Index, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	// busy_timeout is per connection, so it goes in the DSN rather than a
	// one-off PRAGMA on whichever pooled connection runs first.
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	ix := &Index{db: db}
	if err := ix.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := ix.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return ix, nil
}

func (ix *Index) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := ix.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (ix *Index) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS captures (
			record_id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL DEFAULT '',
			device_id TEXT NOT NULL,
			captured_at TEXT NOT NULL,
			ingested_at TEXT NOT NULL,
			state TEXT NOT NULL,
			score REAL NOT NULL DEFAULT 0,
			reason TEXT,
			trigger_label TEXT NOT NULL DEFAULT '',
			phash TEXT NOT NULL DEFAULT '',
			image_path TEXT,
			thumbnail_path TEXT NOT NULL,
			image_bytes INTEGER NOT NULL DEFAULT 0,
			metadata TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_captures_org_device_time ON captures(org_id, device_id, captured_at)`,
		`CREATE INDEX IF NOT EXISTS idx_captures_state_time ON captures(state, captured_at)`,
	}
	for _, stmt := range stmts {
		if _, err := ix.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (ix *Index) Close() error {
	if ix.db == nil {
		return nil
	}
	return ix.db.Close()
}

const captureColumns = `record_id, org_id, device_id, captured_at, ingested_at, state, score, reason,
	trigger_label, phash, image_path, thumbnail_path, image_bytes, metadata`

// insertTx adds c inside tx. It returns ErrDuplicate when the record id is
// already taken; uniqueness comes from the primary key alone.
func (ix *Index) insertTx(ctx context.Context, tx *sql.Tx, c *Capture) error {
	meta, err := json.Marshal(c.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	if c.Metadata == nil {
		meta = []byte("{}")
	}

	res, err := tx.ExecContext(ctx, `INSERT INTO captures (`+captureColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(record_id) DO NOTHING`,
		c.RecordID, c.OrgID, c.DeviceID, formatTime(c.CapturedAt), formatTime(c.IngestedAt),
		c.State, c.Score, nullString(c.Reason), c.TriggerLabel, c.Hash,
		nullString(c.ImagePath), c.ThumbnailPath, c.ImageBytes, string(meta))
	if err != nil {
		return fmt.Errorf("insert capture: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert capture: %w", err)
	}
	if n == 0 {
		return ErrDuplicate
	}
	return nil
}

func (ix *Index) Exists(ctx context.Context, recordID string) (bool, error) {
	var one int
	err := ix.db.QueryRowContext(ctx, `SELECT 1 FROM captures WHERE record_id = ?`, recordID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup capture: %w", err)
	}
	return true, nil
}

func (ix *Index) Get(ctx context.Context, recordID string) (*Capture, error) {
	row := ix.db.QueryRowContext(ctx, `SELECT `+captureColumns+` FROM captures WHERE record_id = ?`, recordID)
	c, err := scanCapture(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// List returns captures matching f, newest first.
func (ix *Index) List(ctx context.Context, f Filter) ([]Capture, error) {
	var (
		where []string
		args  []any
	)
	if f.OrgID != "" {
		where = append(where, "org_id = ?")
		args = append(args, f.OrgID)
	}
	if f.DeviceID != "" {
		where = append(where, "device_id = ?")
		args = append(args, f.DeviceID)
	}
	if f.State != "" {
		where = append(where, "state = ?")
		args = append(args, f.State)
	}
	if !f.Since.IsZero() {
		where = append(where, "captured_at >= ?")
		args = append(args, formatTime(f.Since))
	}
	if !f.Until.IsZero() {
		where = append(where, "captured_at < ?")
		args = append(args, formatTime(f.Until))
	}

	q := `SELECT ` + captureColumns + ` FROM captures`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY captured_at DESC, record_id DESC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return ix.query(ctx, q, args...)
}

// AgedImages returns captures captured before cutoff that still hold a full
// image and whose state is one of states. Abnormal captures are never
// returned.
func (ix *Index) AgedImages(ctx context.Context, cutoff time.Time, states []string) ([]Capture, error) {
	allowed := make([]string, 0, len(states))
	for _, s := range states {
		if s != "abnormal" {
			allowed = append(allowed, s)
		}
	}
	if len(allowed) == 0 {
		return nil, nil
	}
	args := []any{formatTime(cutoff)}
	marks := make([]string, len(allowed))
	for i, s := range allowed {
		marks[i] = "?"
		args = append(args, s)
	}
	q := `SELECT ` + captureColumns + ` FROM captures
		WHERE captured_at < ? AND image_path IS NOT NULL AND state IN (` + strings.Join(marks, ", ") + `)
		ORDER BY captured_at ASC, record_id ASC`
	return ix.query(ctx, q, args...)
}

// Timeline returns every capture ordered by device then capture time.
func (ix *Index) Timeline(ctx context.Context) ([]Capture, error) {
	return ix.query(ctx, `SELECT `+captureColumns+` FROM captures ORDER BY device_id ASC, captured_at ASC, record_id ASC`)
}

// clearImage nulls image_path. The state guard keeps abnormal images
// referenced even if a caller slips through.
func (ix *Index) clearImage(ctx context.Context, recordID string) error {
	res, err := ix.db.ExecContext(ctx, `UPDATE captures SET image_path = NULL, image_bytes = 0
		WHERE record_id = ? AND state != 'abnormal' AND image_path IS NOT NULL`, recordID)
	if err != nil {
		return fmt.Errorf("clear image path: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("clear image path %s: no eligible row", recordID)
	}
	return nil
}

func (ix *Index) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{ByState: make(map[string]int)}
	rows, err := ix.db.QueryContext(ctx, `SELECT state, COUNT(*), SUM(CASE WHEN image_path IS NOT NULL THEN 1 ELSE 0 END), COALESCE(SUM(image_bytes), 0)
		FROM captures GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("capture stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			state            string
			count, withImage int
			bytes            int64
		)
		if err := rows.Scan(&state, &count, &withImage, &bytes); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		st.ByState[state] = count
		st.Captures += count
		st.WithImage += withImage
		st.ImageBytes += bytes
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := ix.db.QueryRowContext(ctx, `SELECT COUNT(DISTINCT device_id) FROM captures`).Scan(&st.Devices); err != nil {
		return nil, fmt.Errorf("count devices: %w", err)
	}
	return st, nil
}

func (ix *Index) query(ctx context.Context, q string, args ...any) ([]Capture, error) {
	rows, err := ix.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query captures: %w", err)
	}
	defer rows.Close()

	var out []Capture
	for rows.Next() {
		c, err := scanCapture(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCapture(s scanner) (*Capture, error) {
	var (
		c                    Capture
		capturedAt, ingested string
		reason, imagePath    sql.NullString
		meta                 string
	)
	err := s.Scan(&c.RecordID, &c.OrgID, &c.DeviceID, &capturedAt, &ingested, &c.State, &c.Score, &reason,
		&c.TriggerLabel, &c.Hash, &imagePath, &c.ThumbnailPath, &c.ImageBytes, &meta)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan capture: %w", err)
	}
	if c.CapturedAt, err = parseTime(capturedAt); err != nil {
		return nil, fmt.Errorf("parse captured_at: %w", err)
	}
	if c.IngestedAt, err = parseTime(ingested); err != nil {
		return nil, fmt.Errorf("parse ingested_at: %w", err)
	}
	c.Reason = reason.String
	c.ImagePath = imagePath.String
	if meta != "" && meta != "{}" {
		if err := json.Unmarshal([]byte(meta), &c.Metadata); err != nil {
			return nil, fmt.Errorf("parse metadata: %w", err)
		}
	}
	return &c, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
