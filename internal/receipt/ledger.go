// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package receipt stores one cost receipt per provider step in a local
// SQLite ledger. The (run_id, step_key) primary key plus INSERT OR
// IGNORE makes recording idempotent: a resumed run re-recording a
// finished step changes nothing.
package receipt

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	cascadeerrors "github.com/tombee/cascade/pkg/errors"
)

// Receipt is one step's provider usage and cost.
type Receipt struct {
	RunID   string
	StepKey string
	Model   string
	// Mode and Project label the run this receipt belongs to.
	Mode    string
	Project string
	// BatchID is set on receipts recorded by the batch monitor.
	BatchID       string
	ResponseID    string
	RequestID     string
	InputTokens   int64
	OutputTokens  int64
	TotalTokens   int64
	CostUSD       float64
	CostEstimated bool
	PromptDigest  string
	Status        string
	CreatedAt     time.Time
}

// Filter narrows a ledger query. Zero fields match everything.
type Filter struct {
	RunID   string
	Model   string
	Mode    string
	Project string
	BatchID string
	Since   time.Time
	Until   time.Time
	Limit   int
}

// Totals aggregates receipts for reporting.
type Totals struct {
	Steps        int64
	InputTokens  int64
	OutputTokens int64
	TotalTokens  int64
	CostUSD      float64
	AnyEstimated bool
}

// Ledger is the SQLite-backed receipt store.
type Ledger struct {
	db *sql.DB
}

// Open opens (and migrates) the ledger at path. The special path
// ":memory:" is accepted for tests.
func Open(path string) (*Ledger, error) {
	if path == "" {
		return nil, &cascadeerrors.StorageError{Op: "open ledger", Cause: fmt.Errorf("database path is required")}
	}

	// WAL mode lets readers run alongside the recording writer.
	connStr := path
	if path != ":memory:" {
		connStr += "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	}

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, &cascadeerrors.StorageError{Op: "open ledger", Cause: err}
	}
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, &cascadeerrors.StorageError{Op: "connect ledger", Cause: err}
	}

	l := &Ledger{db: db}
	if err := l.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

// Close releases the database handle.
func (l *Ledger) Close() error {
	return l.db.Close()
}

func (l *Ledger) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS receipts (
			run_id TEXT NOT NULL,
			step_key TEXT NOT NULL,
			model TEXT NOT NULL,
			mode TEXT NOT NULL DEFAULT '',
			project TEXT NOT NULL DEFAULT '',
			batch_id TEXT NOT NULL DEFAULT '',
			response_id TEXT,
			request_id TEXT,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			total_tokens INTEGER NOT NULL DEFAULT 0,
			cost_usd REAL NOT NULL DEFAULT 0,
			cost_estimated INTEGER NOT NULL DEFAULT 0,
			prompt_digest TEXT,
			status TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (run_id, step_key)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_receipts_run ON receipts(run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_receipts_model ON receipts(model)`,
		`CREATE INDEX IF NOT EXISTS idx_receipts_created ON receipts(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_receipts_response ON receipts(response_id)`,
		`CREATE INDEX IF NOT EXISTS idx_receipts_batch ON receipts(batch_id)`,
	}
	for _, migration := range migrations {
		if _, err := l.db.ExecContext(ctx, migration); err != nil {
			return &cascadeerrors.StorageError{Op: "migrate ledger", Cause: err}
		}
	}
	return nil
}

// Record inserts a receipt. A receipt already present for the same
// (run, step) is left untouched; recorded reports whether this call
// wrote a row.
func (l *Ledger) Record(ctx context.Context, r Receipt) (recorded bool, err error) {
	if r.RunID == "" || r.StepKey == "" {
		return false, &cascadeerrors.ValidationError{Field: "receipt", Message: "run_id and step_key are required"}
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}

	res, err := l.db.ExecContext(ctx, `INSERT OR IGNORE INTO receipts
		(run_id, step_key, model, mode, project, batch_id, response_id, request_id,
		 input_tokens, output_tokens, total_tokens,
		 cost_usd, cost_estimated, prompt_digest, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, r.StepKey, r.Model, r.Mode, r.Project, r.BatchID, r.ResponseID, r.RequestID,
		r.InputTokens, r.OutputTokens, r.TotalTokens,
		r.CostUSD, boolToInt(r.CostEstimated), r.PromptDigest, r.Status, r.CreatedAt.UnixNano())
	if err != nil {
		return false, &cascadeerrors.StorageError{Op: "record receipt", Cause: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, &cascadeerrors.StorageError{Op: "record receipt", Cause: err}
	}
	return n > 0, nil
}

// Get returns one receipt, or NotFoundError.
func (l *Ledger) Get(ctx context.Context, runID, stepKey string) (*Receipt, error) {
	row := l.db.QueryRowContext(ctx, selectColumns+` FROM receipts WHERE run_id = ? AND step_key = ?`, runID, stepKey)
	r, err := scanReceipt(row)
	if err == sql.ErrNoRows {
		return nil, &cascadeerrors.NotFoundError{Resource: "receipt", ID: runID + "/" + stepKey}
	}
	if err != nil {
		return nil, &cascadeerrors.StorageError{Op: "get receipt", Cause: err}
	}
	return r, nil
}

// Query lists receipts matching the filter, oldest first.
func (l *Ledger) Query(ctx context.Context, f Filter) ([]Receipt, error) {
	var (
		where []string
		args  []any
	)
	if f.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, f.RunID)
	}
	if f.Model != "" {
		where = append(where, "model = ?")
		args = append(args, f.Model)
	}
	if f.Mode != "" {
		where = append(where, "mode = ?")
		args = append(args, f.Mode)
	}
	if f.Project != "" {
		where = append(where, "project = ?")
		args = append(args, f.Project)
	}
	if f.BatchID != "" {
		where = append(where, "batch_id = ?")
		args = append(args, f.BatchID)
	}
	if !f.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, f.Since.UnixNano())
	}
	if !f.Until.IsZero() {
		where = append(where, "created_at < ?")
		args = append(args, f.Until.UnixNano())
	}

	query := selectColumns + " FROM receipts"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, run_id ASC, step_key ASC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &cascadeerrors.StorageError{Op: "query receipts", Cause: err}
	}
	defer rows.Close()

	var receipts []Receipt
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, &cascadeerrors.StorageError{Op: "scan receipt", Cause: err}
		}
		receipts = append(receipts, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, &cascadeerrors.StorageError{Op: "query receipts", Cause: err}
	}
	return receipts, nil
}

// TotalsForRun aggregates all receipts of one run.
func (l *Ledger) TotalsForRun(ctx context.Context, runID string) (*Totals, error) {
	row := l.db.QueryRowContext(ctx, `SELECT
			COUNT(*),
			COALESCE(SUM(input_tokens), 0),
			COALESCE(SUM(output_tokens), 0),
			COALESCE(SUM(total_tokens), 0),
			COALESCE(SUM(cost_usd), 0),
			COALESCE(MAX(cost_estimated), 0)
		FROM receipts WHERE run_id = ?`, runID)

	var t Totals
	var estimated int
	if err := row.Scan(&t.Steps, &t.InputTokens, &t.OutputTokens, &t.TotalTokens, &t.CostUSD, &estimated); err != nil {
		return nil, &cascadeerrors.StorageError{Op: "sum receipts", Cause: err}
	}
	t.AnyEstimated = estimated != 0
	return &t, nil
}

const selectColumns = `SELECT run_id, step_key, model, mode, project, batch_id, response_id, request_id,
	input_tokens, output_tokens, total_tokens,
	cost_usd, cost_estimated, prompt_digest, status, created_at`

type scannable interface {
	Scan(dest ...any) error
}

func scanReceipt(row scannable) (*Receipt, error) {
	var (
		r         Receipt
		estimated int
		createdAt int64
	)
	err := row.Scan(&r.RunID, &r.StepKey, &r.Model, &r.Mode, &r.Project, &r.BatchID, &r.ResponseID, &r.RequestID,
		&r.InputTokens, &r.OutputTokens, &r.TotalTokens,
		&r.CostUSD, &estimated, &r.PromptDigest, &r.Status, &createdAt)
	if err != nil {
		return nil, err
	}
	r.CostEstimated = estimated != 0
	r.CreatedAt = time.Unix(0, createdAt).UTC()
	return &r, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
