// Package journal records delete requests in a local SQLite database so an
// interrupted or partially failed delete run can be audited afterwards.
package journal

import (
	"context"
	"crypto/rand"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/leonletto/tghistory/internal/types"
)

// Request statuses.
const (
	StatusDeleted = "deleted"
	StatusFailed  = "failed"
)

// Journal is an append-only log of delete runs.
type Journal struct {
	db  *sql.DB
	now func() time.Time
}

// Run summarizes one delete action.
type Run struct {
	ID         string    `json:"run_id"`
	DialogID   string    `json:"dialog_id"`
	DialogName string    `json:"dialog_name"`
	UserID     string    `json:"user_id"`
	Policy     string    `json:"policy"`
	Planned    int       `json:"planned"`
	Succeeded  int       `json:"succeeded"`
	Failed     int       `json:"failed"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitzero"` // zero if the run never finished
}

// Open opens (creating if needed) the journal database at path.
func Open(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate journal: %w", err)
	}

	return &Journal{db: db, now: time.Now}, nil
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

var (
	ulidMu      sync.Mutex
	ulidEntropy = ulid.Monotonic(rand.Reader, 0)
)

// newRunID generates a run ID using ULID.
// Format: "run_" + ulid().
func newRunID(at time.Time) string {
	ulidMu.Lock()
	defer ulidMu.Unlock()
	return "run_" + ulid.MustNew(ulid.Timestamp(at), ulidEntropy).String()
}

// BeginRun records the start of a delete run and returns its ID.
func (j *Journal) BeginRun(ctx context.Context, dialog types.Dialog, user types.User, policy string, planned int) (string, error) {
	now := j.now().UTC()
	id := newRunID(now)

	_, err := j.db.ExecContext(ctx, `
		INSERT INTO delete_runs (run_id, dialog_id, dialog_name, user_id, policy, planned, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, dialog.ID.String(), dialog.DisplayName, user.ID.String(), policy, planned, now.Format(time.RFC3339Nano))
	if err != nil {
		return "", fmt.Errorf("insert delete run: %w", err)
	}
	return id, nil
}

// Record stores the outcome of a single delete request. A nil reqErr marks
// the message as deleted.
func (j *Journal) Record(ctx context.Context, runID string, messageID types.ID, reqErr error) error {
	status := StatusDeleted
	var errText sql.NullString
	if reqErr != nil {
		status = StatusFailed
		errText = sql.NullString{String: reqErr.Error(), Valid: true}
	}

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO delete_requests (run_id, message_id, status, error, at)
		VALUES (?, ?, ?, ?, ?)`,
		runID, messageID.String(), status, errText, j.now().UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("insert delete request: %w", err)
	}

	column := "succeeded"
	if reqErr != nil {
		column = "failed"
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE delete_runs SET "+column+" = "+column+" + 1 WHERE run_id = ?", runID); err != nil { //nolint:gosec // G202 - column is one of two constants
		return fmt.Errorf("update delete run: %w", err)
	}

	return tx.Commit()
}

// FinishRun marks the run as finished.
func (j *Journal) FinishRun(ctx context.Context, runID string) error {
	res, err := j.db.ExecContext(ctx,
		"UPDATE delete_runs SET finished_at = ? WHERE run_id = ?",
		j.now().UTC().Format(time.RFC3339Nano), runID)
	if err != nil {
		return fmt.Errorf("finish delete run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("delete run %s not found", runID)
	}
	return nil
}

// Runs returns the most recent runs, newest first. Run ids are ULIDs and
// sort by creation time.
func (j *Journal) Runs(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := j.db.QueryContext(ctx, `
		SELECT run_id, dialog_id, dialog_name, user_id, policy, planned, succeeded, failed, started_at, finished_at
		FROM delete_runs
		ORDER BY run_id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query delete runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []Run
	for rows.Next() {
		var r Run
		var started string
		var finished sql.NullString
		if err := rows.Scan(&r.ID, &r.DialogID, &r.DialogName, &r.UserID, &r.Policy,
			&r.Planned, &r.Succeeded, &r.Failed, &started, &finished); err != nil {
			return nil, fmt.Errorf("scan delete run: %w", err)
		}
		r.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		if finished.Valid {
			r.FinishedAt, _ = time.Parse(time.RFC3339Nano, finished.String)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Failures returns the message ids whose deletion failed in a run.
func (j *Journal) Failures(ctx context.Context, runID string) ([]types.ID, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT message_id FROM delete_requests
		WHERE run_id = ? AND status = ?
		ORDER BY rowid`, runID, StatusFailed)
	if err != nil {
		return nil, fmt.Errorf("query failed requests: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []types.ID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan failed request: %w", err)
		}
		ids = append(ids, types.ID(id))
	}
	return ids, rows.Err()
}
