package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// AuditLogEntry is one append-only row in the audit_log table.
type AuditLogEntry struct {
	QueryID      string
	Actor        string
	Action       string
	DocumentID   string // optional, "" if not applicable
	VersionID    string // optional
	ModelVersion string // optional
	IndexVersion string // optional
	Details      map[string]any
	EventHash    string
	Timestamp    time.Time
}

// pgxExecer is the subset of pgx.Tx / pgxpool.Pool used for INSERT execution.
// Both *pgxpool.Pool and pgx.Tx satisfy this interface.
type pgxExecer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// insertAuditLog is the shared implementation for InsertAuditLog and
// InsertAuditLogTx. It marshals details to JSON and executes the INSERT
// against the provided executor (pool or transaction).
func insertAuditLog(ctx context.Context, exec pgxExecer, e AuditLogEntry) error {
	if e.Details == nil {
		e.Details = map[string]any{}
	}

	detailsJSON, err := json.Marshal(e.Details)
	if err != nil {
		return fmt.Errorf("storage: marshal audit log details: %w", err)
	}

	_, err = exec.Exec(ctx,
		`INSERT INTO audit_log (
		     query_id, actor, action, document_id, version_id,
		     model_version, index_version, details, event_hash, "timestamp"
		 )
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9, $10)`,
		e.QueryID, e.Actor, e.Action, nullIfEmpty(e.DocumentID), nullIfEmpty(e.VersionID),
		nullIfEmpty(e.ModelVersion), nullIfEmpty(e.IndexVersion), detailsJSON, e.EventHash, e.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("storage: insert audit log: %w", err)
	}
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// InsertAuditLog appends an audit event using the connection pool.
func (db *DB) InsertAuditLog(ctx context.Context, e AuditLogEntry) error {
	return insertAuditLog(ctx, db.pool, e)
}

// InsertAuditLogTx appends an audit event within an existing transaction.
func InsertAuditLogTx(ctx context.Context, tx pgx.Tx, e AuditLogEntry) error {
	return insertAuditLog(ctx, tx, e)
}

// MerkleBatchEntry is one row in audit_merkle_batches: a tamper-evident
// anchor over a contiguous range of audit_log events.
type MerkleBatchEntry struct {
	BatchStart   time.Time
	BatchEnd     time.Time
	EventCount   int
	RootHash     string
	PreviousRoot string // optional, "" for the first batch
}

// InsertMerkleBatch records one Merkle anchoring batch.
func (db *DB) InsertMerkleBatch(ctx context.Context, e MerkleBatchEntry) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO audit_merkle_batches (batch_start, batch_end, event_count, root_hash, previous_root)
		 VALUES ($1, $2, $3, $4, $5)`,
		e.BatchStart, e.BatchEnd, e.EventCount, e.RootHash, nullIfEmpty(e.PreviousRoot),
	)
	if err != nil {
		return fmt.Errorf("storage: insert merkle batch: %w", err)
	}
	return nil
}

// LatestMerkleRoot returns the root_hash of the most recent batch, or "" if
// no batches have been recorded yet.
func (db *DB) LatestMerkleRoot(ctx context.Context) (string, error) {
	var root string
	err := db.pool.QueryRow(ctx,
		`SELECT root_hash FROM audit_merkle_batches ORDER BY batch_id DESC LIMIT 1`,
	).Scan(&root)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("storage: latest merkle root: %w", err)
	}
	return root, nil
}

// EventHashesSince returns event hashes for audit_log rows with timestamp in
// [since, until), ordered by id ascending, for Merkle batch construction.
func (db *DB) EventHashesSince(ctx context.Context, since, until time.Time) ([]string, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT event_hash FROM audit_log WHERE "timestamp" >= $1 AND "timestamp" < $2 ORDER BY id ASC`,
		since, until,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: event hashes since: %w", err)
	}
	defer rows.Close()

	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("storage: scan event hash: %w", err)
		}
		hashes = append(hashes, h)
	}
	return hashes, rows.Err()
}
