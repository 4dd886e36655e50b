package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/marcoeg/etrap/internal/anchor"
	"github.com/marcoeg/etrap/internal/batch"
)

// Journal records a receipt row for every anchored batch so operators
// can audit what was minted without walking the object store or the
// chain. It is optional: journal failures are logged by the caller and
// never block the pipeline or acknowledgement.
type Journal struct {
	pool *pgxpool.Pool
}

const journalSchema = `
CREATE TABLE IF NOT EXISTS anchor_receipts (
    id            BIGSERIAL PRIMARY KEY,
    batch_id      TEXT NOT NULL UNIQUE,
    organization  TEXT NOT NULL,
    database_name TEXT NOT NULL,
    table_name    TEXT NOT NULL,
    merkle_root   TEXT NOT NULL,
    tx_count      INTEGER NOT NULL,
    inserts       INTEGER NOT NULL,
    updates       INTEGER NOT NULL,
    deletes       INTEGER NOT NULL,
    object_key    TEXT NOT NULL,
    token_tx_hash TEXT NOT NULL DEFAULT '',
    already_minted BOOLEAN NOT NULL DEFAULT FALSE,
    batch_created_at TIMESTAMPTZ NOT NULL,
    recorded_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

func Open(ctx context.Context, dsn string, maxConns, minConns int32) (*Journal, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	if minConns >= 0 {
		cfg.MinConns = minConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, journalSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create anchor_receipts: %w", err)
	}
	return &Journal{pool: pool}, nil
}

func (j *Journal) Close() {
	j.pool.Close()
}

// RecordReceipt appends one receipt row. Replays of an already-minted
// batch id update the existing row instead of erroring.
func (j *Journal) RecordReceipt(ctx context.Context, b *batch.Batch, set *batch.ArtifactSet, receipt *anchor.MintReceipt) error {
	_, err := j.pool.Exec(ctx, `
INSERT INTO anchor_receipts (
    batch_id, organization, database_name, table_name, merkle_root,
    tx_count, inserts, updates, deletes, object_key,
    token_tx_hash, already_minted, batch_created_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
ON CONFLICT (batch_id) DO UPDATE
SET token_tx_hash = EXCLUDED.token_tx_hash,
    already_minted = EXCLUDED.already_minted
`,
		b.ID,
		b.OrganizationID,
		b.Database,
		set.CanonicalTable,
		set.MerkleRoot,
		set.TxCount,
		b.Counts.Inserts,
		b.Counts.Updates,
		b.Counts.Deletes,
		set.BatchData.Key,
		receipt.TxHash,
		receipt.AlreadyMinted,
		time.UnixMilli(b.CreatedAtMS).UTC(),
	)
	return err
}

// RecentReceipts returns the latest receipts, newest first.
func (j *Journal) RecentReceipts(ctx context.Context, limit int) ([]Receipt, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := j.pool.Query(ctx, `
SELECT batch_id, database_name, table_name, merkle_root, tx_count, token_tx_hash, already_minted, recorded_at
FROM anchor_receipts
ORDER BY recorded_at DESC
LIMIT $1
`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	receipts := make([]Receipt, 0, limit)
	for rows.Next() {
		var r Receipt
		if err := rows.Scan(&r.BatchID, &r.Database, &r.Table, &r.MerkleRoot, &r.TxCount, &r.TokenTxHash, &r.AlreadyMinted, &r.RecordedAt); err != nil {
			return nil, err
		}
		r.RecordedAt = r.RecordedAt.UTC()
		receipts = append(receipts, r)
	}
	return receipts, rows.Err()
}

type Receipt struct {
	BatchID       string
	Database      string
	Table         string
	MerkleRoot    string
	TxCount       int
	TokenTxHash   string
	AlreadyMinted bool
	RecordedAt    time.Time
}
