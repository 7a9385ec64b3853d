package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/qahub/qahub/internal/snapshot"
)

// NewPool opens the pgx connection pool the snapshot record store runs on.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	return pgxpool.NewWithConfig(ctx, config)
}

// SnapshotRepository implements snapshot.RecordStore on Postgres, keeping the
// last-handled snapshot record per session across restarts.
type SnapshotRepository struct {
	pool *pgxpool.Pool
}

func NewSnapshotRepository(pool *pgxpool.Pool) *SnapshotRepository {
	return &SnapshotRepository{pool: pool}
}

func (r *SnapshotRepository) Get(ctx context.Context, sessionID string) (snapshot.Record, bool, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT cid, hash, ts FROM snapshot_records WHERE session_id=$1
	`, sessionID)
	var rec snapshot.Record
	if err := row.Scan(&rec.CID, &rec.Hash, &rec.Timestamp); err != nil {
		if err == pgx.ErrNoRows {
			return snapshot.Record{}, false, nil
		}
		return snapshot.Record{}, false, err
	}
	return rec, true, nil
}

func (r *SnapshotRepository) Put(ctx context.Context, sessionID string, rec snapshot.Record) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO snapshot_records (session_id, cid, hash, ts)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (session_id) DO UPDATE SET cid=$2, hash=$3, ts=$4
	`, sessionID, rec.CID, rec.Hash, rec.Timestamp)
	return err
}
