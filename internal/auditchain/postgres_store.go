package auditchain

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore implements Store with PostgreSQL.
//
// Appends run under Serializable isolation and lock the tip row with
// SELECT ... FOR UPDATE, so the read-tip-then-insert sequence of two
// concurrent appenders cannot interleave. On an empty chain there is no
// row to lock; the primary key on height backstops that window, and the
// losing transaction surfaces as ErrConflict for the caller to retry.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed chain store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Append(ctx context.Context, build func(tip Tip) (*Record, error)) (*Record, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	tip := GenesisTip()
	err = tx.QueryRowContext(ctx, `
		SELECT height, block_hash FROM audit_chain
		ORDER BY height DESC LIMIT 1
		FOR UPDATE
	`).Scan(&tip.Height, &tip.BlockHash)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("read chain tip: %w", err)
	}

	rec, err := build(tip)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_chain (height, timestamp, prev_hash, data_hash, block_hash, payload, node_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, rec.Height, rec.Timestamp, rec.PrevHash, rec.DataHash, rec.BlockHash, rec.Payload, rec.NodeID)
	if err != nil {
		return nil, wrapConflict(err, "insert record")
	}

	if err := tx.Commit(); err != nil {
		return nil, wrapConflict(err, "commit append")
	}
	return rec, nil
}

func (p *PostgresStore) Tip(ctx context.Context) (Tip, error) {
	tip := GenesisTip()
	err := p.db.QueryRowContext(ctx, `
		SELECT height, block_hash FROM audit_chain
		ORDER BY height DESC LIMIT 1
	`).Scan(&tip.Height, &tip.BlockHash)
	if errors.Is(err, sql.ErrNoRows) {
		return GenesisTip(), nil
	}
	if err != nil {
		return Tip{}, err
	}
	return tip, nil
}

func (p *PostgresStore) FetchAll(ctx context.Context) ([]*Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT height, timestamp, prev_hash, data_hash, block_hash, payload, node_id
		FROM audit_chain
		ORDER BY height ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec := &Record{}
		if err := rows.Scan(&rec.Height, &rec.Timestamp, &rec.PrevHash, &rec.DataHash,
			&rec.BlockHash, &rec.Payload, &rec.NodeID); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// wrapConflict maps retryable Postgres failures (serialization aborts,
// deadlocks, duplicate height) to ErrConflict.
func wrapConflict(err error, op string) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01", "23505":
			return fmt.Errorf("%s: %w", op, ErrConflict)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
