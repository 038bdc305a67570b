package payout

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// advisoryLockKey namespaces the reconcile lock among other advisory locks.
const advisoryLockKey int64 = 0x7a6b_6d6b_7470_6f75 // "zkmktpou"

// PostgresStore persists the checkpoint and dispatches in PostgreSQL.
// Tables come from the goose migrations in /migrations.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Checkpoint(ctx context.Context) (uint64, bool, error) {
	var height int64
	err := p.db.QueryRowContext(ctx, `SELECT height FROM payout_checkpoint WHERE id = 1`).Scan(&height)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return uint64(height), true, nil
}

func (p *PostgresStore) Pending(ctx context.Context) (*Dispatch, error) {
	rows, err := p.db.QueryContext(ctx, selectDispatch+` WHERE status = 'pending' LIMIT 1`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	ds, err := scanDispatches(rows)
	if err != nil || len(ds) == 0 {
		return nil, err
	}
	return ds[0], nil
}

func (p *PostgresStore) SavePending(ctx context.Context, d *Dispatch) error {
	items, err := json.Marshal(d.Items)
	if err != nil {
		return err
	}
	carry, err := json.Marshal(copyCarry(d.Carry))
	if err != nil {
		return err
	}

	res, err := p.db.ExecContext(ctx, `
		INSERT INTO payout_dispatches (
			id, from_block, to_block, items, total, dust, carry, status,
			attempts, last_error, event_count, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending', $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			attempts   = EXCLUDED.attempts,
			last_error = EXCLUDED.last_error,
			updated_at = EXCLUDED.updated_at
		WHERE payout_dispatches.status = 'pending'
	`, d.ID, int64(d.FromBlock), int64(d.ToBlock), items, d.Total, d.Dust, carry,
		d.Attempts, nullString(d.LastError), d.EventCount, d.CreatedAt, d.UpdatedAt)

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrPendingExists
	}
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDispatchCompleted
	}
	return nil
}

func (p *PostgresStore) Complete(ctx context.Context, c Completion) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE payout_dispatches SET
			status     = 'completed',
			batch_id   = $2,
			duplicate  = $3,
			last_error = NULL,
			updated_at = $4,
			settled_at = $4
		WHERE id = $1 AND status = 'pending'
	`, c.ID, nullString(c.BatchID), c.Duplicate, c.At)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDispatchNotFound
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO payout_checkpoint (id, height, updated_at) VALUES (1, $1, $2)
		ON CONFLICT (id) DO UPDATE SET
			height     = GREATEST(payout_checkpoint.height, EXCLUDED.height),
			updated_at = EXCLUDED.updated_at
	`, int64(c.ToBlock), c.At); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM payout_carry`); err != nil {
		return err
	}
	for recipient, units := range c.Carry {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO payout_carry (recipient, units, updated_at) VALUES ($1, $2, $3)`,
			recipient, units, c.At); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (p *PostgresStore) Carry(ctx context.Context) (map[string]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT recipient, units::text FROM payout_carry`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]string)
	for rows.Next() {
		var recipient, units string
		if err := rows.Scan(&recipient, &units); err != nil {
			return nil, err
		}
		out[recipient] = units
	}
	return out, rows.Err()
}

func (p *PostgresStore) History(ctx context.Context, limit int) ([]*Dispatch, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, selectDispatch+` ORDER BY to_block DESC, created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanDispatches(rows)
}

// Lock takes a session-level advisory lock on a dedicated connection so that
// only one relayer process reconciles at a time.
func (p *PostgresStore) Lock(ctx context.Context) (func(), error) {
	conn, err := p.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, advisoryLockKey); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("payout: advisory lock: %w", err)
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _ = conn.ExecContext(ctx, `SELECT pg_advisory_unlock($1)`, advisoryLockKey)
		_ = conn.Close()
	}, nil
}

const selectDispatch = `
	SELECT id, from_block, to_block, items, total, dust, carry, status, batch_id, duplicate,
	       attempts, last_error, event_count, created_at, updated_at, settled_at
	FROM payout_dispatches`

func scanDispatches(rows *sql.Rows) ([]*Dispatch, error) {
	var out []*Dispatch
	for rows.Next() {
		d := &Dispatch{}
		var (
			from, to  int64
			items     []byte
			carry     []byte
			status    string
			batchID   sql.NullString
			lastError sql.NullString
			settledAt sql.NullTime
		)
		if err := rows.Scan(
			&d.ID, &from, &to, &items, &d.Total, &d.Dust, &carry, &status, &batchID, &d.Duplicate,
			&d.Attempts, &lastError, &d.EventCount, &d.CreatedAt, &d.UpdatedAt, &settledAt,
		); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(items, &d.Items); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(carry, &d.Carry); err != nil {
			return nil, err
		}
		if len(d.Carry) == 0 {
			d.Carry = nil
		}
		d.FromBlock, d.ToBlock = uint64(from), uint64(to)
		d.Status = DispatchStatus(status)
		d.BatchID = batchID.String
		d.LastError = lastError.String
		if settledAt.Valid {
			t := settledAt.Time
			d.SettledAt = &t
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
