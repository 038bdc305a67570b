package commitment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/zkmarket/relayer/internal/pagination"
)

// PostgresStore persists commitments in the commitments table.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const selectCommitment = `
	SELECT hash, amount, state, register_tx, prove_tx, withdraw_tx, root, created_at, updated_at
	FROM commitments`

func (p *PostgresStore) Get(ctx context.Context, hash string) (*Commitment, error) {
	rows, err := p.db.QueryContext(ctx, selectCommitment+` WHERE hash = $1`, hash)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	cs, err := scanCommitments(rows)
	if err != nil {
		return nil, err
	}
	if len(cs) == 0 {
		return nil, ErrNotFound
	}
	return cs[0], nil
}

func (p *PostgresStore) Save(ctx context.Context, c *Commitment) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO commitments (
			hash, amount, state, register_tx, prove_tx, withdraw_tx, root, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (hash) DO UPDATE SET
			amount      = COALESCE(EXCLUDED.amount, commitments.amount),
			state       = EXCLUDED.state,
			register_tx = COALESCE(EXCLUDED.register_tx, commitments.register_tx),
			prove_tx    = COALESCE(EXCLUDED.prove_tx, commitments.prove_tx),
			withdraw_tx = COALESCE(EXCLUDED.withdraw_tx, commitments.withdraw_tx),
			root        = COALESCE(EXCLUDED.root, commitments.root),
			updated_at  = EXCLUDED.updated_at
	`, c.Hash, nullString(c.Amount), string(c.State), nullString(c.RegisterTx),
		nullString(c.ProveTx), nullString(c.WithdrawTx), nullString(c.Root), c.CreatedAt, c.UpdatedAt)
	return err
}

func (p *PostgresStore) List(ctx context.Context, state State, after *pagination.Cursor, limit int) ([]*Commitment, error) {
	if limit <= 0 {
		limit = 50
	}
	var (
		where []string
		args  []any
	)
	if state != "" {
		args = append(args, string(state))
		where = append(where, fmt.Sprintf("state = $%d", len(args)))
	}
	if after != nil {
		args = append(args, after.At, after.ID)
		where = append(where, fmt.Sprintf("(updated_at, hash) < ($%d, $%d)", len(args)-1, len(args)))
	}
	query := selectCommitment
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY updated_at DESC, hash DESC LIMIT $%d", len(args))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanCommitments(rows)
}

func scanCommitments(rows *sql.Rows) ([]*Commitment, error) {
	var out []*Commitment
	for rows.Next() {
		c := &Commitment{}
		var (
			state                                    string
			amount, registerTx, proveTx, withdrawTx sql.NullString
			root                                     sql.NullString
		)
		if err := rows.Scan(&c.Hash, &amount, &state, &registerTx, &proveTx, &withdrawTx,
			&root, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		c.State = State(state)
		c.Amount = amount.String
		c.RegisterTx = registerTx.String
		c.ProveTx = proveTx.String
		c.WithdrawTx = withdrawTx.String
		c.Root = root.String
		out = append(out, c)
	}
	if err := rows.Err(); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	return out, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
