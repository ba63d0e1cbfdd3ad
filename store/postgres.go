package store

import (
	"context"
	"errors"
	"time"

	"github.com/gitzhang10/friends/dag"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS friends_entries (
	seq  BIGINT PRIMARY KEY,
	hash BYTEA NOT NULL UNIQUE,
	data BYTEA NOT NULL
);`

// Postgres is a dag.Store kept in a PostgreSQL table.
type Postgres struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

var _ dag.Store = (*Postgres)(nil)

// OpenPostgres connects to dsn and creates the table if needed.
func OpenPostgres(ctx context.Context, dsn string, timeout time.Duration) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, err
	}
	return &Postgres{pool: pool, timeout: timeout}, nil
}

func (p *Postgres) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), p.timeout)
}

func (p *Postgres) Put(rec dag.Record) (bool, error) {
	ctx, cancel := p.ctx()
	defer cancel()
	tag, err := p.pool.Exec(ctx,
		"INSERT INTO friends_entries (seq, hash, data) VALUES ($1, $2, $3) ON CONFLICT (hash) DO NOTHING",
		int64(rec.Seq), rec.Hash[:], rec.Data)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (p *Postgres) Get(hash dag.Hash) (dag.Record, error) {
	ctx, cancel := p.ctx()
	defer cancel()
	var (
		seq  int64
		data []byte
	)
	err := p.pool.QueryRow(ctx, "SELECT seq, data FROM friends_entries WHERE hash = $1", hash[:]).Scan(&seq, &data)
	if errors.Is(err, pgx.ErrNoRows) {
		return dag.Record{}, dag.ErrNotFound
	}
	if err != nil {
		return dag.Record{}, err
	}
	return dag.Record{Hash: hash, Seq: uint64(seq), Data: data}, nil
}

func (p *Postgres) Has(hash dag.Hash) (bool, error) {
	ctx, cancel := p.ctx()
	defer cancel()
	var found bool
	err := p.pool.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM friends_entries WHERE hash = $1)", hash[:]).Scan(&found)
	return found, err
}

func (p *Postgres) Range(since uint64, fn func(dag.Record) error) error {
	rows, err := p.pool.Query(context.Background(),
		"SELECT seq, hash, data FROM friends_entries WHERE seq > $1 ORDER BY seq", int64(since))
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			seq  int64
			h    []byte
			data []byte
		)
		if err := rows.Scan(&seq, &h, &data); err != nil {
			return err
		}
		hash, err := dag.HashFromBytes(h)
		if err != nil {
			return err
		}
		if err := fn(dag.Record{Hash: hash, Seq: uint64(seq), Data: data}); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
