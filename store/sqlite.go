package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/gitzhang10/friends/dag"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS entries (
	seq  INTEGER PRIMARY KEY,
	hash BLOB NOT NULL UNIQUE,
	data BLOB NOT NULL
);`

// SQLite is a dag.Store kept in a SQLite database.
type SQLite struct {
	db *sql.DB
}

var _ dag.Store = (*SQLite)(nil)

// OpenSQLite opens or creates the database at path.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Put(rec dag.Record) (bool, error) {
	res, err := s.db.Exec(
		"INSERT INTO entries (seq, hash, data) VALUES (?, ?, ?) ON CONFLICT(hash) DO NOTHING",
		int64(rec.Seq), rec.Hash[:], rec.Data)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLite) Get(hash dag.Hash) (dag.Record, error) {
	var (
		seq  int64
		data []byte
	)
	err := s.db.QueryRow("SELECT seq, data FROM entries WHERE hash = ?", hash[:]).Scan(&seq, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return dag.Record{}, dag.ErrNotFound
	}
	if err != nil {
		return dag.Record{}, err
	}
	return dag.Record{Hash: hash, Seq: uint64(seq), Data: data}, nil
}

func (s *SQLite) Has(hash dag.Hash) (bool, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(1) FROM entries WHERE hash = ?", hash[:]).Scan(&n)
	return n > 0, err
}

func (s *SQLite) Range(since uint64, fn func(dag.Record) error) error {
	rows, err := s.db.Query("SELECT seq, hash, data FROM entries WHERE seq > ? ORDER BY seq", int64(since))
	if err != nil {
		return err
	}
	// The single connection is held until rows is closed, so records are
	// collected before fn runs.
	var recs []dag.Record
	for rows.Next() {
		var (
			seq  int64
			h    []byte
			data []byte
		)
		if err := rows.Scan(&seq, &h, &data); err != nil {
			rows.Close()
			return err
		}
		hash, err := dag.HashFromBytes(h)
		if err != nil {
			rows.Close()
			return err
		}
		recs = append(recs, dag.Record{Hash: hash, Seq: uint64(seq), Data: data})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()
	for _, rec := range recs {
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
