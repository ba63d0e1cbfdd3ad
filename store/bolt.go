package store

import (
	"encoding/binary"
	"time"

	"github.com/gitzhang10/friends/dag"
	bolt "go.etcd.io/bbolt"
)

var (
	entriesBucket = []byte("entries") // hash -> seq (8 bytes) + data
	seqBucket     = []byte("seq")     // seq (8 bytes) -> hash
)

// Bolt is a dag.Store kept in a single bbolt file.
type Bolt struct {
	db *bolt.DB
}

var _ dag.Store = (*Bolt)(nil)

// OpenBolt opens or creates the bbolt file at path.
func OpenBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(entriesBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(seqBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Bolt{db: db}, nil
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}

func (b *Bolt) Put(rec dag.Record) (bool, error) {
	inserted := false
	err := b.db.Update(func(tx *bolt.Tx) error {
		entries := tx.Bucket(entriesBucket)
		if entries.Get(rec.Hash[:]) != nil {
			return nil
		}
		v := make([]byte, 8+len(rec.Data))
		binary.BigEndian.PutUint64(v, rec.Seq)
		copy(v[8:], rec.Data)
		if err := entries.Put(rec.Hash[:], v); err != nil {
			return err
		}
		inserted = true
		return tx.Bucket(seqBucket).Put(seqKey(rec.Seq), rec.Hash[:])
	})
	return inserted, err
}

func (b *Bolt) Get(hash dag.Hash) (dag.Record, error) {
	var rec dag.Record
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(entriesBucket).Get(hash[:])
		if v == nil {
			return dag.ErrNotFound
		}
		rec = decodeBoltValue(hash, v)
		return nil
	})
	return rec, err
}

// decodeBoltValue copies v, which is only valid inside the transaction.
func decodeBoltValue(hash dag.Hash, v []byte) dag.Record {
	return dag.Record{
		Hash: hash,
		Seq:  binary.BigEndian.Uint64(v[:8]),
		Data: append([]byte(nil), v[8:]...),
	}
}

func (b *Bolt) Has(hash dag.Hash) (bool, error) {
	found := false
	err := b.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(entriesBucket).Get(hash[:]) != nil
		return nil
	})
	return found, err
}

func (b *Bolt) Range(since uint64, fn func(dag.Record) error) error {
	return b.db.View(func(tx *bolt.Tx) error {
		entries := tx.Bucket(entriesBucket)
		c := tx.Bucket(seqBucket).Cursor()
		for k, h := c.Seek(seqKey(since + 1)); k != nil; k, h = c.Next() {
			hash, err := dag.HashFromBytes(h)
			if err != nil {
				return err
			}
			v := entries.Get(h)
			if v == nil {
				return dag.ErrNotFound
			}
			if err := fn(decodeBoltValue(hash, v)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *Bolt) Close() error {
	return b.db.Close()
}
