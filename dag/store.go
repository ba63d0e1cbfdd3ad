package dag

import (
	"sort"
	"sync"
)

// Record is the unit kept by a Store: the canonical encoding of an entry,
// its hash, and the local sequence it was stored under.
type Record struct {
	Hash Hash
	Seq  uint64
	Data []byte
}

// Store is the content addressed entry storage behind a Log.
// Implementations must make Put idempotent by hash. The Log serializes
// all calls to Put.
type Store interface {
	// Put stores the record and reports whether it was newly inserted.
	Put(rec Record) (bool, error)
	// Get returns ErrNotFound when the hash is absent.
	Get(hash Hash) (Record, error)
	Has(hash Hash) (bool, error)
	// Range calls fn for every record with Seq > since, ascending.
	Range(since uint64, fn func(Record) error) error
	Close() error
}

// MemStore keeps records in memory. It is lost on exit.
type MemStore struct {
	lock   sync.RWMutex
	byHash map[Hash]Record
	bySeq  []Record // ascending Seq
}

var _ Store = (*MemStore)(nil)

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{byHash: make(map[Hash]Record)}
}

func (m *MemStore) Put(rec Record) (bool, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if _, ok := m.byHash[rec.Hash]; ok {
		return false, nil
	}
	rec.Data = append([]byte(nil), rec.Data...)
	m.byHash[rec.Hash] = rec
	i := sort.Search(len(m.bySeq), func(i int) bool { return m.bySeq[i].Seq > rec.Seq })
	m.bySeq = append(m.bySeq, Record{})
	copy(m.bySeq[i+1:], m.bySeq[i:])
	m.bySeq[i] = rec
	return true, nil
}

func (m *MemStore) Get(hash Hash) (Record, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	rec, ok := m.byHash[hash]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (m *MemStore) Has(hash Hash) (bool, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	_, ok := m.byHash[hash]
	return ok, nil
}

func (m *MemStore) Range(since uint64, fn func(Record) error) error {
	m.lock.RLock()
	i := sort.Search(len(m.bySeq), func(i int) bool { return m.bySeq[i].Seq > since })
	recs := append([]Record(nil), m.bySeq[i:]...)
	m.lock.RUnlock()
	for _, rec := range recs {
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemStore) Close() error {
	return nil
}
