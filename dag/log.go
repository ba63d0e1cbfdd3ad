/*
Package dag implements the causal log shared by all peers of a chat room.
Entries are content addressed and reference the hashes of the entries that
were heads when they were written, which makes the log a directed acyclic
graph. An entry is only stored once all of its predecessors are stored.
*/
package dag

import (
	"fmt"
	"sync"

	"github.com/alexandremahdhaoui/tooling/pkg/flaterrors"
	"github.com/hashicorp/go-hclog"
)

// Log is the causal log of one replica. All mutations are serialized by
// lock, so a read of the head set is never interleaved with a write.
type Log struct {
	lock   sync.RWMutex
	store  Store
	logger hclog.Logger

	index map[Hash]uint64 // map from hash to local sequence
	seqs  []Hash          // seqs[i] is the hash stored under sequence i+1
	heads map[Hash]struct{}

	// changed is closed and replaced every time an entry is stored.
	changed chan struct{}
	closed  bool
}

// Open loads the log kept by store, rebuilding the head set and the
// sequence index from the stored records.
func Open(store Store, logger hclog.Logger) (*Log, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	l := &Log{
		store:   store,
		logger:  logger,
		index:   make(map[Hash]uint64),
		heads:   make(map[Hash]struct{}),
		changed: make(chan struct{}),
	}
	err := store.Range(0, func(rec Record) error {
		if rec.Seq != uint64(len(l.seqs))+1 {
			return fmt.Errorf("sequence gap: expected %d, found %d", len(l.seqs)+1, rec.Seq)
		}
		e, err := decodeRecord(rec)
		if err != nil {
			return err
		}
		l.track(e)
		return nil
	})
	if err != nil {
		return nil, flaterrors.Join(err, ErrStoreFailure)
	}
	l.logger.Debug("log opened", "entries", len(l.seqs), "heads", len(l.heads))
	return l, nil
}

// track records a stored entry in the in-memory index. Called with the
// write lock held, or before the log is shared.
func (l *Log) track(e *Entry) {
	l.index[e.Hash] = e.Seq
	l.seqs = append(l.seqs, e.Hash)
	for _, p := range e.Predecessors {
		delete(l.heads, p)
	}
	l.heads[e.Hash] = struct{}{}
}

// Append writes a new entry whose predecessors are the current heads.
// On failure the head set is left unchanged.
func (l *Log) Append(payload []byte) (*Entry, error) {
	l.lock.Lock()
	defer l.lock.Unlock()
	if l.closed {
		return nil, ErrClosed
	}
	preds := l.headsLocked()
	e, err := l.insertLocked(preds, payload, nil)
	if err != nil {
		return nil, err
	}
	l.logger.Debug("appended entry", "hash", e.Hash.Short(), "seq", e.Seq, "predecessors", len(preds))
	return e, nil
}

// AddEntry accepts an entry written by another replica. All predecessors
// must already be stored, otherwise a *MissingPredecessorError is returned.
// Adding a hash that is already stored returns the stored entry and changes
// nothing.
func (l *Log) AddEntry(predecessors []Hash, payload []byte, hash Hash) (*Entry, error) {
	l.lock.Lock()
	defer l.lock.Unlock()
	if l.closed {
		return nil, ErrClosed
	}
	if seq, ok := l.index[hash]; ok {
		return l.getLocked(hash, seq)
	}
	var missing []Hash
	for _, p := range predecessors {
		if _, ok := l.index[p]; !ok {
			missing = append(missing, p)
		}
	}
	if len(missing) > 0 {
		return nil, &MissingPredecessorError{Entry: hash, Missing: missing}
	}
	e, err := l.insertLocked(predecessors, payload, &hash)
	if err != nil {
		return nil, err
	}
	l.logger.Trace("added remote entry", "hash", e.Hash.Short(), "seq", e.Seq)
	return e, nil
}

func (l *Log) insertLocked(preds []Hash, payload []byte, expected *Hash) (*Entry, error) {
	data, hash, err := encodeEntry(preds, payload)
	if err != nil {
		return nil, err
	}
	if expected != nil && *expected != hash {
		return nil, fmt.Errorf("%w: announced %s, computed %s", ErrHashMismatch, expected.Short(), hash.Short())
	}
	if seq, ok := l.index[hash]; ok {
		return l.getLocked(hash, seq)
	}
	seq := uint64(len(l.seqs)) + 1
	if _, err := l.store.Put(Record{Hash: hash, Seq: seq, Data: data}); err != nil {
		return nil, flaterrors.Join(err, ErrStoreFailure)
	}
	e := &Entry{
		Hash:         hash,
		Seq:          seq,
		Predecessors: append([]Hash(nil), preds...),
		Payload:      append([]byte(nil), payload...),
	}
	l.track(e)
	close(l.changed)
	l.changed = make(chan struct{})
	return e, nil
}

// Heads returns a sorted snapshot of the current head set.
func (l *Log) Heads() []Hash {
	l.lock.RLock()
	defer l.lock.RUnlock()
	return l.headsLocked()
}

func (l *Log) headsLocked() []Hash {
	heads := make([]Hash, 0, len(l.heads))
	for h := range l.heads {
		heads = append(heads, h)
	}
	sortHashes(heads)
	return heads
}

// Has reports whether the entry is stored locally.
func (l *Log) Has(hash Hash) bool {
	l.lock.RLock()
	defer l.lock.RUnlock()
	_, ok := l.index[hash]
	return ok
}

// Get returns the entry stored under hash, or ErrNotFound.
func (l *Log) Get(hash Hash) (*Entry, error) {
	l.lock.RLock()
	defer l.lock.RUnlock()
	seq, ok := l.index[hash]
	if !ok {
		return nil, ErrNotFound
	}
	return l.getLocked(hash, seq)
}

func (l *Log) getLocked(hash Hash, seq uint64) (*Entry, error) {
	rec, err := l.store.Get(hash)
	if err != nil {
		return nil, flaterrors.Join(err, ErrStoreFailure)
	}
	e, err := decodeRecord(rec)
	if err != nil {
		return nil, err
	}
	e.Seq = seq
	return e, nil
}

// AllEntries returns the entries with a sequence greater than since, in
// ascending sequence order. This is the local replay order, not a causal
// order across replicas.
func (l *Log) AllEntries(since uint64) ([]*Entry, error) {
	l.lock.RLock()
	defer l.lock.RUnlock()
	if since >= uint64(len(l.seqs)) {
		return nil, nil
	}
	out := make([]*Entry, 0, uint64(len(l.seqs))-since)
	for i := since; i < uint64(len(l.seqs)); i++ {
		e, err := l.getLocked(l.seqs[i], i+1)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// Sequence returns the highest local sequence, which is also the number of
// stored entries.
func (l *Log) Sequence() uint64 {
	l.lock.RLock()
	defer l.lock.RUnlock()
	return uint64(len(l.seqs))
}

// next returns the entry following cursor, or the channel that will be
// closed when one is stored.
func (l *Log) next(cursor uint64) (*Entry, <-chan struct{}, error) {
	l.lock.RLock()
	defer l.lock.RUnlock()
	if l.closed {
		return nil, nil, ErrClosed
	}
	if cursor < uint64(len(l.seqs)) {
		e, err := l.getLocked(l.seqs[cursor], cursor+1)
		return e, nil, err
	}
	return nil, l.changed, nil
}

// Close stops all read streams. The store is owned by the caller and is
// not closed.
func (l *Log) Close() error {
	l.lock.Lock()
	defer l.lock.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	close(l.changed)
	return nil
}
