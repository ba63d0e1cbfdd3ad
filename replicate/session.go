/*
Package replicate implements the exchange that reconciles two causal logs
over one peer connection. Both sides run the same session: they swap their
heads, pull the entries they do not know, and push every entry stored
locally afterwards. A session keeps no state that outlives its connection.
*/
package replicate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"sync"

	"github.com/gitzhang10/friends/conn"
	"github.com/gitzhang10/friends/dag"
	"github.com/hashicorp/go-hclog"
)

// ErrConnection wraps the stream error that ended a session.
var ErrConnection = errors.New("peer connection failed")

// State of a session.
type State int

const (
	Connected State = iota
	Exchanging
	Idle
	Closed
)

func (s State) String() string {
	switch s {
	case Connected:
		return "connected"
	case Exchanging:
		return "exchanging"
	case Idle:
		return "idle"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

const (
	defaultMaxBatch  = 64   // entries per Entries frame
	defaultMaxParked = 4096 // entries waiting for their predecessors
	defaultMaxLag    = 1024 // pushes behind the log before falling back to heads
)

// Config holds the parameters of a session.
type Config struct {
	LocalID string
	Name    string
	Logger  hclog.Logger

	// OnHandshake is called once the peer identified itself. Returning an
	// error closes the session, e.g. for a duplicate connection.
	OnHandshake func(peerID, name string) error

	// MaxBatch is the number of entries sent per frame.
	MaxBatch int
	// MaxParked bounds the entries held for missing predecessors. Beyond it
	// only the links of an entry are kept and the entry is wanted again.
	MaxParked int
	MaxLag    uint64
}

// Session runs the replication protocol over one connection.
type Session struct {
	log     *dag.Log
	netConn *conn.NetConn
	logger  hclog.Logger
	config  Config

	lock      sync.Mutex
	state     State
	peerID    string
	peerName  string
	peerKnown map[dag.Hash]struct{} // entries the peer holds
	requested map[dag.Hash]struct{} // wanted and not received yet
	parked    map[dag.Hash]*dag.Entry
	dropped   map[dag.Hash][]dag.Hash // over MaxParked, by hash to predecessors
	waiting   map[dag.Hash][]dag.Hash // missing predecessor to the entries held for it

	// msgs produced while reading are queued so that the read loop never
	// blocks on a write
	outLock   sync.Mutex
	outQueue  []outMsg
	outNotify chan struct{}

	handshakeCh chan struct{}
	closeOnce   sync.Once
	done        chan struct{}
}

type outMsg struct {
	tag uint8
	msg interface{}
}

// NewSession prepares a session. Nothing is sent before Run.
func NewSession(log *dag.Log, netConn *conn.NetConn, config Config) *Session {
	if config.Logger == nil {
		config.Logger = hclog.NewNullLogger()
	}
	if config.MaxBatch <= 0 {
		config.MaxBatch = defaultMaxBatch
	}
	if config.MaxParked <= 0 {
		config.MaxParked = defaultMaxParked
	}
	if config.MaxLag == 0 {
		config.MaxLag = defaultMaxLag
	}
	return &Session{
		log:         log,
		netConn:     netConn,
		logger:      config.Logger.With("remote-address", netConn.Target()),
		config:      config,
		state:       Connected,
		peerKnown:   make(map[dag.Hash]struct{}),
		requested:   make(map[dag.Hash]struct{}),
		parked:      make(map[dag.Hash]*dag.Entry),
		dropped:     make(map[dag.Hash][]dag.Hash),
		waiting:     make(map[dag.Hash][]dag.Hash),
		outNotify:   make(chan struct{}, 1),
		handshakeCh: make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Run exchanges entries until the connection fails, ctx is cancelled or
// Close is called. Entries integrated before that are kept.
func (s *Session) Run(ctx context.Context) error {
	defer s.Close()

	// Entries stored after since are pushed, the ones before are announced
	// by the heads of the handshake.
	since := s.log.Sequence()
	s.enqueue(HandshakeTag, &Handshake{
		PeerID: s.config.LocalID,
		Name:   s.config.Name,
		Heads:  dag.HashesToBytes(s.log.Heads()),
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-runCtx.Done():
			s.Close()
		case <-s.done:
		}
	}()

	errCh := make(chan error, 2)
	go func() {
		errCh <- s.writeLoop()
	}()
	go func() {
		errCh <- s.pushLoop(runCtx, since)
	}()

	err := s.readLoop()
	s.Close()
	cancel()
	for i := 0; i < 2; i++ {
		if werr := <-errCh; err == nil {
			err = werr
		}
	}
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrConnection, err)
}

// enqueue hands a msg to the write loop.
func (s *Session) enqueue(tag uint8, msg interface{}) {
	s.outLock.Lock()
	s.outQueue = append(s.outQueue, outMsg{tag: tag, msg: msg})
	s.outLock.Unlock()
	select {
	case s.outNotify <- struct{}{}:
	default:
	}
}

func (s *Session) writeLoop() error {
	for {
		select {
		case <-s.outNotify:
		case <-s.done:
			return nil
		}
		for {
			s.outLock.Lock()
			queue := s.outQueue
			s.outQueue = nil
			s.outLock.Unlock()
			if len(queue) == 0 {
				break
			}
			for _, m := range queue {
				if err := s.netConn.SendMsg(m.tag, m.msg); err != nil {
					return s.sendErr(err)
				}
			}
		}
	}
}

func (s *Session) readLoop() error {
	for {
		_, msg, err := s.netConn.ReadMsg()
		if err != nil {
			if s.isClosed() {
				return nil
			}
			return err
		}
		if err := s.handleMsg(msg); err != nil {
			return err
		}
	}
}

func (s *Session) handleMsg(msg interface{}) error {
	switch msgAsserted := msg.(type) {
	case Handshake:
		return s.handleHandshake(&msgAsserted)
	case Heads:
		hashes, err := dag.HashesFromBytes(msgAsserted.Hashes)
		if err != nil {
			return err
		}
		s.markKnown(hashes...)
		return s.wantUnknown(hashes)
	case Want:
		hashes, err := dag.HashesFromBytes(msgAsserted.Hashes)
		if err != nil {
			return err
		}
		return s.handleWant(hashes)
	case Entries:
		return s.handleEntries(msgAsserted.Entries)
	}
	return fmt.Errorf("unexpected msg %T", msg)
}

func (s *Session) handleHandshake(hs *Handshake) error {
	s.lock.Lock()
	if s.peerID != "" {
		s.lock.Unlock()
		return errors.New("duplicate handshake")
	}
	s.peerID = hs.PeerID
	s.peerName = hs.Name
	s.lock.Unlock()

	s.logger.Debug("handshake received", "peer", hs.PeerID, "name", hs.Name, "heads", len(hs.Heads))
	if s.config.OnHandshake != nil {
		if err := s.config.OnHandshake(hs.PeerID, hs.Name); err != nil {
			return err
		}
	}

	hashes, err := dag.HashesFromBytes(hs.Heads)
	if err != nil {
		return err
	}
	s.markKnown(hashes...)
	close(s.handshakeCh)
	s.setState(Idle)
	return s.wantUnknown(hashes)
}

// wantUnknown requests the hashes that are neither stored, requested nor
// held back.
func (s *Session) wantUnknown(hashes []dag.Hash) error {
	var wanted []dag.Hash
	s.lock.Lock()
	for _, h := range hashes {
		if _, ok := s.requested[h]; ok {
			continue
		}
		if _, ok := s.parked[h]; ok {
			continue
		}
		if _, ok := s.dropped[h]; ok {
			continue
		}
		if s.log.Has(h) {
			continue
		}
		s.requested[h] = struct{}{}
		wanted = append(wanted, h)
	}
	s.lock.Unlock()
	s.updateState()
	if len(wanted) == 0 {
		return nil
	}
	s.logger.Trace("pulling entries", "count", len(wanted))
	s.enqueue(WantTag, &Want{Hashes: dag.HashesToBytes(wanted)})
	return nil
}

// handleWant answers with the wanted entries and every ancestor the peer is
// not known to hold, oldest first, so that the peer can store them as they
// come.
func (s *Session) handleWant(wanted []dag.Hash) error {
	visited := make(map[dag.Hash]struct{})
	explicit := make(map[dag.Hash]struct{}, len(wanted))
	for _, h := range wanted {
		explicit[h] = struct{}{}
	}
	var found []*dag.Entry
	queue := append([]dag.Hash(nil), wanted...)
	for len(queue) > 0 {
		h := queue[0]
		queue = queue[1:]
		if _, ok := visited[h]; ok {
			continue
		}
		visited[h] = struct{}{}
		if _, ok := explicit[h]; !ok && s.knows(h) {
			continue
		}
		e, err := s.log.Get(h)
		if err != nil {
			if !errors.Is(err, dag.ErrNotFound) {
				s.logger.Error("failed to read wanted entry", "hash", h.Short(), "error", err)
			}
			continue
		}
		found = append(found, e)
		queue = append(queue, e.Predecessors...)
	}
	// the local sequence is a topological order
	sort.Slice(found, func(i, j int) bool { return found[i].Seq < found[j].Seq })
	return s.sendEntries(found, func(tag uint8, msg interface{}) error {
		s.enqueue(tag, msg)
		return nil
	})
}

// sendEntries frames list with send and marks the entries as held by the peer.
func (s *Session) sendEntries(list []*dag.Entry, send func(uint8, interface{}) error) error {
	for len(list) > 0 {
		n := len(list)
		if n > s.config.MaxBatch {
			n = s.config.MaxBatch
		}
		frame := &Entries{Entries: make([]WireEntry, n)}
		hashes := make([]dag.Hash, n)
		for i, e := range list[:n] {
			frame.Entries[i] = toWire(e)
			hashes[i] = e.Hash
		}
		if err := send(EntriesTag, frame); err != nil {
			return err
		}
		s.markKnown(hashes...)
		list = list[n:]
	}
	return nil
}

func toWire(e *dag.Entry) WireEntry {
	return WireEntry{
		Hash:         e.Hash.Bytes(),
		Predecessors: dag.HashesToBytes(e.Predecessors),
		Payload:      e.Payload,
	}
}

func (s *Session) handleEntries(list []WireEntry) error {
	for _, we := range list {
		hash, err := dag.HashFromBytes(we.Hash)
		if err != nil {
			return err
		}
		preds, err := dag.HashesFromBytes(we.Predecessors)
		if err != nil {
			return err
		}
		if err := s.integrate(&dag.Entry{Hash: hash, Predecessors: preds, Payload: we.Payload}); err != nil {
			return err
		}
	}
	s.updateState()
	return nil
}

// integrate adds one remote entry to the log, holding it back when some of
// its predecessors are still missing.
func (s *Session) integrate(e *dag.Entry) error {
	s.lock.Lock()
	delete(s.requested, e.Hash)
	s.peerKnown[e.Hash] = struct{}{}
	s.lock.Unlock()

	_, err := s.log.AddEntry(e.Predecessors, e.Payload, e.Hash)
	var missing *dag.MissingPredecessorError
	switch {
	case err == nil:
		s.lock.Lock()
		delete(s.dropped, e.Hash)
		s.lock.Unlock()
		return s.wake(e.Hash)
	case errors.As(err, &missing):
		return s.park(e, missing.Missing)
	case errors.Is(err, dag.ErrHashMismatch):
		s.logger.Error("dropping corrupted entry", "hash", e.Hash.Short(), "error", err)
		return nil
	default:
		return err
	}
}

// park holds e until its missing predecessors are stored and wants them.
// Past MaxParked the payload is let go, and e is wanted again once its
// predecessors are stored.
func (s *Session) park(e *dag.Entry, missing []dag.Hash) error {
	s.lock.Lock()
	_, parked := s.parked[e.Hash]
	_, dropped := s.dropped[e.Hash]
	if !parked && !dropped {
		if len(s.parked) < s.config.MaxParked {
			s.parked[e.Hash] = e
		} else {
			s.dropped[e.Hash] = e.Predecessors
			s.logger.Debug("too many parked entries, keeping links only", "hash", e.Hash.Short())
		}
		for _, h := range missing {
			s.waiting[h] = append(s.waiting[h], e.Hash)
		}
	}
	s.lock.Unlock()

	if err := s.wantUnknown(missing); err != nil {
		return err
	}
	// another session may have stored them in the meantime
	if s.hasAll(missing) {
		return s.wake(missing...)
	}
	return nil
}

// wake stores the parked entries that were waiting on the stored hashes,
// and on the entries stored in turn. Dropped entries that became ready are
// wanted again.
func (s *Session) wake(stored ...dag.Hash) error {
	queue := append([]dag.Hash(nil), stored...)
	var again []dag.Hash
	for len(queue) > 0 {
		h := queue[0]
		queue = queue[1:]
		s.lock.Lock()
		dependents := s.waiting[h]
		delete(s.waiting, h)
		s.lock.Unlock()

		for _, d := range dependents {
			s.lock.Lock()
			e, isParked := s.parked[d]
			preds, isDropped := s.dropped[d]
			s.lock.Unlock()

			switch {
			case isParked:
				if !s.hasAll(e.Predecessors) {
					continue
				}
				s.lock.Lock()
				delete(s.parked, d)
				s.lock.Unlock()
				_, err := s.log.AddEntry(e.Predecessors, e.Payload, e.Hash)
				var missing *dag.MissingPredecessorError
				switch {
				case err == nil:
					queue = append(queue, d)
				case errors.As(err, &missing):
					if err := s.park(e, missing.Missing); err != nil {
						return err
					}
				case errors.Is(err, dag.ErrHashMismatch):
					s.logger.Error("dropping corrupted entry", "hash", d.Short(), "error", err)
				default:
					return err
				}
			case isDropped:
				if !s.hasAll(preds) {
					continue
				}
				s.lock.Lock()
				delete(s.dropped, d)
				s.lock.Unlock()
				again = append(again, d)
			}
		}
	}
	if len(again) == 0 {
		return nil
	}
	s.logger.Trace("wanting dropped entries again", "count", len(again))
	return s.wantUnknown(again)
}

func (s *Session) hasAll(hashes []dag.Hash) bool {
	for _, h := range hashes {
		if !s.log.Has(h) {
			return false
		}
	}
	return true
}

// pushLoop sends every entry stored after since that the peer does not
// hold. When it falls behind by more than MaxLag entries it skips ahead and
// announces its heads, leaving the peer to pull.
func (s *Session) pushLoop(ctx context.Context, since uint64) error {
	select {
	case <-s.handshakeCh:
	case <-s.done:
		return nil
	}

	stream := s.log.CreateReadStream(dag.ReadStreamOptions{Live: true, Since: since})
	defer func() { stream.Close() }()
	for {
		e, err := stream.Next(ctx)
		if err != nil {
			if errors.Is(err, dag.ErrClosed) || errors.Is(err, dag.ErrStreamClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		if s.knows(e.Hash) {
			continue
		}
		if seq := s.log.Sequence(); seq-e.Seq > s.config.MaxLag {
			stream.Close()
			stream = s.log.CreateReadStream(dag.ReadStreamOptions{Live: true, Since: seq})
			s.logger.Debug("push fell behind, announcing heads", "lag", seq-e.Seq)
			if err := s.netConn.SendMsg(HeadsTag, &Heads{Hashes: dag.HashesToBytes(s.log.Heads())}); err != nil {
				return s.sendErr(err)
			}
			continue
		}
		if err := s.sendEntries([]*dag.Entry{e}, s.netConn.SendMsg); err != nil {
			return s.sendErr(err)
		}
	}
}

func (s *Session) markKnown(hashes ...dag.Hash) {
	s.lock.Lock()
	defer s.lock.Unlock()
	for _, h := range hashes {
		s.peerKnown[h] = struct{}{}
	}
}

func (s *Session) knows(h dag.Hash) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	_, ok := s.peerKnown[h]
	return ok
}

func (s *Session) setState(state State) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.setStateLocked(state)
}

func (s *Session) setStateLocked(state State) {
	if s.state == Closed || s.state == state {
		return
	}
	s.logger.Trace("session state", "from", s.state, "to", state)
	s.state = state
}

// updateState moves between Idle and Exchanging depending on whether
// anything is still expected from the peer.
func (s *Session) updateState() {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.state == Connected {
		return
	}
	if len(s.requested) > 0 || len(s.parked) > 0 || len(s.dropped) > 0 {
		s.setStateLocked(Exchanging)
	} else {
		s.setStateLocked(Idle)
	}
}

// State returns the current state of the session.
func (s *Session) State() State {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.state
}

// PeerID returns the id sent by the peer, empty before the handshake.
func (s *Session) PeerID() string {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.peerID
}

// PeerName returns the username sent by the peer.
func (s *Session) PeerName() string {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.peerName
}

// Done is closed when the session is closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// sendErr drops write errors caused by closing the session.
func (s *Session) sendErr(err error) error {
	if s.isClosed() {
		return nil
	}
	return err
}

func (s *Session) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Close releases the connection. In-flight requests are abandoned.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.lock.Lock()
		s.state = Closed
		s.lock.Unlock()
		close(s.done)
		s.netConn.Release()
	})
	return nil
}
