/*
Package swarm ties a replica together: the store and the causal log, the
transport accepting and dialing peers, the discoverers finding them, and one
replication session per connected peer.
*/
package swarm

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/alexandremahdhaoui/tooling/pkg/flaterrors"
	"github.com/gitzhang10/friends/chat"
	"github.com/gitzhang10/friends/config"
	"github.com/gitzhang10/friends/conn"
	"github.com/gitzhang10/friends/dag"
	"github.com/gitzhang10/friends/discovery"
	"github.com/gitzhang10/friends/replicate"
	"github.com/gitzhang10/friends/store"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/errgroup"
)

var (
	ErrClosed        = errors.New("swarm is closed")
	ErrDuplicatePeer = errors.New("peer is already connected")
	ErrSelf          = errors.New("connected to self")
	ErrTooManyPeers  = errors.New("too many peers")
)

// PeerInfo describes a connected peer.
type PeerInfo struct {
	ID       string
	Name     string
	Addr     string // dialed address, empty for accepted connections
	Outbound bool
	State    replicate.State
}

type peerSession struct {
	session  *replicate.Session
	addr     string
	outbound bool
}

// Swarm is one replica of the chat room.
type Swarm struct {
	conf   *config.Config
	id     string
	logger hclog.Logger

	store dag.Store
	log   *dag.Log
	trans *conn.NetworkTransport
	self  discovery.Peer

	discoverers []discovery.Discoverer
	signer      *chat.Signer
	keyring     chat.Keyring
	events      *eventMux

	lock     sync.Mutex
	sessions map[string]*peerSession // by peer id, once the handshake is done
	pending  map[*replicate.Session]*peerSession
	dialing  map[string]struct{}
	started  bool
	closed   bool
	cancel   context.CancelFunc
	group    *errgroup.Group
	wg       sync.WaitGroup
}

// New opens the store and the log named by conf and binds the listener.
// Nothing is dialed or accepted before Start.
func New(ctx context.Context, conf *config.Config, logger hclog.Logger) (*Swarm, error) {
	if logger == nil {
		logger = hclog.New(&hclog.LoggerOptions{
			Name:   "friends-swarm",
			Output: hclog.DefaultOutput,
			Level:  hclog.Level(conf.LogLevel),
		})
	}
	st, err := store.Open(ctx, conf)
	if err != nil {
		return nil, err
	}
	l, err := dag.Open(st, logger.Named("dag"))
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	trans, err := conn.NewTCPTransport(conf.ListenAddr, conf.DialTimeout, logger.Named("net"), replicate.ReflectedTypesMap)
	if err != nil {
		_ = l.Close()
		_ = st.Close()
		return nil, err
	}

	s := &Swarm{
		conf:     conf,
		id:       uuid.NewString(),
		logger:   logger,
		store:    st,
		log:      l,
		trans:    trans,
		keyring:  chat.Keyring(conf.PublicKeyMap),
		events:   newEventMux(eventDispatchTimeout),
		sessions: make(map[string]*peerSession),
		pending:  make(map[*replicate.Session]*peerSession),
		dialing:  make(map[string]struct{}),
	}
	s.self = discovery.Peer{ID: s.id, Addr: conf.Advertise(trans.LocalAddr())}
	if conf.PrivateKey != nil {
		s.signer = chat.NewSigner(conf.PrivateKey)
	}
	if len(conf.StaticPeers) > 0 {
		s.discoverers = append(s.discoverers, discovery.NewStatic(conf.StaticPeers))
	}
	if conf.SignalHubURL != "" {
		s.discoverers = append(s.discoverers, discovery.NewSignalHub(conf.SignalHubURL, s.self, logger.Named("signalhub")))
	}
	if conf.MDNS {
		s.discoverers = append(s.discoverers, discovery.NewMDNS(s.self, logger.Named("mdns")))
	}
	return s, nil
}

// Start accepts inbound peers and dials the discovered ones until ctx is
// cancelled or Close is called.
func (s *Swarm) Start(ctx context.Context) error {
	s.lock.Lock()
	if s.closed {
		s.lock.Unlock()
		return ErrClosed
	}
	if s.started {
		s.lock.Unlock()
		return errors.New("swarm is already started")
	}
	s.started = true
	ctx, cancel := context.WithCancel(ctx)
	group, ctx := errgroup.WithContext(ctx)
	s.cancel = cancel
	s.group = group
	s.lock.Unlock()

	since := s.log.Sequence()
	group.Go(func() error {
		return s.acceptLoop(ctx)
	})
	group.Go(func() error {
		return s.entryLoop(ctx, since)
	})
	for _, d := range s.discoverers {
		ch, err := d.Discover(ctx, s.conf.Rendezvous)
		if err != nil {
			cancel()
			return err
		}
		group.Go(func() error {
			s.dialLoop(ctx, ch)
			return nil
		})
	}
	s.logger.Info("swarm started", "id", s.id, "addr", s.self.Addr,
		"rendezvous", s.conf.Rendezvous, "discoverers", len(s.discoverers))
	return nil
}

// Wait blocks until the loops started by Start are done.
func (s *Swarm) Wait() error {
	s.lock.Lock()
	group := s.group
	s.lock.Unlock()
	if group == nil {
		return nil
	}
	return group.Wait()
}

func (s *Swarm) acceptLoop(ctx context.Context) error {
	for {
		select {
		case netConn := <-s.trans.ConnChan():
			s.startSession(ctx, netConn, "")
		case <-ctx.Done():
			return nil
		}
	}
}

// entryLoop reports every entry stored after since, whether appended here or
// received from a peer.
func (s *Swarm) entryLoop(ctx context.Context, since uint64) error {
	stream := s.log.CreateReadStream(dag.ReadStreamOptions{Live: true, Since: since})
	defer stream.Close()
	for {
		e, err := stream.Next(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, dag.ErrClosed) {
				return nil
			}
			return err
		}
		s.events.emit(Event{Type: EntryAppended, Entry: e})
	}
}

func (s *Swarm) dialLoop(ctx context.Context, peers <-chan discovery.Peer) {
	for p := range peers {
		if ctx.Err() != nil {
			return
		}
		if !s.shouldDial(p) {
			continue
		}
		go s.dial(ctx, p.Addr)
	}
}

// shouldDial reports whether p is worth a connection, and if so reserves
// its address. Between two known peers only the lower id dials.
func (s *Swarm) shouldDial(p discovery.Peer) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed || p.Addr == "" || p.Addr == s.self.Addr {
		return false
	}
	if p.ID != "" {
		if p.ID == s.id || s.id > p.ID {
			return false
		}
		if _, ok := s.sessions[p.ID]; ok {
			return false
		}
	}
	if _, ok := s.dialing[p.Addr]; ok {
		return false
	}
	for _, ps := range s.sessions {
		if ps.addr == p.Addr {
			return false
		}
	}
	for _, ps := range s.pending {
		if ps.addr == p.Addr {
			return false
		}
	}
	if s.conf.MaxPeers > 0 && len(s.sessions)+len(s.pending)+len(s.dialing) >= s.conf.MaxPeers {
		return false
	}
	s.dialing[p.Addr] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Swarm) dial(ctx context.Context, addr string) {
	defer s.wg.Done()
	netConn, err := s.trans.Dial(addr)
	if err != nil {
		s.lock.Lock()
		delete(s.dialing, addr)
		s.lock.Unlock()
		s.logger.Debug("fail to dial peer", "addr", addr, "error", err)
		return
	}
	s.startSession(ctx, netConn, addr)
}

// startSession replicates over netConn until it fails. addr is empty for an
// accepted connection.
func (s *Swarm) startSession(ctx context.Context, netConn *conn.NetConn, addr string) {
	ps := &peerSession{addr: addr, outbound: addr != ""}
	ps.session = replicate.NewSession(s.log, netConn, replicate.Config{
		LocalID: s.id,
		Name:    s.conf.Name,
		Logger:  s.logger.Named("replicate"),
		OnHandshake: func(peerID, name string) error {
			return s.register(ps, peerID, name)
		},
	})

	s.lock.Lock()
	if addr != "" {
		delete(s.dialing, addr)
	}
	if s.closed {
		s.lock.Unlock()
		_ = netConn.Release()
		return
	}
	s.pending[ps.session] = ps
	s.wg.Add(1)
	s.lock.Unlock()

	go func() {
		defer s.wg.Done()
		err := ps.session.Run(ctx)
		s.unregister(ps)
		switch {
		case err == nil:
		case errors.Is(err, ErrDuplicatePeer), errors.Is(err, ErrSelf):
			s.logger.Debug("dropped connection", "remote-address", netConn.Target(), "reason", err)
		default:
			s.logger.Warn("peer connection failed", "peer", ps.session.PeerID(), "error", err)
		}
	}()
}

// preferred reports whether ps was dialed by the lower of the two ids. Both
// ends agree on it, so they keep the same one of two crossing connections.
func (s *Swarm) preferred(ps *peerSession, peerID string) bool {
	return ps.outbound == (s.id < peerID)
}

func (s *Swarm) register(ps *peerSession, peerID, name string) error {
	s.lock.Lock()
	if peerID == s.id {
		s.lock.Unlock()
		return ErrSelf
	}
	var replaced *peerSession
	if existing, ok := s.sessions[peerID]; ok {
		if s.preferred(existing, peerID) || !s.preferred(ps, peerID) {
			s.lock.Unlock()
			return ErrDuplicatePeer
		}
		replaced = existing
	} else if s.conf.MaxPeers > 0 && len(s.sessions) >= s.conf.MaxPeers {
		s.lock.Unlock()
		return ErrTooManyPeers
	}
	delete(s.pending, ps.session)
	s.sessions[peerID] = ps
	s.lock.Unlock()

	if replaced != nil {
		s.logger.Debug("replacing crossing connection", "peer", peerID)
		_ = replaced.session.Close()
		return nil
	}
	s.logger.Info("peer connected", "peer", peerID, "name", name, "outbound", ps.outbound)
	s.events.emit(Event{Type: PeerConnected, PeerID: peerID, PeerName: name})
	return nil
}

func (s *Swarm) unregister(ps *peerSession) {
	peerID := ps.session.PeerID()
	s.lock.Lock()
	delete(s.pending, ps.session)
	registered := peerID != "" && s.sessions[peerID] == ps
	if registered {
		delete(s.sessions, peerID)
	}
	s.lock.Unlock()

	if registered {
		s.logger.Info("peer disconnected", "peer", peerID)
		s.events.emit(Event{Type: PeerDisconnected, PeerID: peerID, PeerName: ps.session.PeerName()})
	}
}

// Send writes a chat message from the local user, signed when a private key
// is configured.
func (s *Swarm) Send(channel, text string) (*dag.Entry, error) {
	m, err := chat.Compose(s.conf.Name, channel, text, time.Now())
	if err != nil {
		return nil, err
	}
	if s.signer != nil {
		if err := s.signer.Sign(m); err != nil {
			return nil, err
		}
	}
	payload, err := m.Encode()
	if err != nil {
		return nil, err
	}
	return s.log.Append(payload)
}

// Feed returns the chat messages, starting with the configured backlog.
func (s *Swarm) Feed() *chat.Feed {
	return chat.NewFeed(s.log, s.conf.Backlog, s.keyring, s.logger.Named("feed"))
}

// Events returns the events of the given types, every type if none is
// given, and the function to stop watching.
func (s *Swarm) Events(types ...EventType) (<-chan Event, func()) {
	return s.events.watch(types...)
}

// Peers returns the connected peers sorted by id.
func (s *Swarm) Peers() []PeerInfo {
	s.lock.Lock()
	defer s.lock.Unlock()
	out := make([]PeerInfo, 0, len(s.sessions))
	for id, ps := range s.sessions {
		out = append(out, PeerInfo{
			ID:       id,
			Name:     ps.session.PeerName(),
			Addr:     ps.addr,
			Outbound: ps.outbound,
			State:    ps.session.State(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ID returns the random id of this replica, new on every run.
func (s *Swarm) ID() string {
	return s.id
}

// Addr returns the address announced to other peers.
func (s *Swarm) Addr() string {
	return s.self.Addr
}

func (s *Swarm) Log() *dag.Log {
	return s.log
}

// Close stops the swarm: sessions first, then the transport and the
// discoverers, then the log and the store.
func (s *Swarm) Close() error {
	s.lock.Lock()
	if s.closed {
		s.lock.Unlock()
		return nil
	}
	s.closed = true
	cancel := s.cancel
	group := s.group
	var sessions []*peerSession
	for _, ps := range s.sessions {
		sessions = append(sessions, ps)
	}
	for _, ps := range s.pending {
		sessions = append(sessions, ps)
	}
	s.lock.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, ps := range sessions {
		_ = ps.session.Close()
	}
	var errs []error
	if err := s.trans.Close(); err != nil {
		errs = append(errs, err)
	}
	for _, d := range s.discoverers {
		if err := d.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if group != nil {
		if err := group.Wait(); err != nil {
			errs = append(errs, err)
		}
	}
	s.wg.Wait()
	s.events.close()
	if err := s.log.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.store.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return flaterrors.Join(errs...)
	}
	s.logger.Info("swarm closed", "id", s.id)
	return nil
}
